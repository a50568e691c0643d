// Package cloud — очередь автоматических приглашений: подтягивает остальные
// аккаунты флота в каналы, до которых добрался краулер. Паузы между
// приглашениями джиттерятся, flood-wait поднимает нижнюю границу пауз,
// обработанные пары фиксируются в файле состояния.
package cloud

import (
	"context"
	"math/rand"
	"time"

	"github.com/go-faster/errors"

	"github.com/sword-epi/spectra/internal/domain/accounts"
	"github.com/sword-epi/spectra/internal/domain/fleet"
	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/infra/config"
	"github.com/sword-epi/spectra/internal/infra/logger"
	"github.com/sword-epi/spectra/internal/infra/timeutil"
)

// GatewayProvider выдаёт шлюз аккаунта по sessionHandle.
type GatewayProvider interface {
	Gateway(ctx context.Context, sessionHandle string) (gateway.Gateway, error)
}

// Queue — очередь приглашений. Потокобезопасность не требуется: очередь
// обрабатывается одним циклом оркестратора.
type Queue struct {
	state    *State
	provider GatewayProvider
	registry *accounts.Registry
	delays   config.InvitationDelays

	// floor — нижняя граница паузы; поднимается после flood-wait и не
	// опускается до конца работы очереди.
	floor time.Duration

	sleep func(time.Duration)
	rand  func() float64
}

// NewQueue создаёт очередь приглашений поверх файла состояния.
func NewQueue(state *State, provider GatewayProvider, registry *accounts.Registry, delays config.InvitationDelays) *Queue {
	return &Queue{
		state:    state,
		provider: provider,
		registry: registry,
		delays:   delays,
		sleep:    time.Sleep,
		rand:     rand.Float64,
	}
}

// jitter — пауза между приглашениями: uniform(min,max) · uniform(1−v, 1+v),
// но не меньше поднятой flood-wait'ом нижней границы.
func (q *Queue) jitter() time.Duration {
	base := q.delays.MinSeconds + q.rand()*(q.delays.MaxSeconds-q.delays.MinSeconds)
	factor := 1 - q.delays.Variance + q.rand()*2*q.delays.Variance
	d := time.Duration(base * factor * float64(time.Second))
	if d < q.floor {
		return q.floor
	}
	return d
}

// InviteAll проводит все незабаненные аккаунты в канал link (id channelID).
// Уже обработанные пары пропускаются. Возвращает карту аккаунт → ошибка.
func (q *Queue) InviteAll(ctx context.Context, channelID int64, link string) map[string]error {
	results := make(map[string]error)
	pending := 0
	for _, handle := range q.registry.Handles() {
		if q.registry.IsBanned(handle) || q.state.Has(channelID, handle) {
			continue
		}
		if ctx.Err() != nil {
			results[handle] = ctx.Err()
			continue
		}
		if pending > 0 {
			q.sleep(q.jitter())
		}
		pending++
		results[handle] = q.inviteOne(ctx, channelID, link, handle)
	}
	return results
}

// inviteOne заводит один аккаунт в канал. Пара становится терминальной при
// успехе и при ошибках цели (повтор не поможет); flood-wait оставляет пару
// в очереди и поднимает нижнюю границу пауз.
func (q *Queue) inviteOne(ctx context.Context, channelID int64, link, handle string) error {
	gw, err := q.provider.Gateway(ctx, handle)
	if err != nil {
		return errors.Wrapf(err, "open account %s", handle)
	}

	_, err = fleet.JoinWith(ctx, gw, link)
	switch {
	case err == nil:
		_ = q.registry.MarkSuccess(ctx, handle)
		if err := q.state.Mark(channelID, handle); err != nil {
			logger.Warnf("invitation state: %v", err)
		}
		logger.Infof("account %s invited to %d", handle, channelID)
		return nil
	case gateway.IsTargetError(err):
		// Канал недоступен этому аккаунту; пара терминальна.
		if markErr := q.state.Mark(channelID, handle); markErr != nil {
			logger.Warnf("invitation state: %v", markErr)
		}
		logger.Warnf("invite %s to %d: %v", handle, channelID, err)
		return err
	default:
		if sec, ok := gateway.AsFloodWait(err); ok {
			cooldown := timeutil.FloodWaitCooldown(sec)
			if cooldown > q.floor {
				q.floor = cooldown
			}
		}
		_ = q.registry.MarkFailure(ctx, handle, err, 0)
		return errors.Wrapf(err, "invite %s to %d", handle, channelID)
	}
}
