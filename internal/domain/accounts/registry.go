// Package accounts — реестр здоровья аккаунтов и ротатор их выбора.
// Реестр держит актуальное состояние в памяти и синхронно персистит каждое
// изменение; ротатор выбирает следующий пригодный аккаунт по настроенной
// политике, не трогая аккаунты в кулдауне и забаненные.
package accounts

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/infra/clock"
	"github.com/sword-epi/spectra/internal/infra/logger"
	"github.com/sword-epi/spectra/internal/infra/timeutil"
	"github.com/sword-epi/spectra/internal/store"
)

// Persister — подмножество операций хранилища, нужное реестру.
type Persister interface {
	UpsertAccount(ctx context.Context, a store.AccountState) error
	Accounts(ctx context.Context) ([]store.AccountState, error)
	TouchAccountUsage(ctx context.Context, sessionHandle string) error
	MarkAccountSuccess(ctx context.Context, sessionHandle string) error
	MarkAccountFailure(ctx context.Context, sessionHandle, lastError string,
		cooldownUntil time.Time, banned, floodWait bool) error
	ResetUsageCounts(ctx context.Context) error
}

// Registry — потокобезопасный реестр аккаунтов флота.
type Registry struct {
	mu    sync.Mutex
	db    Persister
	now   clock.Clock
	order []string // порядок регистрации, нужен sequential-политике
	state map[string]*store.AccountState
}

// NewRegistry регистрирует seeds в хранилище (существующие счётчики
// сохраняются) и загружает объединённое состояние в память.
func NewRegistry(ctx context.Context, db Persister, seeds []store.AccountState, now clock.Clock) (*Registry, error) {
	if now == nil {
		now = clock.System()
	}
	r := &Registry{
		db:    db,
		now:   now,
		state: make(map[string]*store.AccountState, len(seeds)),
	}
	for _, seed := range seeds {
		if err := db.UpsertAccount(ctx, seed); err != nil {
			return nil, errors.Wrapf(err, "register account %s", seed.SessionHandle)
		}
		r.order = append(r.order, seed.SessionHandle)
	}
	persisted, err := db.Accounts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load account states")
	}
	for i := range persisted {
		a := persisted[i]
		r.state[a.SessionHandle] = &a
	}
	// В памяти держим только аккаунты текущего флота; осиротевшие строки
	// прошлых конфигураций остаются в базе, но в ротацию не попадают.
	for _, handle := range r.order {
		if _, ok := r.state[handle]; !ok {
			return nil, errors.Errorf("account %s missing after registration", handle)
		}
	}
	return r, nil
}

// MarkSuccess фиксирует успешную операцию аккаунта.
func (r *Registry) MarkSuccess(ctx context.Context, sessionHandle string) error {
	r.mu.Lock()
	if a, ok := r.state[sessionHandle]; ok {
		a.SuccessCount++
		a.LastError = ""
	}
	r.mu.Unlock()
	return r.db.MarkAccountSuccess(ctx, sessionHandle)
}

// MarkFailure фиксирует ошибку операции и корректирует здоровье аккаунта:
//   - flood-wait в opErr ставит кулдаун на срок ожидания и счётчик flood_wait;
//   - фатальные auth-ошибки банят аккаунт;
//   - явный cooldown > 0 имеет приоритет над выведенным из ошибки
//     (ChannelsTooMuch — 24 часа, решает вызывающий).
func (r *Registry) MarkFailure(ctx context.Context, sessionHandle string, opErr error, cooldown time.Duration) error {
	if opErr == nil {
		return nil
	}
	now := r.now()
	banned := gateway.IsAuthFatal(opErr)
	floodWait := false
	if seconds, ok := gateway.AsFloodWait(opErr); ok {
		floodWait = true
		if cooldown == 0 {
			cooldown = timeutil.FloodWaitCooldown(seconds)
		}
	}
	var until time.Time
	if cooldown > 0 {
		until = now.Add(cooldown)
	}

	r.mu.Lock()
	if a, ok := r.state[sessionHandle]; ok {
		a.LastError = opErr.Error()
		if !until.IsZero() {
			a.CooldownUntil = until
		}
		if banned {
			a.IsBanned = true
		}
		if floodWait {
			a.FloodWaitCount++
		}
	}
	r.mu.Unlock()

	if banned {
		logger.Warnf("account %s banned: %v", sessionHandle, opErr)
	} else if !until.IsZero() {
		logger.Infof("account %s cooldown until %s: %v", sessionHandle, until.Format(time.RFC3339), opErr)
	}
	return r.db.MarkAccountFailure(ctx, sessionHandle, opErr.Error(), until, banned, floodWait)
}

// touchUsage фиксирует выбор аккаунта ротатором: usage_count++ и last_used.
func (r *Registry) touchUsage(ctx context.Context, sessionHandle string) error {
	r.mu.Lock()
	if a, ok := r.state[sessionHandle]; ok {
		a.UsageCount++
		a.LastUsedAt = r.now()
	}
	r.mu.Unlock()
	return r.db.TouchAccountUsage(ctx, sessionHandle)
}

// ResetUsageCounts обнуляет счётчики использования у всего флота.
func (r *Registry) ResetUsageCounts(ctx context.Context) error {
	r.mu.Lock()
	for _, a := range r.state {
		a.UsageCount = 0
	}
	r.mu.Unlock()
	return r.db.ResetUsageCounts(ctx)
}

// Eligible возвращает аккаунты, пригодные к выбору прямо сейчас,
// в порядке регистрации.
func (r *Registry) Eligible() []store.AccountState {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.AccountState
	for _, handle := range r.order {
		a := r.state[handle]
		if a.IsBanned || a.CooldownUntil.After(now) {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// Stats возвращает снимок состояния всех аккаунтов флота в порядке регистрации.
func (r *Registry) Stats() []store.AccountState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.AccountState, 0, len(r.order))
	for _, handle := range r.order {
		out = append(out, *r.state[handle])
	}
	return out
}

// Handles возвращает идентификаторы всех аккаунтов флота в порядке регистрации.
func (r *Registry) Handles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// IsBanned сообщает, забанен ли аккаунт.
func (r *Registry) IsBanned(sessionHandle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.state[sessionHandle]
	return ok && a.IsBanned
}
