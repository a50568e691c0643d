// Package forwarder — контент-адресная пересылка: хэширование сообщений,
// дедупликация по памяти и журналу, доставка в основной/вторичный пункты и
// веерная рассылка в Saved Messages всех аккаунтов флота.
package forwarder

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/sword-epi/spectra/internal/domain/accounts"
	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/infra/logger"
	"github.com/sword-epi/spectra/internal/infra/timeutil"
	"github.com/sword-epi/spectra/internal/store"
)

// savedMessagesPause — пауза между аккаунтами при веерной рассылке.
const savedMessagesPause = time.Second

// previewLimit — длина превью текста в журнале пересылок.
const previewLimit = 64

// Options — режимы пересылки одного прохода.
type Options struct {
	// EnableDeduplication включает хэширование и пропуск дубликатов.
	EnableDeduplication bool
	// IncludeTextOnly отключает фильтр «только с вложениями».
	IncludeTextOnly bool
	// PrependOriginInfo переотправляет сообщение с заголовком об источнике
	// вместо нативной пересылки. Действует только вне топиков.
	PrependOriginInfo bool
	// DestinationTopicID направляет пересылку в топик назначения; 0 — без топика.
	DestinationTopicID int64
	// SecondaryUniqueDestination — дополнительный канал, куда уходят только
	// уникальные сообщения; 0 — выключено.
	SecondaryUniqueDestination int64
	// ForwardToAllSavedMessages дублирует каждое уникальное сообщение в
	// Saved Messages каждого аккаунта флота.
	ForwardToAllSavedMessages bool
}

// Persister — подмножество операций хранилища, нужное пересыльщику.
type Persister interface {
	RecordForward(ctx context.Context, r store.ForwardRecord) error
	HasForwardHash(ctx context.Context, hash string) (bool, error)
	AllUniqueChannels(ctx context.Context) ([]store.ChannelAccess, error)
}

// GatewayProvider выдаёт шлюз аккаунта по sessionHandle.
type GatewayProvider interface {
	Gateway(ctx context.Context, sessionHandle string) (gateway.Gateway, error)
}

// Report — итог одного прохода по каналу-источнику.
type Report struct {
	Scanned   int
	Forwarded int
	Skipped   int
	Failed    int
}

// Forwarder пересылает сообщения с дедупликацией «не более одного раза»:
// память процесса плюс журнал forwarded_messages. Потокобезопасен.
type Forwarder struct {
	db       Persister
	provider GatewayProvider
	registry *accounts.Registry
	opts     Options

	mu   sync.Mutex
	seen map[string]bool

	// sleep подменяется в тестах.
	sleep func(time.Duration)
}

// New создаёт пересыльщик.
func New(db Persister, provider GatewayProvider, registry *accounts.Registry, opts Options) *Forwarder {
	return &Forwarder{
		db:       db,
		provider: provider,
		registry: registry,
		opts:     opts,
		seen:     make(map[string]bool),
		sleep:    time.Sleep,
	}
}

// isDuplicate — проверка по памяти и журналу. Ошибка чтения журнала трактуется
// как «не дубликат»: лучше редкий повтор, чем остановка всей пересылки.
func (f *Forwarder) isDuplicate(ctx context.Context, hash string) bool {
	f.mu.Lock()
	hit := f.seen[hash]
	f.mu.Unlock()
	if hit {
		return true
	}
	known, err := f.db.HasForwardHash(ctx, hash)
	if err != nil {
		logger.Warnf("dedup lookup failed, treating as unique: %v", err)
		return false
	}
	return known
}

func (f *Forwarder) markSeen(hash string) {
	f.mu.Lock()
	f.seen[hash] = true
	f.mu.Unlock()
}

// errAbort оборачивает auth-ошибку, прерывающую весь проход.
type errAbort struct{ err error }

func (e errAbort) Error() string { return e.err.Error() }
func (e errAbort) Unwrap() error { return e.err }

// ForwardMessages пересылает историю origin в destinationID в порядке
// итерации. Ошибки отдельных сообщений логируются и не прерывают проход;
// auth-ошибки прерывают его целиком.
func (f *Forwarder) ForwardMessages(ctx context.Context, gw gateway.Gateway, originRef string, destinationID int64) (Report, error) {
	var rep Report
	origin, err := gw.GetEntity(ctx, originRef)
	if err != nil {
		return rep, errors.Wrapf(err, "resolve origin %s", originRef)
	}

	err = gw.IterMessages(ctx, gateway.IterRequest{Entity: origin, Reverse: true}, func(msg gateway.Message) error {
		rep.Scanned++
		switch err := f.forwardOne(ctx, gw, origin, destinationID, msg); {
		case err == nil:
			rep.Forwarded++
			return nil
		case errors.Is(err, errSkipped):
			rep.Skipped++
			return nil
		case gateway.IsAuthFatal(err):
			return errAbort{err}
		default:
			rep.Failed++
			logger.Warnf("forward %d from %d: %v", msg.ID, origin.ID, err)
			return nil
		}
	})
	if err != nil {
		var abort errAbort
		if errors.As(err, &abort) {
			return rep, errors.Wrapf(abort.err, "forwarding from %d aborted", origin.ID)
		}
		return rep, errors.Wrapf(err, "iterate origin %d", origin.ID)
	}
	logger.Infof("forward pass %d -> %d: scanned %d, forwarded %d, skipped %d, failed %d",
		origin.ID, destinationID, rep.Scanned, rep.Forwarded, rep.Skipped, rep.Failed)
	return rep, nil
}

// errSkipped — сообщение пропущено политикой или дедупликацией.
var errSkipped = errors.New("message skipped")

// forwardOne выполняет строго упорядоченную процедуру пересылки одного
// сообщения: фильтр вложений, дедуп-проверка, основной пункт, фиксация,
// вторичный пункт, веер по Saved Messages.
func (f *Forwarder) forwardOne(ctx context.Context, gw gateway.Gateway, origin gateway.Entity, destinationID int64, msg gateway.Message) error {
	if !msg.HasMedia && !f.opts.IncludeTextOnly {
		return errSkipped
	}

	hash := ContentHash(msg)
	if f.opts.EnableDeduplication && f.isDuplicate(ctx, hash) {
		return errSkipped
	}

	if err := f.sendPrimary(ctx, gw, origin, destinationID, msg); err != nil {
		if sec, ok := gateway.AsFloodWait(err); ok {
			logger.Warnf("flood wait %ds on primary destination, skipping message %d", sec, msg.ID)
			f.sleep(timeutil.FloodWaitCooldown(sec))
			return errSkipped
		}
		return err
	}

	if err := f.db.RecordForward(ctx, store.ForwardRecord{
		Hash:          hash,
		OriginID:      origin.ID,
		DestinationID: destinationID,
		MessageID:     msg.ID,
		Preview:       preview(msg.Text),
	}); err != nil {
		logger.Warnf("record forward of %d: %v", msg.ID, err)
	}
	f.markSeen(hash)

	if f.opts.SecondaryUniqueDestination != 0 {
		err := gw.ForwardMessage(ctx, gateway.ForwardRequest{
			FromID:    origin.ID,
			ToID:      f.opts.SecondaryUniqueDestination,
			MessageID: msg.ID,
		})
		if err != nil {
			// Дедуп-состояние уже зафиксировано и не откатывается.
			logger.Warnf("secondary forward of %d: %v", msg.ID, err)
		}
	}

	if f.opts.ForwardToAllSavedMessages {
		f.fanOutSavedMessages(ctx, origin, msg)
	}
	return nil
}

// sendPrimary доставляет сообщение в основной пункт: переотправка с
// заголовком источника либо нативная пересылка с маршрутизацией в топик.
func (f *Forwarder) sendPrimary(ctx context.Context, gw gateway.Gateway, origin gateway.Entity, destinationID int64, msg gateway.Message) error {
	if f.opts.PrependOriginInfo && f.opts.DestinationTopicID == 0 {
		req := gateway.SendRequest{
			ToID: destinationID,
			Text: fmt.Sprintf("[Forwarded from %s (ID: %d)]\n%s", origin.Title, origin.ID, msg.Text),
		}
		if msg.HasMedia {
			req.MediaFromID = origin.ID
			req.MediaMessageID = msg.ID
		}
		return gw.SendMessage(ctx, req)
	}
	return gw.ForwardMessage(ctx, gateway.ForwardRequest{
		FromID:    origin.ID,
		ToID:      destinationID,
		MessageID: msg.ID,
		ReplyTo:   f.opts.DestinationTopicID,
	})
}

// fanOutSavedMessages дублирует сообщение в Saved Messages каждого
// незабаненного аккаунта с секундной паузой между ними. Ошибки отдельных
// аккаунтов изолированы; flood-wait ставит аккаунту кулдаун в реестре.
func (f *Forwarder) fanOutSavedMessages(ctx context.Context, origin gateway.Entity, msg gateway.Message) {
	handles := f.registry.Handles()
	for i, handle := range handles {
		if f.registry.IsBanned(handle) {
			continue
		}
		agw, err := f.provider.Gateway(ctx, handle)
		if err != nil {
			logger.Warnf("saved-messages fanout: open %s: %v", handle, err)
			continue
		}
		err = agw.ForwardMessage(ctx, gateway.ForwardRequest{
			FromID:    origin.ID,
			ToSelf:    true,
			MessageID: msg.ID,
		})
		if err != nil {
			if _, ok := gateway.AsFloodWait(err); ok {
				_ = f.registry.MarkFailure(ctx, handle, err, 0)
			}
			logger.Warnf("saved-messages fanout to %s: %v", handle, err)
		}
		if i < len(handles)-1 {
			f.sleep(savedMessagesPause)
		}
	}
}

// ForwardAllAccessibleChannels проходит рабочий набор из таблицы доступа:
// каждый канал пересылается с того аккаунта, который его видит. Ошибки
// каналов изолированы; возвращается карта канал → ошибка (nil при успехе).
func (f *Forwarder) ForwardAllAccessibleChannels(ctx context.Context, destinationID int64) (map[int64]error, error) {
	channels, err := f.db.AllUniqueChannels(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load accessible channels")
	}

	results := make(map[int64]error, len(channels))
	for _, ch := range channels {
		if ctx.Err() != nil {
			results[ch.ChannelID] = ctx.Err()
			continue
		}
		gw, err := f.provider.Gateway(ctx, ch.AccountPhone)
		if err != nil {
			results[ch.ChannelID] = err
			logger.Warnf("total forward: channel %d via %s: %v", ch.ChannelID, ch.AccountPhone, err)
			continue
		}
		_, err = f.ForwardMessages(ctx, gw, strconv.FormatInt(ch.ChannelID, 10), destinationID)
		results[ch.ChannelID] = err
		if err != nil {
			logger.Warnf("total forward: channel %d failed: %v", ch.ChannelID, err)
		}
	}

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
		}
	}
	logger.Infof("total forward finished: %d/%d channels succeeded", ok, len(results))
	return results, nil
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLimit {
		return text
	}
	return string(runes[:previewLimit])
}
