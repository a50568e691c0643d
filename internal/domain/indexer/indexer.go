// Package indexer строит таблицу доступности каналов: какой аккаунт какие
// каналы видит. Результат — рабочий набор для тотальной пересылки.
package indexer

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/sword-epi/spectra/internal/domain/accounts"
	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/infra/logger"
	"github.com/sword-epi/spectra/internal/store"
)

// Persister — подмножество операций хранилища, нужное индексатору.
type Persister interface {
	UpsertChannelAccess(ctx context.Context, a store.ChannelAccess) error
}

// GatewayProvider выдаёт шлюз аккаунта по sessionHandle.
type GatewayProvider interface {
	Gateway(ctx context.Context, sessionHandle string) (gateway.Gateway, error)
}

// Indexer перечисляет диалоги каждого аккаунта и фиксирует доступ к каналам.
type Indexer struct {
	db       Persister
	provider GatewayProvider
	registry *accounts.Registry
}

// New создаёт индексатор.
func New(db Persister, provider GatewayProvider, registry *accounts.Registry) *Indexer {
	return &Indexer{db: db, provider: provider, registry: registry}
}

// indexable — каналы и супергруппы; личные чаты и боты в набор не входят.
func indexable(kind gateway.EntityKind) bool {
	return kind == gateway.KindChannel || kind == gateway.KindSupergroup
}

// IndexAccount перечисляет диалоги одного аккаунта и апсертит строки доступа.
// Возвращает число проиндексированных каналов.
func (ix *Indexer) IndexAccount(ctx context.Context, sessionHandle string) (int, error) {
	gw, err := ix.provider.Gateway(ctx, sessionHandle)
	if err != nil {
		return 0, errors.Wrapf(err, "open account %s", sessionHandle)
	}

	indexed := 0
	err = gw.IterDialogs(ctx, func(ent gateway.Entity) error {
		if !indexable(ent.Kind) {
			return nil
		}
		if err := ix.db.UpsertChannelAccess(ctx, store.ChannelAccess{
			AccountPhone: sessionHandle,
			ChannelID:    ent.ID,
			ChannelName:  ent.Title,
			AccessHash:   ent.AccessHash,
		}); err != nil {
			return errors.Wrapf(err, "record access to %d", ent.ID)
		}
		indexed++
		return nil
	})
	if err != nil {
		return indexed, errors.Wrapf(err, "iterate dialogs of %s", sessionHandle)
	}
	return indexed, nil
}

// IndexAll проходит все незабаненные аккаунты. Ошибки отдельных аккаунтов
// изолированы; возвращается карта аккаунт → ошибка (nil при успехе).
func (ix *Indexer) IndexAll(ctx context.Context) map[string]error {
	results := make(map[string]error)
	total := 0
	for _, handle := range ix.registry.Handles() {
		if ix.registry.IsBanned(handle) {
			continue
		}
		if ctx.Err() != nil {
			results[handle] = ctx.Err()
			continue
		}
		n, err := ix.IndexAccount(ctx, handle)
		results[handle] = err
		total += n
		if err != nil {
			logger.Warnf("index account %s: %v", handle, err)
		}
	}
	logger.Infof("channel access index rebuilt: %d rows from %d accounts", total, len(results))
	return results
}
