// Package discovery — рекурсивный краулер ссылок на группы: извлечение ссылок
// из сообщений, сохранение обнаруженных групп и рёбер графа упоминаний.
// Послойным обходом (BFS) управляет планировщик; здесь — работа по одному сиду.
package discovery

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"

	"github.com/sword-epi/spectra/internal/domain/fleet"
	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/infra/logger"
	"github.com/sword-epi/spectra/internal/store"
)

// Persister — подмножество операций хранилища, нужное краулеру.
type Persister interface {
	UpsertDiscoveredGroup(ctx context.Context, g store.DiscoveredGroup) error
	AccumulateRelationship(ctx context.Context, r store.Relationship) error
	InsertDiscoverySource(ctx context.Context, d store.DiscoverySource) error
}

// Engine — краулер обнаружения групп.
type Engine struct {
	db Persister
}

// NewEngine создаёт краулер над хранилищем.
func NewEngine(db Persister) *Engine {
	return &Engine{db: db}
}

// CrawlSeed обрабатывает один сид на привязанном шлюзе: вступает, читает до
// msgLimit последних сообщений, извлекает ссылки, сохраняет группы с
// source="discovery_depth_<d>" и рёбра seed→link. Возвращает найденные ссылки
// в порядке первого появления — кандидаты следующего слоя BFS.
func (e *Engine) CrawlSeed(ctx context.Context, gw gateway.Gateway, seed string, depth, msgLimit int) ([]string, error) {
	ent, err := fleet.JoinWith(ctx, gw, seed)
	if err != nil {
		return nil, errors.Wrapf(err, "join seed %s", seed)
	}

	found := make(map[string]bool)
	var links []string
	err = gw.IterMessages(ctx, gateway.IterRequest{Entity: ent, Limit: msgLimit}, func(msg gateway.Message) error {
		for _, link := range ExtractLinks(msg) {
			if link == seed || found[link] {
				continue
			}
			found[link] = true
			links = append(links, link)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "iterate seed %s", seed)
	}

	source := fmt.Sprintf("discovery_depth_%d", depth)
	for _, link := range links {
		if err := e.db.UpsertDiscoveredGroup(ctx, store.DiscoveredGroup{
			Link:   link,
			Kind:   ClassifyLink(link),
			Source: source,
		}); err != nil {
			return nil, errors.Wrapf(err, "persist group %s", link)
		}
		if err := e.db.AccumulateRelationship(ctx, store.Relationship{
			Source: seed,
			Target: link,
			Kind:   "mention",
		}); err != nil {
			return nil, errors.Wrapf(err, "persist edge %s -> %s", seed, link)
		}
	}
	if err := e.db.InsertDiscoverySource(ctx, store.DiscoverySource{
		SourceEntity: seed,
		GroupsFound:  len(links),
		Depth:        depth,
	}); err != nil {
		return nil, errors.Wrap(err, "persist discovery audit")
	}

	logger.Infof("crawled %s at depth %d: %d links", seed, depth, len(links))
	return links, nil
}
