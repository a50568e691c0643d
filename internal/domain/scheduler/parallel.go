package scheduler

import (
	"context"

	"github.com/sword-epi/spectra/internal/domain/fleet"
	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/infra/logger"
)

// maxFanoutPerSeed ограничивает число новых сидов от одного источника при
// BFS-краулинге, иначе глубина 2-3 взрывается комбинаторно.
const maxFanoutPerSeed = 10

// Crawler — один проход краулера по сиду на привязанном шлюзе: вступить,
// пройти сообщения, сохранить группы и рёбра, вернуть найденные ссылки.
type Crawler interface {
	CrawlSeed(ctx context.Context, gw gateway.Gateway, seed string, depth, msgLimit int) ([]string, error)
}

// ParallelJoin параллельно вступает в группы списком. Значение результата —
// gateway.Entity вступившей группы.
func (s *Scheduler) ParallelJoin(ctx context.Context, links []string) map[string]Result {
	return s.ExecuteParallel(ctx, "join", links, func(ctx context.Context, gw gateway.Gateway, target string) (any, error) {
		ent, err := fleet.JoinWith(ctx, gw, target)
		if err != nil {
			return nil, err
		}
		return ent, nil
	})
}

// ParallelArchive параллельно архивирует сущности списком ссылок.
func (s *Scheduler) ParallelArchive(ctx context.Context, targets []string, archiver fleet.Archiver) map[string]Result {
	return s.ExecuteParallel(ctx, "archive", targets, func(ctx context.Context, gw gateway.Gateway, target string) (any, error) {
		ent, err := gw.GetEntity(ctx, target)
		if err != nil {
			return nil, err
		}
		if err := archiver.Archive(ctx, gw, ent); err != nil {
			return nil, err
		}
		return ent.ID, nil
	})
}

// ParallelDiscover выполняет BFS по слоям глубины: сиды слоя d обрабатываются
// параллельно, их находки становятся сидами слоя d+1. Слой d завершается
// целиком до начала d+1. Повторные посещения отсекаются общим visited-набором.
// Возвращает объединённую карту сид → результат по всем слоям.
func (s *Scheduler) ParallelDiscover(ctx context.Context, crawler Crawler, seeds []string, depth, msgLimit int) map[string]Result {
	all := make(map[string]Result)
	visited := make(map[string]bool, len(seeds))
	layer := dedupe(seeds, visited)

	for d := 1; d <= depth && len(layer) > 0 && ctx.Err() == nil; d++ {
		depthNum := d
		layerResults := s.ExecuteParallel(ctx, "discover", layer,
			func(ctx context.Context, gw gateway.Gateway, seed string) (any, error) {
				links, err := crawler.CrawlSeed(ctx, gw, seed, depthNum, msgLimit)
				if err != nil {
					return nil, err
				}
				return links, nil
			})

		var next []string
		for seed, r := range layerResults {
			all[seed] = r
			if r.Err != nil {
				continue
			}
			links, _ := r.Value.([]string)
			if len(links) > maxFanoutPerSeed {
				links = links[:maxFanoutPerSeed]
			}
			next = append(next, links...)
		}
		layer = dedupe(next, visited)
		logger.Infof("discovery depth %d done: %d seeds processed, %d queued for next depth",
			d, len(layerResults), len(layer))
	}
	return all
}

// dedupe возвращает ещё не посещённые ссылки, помечая их в visited.
func dedupe(links []string, visited map[string]bool) []string {
	var out []string
	for _, l := range links {
		if l == "" || visited[l] {
			continue
		}
		visited[l] = true
		out = append(out, l)
	}
	return out
}
