package app

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sword-epi/spectra/internal/domain/scheduler"
	"github.com/sword-epi/spectra/internal/infra/logger"
)

// priorityBatchSize — сколько целей из графа приоритетов берёт один
// архивный проход, когда явный список целей не задан.
const priorityBatchSize = 8

// orchestrator гоняет периодические циклы поверх собранных подсистем:
// архивация, пересчёт приоритетов (медленнее) и очередь приглашений.
type orchestrator struct {
	app *App
	wg  sync.WaitGroup
}

func newOrchestrator(a *App) *orchestrator {
	return &orchestrator{app: a}
}

// start запускает циклы; каждый делает первый проход сразу после старта.
func (o *orchestrator) start(ctx context.Context) {
	o.loop(ctx, "archive", time.Duration(o.app.env.ArchiveEverySec)*time.Second, o.archivePass)
	o.loop(ctx, "priority-refresh", time.Duration(o.app.env.RefreshEverySec)*time.Second, o.refreshPass)
	if o.app.fleetCfg.Cloud.AutoInviteAccounts {
		o.loop(ctx, "invitations", time.Duration(o.app.env.InviteEverySec)*time.Second, o.invitePass)
	}
}

// stop блокируется до завершения всех циклов; контекст узла к этому
// моменту уже отменён менеджером жизненного цикла.
func (o *orchestrator) stop() {
	o.wg.Wait()
}

func (o *orchestrator) loop(ctx context.Context, name string, period time.Duration, pass func(ctx context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		logger.Debugf("%s loop started: every %s", name, period)
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		pass(ctx)
		for {
			select {
			case <-ctx.Done():
				logger.Debugf("%s loop stopped", name)
				return
			case <-ticker.C:
				pass(ctx)
			}
		}
	}()
}

// archivePass — один архивный проход: явные цели из конфигурации либо
// верхушка графа приоритетов, затем переиндексация доступов и, если
// настроено, пересылка в целевой канал.
func (o *orchestrator) archivePass(ctx context.Context) {
	targets := o.app.fleetCfg.ArchiveTargets
	if len(targets) > 0 {
		delay := time.Duration(o.app.fleetCfg.FetchWait) * time.Second
		for link, err := range o.app.manager.BatchJoinArchive(ctx, targets, delay, o.app.pipeline, o.app.fleetCfg.LeaveAfterArchive) {
			if err != nil {
				logger.Warnf("archive %s: %v", link, err)
			}
		}
	} else {
		groups, err := o.app.analyzer.TopPriorityTargets(ctx, priorityBatchSize, 0)
		if err != nil {
			logger.Errorf("load priority targets: %v", err)
			return
		}
		links := make([]string, 0, len(groups))
		for _, g := range groups {
			links = append(links, g.Link)
		}
		if len(links) == 0 {
			logger.Debug("archive pass: no targets")
			return
		}
		o.logResults("archive", o.app.sched.ParallelArchive(ctx, links, o.app.pipeline))
	}
	if ctx.Err() != nil {
		return
	}

	for handle, err := range o.app.idx.IndexAll(ctx) {
		if err != nil {
			logger.Warnf("index account %s: %v", handle, err)
		}
	}

	if dest := o.app.fleetCfg.DefaultForwardingDestinationID; dest != 0 && ctx.Err() == nil {
		if _, err := o.app.fwd.ForwardAllAccessibleChannels(ctx, dest); err != nil {
			logger.Errorf("forward pass: %v", err)
		}
	}
}

// refreshPass прогоняет краулер по сидам (если заданы) и пересчитывает
// приоритеты по накопленному графу упоминаний.
func (o *orchestrator) refreshPass(ctx context.Context) {
	if seeds := o.app.fleetCfg.DiscoverySeeds; len(seeds) > 0 {
		results := o.app.sched.ParallelDiscover(ctx, o.app.engine, seeds,
			o.app.fleetCfg.DiscoveryDepth, o.app.fleetCfg.DiscoveryMsgLimit)
		o.logResults("discovery", results)
	}
	if ctx.Err() != nil {
		return
	}
	if _, err := o.app.analyzer.Recompute(ctx); err != nil {
		logger.Errorf("priority recompute: %v", err)
	}
}

// invitePass подтягивает остальные аккаунты во все каналы, до которых
// добрался хотя бы один аккаунт флота.
func (o *orchestrator) invitePass(ctx context.Context) {
	channels, err := o.app.db.AllUniqueChannels(ctx)
	if err != nil {
		logger.Errorf("load accessible channels: %v", err)
		return
	}
	for _, ch := range channels {
		if ctx.Err() != nil {
			return
		}
		results := o.app.invites.InviteAll(ctx, ch.ChannelID, strconv.FormatInt(ch.ChannelID, 10))
		for handle, err := range results {
			if err != nil {
				logger.Warnf("invite %s to %d: %v", handle, ch.ChannelID, err)
			}
		}
	}
}

func (o *orchestrator) logResults(kind string, results map[string]scheduler.Result) {
	for target, r := range results {
		if r.Err != nil {
			logger.Warnf("%s %s: %v", kind, target, r.Err)
		}
	}
}
