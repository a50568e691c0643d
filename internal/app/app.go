// Package app — верхний уровень сборки оркестратора флота: конфигурация,
// хранилище, реестр аккаунтов, gotd-коннектор, доменные подсистемы и
// жизненный цикл узлов store → fleet → orchestrator.
package app

import (
	"context"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"

	tgadapter "github.com/sword-epi/spectra/internal/adapters/telegram"
	"github.com/sword-epi/spectra/internal/domain/accounts"
	"github.com/sword-epi/spectra/internal/domain/archive"
	"github.com/sword-epi/spectra/internal/domain/cloud"
	"github.com/sword-epi/spectra/internal/domain/discovery"
	"github.com/sword-epi/spectra/internal/domain/fleet"
	"github.com/sword-epi/spectra/internal/domain/forwarder"
	"github.com/sword-epi/spectra/internal/domain/indexer"
	"github.com/sword-epi/spectra/internal/domain/network"
	"github.com/sword-epi/spectra/internal/domain/proxy"
	"github.com/sword-epi/spectra/internal/domain/scheduler"
	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/infra/clock"
	"github.com/sword-epi/spectra/internal/infra/config"
	"github.com/sword-epi/spectra/internal/infra/lifecycle"
	"github.com/sword-epi/spectra/internal/infra/logger"
	"github.com/sword-epi/spectra/internal/store"
)

const downloadLogName = "download_log.csv"

// App агрегирует подсистемы оркестратора и управляет их жизненным циклом.
type App struct {
	mainCtx    context.Context
	mainCancel context.CancelFunc

	env      config.EnvConfig
	fleetCfg config.FleetConfig

	db       *store.Store
	registry *accounts.Registry
	manager  *fleet.Manager
	sched    *scheduler.Scheduler
	engine   *discovery.Engine
	analyzer *network.Analyzer
	fwd      *forwarder.Forwarder
	idx      *indexer.Indexer
	pipeline *archive.Pipeline
	dlog     *archive.DownloadLog
	invites  *cloud.Queue

	life *lifecycle.Manager
	orch *orchestrator
}

// New создаёт каркас приложения. Фактическая инициализация — в Run.
func New(mainCtx context.Context, mainCancel context.CancelFunc) *App {
	return &App{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
		env:        config.Env(),
		fleetCfg:   config.Fleet(),
	}
}

// Run собирает подсистемы, запускает узлы жизненного цикла и блокируется
// до отмены основного контекста. Возвращает первую фатальную ошибку сборки.
func (a *App) Run() error {
	logger.Info("spectra initializing...")

	if err := a.build(); err != nil {
		return err
	}
	if err := a.registerNodes(); err != nil {
		return err
	}
	if err := a.life.StartAll(); err != nil {
		a.mainCancel()
		_ = a.life.Shutdown()
		return err
	}

	logger.Info("spectra running...")
	<-a.mainCtx.Done()
	logger.Info("shutdown signal received")
	return a.life.Shutdown()
}

// build связывает хранилище, реестр, флот и доменные подсистемы.
func (a *App) build() error {
	db, err := store.Open(a.env.DBPath, store.WithLocation(config.AppLocation))
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	a.db = db

	seeds := make([]store.AccountState, 0, len(a.fleetCfg.Accounts))
	creds := make([]gateway.Credentials, 0, len(a.fleetCfg.Accounts))
	for _, acc := range a.fleetCfg.Accounts {
		seeds = append(seeds, store.AccountState{
			SessionHandle: acc.SessionHandle,
			APIID:         acc.APIID,
			APIHash:       acc.APIHash,
			Phone:         acc.Phone,
		})
		creds = append(creds, gateway.Credentials{
			APIID:         acc.APIID,
			APIHash:       acc.APIHash,
			SessionHandle: acc.SessionHandle,
			Phone:         acc.Phone,
			Password:      acc.Password,
		})
	}

	registry, err := accounts.NewRegistry(a.mainCtx, db, seeds, clock.System())
	if err != nil {
		return errors.Wrap(err, "init account registry")
	}
	a.registry = registry

	rotator := accounts.NewRotator(registry, accounts.ParsePolicy(a.fleetCfg.AccountRotationMode))
	connector := tgadapter.NewConnector(a.env, proxy.NewCycler(a.fleetCfg.Proxy))
	a.manager = fleet.NewManager(connector, registry, rotator, creds,
		fleet.RotationPolicy(a.fleetCfg.AccountRotationPolicy))

	a.sched = scheduler.New(a.manager, registry, db, a.env.MaxConcurrent)
	a.engine = discovery.NewEngine(db)
	a.analyzer = network.NewAnalyzer(db)
	a.idx = indexer.New(db, a.manager, registry)

	a.fwd = forwarder.New(db, a.manager, registry, forwarder.Options{
		EnableDeduplication:        a.fleetCfg.Forwarding.EnableDeduplication,
		IncludeTextOnly:            a.fleetCfg.Forwarding.IncludeTextOnly,
		PrependOriginInfo:          a.fleetCfg.Forwarding.PrependOriginInfo,
		DestinationTopicID:         int64(a.fleetCfg.Forwarding.DestinationTopicID),
		SecondaryUniqueDestination: a.fleetCfg.Forwarding.SecondaryUniqueDestination,
		ForwardToAllSavedMessages:  a.fleetCfg.Forwarding.ForwardToAllSavedMessages,
	})

	dlog, err := archive.OpenDownloadLog(filepath.Join(a.env.MediaDir, downloadLogName))
	if err != nil {
		return errors.Wrap(err, "open download log")
	}
	a.dlog = dlog
	a.pipeline = archive.New(db, archive.Options{
		MediaDir:        a.env.MediaDir,
		DownloadMedia:   a.fleetCfg.DownloadMedia,
		DownloadAvatars: a.fleetCfg.DownloadAvatars,
		ArchiveTopics:   a.fleetCfg.ArchiveTopics,
		MimeWhitelist:   a.fleetCfg.MediaMimeWhitelist,
		FetchBatchSize:  a.fleetCfg.FetchBatchSize,
		FetchWait:       time.Duration(a.fleetCfg.FetchWait) * time.Second,
		FetchLimit:      a.fleetCfg.FetchLimit,
	}, dlog)

	a.invites = cloud.NewQueue(cloud.LoadState(a.env.InviteState), a.manager, registry,
		a.fleetCfg.Cloud.InvitationDelays)

	a.orch = newOrchestrator(a)
	return nil
}

// registerNodes выстраивает порядок запуска: хранилище, затем флот,
// затем периодические циклы оркестратора.
func (a *App) registerNodes() error {
	a.life = lifecycle.New(a.mainCtx)

	if err := a.life.Register("store", nil, nil, func(context.Context) error {
		if err := a.dlog.Close(); err != nil {
			logger.Warnf("close download log: %v", err)
		}
		return a.db.Close()
	}); err != nil {
		return err
	}

	if err := a.life.Register("fleet", []string{"store"}, func(ctx context.Context) error {
		return a.manager.InitFleet(ctx)
	}, func(context.Context) error {
		a.manager.Close()
		return nil
	}); err != nil {
		return err
	}

	return a.life.Register("orchestrator", []string{"fleet"}, func(ctx context.Context) error {
		a.orch.start(ctx)
		return nil
	}, func(context.Context) error {
		a.orch.stop()
		return nil
	})
}
