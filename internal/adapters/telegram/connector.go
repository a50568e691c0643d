package telegram

import (
	"context"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	xproxy "golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	domainproxy "github.com/sword-epi/spectra/internal/domain/proxy"
	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/infra/config"
	"github.com/sword-epi/spectra/internal/infra/logger"
)

const appVersion = "1.0.0"

// Connector открывает gotd-клиенты для аккаунтов флота. Каждый Connect
// поднимает отдельный MTProto-клиент: своя файловая сессия, свой bbolt-кэш
// пиров и, при включённом прокси, следующий egress-адрес из круга.
type Connector struct {
	sessionDir    string
	peersCacheDir string
	throttleRPS   int
	testDC        bool
	cycler        *domainproxy.Cycler
}

// NewConnector создаёт фабрику шлюзов поверх конфигурации окружения.
// Nil-циклер означает прямое подключение.
func NewConnector(cfg config.EnvConfig, cycler *domainproxy.Cycler) *Connector {
	return &Connector{
		sessionDir:    cfg.SessionDir,
		peersCacheDir: cfg.PeersCacheDir,
		throttleRPS:   cfg.ThrottleRPS,
		testDC:        cfg.TestDC,
		cycler:        cycler,
	}
}

// Connect запускает клиент аккаунта в фоне и блокируется до успешной
// авторизации либо до ошибки подключения. Возвращённый шлюз живёт до Close.
func (c *Connector) Connect(ctx context.Context, creds gateway.Credentials) (gateway.Gateway, error) {
	if creds.SessionHandle == "" {
		return nil, errors.New("empty session handle")
	}

	waiter := floodwait.NewWaiter()
	options := tdtelegram.Options{
		SessionStorage: &sessionFile{path: filepath.Join(c.sessionDir, creds.SessionHandle+".session")},
		Middlewares: []tdtelegram.Middleware{
			waiter,
			ratelimit.New(rate.Limit(c.throttleRPS), c.throttleRPS*2),
		},
		Device: tdtelegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    appVersion,
		},
	}
	if c.testDC {
		options.DCList = dcs.Test()
	}
	if ep, ok := c.cycler.Next(); ok {
		resolver, err := socksResolver(ep)
		if err != nil {
			return nil, err
		}
		options.Resolver = resolver
		logger.Debugf("account %s egress via %s", creds.SessionHandle, ep.Addr())
	}

	client := tdtelegram.NewClient(creds.APIID, creds.APIHash, options)
	cache, err := newPeerCache(client.API(), filepath.Join(c.peersCacheDir, creds.SessionHandle+".db"))
	if err != nil {
		return nil, err
	}

	gw := &Client{
		handle: creds.SessionHandle,
		client: client,
		api:    client.API(),
		peers:  cache,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	gw.cancel = cancel
	gw.runErr = make(chan error, 1)
	ready := make(chan struct{})

	go func() {
		gw.runErr <- waiter.Run(runCtx, func(ctx context.Context) error {
			return client.Run(ctx, func(ctx context.Context) error {
				flow := auth.NewFlow(terminalAuthenticator{creds: creds}, auth.SendCodeOptions{})
				if err := client.Auth().IfNecessary(ctx, flow); err != nil {
					return errors.Wrap(err, "auth")
				}
				close(ready)
				<-ctx.Done()
				return ctx.Err()
			})
		})
	}()

	select {
	case <-ready:
	case err := <-gw.runErr:
		cancel()
		_ = cache.Close()
		return nil, errors.Wrapf(mapError(err), "connect account %s", creds.SessionHandle)
	case <-ctx.Done():
		cancel()
		<-gw.runErr
		_ = cache.Close()
		return nil, ctx.Err()
	}

	if err := cache.load(ctx); err != nil {
		logger.Warnf("account %s: load peers cache: %v", creds.SessionHandle, err)
	}

	self, err := client.Self(ctx)
	if err != nil {
		logger.Warnf("account %s: self lookup: %v", creds.SessionHandle, err)
	} else {
		logger.Infof("account %s connected as @%s (id %d)", creds.SessionHandle, self.Username, self.ID)
	}
	return gw, nil
}

// socksResolver строит dcs.Resolver поверх SOCKS-прокси из круга egress-адресов.
func socksResolver(ep domainproxy.Endpoint) (dcs.Resolver, error) {
	var auth *xproxy.Auth
	if ep.User != "" {
		auth = &xproxy.Auth{User: ep.User, Password: ep.Pass}
	}
	dialer, err := xproxy.SOCKS5("tcp", ep.Addr(), auth, xproxy.Direct)
	if err != nil {
		return nil, errors.Wrapf(err, "socks dialer %s", ep.Addr())
	}
	contextDialer, ok := dialer.(xproxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks dialer does not support context")
	}
	return dcs.Plain(dcs.PlainOptions{Dial: contextDialer.DialContext}), nil
}
