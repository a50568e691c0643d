// Package gatewaytest — управляемый фейк транспорта для тестов доменной
// логики. Поведение каждого метода задаётся функцией-хуком; незаданные хуки
// отвечают нейтральными значениями. Фейк потокобезопасен и ведёт журнал
// вызовов пересылки, чтобы тесты могли проверять порядок доставки.
package gatewaytest

import (
	"context"
	"sync"

	"github.com/sword-epi/spectra/internal/gateway"
)

// Fake реализует gateway.Gateway. Нулевое значение непригодно — используйте New.
type Fake struct {
	Handle string

	GetEntityFunc      func(ref string) (gateway.Entity, error)
	IterMessagesFunc   func(req gateway.IterRequest, fn func(gateway.Message) error) error
	JoinByUsernameFunc func(username string) (gateway.Entity, error)
	CheckInviteFunc    func(hash string) (gateway.Entity, error)
	ImportInviteFunc   func(hash string) (gateway.Entity, error)
	ForwardFunc        func(req gateway.ForwardRequest) error
	SendFunc           func(req gateway.SendRequest) error
	IterDialogsFunc    func(fn func(gateway.Entity) error) error
	DownloadMediaFunc  func(msg gateway.Message, destPath string) (string, error)
	DownloadAvatarFunc func(userID int64, destPath string) (string, error)
	LeaveFunc          func(channelID int64) error

	mu       sync.Mutex
	forwards []gateway.ForwardRequest
	sends    []gateway.SendRequest
	left     []int64
	closed   bool
}

var _ gateway.Gateway = (*Fake)(nil)

// New создаёт фейковый шлюз для аккаунта handle.
func New(handle string) *Fake {
	return &Fake{Handle: handle}
}

func (f *Fake) SessionHandle() string { return f.Handle }

func (f *Fake) IsAuthorised(context.Context) (bool, error) { return true, nil }

func (f *Fake) GetEntity(_ context.Context, ref string) (gateway.Entity, error) {
	if f.GetEntityFunc != nil {
		return f.GetEntityFunc(ref)
	}
	return gateway.Entity{ID: 1, Kind: gateway.KindChannel, Username: ref}, nil
}

func (f *Fake) IterMessages(_ context.Context, req gateway.IterRequest, fn func(gateway.Message) error) error {
	if f.IterMessagesFunc != nil {
		return f.IterMessagesFunc(req, fn)
	}
	return nil
}

func (f *Fake) JoinByUsername(_ context.Context, username string) (gateway.Entity, error) {
	if f.JoinByUsernameFunc != nil {
		return f.JoinByUsernameFunc(username)
	}
	return gateway.Entity{ID: 1, Kind: gateway.KindChannel, Username: username}, nil
}

func (f *Fake) CheckInvite(_ context.Context, hash string) (gateway.Entity, error) {
	if f.CheckInviteFunc != nil {
		return f.CheckInviteFunc(hash)
	}
	return gateway.Entity{}, nil
}

func (f *Fake) ImportInvite(_ context.Context, hash string) (gateway.Entity, error) {
	if f.ImportInviteFunc != nil {
		return f.ImportInviteFunc(hash)
	}
	return gateway.Entity{ID: 2, Kind: gateway.KindSupergroup}, nil
}

func (f *Fake) ForwardMessage(_ context.Context, req gateway.ForwardRequest) error {
	var err error
	if f.ForwardFunc != nil {
		err = f.ForwardFunc(req)
	}
	if err == nil {
		f.mu.Lock()
		f.forwards = append(f.forwards, req)
		f.mu.Unlock()
	}
	return err
}

func (f *Fake) SendMessage(_ context.Context, req gateway.SendRequest) error {
	var err error
	if f.SendFunc != nil {
		err = f.SendFunc(req)
	}
	if err == nil {
		f.mu.Lock()
		f.sends = append(f.sends, req)
		f.mu.Unlock()
	}
	return err
}

func (f *Fake) IterDialogs(_ context.Context, fn func(gateway.Entity) error) error {
	if f.IterDialogsFunc != nil {
		return f.IterDialogsFunc(fn)
	}
	return nil
}

func (f *Fake) DownloadMedia(_ context.Context, msg gateway.Message, destPath string) (string, error) {
	if f.DownloadMediaFunc != nil {
		return f.DownloadMediaFunc(msg, destPath)
	}
	return destPath, nil
}

func (f *Fake) DownloadAvatar(_ context.Context, userID int64, destPath string) (string, error) {
	if f.DownloadAvatarFunc != nil {
		return f.DownloadAvatarFunc(userID, destPath)
	}
	return "", nil
}

func (f *Fake) LeaveChannel(_ context.Context, channelID int64) error {
	var err error
	if f.LeaveFunc != nil {
		err = f.LeaveFunc(channelID)
	}
	if err == nil {
		f.mu.Lock()
		f.left = append(f.left, channelID)
		f.mu.Unlock()
	}
	return err
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Forwards возвращает журнал успешных пересылок в порядке вызовов.
func (f *Fake) Forwards() []gateway.ForwardRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.ForwardRequest, len(f.forwards))
	copy(out, f.forwards)
	return out
}

// Sends возвращает журнал успешных отправок.
func (f *Fake) Sends() []gateway.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.SendRequest, len(f.sends))
	copy(out, f.sends)
	return out
}

// Left возвращает каналы, из которых вышли.
func (f *Fake) Left() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.left))
	copy(out, f.left)
	return out
}

// Closed сообщает, был ли шлюз закрыт.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Connector — фабрика фейковых шлюзов для тестов флота. Каждому
// sessionHandle можно назначить готовый Fake или ошибку подключения.
type Connector struct {
	mu       sync.Mutex
	gateways map[string]*Fake
	errs     map[string]error
	opened   []string
}

var _ gateway.Connector = (*Connector)(nil)

// NewConnector создаёт пустую фабрику; незнакомые аккаунты получают новый Fake.
func NewConnector() *Connector {
	return &Connector{
		gateways: make(map[string]*Fake),
		errs:     make(map[string]error),
	}
}

// Provide закрепляет готовый фейк за аккаунтом.
func (c *Connector) Provide(handle string, f *Fake) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gateways[handle] = f
}

// FailWith заставляет Connect для аккаунта возвращать ошибку.
func (c *Connector) FailWith(handle string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[handle] = err
}

func (c *Connector) Connect(_ context.Context, creds gateway.Credentials) (gateway.Gateway, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = append(c.opened, creds.SessionHandle)
	if err := c.errs[creds.SessionHandle]; err != nil {
		return nil, err
	}
	f, ok := c.gateways[creds.SessionHandle]
	if !ok {
		f = New(creds.SessionHandle)
		c.gateways[creds.SessionHandle] = f
	}
	return f, nil
}

// Opened возвращает порядок запросов на подключение.
func (c *Connector) Opened() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.opened))
	copy(out, c.opened)
	return out
}
