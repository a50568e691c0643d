// Package fleet — менеджер флота: ленивый пул шлюзов по аккаунтам,
// вступление/выход из групп с ротацией при flood-wait и оркестрация
// join-and-archive проходов.
package fleet

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/sword-epi/spectra/internal/domain/accounts"
	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/infra/logger"
)

// RotationPolicy — перевыбирается ли аккаунт на каждую операцию.
type RotationPolicy string

const (
	RotatePerOperation RotationPolicy = "perOperation"
	RotateSticky       RotationPolicy = "sticky"
)

// Archiver — архивный проход по одной сущности через конкретный шлюз.
// Интерфейс разрывает цикл пакетов: пайплайн живёт в domain/archive.
type Archiver interface {
	Archive(ctx context.Context, gw gateway.Gateway, target gateway.Entity) error
}

// Manager владеет ленивым отображением sessionHandle → Gateway. Каждый шлюз
// открывается при первом использовании, переиспользуется и закрывается при
// shutdown или фатальной auth-ошибке.
type Manager struct {
	connector gateway.Connector
	registry  *accounts.Registry
	rotator   *accounts.Rotator
	policy    RotationPolicy

	mu       sync.Mutex
	creds    map[string]gateway.Credentials
	gateways map[string]gateway.Gateway
	sticky   string // закреплённый аккаунт для RotateSticky

	// sleep подменяется в тестах, чтобы не ждать реальные паузы батчей.
	sleep func(time.Duration)
}

// NewManager создаёт менеджер флота.
func NewManager(connector gateway.Connector, registry *accounts.Registry,
	rotator *accounts.Rotator, creds []gateway.Credentials, policy RotationPolicy,
) *Manager {
	credsByHandle := make(map[string]gateway.Credentials, len(creds))
	for _, c := range creds {
		credsByHandle[c.SessionHandle] = c
	}
	if policy != RotateSticky {
		policy = RotatePerOperation
	}
	return &Manager{
		connector: connector,
		registry:  registry,
		rotator:   rotator,
		policy:    policy,
		creds:     credsByHandle,
		gateways:  make(map[string]gateway.Gateway),
		sleep:     time.Sleep,
	}
}

// InitFleet открывает и авторизует все незабаненные аккаунты. Аккаунты с
// ошибкой подключения помечаются в реестре, но не валят инициализацию:
// флот работает тем составом, который удалось поднять.
func (m *Manager) InitFleet(ctx context.Context) error {
	handles := m.registry.Handles()
	opened := 0
	for _, handle := range handles {
		if m.registry.IsBanned(handle) {
			continue
		}
		if _, err := m.Gateway(ctx, handle); err != nil {
			logger.Warnf("fleet init: account %s failed: %v", handle, err)
			continue
		}
		opened++
	}
	logger.Infof("fleet initialised: %d/%d accounts connected", opened, len(handles))
	if opened == 0 {
		return accounts.ErrNoAccountAvailable
	}
	return nil
}

// Gateway возвращает живой шлюз аккаунта, открывая его при необходимости.
// Фатальная auth-ошибка банит аккаунт в реестре и пробрасывается.
func (m *Manager) Gateway(ctx context.Context, sessionHandle string) (gateway.Gateway, error) {
	m.mu.Lock()
	if gw, ok := m.gateways[sessionHandle]; ok {
		m.mu.Unlock()
		return gw, nil
	}
	creds, ok := m.creds[sessionHandle]
	m.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("unknown account %q", sessionHandle)
	}

	gw, err := m.connector.Connect(ctx, creds)
	if err != nil {
		_ = m.registry.MarkFailure(ctx, sessionHandle, err, 0)
		return nil, errors.Wrapf(err, "connect account %s", sessionHandle)
	}

	m.mu.Lock()
	// Параллельный вызов мог открыть шлюз первым; лишний закрываем.
	if existing, ok := m.gateways[sessionHandle]; ok {
		m.mu.Unlock()
		_ = gw.Close()
		return existing, nil
	}
	m.gateways[sessionHandle] = gw
	m.mu.Unlock()
	return gw, nil
}

// CloseAccount закрывает и забывает шлюз аккаунта. Идемпотентен.
func (m *Manager) CloseAccount(sessionHandle string) {
	m.mu.Lock()
	gw, ok := m.gateways[sessionHandle]
	delete(m.gateways, sessionHandle)
	if m.sticky == sessionHandle {
		m.sticky = ""
	}
	m.mu.Unlock()
	if ok {
		_ = gw.Close()
	}
}

// Close закрывает все шлюзы флота. Идемпотентен.
func (m *Manager) Close() {
	m.mu.Lock()
	gateways := m.gateways
	m.gateways = make(map[string]gateway.Gateway)
	m.sticky = ""
	m.mu.Unlock()
	for handle, gw := range gateways {
		if err := gw.Close(); err != nil {
			logger.Warnf("close gateway %s: %v", handle, err)
		}
	}
}

// pickGateway выбирает аккаунт по политике ротации и возвращает его шлюз.
func (m *Manager) pickGateway(ctx context.Context) (gateway.Gateway, string, error) {
	if m.policy == RotateSticky {
		m.mu.Lock()
		sticky := m.sticky
		m.mu.Unlock()
		if sticky != "" && !m.registry.IsBanned(sticky) {
			gw, err := m.Gateway(ctx, sticky)
			if err == nil {
				return gw, sticky, nil
			}
		}
	}

	acc, err := m.rotator.Next(ctx)
	if err != nil {
		return nil, "", err
	}
	gw, err := m.Gateway(ctx, acc.SessionHandle)
	if err != nil {
		return nil, "", err
	}
	if m.policy == RotateSticky {
		m.mu.Lock()
		m.sticky = acc.SessionHandle
		m.mu.Unlock()
	}
	return gw, acc.SessionHandle, nil
}

// linkKind — распознанный тип ссылки на группу.
type linkKind int

const (
	linkUsername linkKind = iota
	linkInvite
	linkNumericID
)

// parseLink классифицирует ссылку: @username, инвайт t.me/joinchat/<hash>
// или t.me/+<hash>, числовой id. Всё прочее трактуется как username.
func parseLink(link string) (linkKind, string) {
	l := strings.TrimSpace(link)
	l = strings.TrimPrefix(l, "https://")
	l = strings.TrimPrefix(l, "http://")

	if id, err := strconv.ParseInt(l, 10, 64); err == nil {
		return linkNumericID, strconv.FormatInt(id, 10)
	}
	if rest, ok := strings.CutPrefix(l, "t.me/joinchat/"); ok {
		return linkInvite, rest
	}
	if rest, ok := strings.CutPrefix(l, "t.me/+"); ok {
		return linkInvite, rest
	}
	if rest, ok := strings.CutPrefix(l, "t.me/"); ok {
		l = rest
	}
	return linkUsername, strings.TrimPrefix(l, "@")
}

// joinOnce выполняет одну попытку вступления через конкретный шлюз.
func joinOnce(ctx context.Context, gw gateway.Gateway, kind linkKind, value string) (gateway.Entity, error) {
	switch kind {
	case linkInvite:
		if _, err := gw.CheckInvite(ctx, value); err != nil {
			if errors.Is(err, gateway.ErrAlreadyParticipant) {
				return gw.GetEntity(ctx, "t.me/+"+value)
			}
			return gateway.Entity{}, err
		}
		return gw.ImportInvite(ctx, value)
	case linkNumericID:
		return gw.GetEntity(ctx, value)
	default:
		ent, err := gw.JoinByUsername(ctx, value)
		if errors.Is(err, gateway.ErrAlreadyParticipant) {
			return gw.GetEntity(ctx, "@"+value)
		}
		return ent, err
	}
}

// JoinWith вступает в группу по ссылке через конкретный шлюз, без ротации.
// Используется планировщиком: задача уже привязана к аккаунту, и ошибки
// обрабатывает его цикл, а не менеджер флота.
func JoinWith(ctx context.Context, gw gateway.Gateway, link string) (gateway.Entity, error) {
	kind, value := parseLink(link)
	return joinOnce(ctx, gw, kind, value)
}

// JoinGroup вступает в группу по ссылке. Flood-wait ставит кулдаун текущему
// аккаунту и даёт одну повторную попытку со следующим; ChannelsTooMuch —
// кулдаун 24 часа и тоже одна повторная попытка. Auth-ошибки пробрасываются.
func (m *Manager) JoinGroup(ctx context.Context, link string) (gateway.Entity, error) {
	ent, _, err := m.joinGroup(ctx, link)
	return ent, err
}

// joinGroup дополнительно возвращает sessionHandle вступившего аккаунта:
// архивный проход должен идти тем же аккаунтом, который состоит в группе.
func (m *Manager) joinGroup(ctx context.Context, link string) (gateway.Entity, string, error) {
	kind, value := parseLink(link)

	const attempts = 2
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		gw, handle, err := m.pickGateway(ctx)
		if err != nil {
			return gateway.Entity{}, "", err
		}

		ent, err := joinOnce(ctx, gw, kind, value)
		if err == nil {
			_ = m.registry.MarkSuccess(ctx, handle)
			logger.Infof("joined %s as %s (channel %d)", link, handle, ent.ID)
			return ent, handle, nil
		}
		lastErr = err

		switch {
		case gateway.IsAuthFatal(err):
			_ = m.registry.MarkFailure(ctx, handle, err, 0)
			m.CloseAccount(handle)
			return gateway.Entity{}, "", errors.Wrapf(err, "join %s", link)
		case errors.Is(err, gateway.ErrChannelsTooMuch):
			_ = m.registry.MarkFailure(ctx, handle, err, 24*time.Hour)
		default:
			if _, isFlood := gateway.AsFloodWait(err); isFlood {
				_ = m.registry.MarkFailure(ctx, handle, err, 0)
			} else {
				// Ошибка цели: ротация не поможет, выходим сразу.
				_ = m.registry.MarkFailure(ctx, handle, err, 0)
				return gateway.Entity{}, "", errors.Wrapf(err, "join %s", link)
			}
		}
	}
	return gateway.Entity{}, "", errors.Wrapf(lastErr, "join %s after %d attempts", link, attempts)
}

// LeaveGroup выходит из канала с любого доступного аккаунта.
func (m *Manager) LeaveGroup(ctx context.Context, channelID int64) error {
	gw, handle, err := m.pickGateway(ctx)
	if err != nil {
		return err
	}
	if err := gw.LeaveChannel(ctx, channelID); err != nil {
		_ = m.registry.MarkFailure(ctx, handle, err, 0)
		return errors.Wrapf(err, "leave channel %d", channelID)
	}
	_ = m.registry.MarkSuccess(ctx, handle)
	return nil
}

// JoinAndArchive вступает в группу, прогоняет архивный пайплайн тем же
// аккаунтом и опционально выходит.
func (m *Manager) JoinAndArchive(ctx context.Context, link string, archiver Archiver, leaveAfter bool) error {
	ent, handle, err := m.joinGroup(ctx, link)
	if err != nil {
		return err
	}
	gw, err := m.Gateway(ctx, handle)
	if err != nil {
		return err
	}
	if err := archiver.Archive(ctx, gw, ent); err != nil {
		_ = m.registry.MarkFailure(ctx, handle, err, 0)
		return errors.Wrapf(err, "archive %s", link)
	}
	_ = m.registry.MarkSuccess(ctx, handle)
	if leaveAfter {
		if err := m.LeaveGroup(ctx, ent.ID); err != nil {
			logger.Warnf("leave after archive %s: %v", link, err)
		}
	}
	return nil
}

// BatchJoinArchive последовательно обрабатывает список ссылок с паузой delay
// между элементами. Каждые 5 элементов счётчики использования сбрасываются,
// чтобы least-used/smart ротация не залипала на длинных партиях.
// Возвращает карту link → ошибка (nil при успехе).
func (m *Manager) BatchJoinArchive(ctx context.Context, links []string, delay time.Duration,
	archiver Archiver, leaveAfter bool,
) map[string]error {
	results := make(map[string]error, len(links))
	for i, link := range links {
		if ctx.Err() != nil {
			results[link] = ctx.Err()
			continue
		}
		if i > 0 && i%5 == 0 {
			if err := m.registry.ResetUsageCounts(ctx); err != nil {
				logger.Warnf("reset usage counts: %v", err)
			}
		}
		results[link] = m.JoinAndArchive(ctx, link, archiver, leaveAfter)
		if i < len(links)-1 && delay > 0 {
			m.sleep(delay)
		}
	}
	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
		}
	}
	logger.Infof("batch join-archive finished: %d/%d succeeded", ok, len(links))
	return results
}
