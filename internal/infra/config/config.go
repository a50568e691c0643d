// Пакет config отвечает за сбор и предоставление конфигурации всего приложения
// (оркестратор флота MTProto-аккаунтов). Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. загружает описание флота из JSON-файла (fleet.json): аккаунты, прокси,
//     настройки ротации, архивации, пересылки и облачного режима,
//  3. нормализует и валидирует входные значения,
//  4. предоставляет потокобезопасный доступ к результатам через R/W мьютекс.
//
// Бизнес-контекст: конфиг среды управляет путями (БД, медиа, сессии),
// логированием, лимитами скорости и периодикой фоновых циклов. Fleet-файл
// описывает набор аккаунтов и их поведение: как ротировать, что качать при
// архивации, куда и как пересылать, как приглашать другие аккаунты.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/sword-epi/spectra/internal/infra/timeutil"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это
// «операционные» настройки запуска: пути к файлам, лог-уровень, ограничения
// по скорости, периодика фоновых циклов оркестратора.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	FleetFile      string // JSON-описание флота
	DBPath         string // путь к файлу SQLite
	MediaDir       string // базовая директория для скачанных медиа
	SessionDir     string // директория файлов MTProto-сессий
	PeersCacheDir  string // директория bbolt-кэшей пиров (по файлу на аккаунт)
	InviteState    string // JSON-файл состояния очереди приглашений
	LogLevel       string
	LogFile        string // пустая строка — файловый лог выключен
	AppTimezone    string
	ThrottleRPS    int  // лимит запросов в секунду на каждый клиент
	MaxConcurrent  int  // верхняя граница параллельных задач планировщика
	TestDC         bool // подключение к тестовому DC Telegram
	ArchiveEverySec  int // период архивного прохода оркестратора
	RefreshEverySec  int // период пересчёта приоритетов (медленнее архивации)
	InviteEverySec   int // период обработки очереди приглашений
}

// AccountConfig — учётные данные одного аккаунта флота. SessionHandle
// уникален и служит каноническим идентификатором аккаунта везде в системе.
type AccountConfig struct {
	APIID         int    `json:"apiId"`
	APIHash       string `json:"apiHash"`
	SessionHandle string `json:"sessionHandle"`
	Phone         string `json:"phone,omitempty"`
	Password      string `json:"password,omitempty"` // пароль 2FA; пустой — спросим в терминале
}

// ProxyConfig — опциональный ротируемый egress: один хост, много портов.
type ProxyConfig struct {
	Enabled bool   `json:"enabled"`
	Type    string `json:"type"` // socks5 (умолчание) | socks4
	Host    string `json:"host"`
	Port    int    `json:"port"`
	User    string `json:"user,omitempty"`
	Pass    string `json:"pass,omitempty"`
	Ports   []int  `json:"ports,omitempty"` // если задан, Port игнорируется
}

// ForwardingConfig — поведение пересылки сообщений.
type ForwardingConfig struct {
	EnableDeduplication        bool  `json:"enableDeduplication"`
	IncludeTextOnly            bool  `json:"includeTextOnly"`
	SecondaryUniqueDestination int64 `json:"secondaryUniqueDestination,omitempty"`
	ForwardToAllSavedMessages  bool  `json:"forwardToAllSavedMessages"`
	PrependOriginInfo          bool  `json:"prependOriginInfo"`
	DestinationTopicID         int   `json:"destinationTopicId,omitempty"`
}

// InvitationDelays — параметры джиттера задержек между приглашениями.
// Фактическая пауза: uniform(min,max) · uniform(1−v, 1+v).
type InvitationDelays struct {
	MinSeconds float64 `json:"minSeconds"`
	MaxSeconds float64 `json:"maxSeconds"`
	Variance   float64 `json:"variance"`
}

// CloudConfig — облачный режим: автоматические приглашения других аккаунтов
// в каналы, до которых добрался краулер.
type CloudConfig struct {
	AutoInviteAccounts bool             `json:"autoInviteAccounts"`
	InvitationDelays   InvitationDelays `json:"invitationDelays"`
}

// FleetConfig — описание флота аккаунтов и политик его использования.
// Загружается из JSON-файла, путь к которому задаёт FLEET_FILE.
type FleetConfig struct {
	Accounts              []AccountConfig `json:"accounts"`
	Proxy                 ProxyConfig     `json:"proxy"`
	AccountRotationMode   string          `json:"accountRotationMode"`   // sequential|random|leastUsed|smart
	AccountRotationPolicy string          `json:"accountRotationPolicy"` // perOperation|sticky

	DownloadMedia      bool     `json:"downloadMedia"`
	DownloadAvatars    bool     `json:"downloadAvatars"`
	ArchiveTopics      bool     `json:"archiveTopics"`
	MediaMimeWhitelist []string `json:"mediaMimeWhitelist,omitempty"`

	FetchBatchSize int `json:"fetchBatchSize"`
	FetchWait      int `json:"fetchWait"`  // пауза между батчами, сек
	FetchLimit     int `json:"fetchLimit"` // 0 — без лимита

	// ArchiveTargets — явный список целей архивации. Пустой список переводит
	// оркестратор на цели из графа приоритетов.
	ArchiveTargets    []string `json:"archiveTargets,omitempty"`
	LeaveAfterArchive bool     `json:"leaveAfterArchive"`

	DiscoverySeeds    []string `json:"discoverySeeds,omitempty"`
	DiscoveryDepth    int      `json:"discoveryDepth"`
	DiscoveryMsgLimit int      `json:"discoveryMsgLimit"`

	DefaultForwardingDestinationID int64 `json:"defaultForwardingDestinationId,omitempty"`

	Forwarding ForwardingConfig `json:"forwarding"`
	Cloud      CloudConfig      `json:"cloud"`
}

// Config хранит конфигурацию среды и флота.
//
// Потокобезопасность: публичные геттеры берут RLock; Load держит эксклюзивный
// Lock на время заполнения полей.
type Config struct {
	Env      EnvConfig
	fleet    FleetConfig
	warnings []string     // предупреждения, накопленные при чтении окружения и fleet-файла
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения и флота.
const (
	defaultFleetFile     = "assets/fleet.json"
	defaultDBPath        = "data/spectra.db"
	defaultMediaDir      = "data/media"
	defaultSessionDir    = "data/sessions"
	defaultPeersCacheDir = "data/peers"
	defaultInviteState   = "data/invitations.json"
	defaultLogLevel      = "info"
	defaultAppTimezone   = "UTC"
	defaultThrottleRPS   = 1
	defaultMaxConcurrent = 4
	defaultArchiveEvery  = 3600
	defaultRefreshEvery  = 21600
	defaultInviteEvery   = 300

	defaultRotationMode      = "sequential"
	defaultRotationPolicy    = "perOperation"
	defaultFetchBatchSize    = 2000
	defaultFetchWait         = 5
	defaultDiscoveryDepth    = 1
	defaultDiscoveryMsgLimit = 500
	defaultInviteMinSec      = 300
	defaultInviteMaxSec      = 1800
	defaultInviteVariance    = 0.3
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// AppLocation — часовой пояс приложения; используется хранилищем при
// построении временных шкал. Устанавливается при Load.
var AppLocation *time.Location

// Load — точка входа для инициализации глобальной конфигурации всего
// приложения. При первом вызове:
//  1. читает .env,
//  2. формирует EnvConfig,
//  3. загружает и валидирует fleet-файл,
//  4. фиксирует результат в singleton cfgInstance.
//
// Повторный вызов запрещен (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	if cfgInstance == nil {
		cfgInstance = &Config{}
	}
	cfgInstance.mu.Lock()
	defer cfgInstance.mu.Unlock()
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var warnings []string

	fleetFile := sanitizeFile("FLEET_FILE", os.Getenv("FLEET_FILE"), defaultFleetFile, &warnings)
	dbPath := sanitizeFile("DB_PATH", os.Getenv("DB_PATH"), defaultDBPath, &warnings)
	mediaDir := sanitizeFile("MEDIA_DIR", os.Getenv("MEDIA_DIR"), defaultMediaDir, &warnings)
	sessionDir := sanitizeFile("SESSION_DIR", os.Getenv("SESSION_DIR"), defaultSessionDir, &warnings)
	peersCacheDir := sanitizeFile("PEERS_CACHE_DIR", os.Getenv("PEERS_CACHE_DIR"), defaultPeersCacheDir, &warnings)
	inviteState := sanitizeFile("INVITE_STATE_FILE", os.Getenv("INVITE_STATE_FILE"), defaultInviteState, &warnings)
	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	appTimezone := sanitizeTimezoneFlexible(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings)
	throttleRPS := parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings)
	maxConcurrent := parseIntDefault("MAX_CONCURRENT", defaultMaxConcurrent, greaterThanZero, &warnings)
	testDC := strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true")
	archiveEvery := parseIntDefault("ARCHIVE_EVERY_SEC", defaultArchiveEvery, greaterThanZero, &warnings)
	refreshEvery := parseIntDefault("PRIORITY_REFRESH_SEC", defaultRefreshEvery, greaterThanZero, &warnings)
	inviteEvery := parseIntDefault("INVITE_EVERY_SEC", defaultInviteEvery, greaterThanZero, &warnings)

	loc, err := timeutil.ParseLocation(appTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid APP_TIMEZONE %q: %w", appTimezone, err)
	}
	AppLocation = loc

	fleet, err := loadFleet(fleetFile, &warnings)
	if err != nil {
		return nil, err
	}

	env := EnvConfig{
		FleetFile:       fleetFile,
		DBPath:          dbPath,
		MediaDir:        mediaDir,
		SessionDir:      sessionDir,
		PeersCacheDir:   peersCacheDir,
		InviteState:     inviteState,
		LogLevel:        logLevel,
		LogFile:         logFile,
		AppTimezone:     appTimezone,
		ThrottleRPS:     throttleRPS,
		MaxConcurrent:   maxConcurrent,
		TestDC:          testDC,
		ArchiveEverySec: archiveEvery,
		RefreshEverySec: refreshEvery,
		InviteEverySec:  inviteEvery,
	}

	return &Config{Env: env, fleet: fleet, warnings: warnings}, nil
}

// loadFleet читает и валидирует JSON-описание флота. Без аккаунтов
// приложение бессмысленно, поэтому пустой список — ошибка, а не предупреждение.
func loadFleet(path string, warnings *[]string) (FleetConfig, error) {
	var fleet FleetConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return fleet, fmt.Errorf("read fleet config %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &fleet); err != nil {
		return fleet, fmt.Errorf("parse fleet config %s: %w", path, err)
	}

	if len(fleet.Accounts) == 0 {
		return fleet, fmt.Errorf("fleet config %s: accounts list is empty", path)
	}
	seen := make(map[string]struct{}, len(fleet.Accounts))
	for i, acc := range fleet.Accounts {
		if acc.APIID <= 0 || strings.TrimSpace(acc.APIHash) == "" {
			return fleet, fmt.Errorf("fleet config: account #%d is missing apiId/apiHash", i)
		}
		handle := strings.TrimSpace(acc.SessionHandle)
		if handle == "" {
			return fleet, fmt.Errorf("fleet config: account #%d is missing sessionHandle", i)
		}
		if _, dup := seen[handle]; dup {
			return fleet, fmt.Errorf("fleet config: duplicate sessionHandle %q", handle)
		}
		seen[handle] = struct{}{}
		fleet.Accounts[i].SessionHandle = handle
	}

	fleet.AccountRotationMode = sanitizeRotationMode(fleet.AccountRotationMode, warnings)
	fleet.AccountRotationPolicy = sanitizeRotationPolicy(fleet.AccountRotationPolicy, warnings)

	if fleet.FetchBatchSize <= 0 {
		appendWarningf(warnings, "fleet fetchBatchSize %d is invalid; using default %d",
			fleet.FetchBatchSize, defaultFetchBatchSize)
		fleet.FetchBatchSize = defaultFetchBatchSize
	}
	if fleet.FetchWait < 0 {
		appendWarningf(warnings, "fleet fetchWait %d is negative; using default %d", fleet.FetchWait, defaultFetchWait)
		fleet.FetchWait = defaultFetchWait
	}
	if fleet.FetchLimit < 0 {
		appendWarningf(warnings, "fleet fetchLimit %d is negative; treating as unlimited", fleet.FetchLimit)
		fleet.FetchLimit = 0
	}
	if fleet.DiscoveryDepth <= 0 {
		fleet.DiscoveryDepth = defaultDiscoveryDepth
	}
	if fleet.DiscoveryMsgLimit <= 0 {
		fleet.DiscoveryMsgLimit = defaultDiscoveryMsgLimit
	}

	if fleet.Proxy.Enabled {
		if strings.TrimSpace(fleet.Proxy.Host) == "" {
			return fleet, errors.New("fleet config: proxy enabled but host is empty")
		}
		if len(fleet.Proxy.Ports) == 0 && fleet.Proxy.Port <= 0 {
			return fleet, errors.New("fleet config: proxy enabled but no ports configured")
		}
		switch strings.ToLower(strings.TrimSpace(fleet.Proxy.Type)) {
		case "", "socks5":
			fleet.Proxy.Type = "socks5"
		case "socks4":
			fleet.Proxy.Type = "socks4"
		default:
			appendWarningf(warnings, "fleet proxy type %q is unsupported; using socks5", fleet.Proxy.Type)
			fleet.Proxy.Type = "socks5"
		}
	}

	fleet.Cloud.InvitationDelays = sanitizeInvitationDelays(fleet.Cloud.InvitationDelays, warnings)
	return fleet, nil
}

// sanitizeInvitationDelays приводит параметры джиттера к рабочему диапазону.
// Min/Max меняются местами при перестановке, variance ограничивается [0, 1).
func sanitizeInvitationDelays(d InvitationDelays, warnings *[]string) InvitationDelays {
	if d.MinSeconds <= 0 && d.MaxSeconds <= 0 {
		return InvitationDelays{
			MinSeconds: defaultInviteMinSec,
			MaxSeconds: defaultInviteMaxSec,
			Variance:   defaultInviteVariance,
		}
	}
	if d.MinSeconds < 0 {
		d.MinSeconds = 0
	}
	if d.MaxSeconds < d.MinSeconds {
		appendWarningf(warnings, "fleet invitationDelays: maxSeconds %.0f < minSeconds %.0f; swapping",
			d.MaxSeconds, d.MinSeconds)
		d.MinSeconds, d.MaxSeconds = d.MaxSeconds, d.MinSeconds
	}
	if d.Variance < 0 || d.Variance >= 1 {
		appendWarningf(warnings, "fleet invitationDelays: variance %.2f out of [0,1); using default %.1f",
			d.Variance, defaultInviteVariance)
		d.Variance = defaultInviteVariance
	}
	return d
}

// sanitizeRotationMode ограничивает режим ротации набором поддерживаемых политик.
func sanitizeRotationMode(mode string, warnings *[]string) string {
	m := strings.TrimSpace(mode)
	switch m {
	case "sequential", "random", "leastUsed", "smart":
		return m
	case "":
		appendWarningf(warnings, "fleet accountRotationMode is not set; using default %q", defaultRotationMode)
		return defaultRotationMode
	default:
		appendWarningf(warnings, "fleet accountRotationMode %q is invalid; using default %q", mode, defaultRotationMode)
		return defaultRotationMode
	}
}

// sanitizeRotationPolicy выбирает, перевыбирается ли аккаунт на каждую операцию.
func sanitizeRotationPolicy(policy string, warnings *[]string) string {
	p := strings.TrimSpace(policy)
	switch p {
	case "perOperation", "sticky":
		return p
	case "":
		appendWarningf(warnings, "fleet accountRotationPolicy is not set; using default %q", defaultRotationPolicy)
		return defaultRotationPolicy
	default:
		appendWarningf(warnings, "fleet accountRotationPolicy %q is invalid; using default %q",
			policy, defaultRotationPolicy)
		return defaultRotationPolicy
	}
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент последней загрузки; для обновления надо перечитать конфиг целиком.
func Env() EnvConfig {
	return cfgInstance.Env
}

// Fleet возвращает снимок описания флота.
func Fleet() FleetConfig {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	return cfgInstance.fleet
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о
// некорректных значениях. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero — простой валидатор чисел для parseIntDefault,
// навязывает смысловые ограничения без падения приложения.
func greaterThanZero(v int) bool { return v > 0 }

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultLogLevel.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает валидный путь. Если переменная не задана,
// подставляет fallback и пишет предупреждение.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeTimezoneFlexible проверяет, что значение — корректная IANA-зона или
// UTC-смещение. При неудаче возвращает значение по умолчанию и добавляет предупреждение.
func sanitizeTimezoneFlexible(value string, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env APP_TIMEZONE is not set; using default %q", fallback)
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "timezone %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}
