// Package gateway определяет транспортный контракт ядра: минимальный набор
// операций Telegram-клиента, который потребляют менеджер флота, краулер,
// пересыльщик и архиватор. Реальная реализация живёт в adapters/telegram;
// тесты используют управляемый фейк из gatewaytest.
package gateway

import (
	"context"
	"time"
)

// Credentials — учётные данные одного аккаунта. SessionHandle — канонический
// идентификатор аккаунта и одновременно ключ файла сессии.
type Credentials struct {
	APIID         int
	APIHash       string
	SessionHandle string
	Phone         string
	Password      string // пароль 2FA; пустой — интерактивный запрос
}

// EntityKind — тип сущности Telegram, с которой работает ядро.
type EntityKind string

const (
	KindChannel    EntityKind = "channel"
	KindSupergroup EntityKind = "supergroup"
	KindChat       EntityKind = "chat"
	KindBot        EntityKind = "bot"
	KindUser       EntityKind = "user"
	KindUnknown    EntityKind = "unknown"
)

// Entity — метаданные канала/чата/пользователя, достаточные для адресации.
type Entity struct {
	ID         int64
	Kind       EntityKind
	Title      string
	Username   string
	AccessHash int64
	IsForum    bool
}

// MentionSource — откуда извлечено упоминание в сообщении.
type MentionSource string

const (
	MentionFromText    MentionSource = "text"
	MentionFromEntity  MentionSource = "entity"
	MentionFromForward MentionSource = "forward"
)

// Mention — структурное упоминание @username внутри сообщения.
type Mention struct {
	Username string
	Source   MentionSource
}

// Message — сообщение в том объёме, который нужен ядру: текст, ссылочные
// поля и атрибуты медиа, участвующие в контент-хэше и архивации.
type Message struct {
	ID             int64
	Date           time.Time
	EditDate       time.Time
	Text           string
	ReplyTo        int64
	TopicID        int64
	SenderID       int64
	SenderUsername string

	HasMedia        bool
	MediaID         int64
	MediaAccessHash int64
	MediaTypeName   string // имя типа медиа для резервного токена хэша
	Mime            string
	FileID          int64
	FileSize        int64
	FileName        string
	WebpageURL      string

	Mentions []Mention
}

// IterRequest — параметры итерации истории сообщений.
type IterRequest struct {
	Entity   Entity
	OffsetID int64 // читать сообщения с id строго больше OffsetID (в reverse-режиме)
	Reverse  bool  // от старых к новым
	TopicID  int64 // 0 — без фильтра по топику
	Limit    int   // 0 — без лимита
}

// ForwardRequest — нативная пересылка одного сообщения.
type ForwardRequest struct {
	FromID    int64
	ToID      int64
	ToSelf    bool // в Saved Messages текущего аккаунта; ToID игнорируется
	MessageID int64
	ReplyTo   int64 // id топика назначения; 0 — без топика
}

// SendRequest — отправка нового сообщения (режим prepend-origin).
// MediaFromID/MediaMessageID ссылаются на исходное сообщение, чьё вложение
// нужно прикрепить к новой отправке; нули — отправка без медиа.
type SendRequest struct {
	ToID           int64
	Text           string
	FilePath       string
	ReplyTo        int64
	MediaFromID    int64
	MediaMessageID int64
}

// Gateway — подключённый и авторизованный клиент, привязанный к одному
// аккаунту. Методы блокирующие; отмена — через контекст.
type Gateway interface {
	// SessionHandle возвращает идентификатор аккаунта, которому принадлежит клиент.
	SessionHandle() string

	IsAuthorised(ctx context.Context) (bool, error)

	// GetEntity разрешает ссылку (@name, t.me/..., числовой id) в сущность.
	GetEntity(ctx context.Context, ref string) (Entity, error)

	// IterMessages вызывает fn для каждого сообщения истории. Возврат ошибки
	// из fn останавливает итерацию и пробрасывается наружу.
	IterMessages(ctx context.Context, req IterRequest, fn func(Message) error) error

	JoinByUsername(ctx context.Context, username string) (Entity, error)
	CheckInvite(ctx context.Context, hash string) (Entity, error)
	ImportInvite(ctx context.Context, hash string) (Entity, error)

	ForwardMessage(ctx context.Context, req ForwardRequest) error
	SendMessage(ctx context.Context, req SendRequest) error

	// IterDialogs перечисляет диалоги аккаунта; fn получает каждую сущность.
	IterDialogs(ctx context.Context, fn func(Entity) error) error

	// DownloadMedia сохраняет вложение сообщения в destPath; возвращает
	// фактический путь записанного файла.
	DownloadMedia(ctx context.Context, msg Message, destPath string) (string, error)

	// DownloadAvatar сохраняет аватар пользователя; пустой путь — аватара нет.
	DownloadAvatar(ctx context.Context, userID int64, destPath string) (string, error)

	LeaveChannel(ctx context.Context, channelID int64) error

	// Close идемпотентен.
	Close() error
}

// Connector открывает шлюз для аккаунта. Менеджер флота держит по одному
// живому шлюзу на аккаунт и открывает их лениво.
type Connector interface {
	Connect(ctx context.Context, creds Credentials) (Gateway, error)
}
