package gateway

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Таксономия ошибок транспорта. Ядро различает четыре класса:
//   - транзиентные (flood-wait, connect) — кооперативная пауза и ретрай;
//   - фатальные для аккаунта (деактивация, битый ключ) — бан в реестре;
//   - специфичные для цели (приватный канал, протухший инвайт) — скип цели;
//   - ёмкостные (ChannelsTooMuch) — длинный кулдаун аккаунта.
var (
	ErrConnect               = errors.New("connect error")
	ErrAuthDeactivated       = errors.New("account deactivated")
	ErrAuthKeyInvalid        = errors.New("auth key invalid")
	ErrSessionPasswordNeeded = errors.New("session password needed")
	ErrChannelPrivate        = errors.New("channel is private")
	ErrChatAdminRequired     = errors.New("chat admin required")
	ErrUserBannedInChannel   = errors.New("user banned in channel")
	ErrInviteExpired         = errors.New("invite expired")
	ErrAlreadyParticipant    = errors.New("already a participant")
	ErrChannelsTooMuch       = errors.New("too many channels joined")
	ErrNotFound              = errors.New("entity not found")
)

// FloodWaitError — кооперативный сигнал лимита платформы в секундах.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait %d seconds", e.Seconds)
}

// AsFloodWait извлекает из цепочки ошибок flood-wait и его длительность.
func AsFloodWait(err error) (int, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Seconds, true
	}
	return 0, false
}

// IsAuthFatal сообщает, что аккаунт непригоден: его нужно банить в реестре
// и прерывать привязанные к нему задачи.
func IsAuthFatal(err error) bool {
	return errors.Is(err, ErrAuthDeactivated) ||
		errors.Is(err, ErrAuthKeyInvalid) ||
		errors.Is(err, ErrSessionPasswordNeeded)
}

// IsTargetError сообщает, что проблема в целевом канале, а не в аккаунте:
// цель пропускается, здоровье аккаунта не трогается.
func IsTargetError(err error) bool {
	return errors.Is(err, ErrChannelPrivate) ||
		errors.Is(err, ErrChatAdminRequired) ||
		errors.Is(err, ErrUserBannedInChannel) ||
		errors.Is(err, ErrInviteExpired) ||
		errors.Is(err, ErrNotFound)
}
