package telegram

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tgerr"

	"github.com/sword-epi/spectra/internal/gateway"
)

// mapError переводит ошибки MTProto в таксономию gateway. Неизвестные коды
// проходят насквозь: вызывающие трактуют их как транзиентные сбои аккаунта.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &gateway.FloodWaitError{Seconds: int(d / time.Second)}
	}

	var notFound *peers.PeerNotFoundError
	if errors.As(err, &notFound) {
		return errors.Wrap(gateway.ErrNotFound, err.Error())
	}

	switch {
	case tgerr.Is(err, "USER_DEACTIVATED", "USER_DEACTIVATED_BAN", "PHONE_NUMBER_BANNED"):
		return errors.Wrap(gateway.ErrAuthDeactivated, err.Error())
	case tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "SESSION_REVOKED", "SESSION_EXPIRED"):
		return errors.Wrap(gateway.ErrAuthKeyInvalid, err.Error())
	case tgerr.Is(err, "SESSION_PASSWORD_NEEDED"):
		return errors.Wrap(gateway.ErrSessionPasswordNeeded, err.Error())
	case tgerr.Is(err, "CHANNEL_PRIVATE", "CHANNEL_INVALID"):
		return errors.Wrap(gateway.ErrChannelPrivate, err.Error())
	case tgerr.Is(err, "CHAT_ADMIN_REQUIRED"):
		return errors.Wrap(gateway.ErrChatAdminRequired, err.Error())
	case tgerr.Is(err, "USER_BANNED_IN_CHANNEL"):
		return errors.Wrap(gateway.ErrUserBannedInChannel, err.Error())
	case tgerr.Is(err, "INVITE_HASH_EXPIRED", "INVITE_HASH_INVALID"):
		return errors.Wrap(gateway.ErrInviteExpired, err.Error())
	case tgerr.Is(err, "USER_ALREADY_PARTICIPANT"):
		return errors.Wrap(gateway.ErrAlreadyParticipant, err.Error())
	case tgerr.Is(err, "CHANNELS_TOO_MUCH"):
		return errors.Wrap(gateway.ErrChannelsTooMuch, err.Error())
	case tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID", "PEER_ID_INVALID", "MSG_ID_INVALID"):
		return errors.Wrap(gateway.ErrNotFound, err.Error())
	}
	return err
}
