package telegram

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"github.com/sword-epi/spectra/internal/gateway"
)

const dialogsPageSize = 100

// IterDialogs обходит все диалоги аккаунта и отдаёт каждую сущность.
// Попутно наполняет кэш пиров: access-хэши из батчей пригодятся адресации
// без повторного обхода.
func (c *Client) IterDialogs(ctx context.Context, fn func(gateway.Entity) error) error {
	var (
		offsetDate int
		offsetID   int
		offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}
		seen                         = make(map[int64]bool)
	)

	for {
		resp, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      dialogsPageSize,
		})
		if err != nil {
			return mapError(err)
		}

		batch, last, err := normalizeDialogs(resp)
		if err != nil {
			return err
		}
		if len(batch.dialogs) == 0 {
			return nil
		}
		c.peers.remember(ctx, batch.users, batch.chats)

		for _, chat := range batch.chats {
			entity := entityFromChat(chat)
			if entity.ID == 0 || seen[entity.ID] {
				continue
			}
			seen[entity.ID] = true
			if err := fn(entity); err != nil {
				return err
			}
		}
		for _, uc := range batch.users {
			u, ok := uc.(*tg.User)
			if !ok || u.Self || seen[u.ID] {
				continue
			}
			seen[u.ID] = true
			if err := fn(entityFromUser(u)); err != nil {
				return err
			}
		}

		if last || len(batch.dialogs) < dialogsPageSize {
			return nil
		}
		offsetDate, offsetID, offsetPeer = nextDialogsOffset(batch)
		if offsetPeer == nil {
			return nil
		}
	}
}

type dialogsBatch struct {
	dialogs  []tg.DialogClass
	messages []tg.MessageClass
	chats    []tg.ChatClass
	users    []tg.UserClass
}

func normalizeDialogs(resp tg.MessagesDialogsClass) (dialogsBatch, bool, error) {
	switch d := resp.(type) {
	case *tg.MessagesDialogs:
		return dialogsBatch{d.Dialogs, d.Messages, d.Chats, d.Users}, true, nil
	case *tg.MessagesDialogsSlice:
		return dialogsBatch{d.Dialogs, d.Messages, d.Chats, d.Users}, false, nil
	case *tg.MessagesDialogsNotModified:
		return dialogsBatch{}, true, nil
	default:
		return dialogsBatch{}, false, errors.Errorf("unexpected dialogs response %T", resp)
	}
}

// nextDialogsOffset вычисляет офсеты следующей страницы из последнего
// диалога батча: дата и id его верхнего сообщения плюс сам пир.
func nextDialogsOffset(batch dialogsBatch) (int, int, tg.InputPeerClass) {
	lastDialog, ok := batch.dialogs[len(batch.dialogs)-1].(*tg.Dialog)
	if !ok {
		return 0, 0, nil
	}

	offsetDate, offsetID := 0, lastDialog.TopMessage
	for _, mc := range batch.messages {
		if m, ok := mc.(*tg.Message); ok && m.ID == lastDialog.TopMessage {
			offsetDate = m.Date
			break
		}
	}

	channelHashes := make(map[int64]int64)
	userHashes := make(map[int64]int64)
	for _, cc := range batch.chats {
		if ch, ok := cc.(*tg.Channel); ok {
			channelHashes[ch.ID] = ch.AccessHash
		}
	}
	for _, uc := range batch.users {
		if u, ok := uc.(*tg.User); ok {
			userHashes[u.ID] = u.AccessHash
		}
	}

	switch peer := lastDialog.Peer.(type) {
	case *tg.PeerChannel:
		return offsetDate, offsetID, &tg.InputPeerChannel{ChannelID: peer.ChannelID, AccessHash: channelHashes[peer.ChannelID]}
	case *tg.PeerChat:
		return offsetDate, offsetID, &tg.InputPeerChat{ChatID: peer.ChatID}
	case *tg.PeerUser:
		return offsetDate, offsetID, &tg.InputPeerUser{UserID: peer.UserID, AccessHash: userHashes[peer.UserID]}
	default:
		return 0, 0, nil
	}
}
