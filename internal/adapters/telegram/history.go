package telegram

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"github.com/sword-epi/spectra/internal/gateway"
)

const historyPageSize = 100

// IterMessages обходит историю канала постранично. В reverse-режиме отдаёт
// сообщения от старых к новым, начиная строго после OffsetID; без него —
// от новых к старым. Фильтр по топику форума идёт через messages.getReplies.
func (c *Client) IterMessages(ctx context.Context, req gateway.IterRequest, fn func(gateway.Message) error) error {
	peer, err := c.historyPeer(ctx, req.Entity)
	if err != nil {
		return err
	}

	if req.Reverse {
		return c.iterForward(ctx, peer, req, fn)
	}
	return c.iterBackward(ctx, peer, req, fn)
}

func (c *Client) historyPeer(ctx context.Context, entity gateway.Entity) (tg.InputPeerClass, error) {
	switch entity.Kind {
	case gateway.KindChannel, gateway.KindSupergroup:
		if entity.AccessHash != 0 {
			return &tg.InputPeerChannel{ChannelID: entity.ID, AccessHash: entity.AccessHash}, nil
		}
	case gateway.KindChat:
		return &tg.InputPeerChat{ChatID: entity.ID}, nil
	}
	return c.inputPeer(ctx, entity.ID)
}

// iterForward эмулирует чтение от старых к новым: каждый запрос с
// отрицательным AddOffset достаёт страницу сообщений с id больше курсора.
func (c *Client) iterForward(ctx context.Context, peer tg.InputPeerClass, req gateway.IterRequest, fn func(gateway.Message) error) error {
	cursor := int(req.OffsetID)
	emitted := 0
	for {
		batch, users, err := c.fetchHistory(ctx, peer, req.TopicID, cursor, -historyPageSize)
		if err != nil {
			return err
		}
		page := messagesAbove(batch, cursor)
		if len(page) == 0 {
			return nil
		}
		sort.Slice(page, func(i, j int) bool { return page[i].ID < page[j].ID })

		for _, m := range page {
			if err := fn(messageFromTG(m, users)); err != nil {
				return err
			}
			cursor = m.ID
			emitted++
			if req.Limit > 0 && emitted >= req.Limit {
				return nil
			}
		}
	}
}

func (c *Client) iterBackward(ctx context.Context, peer tg.InputPeerClass, req gateway.IterRequest, fn func(gateway.Message) error) error {
	cursor := 0
	emitted := 0
	for {
		batch, users, err := c.fetchHistory(ctx, peer, req.TopicID, cursor, 0)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, m := range batch {
			if err := fn(messageFromTG(m, users)); err != nil {
				return err
			}
			cursor = m.ID
			emitted++
			if req.Limit > 0 && emitted >= req.Limit {
				return nil
			}
		}
	}
}

// fetchHistory достаёт одну страницу истории; для топика форума используется
// дерево ответов корневого сообщения топика.
func (c *Client) fetchHistory(ctx context.Context, peer tg.InputPeerClass, topicID int64, offsetID, addOffset int) ([]*tg.Message, map[int64]*tg.User, error) {
	var (
		resp tg.MessagesMessagesClass
		err  error
	)
	if topicID != 0 {
		resp, err = c.api.MessagesGetReplies(ctx, &tg.MessagesGetRepliesRequest{
			Peer:      peer,
			MsgID:     int(topicID),
			OffsetID:  offsetID,
			AddOffset: addOffset,
			Limit:     historyPageSize,
		})
	} else {
		resp, err = c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:      peer,
			OffsetID:  offsetID,
			AddOffset: addOffset,
			Limit:     historyPageSize,
		})
	}
	if err != nil {
		return nil, nil, mapError(err)
	}
	return normalizeHistory(resp)
}

func normalizeHistory(resp tg.MessagesMessagesClass) ([]*tg.Message, map[int64]*tg.User, error) {
	var (
		raw   []tg.MessageClass
		users []tg.UserClass
	)
	switch m := resp.(type) {
	case *tg.MessagesMessages:
		raw, users = m.Messages, m.Users
	case *tg.MessagesMessagesSlice:
		raw, users = m.Messages, m.Users
	case *tg.MessagesChannelMessages:
		raw, users = m.Messages, m.Users
	case *tg.MessagesMessagesNotModified:
		return nil, nil, nil
	default:
		return nil, nil, errors.Errorf("unexpected history response %T", resp)
	}

	index := make(map[int64]*tg.User, len(users))
	for _, uc := range users {
		if u, ok := uc.(*tg.User); ok {
			index[u.ID] = u
		}
	}
	messages := make([]*tg.Message, 0, len(raw))
	for _, mc := range raw {
		if m, ok := mc.(*tg.Message); ok {
			messages = append(messages, m)
		}
	}
	return messages, index, nil
}

func messagesAbove(batch []*tg.Message, cursor int) []*tg.Message {
	out := batch[:0:0]
	for _, m := range batch {
		if m.ID > cursor {
			out = append(out, m)
		}
	}
	return out
}

// messageFromTG переводит сырое сообщение в модель ядра: текст, ссылочные
// поля, атрибуты медиа и упоминания.
func messageFromTG(m *tg.Message, users map[int64]*tg.User) gateway.Message {
	msg := gateway.Message{
		ID:   int64(m.ID),
		Date: time.Unix(int64(m.Date), 0).UTC(),
		Text: m.Message,
	}
	if m.EditDate != 0 {
		msg.EditDate = time.Unix(int64(m.EditDate), 0).UTC()
	}

	if header, ok := m.ReplyTo.(*tg.MessageReplyHeader); ok {
		msg.ReplyTo = int64(header.ReplyToMsgID)
		if header.ForumTopic {
			if top, ok := header.GetReplyToTopID(); ok {
				msg.TopicID = int64(top)
			} else {
				msg.TopicID = msg.ReplyTo
			}
		}
	}

	if from, ok := m.FromID.(*tg.PeerUser); ok {
		msg.SenderID = from.UserID
		if u, ok := users[from.UserID]; ok {
			msg.SenderUsername = u.Username
		}
	}

	applyMedia(&msg, m.Media)
	msg.Mentions = collectTGMentions(m, users)
	return msg
}

func applyMedia(msg *gateway.Message, media tg.MessageMediaClass) {
	switch md := media.(type) {
	case nil:
	case *tg.MessageMediaPhoto:
		if photo, ok := md.Photo.(*tg.Photo); ok {
			msg.HasMedia = true
			msg.MediaID = photo.ID
			msg.MediaAccessHash = photo.AccessHash
			msg.MediaTypeName = "Photo"
			msg.Mime = "image/jpeg"
		}
	case *tg.MessageMediaDocument:
		if doc, ok := md.Document.(*tg.Document); ok {
			msg.HasMedia = true
			msg.MediaID = doc.ID
			msg.MediaAccessHash = doc.AccessHash
			msg.MediaTypeName = "Document"
			msg.Mime = doc.MimeType
			msg.FileID = doc.ID
			msg.FileSize = doc.Size
			for _, attr := range doc.Attributes {
				if name, ok := attr.(*tg.DocumentAttributeFilename); ok {
					msg.FileName = name.FileName
				}
			}
		}
	case *tg.MessageMediaWebPage:
		// Превью ссылки не считается вложением, но URL участвует в хэше.
		if page, ok := md.Webpage.(*tg.WebPage); ok {
			msg.WebpageURL = page.URL
		}
		msg.MediaTypeName = "WebPage"
	default:
		msg.HasMedia = true
		msg.MediaTypeName = strings.TrimPrefix(fmt.Sprintf("%T", md), "*tg.MessageMedia")
	}
}

// collectTGMentions извлекает структурные упоминания: entity-разметку текста
// и username автора форварда, если он известен из батча.
func collectTGMentions(m *tg.Message, users map[int64]*tg.User) []gateway.Mention {
	var mentions []gateway.Mention
	for _, ent := range m.Entities {
		mention, ok := ent.(*tg.MessageEntityMention)
		if !ok {
			continue
		}
		username := strings.TrimPrefix(substringUTF16(m.Message, mention.Offset, mention.Length), "@")
		if username != "" {
			mentions = append(mentions, gateway.Mention{Username: username, Source: gateway.MentionFromEntity})
		}
	}
	if fwd, ok := m.GetFwdFrom(); ok {
		if from, ok := fwd.FromID.(*tg.PeerUser); ok {
			if u, ok := users[from.UserID]; ok && u.Username != "" {
				mentions = append(mentions, gateway.Mention{Username: u.Username, Source: gateway.MentionFromForward})
			}
		}
	}
	return mentions
}

// substringUTF16 вырезает фрагмент текста по offset/length entity-разметки.
// Telegram считает смещения в UTF-16 code units, не в байтах.
func substringUTF16(text string, offset, length int) string {
	encoded := utf16.Encode([]rune(text))
	if offset < 0 || length <= 0 || offset >= len(encoded) {
		return ""
	}
	end := offset + length
	if end > len(encoded) {
		end = len(encoded)
	}
	return string(utf16.Decode(encoded[offset:end]))
}
