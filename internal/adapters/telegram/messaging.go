package telegram

import (
	"context"
	"math/rand"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"

	"github.com/sword-epi/spectra/internal/gateway"
)

// ForwardMessage пересылает одно сообщение нативным forward. ToSelf
// адресует Saved Messages аккаунта, ReplyTo кладёт копию в топик форума.
func (c *Client) ForwardMessage(ctx context.Context, req gateway.ForwardRequest) error {
	from, err := c.inputPeer(ctx, req.FromID)
	if err != nil {
		return err
	}
	var to tg.InputPeerClass = &tg.InputPeerSelf{}
	if !req.ToSelf {
		to, err = c.inputPeer(ctx, req.ToID)
		if err != nil {
			return err
		}
	}

	fwd := &tg.MessagesForwardMessagesRequest{
		FromPeer: from,
		ToPeer:   to,
		ID:       []int{int(req.MessageID)},
		RandomID: []int64{rand.Int63()},
	}
	if req.ReplyTo != 0 {
		fwd.SetTopMsgID(int(req.ReplyTo))
	}
	if _, err := c.api.MessagesForwardMessages(ctx, fwd); err != nil {
		return mapError(err)
	}
	return nil
}

// SendMessage отправляет новое сообщение. Если заданы MediaFromID и
// MediaMessageID, вложение исходного сообщения прикрепляется к отправке;
// FilePath загружает локальный файл как документ.
func (c *Client) SendMessage(ctx context.Context, req gateway.SendRequest) error {
	to, err := c.inputPeer(ctx, req.ToID)
	if err != nil {
		return err
	}

	var media tg.InputMediaClass
	switch {
	case req.MediaFromID != 0 && req.MediaMessageID != 0:
		media, err = c.reuseMedia(ctx, req.MediaFromID, req.MediaMessageID)
		if err != nil {
			return err
		}
	case req.FilePath != "":
		media, err = c.uploadFile(ctx, req.FilePath)
		if err != nil {
			return err
		}
	}

	if media != nil {
		send := &tg.MessagesSendMediaRequest{
			Peer:     to,
			Media:    media,
			Message:  req.Text,
			RandomID: rand.Int63(),
		}
		if req.ReplyTo != 0 {
			send.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: int(req.ReplyTo)})
		}
		if _, err := c.api.MessagesSendMedia(ctx, send); err != nil {
			return mapError(err)
		}
		return nil
	}

	send := &tg.MessagesSendMessageRequest{
		Peer:     to,
		Message:  req.Text,
		RandomID: rand.Int63(),
	}
	if req.ReplyTo != 0 {
		send.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: int(req.ReplyTo)})
	}
	if _, err := c.api.MessagesSendMessage(ctx, send); err != nil {
		return mapError(err)
	}
	return nil
}

// reuseMedia достаёт сообщение-источник и превращает его вложение в
// input-медиа для повторной отправки. Сообщение без переиспользуемого
// вложения даёт nil: текст уйдёт без медиа.
func (c *Client) reuseMedia(ctx context.Context, channelID, messageID int64) (tg.InputMediaClass, error) {
	channel, err := c.peers.mgr.ResolveChannelID(ctx, channelID)
	if err != nil {
		return nil, mapError(err)
	}
	resp, err := c.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: channel.InputChannel(),
		ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: int(messageID)}},
	})
	if err != nil {
		return nil, mapError(err)
	}
	messages, _, err := normalizeHistory(resp)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, errors.Wrapf(gateway.ErrNotFound, "message %d in %d", messageID, channelID)
	}

	switch md := messages[0].Media.(type) {
	case *tg.MessageMediaPhoto:
		if photo, ok := md.Photo.(*tg.Photo); ok {
			return &tg.InputMediaPhoto{ID: &tg.InputPhoto{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
			}}, nil
		}
	case *tg.MessageMediaDocument:
		if doc, ok := md.Document.(*tg.Document); ok {
			return &tg.InputMediaDocument{ID: &tg.InputDocument{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			}}, nil
		}
	}
	return nil, nil
}

func (c *Client) uploadFile(ctx context.Context, path string) (tg.InputMediaClass, error) {
	file, err := uploader.NewUploader(c.api).FromPath(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "upload %s", path)
	}
	return &tg.InputMediaUploadedDocument{
		File:     file,
		MimeType: "application/octet-stream",
		Attributes: []tg.DocumentAttributeClass{
			&tg.DocumentAttributeFilename{FileName: filepath.Base(path)},
		},
	}, nil
}
