package telegram

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"

	"github.com/sword-epi/spectra/internal/gateway"
)

// Client — подключённый шлюз одного аккаунта. Методы транслируют контракт
// gateway в вызовы MTProto; все ошибки проходят через mapError.
type Client struct {
	handle string
	client *tdtelegram.Client
	api    *tg.Client
	peers  *peerCache

	cancel    context.CancelFunc
	runErr    chan error
	closeOnce sync.Once
	closeErr  error
}

var _ gateway.Gateway = (*Client)(nil)

// SessionHandle возвращает идентификатор аккаунта.
func (c *Client) SessionHandle() string { return c.handle }

// IsAuthorised сообщает, авторизован ли аккаунт на этом DC.
func (c *Client) IsAuthorised(ctx context.Context) (bool, error) {
	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		return false, mapError(err)
	}
	return status.Authorized, nil
}

// GetEntity разрешает ссылку в сущность. Поддерживаются @username,
// t.me-ссылки, инвайт-хэши (+hash, joinchat/hash) и числовые id каналов.
func (c *Client) GetEntity(ctx context.Context, ref string) (gateway.Entity, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return gateway.Entity{}, errors.Wrap(gateway.ErrNotFound, "empty reference")
	}

	if hash, ok := inviteHash(ref); ok {
		return c.CheckInvite(ctx, hash)
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		channel, resolveErr := c.peers.mgr.ResolveChannelID(ctx, id)
		if resolveErr != nil {
			return gateway.Entity{}, mapError(resolveErr)
		}
		return entityFromChannel(channel.Raw()), nil
	}

	peer, err := c.peers.mgr.ResolveDomain(ctx, usernameOf(ref))
	if err != nil {
		return gateway.Entity{}, mapError(err)
	}
	return entityFromPeer(peer)
}

// JoinByUsername вступает в публичный канал или супергруппу по @username.
func (c *Client) JoinByUsername(ctx context.Context, username string) (gateway.Entity, error) {
	peer, err := c.peers.mgr.ResolveDomain(ctx, usernameOf(username))
	if err != nil {
		return gateway.Entity{}, mapError(err)
	}
	channel, ok := peer.(peers.Channel)
	if !ok {
		return gateway.Entity{}, errors.Wrapf(gateway.ErrNotFound, "%s is not a channel", username)
	}

	entity := entityFromChannel(channel.Raw())
	if _, err := c.api.ChannelsJoinChannel(ctx, channel.InputChannel()); err != nil {
		return entity, mapError(err)
	}
	return entity, nil
}

// CheckInvite разглядывает инвайт-ссылку без вступления.
func (c *Client) CheckInvite(ctx context.Context, hash string) (gateway.Entity, error) {
	invite, err := c.api.MessagesCheckChatInvite(ctx, hash)
	if err != nil {
		return gateway.Entity{}, mapError(err)
	}
	switch inv := invite.(type) {
	case *tg.ChatInviteAlready:
		return entityFromChat(inv.Chat), nil
	case *tg.ChatInvitePeek:
		return entityFromChat(inv.Chat), nil
	case *tg.ChatInvite:
		kind := gateway.KindChat
		if inv.Channel {
			kind = gateway.KindChannel
			if inv.Megagroup {
				kind = gateway.KindSupergroup
			}
		}
		return gateway.Entity{Kind: kind, Title: inv.Title}, nil
	default:
		return gateway.Entity{}, errors.Wrapf(gateway.ErrNotFound, "unexpected invite %T", invite)
	}
}

// ImportInvite вступает по инвайт-хэшу и возвращает сущность канала.
func (c *Client) ImportInvite(ctx context.Context, hash string) (gateway.Entity, error) {
	updates, err := c.api.MessagesImportChatInvite(ctx, hash)
	if err != nil {
		return gateway.Entity{}, mapError(err)
	}
	if u, ok := updates.(*tg.Updates); ok {
		c.peers.remember(ctx, u.Users, u.Chats)
		for _, chat := range u.Chats {
			return entityFromChat(chat), nil
		}
	}
	return gateway.Entity{}, errors.Wrap(gateway.ErrNotFound, "invite import returned no chat")
}

// LeaveChannel выходит из канала.
func (c *Client) LeaveChannel(ctx context.Context, channelID int64) error {
	channel, err := c.peers.mgr.ResolveChannelID(ctx, channelID)
	if err != nil {
		return mapError(err)
	}
	if _, err := c.api.ChannelsLeaveChannel(ctx, channel.InputChannel()); err != nil {
		return mapError(err)
	}
	return nil
}

// Close гасит MTProto-движок и закрывает кэш пиров. Идемпотентен.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.runErr
		}
		c.closeErr = c.peers.Close()
	})
	return c.closeErr
}

// inputPeer строит адрес назначения по id. Сначала пробуем канал (основной
// случай флота), затем чат и пользователя.
func (c *Client) inputPeer(ctx context.Context, id int64) (tg.InputPeerClass, error) {
	if channel, err := c.peers.mgr.ResolveChannelID(ctx, id); err == nil {
		return channel.InputPeer(), nil
	}
	if chat, err := c.peers.mgr.ResolveChatID(ctx, id); err == nil {
		return chat.InputPeer(), nil
	}
	user, err := c.peers.mgr.ResolveUserID(ctx, id)
	if err != nil {
		return nil, mapError(err)
	}
	return user.InputPeer(), nil
}

// inviteHash извлекает хэш из инвайт-ссылки; ok=false для обычных ссылок.
func inviteHash(ref string) (string, bool) {
	trimmed := ref
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		trimmed = strings.TrimPrefix(trimmed, prefix)
	}
	switch {
	case strings.HasPrefix(trimmed, "+"):
		return strings.TrimPrefix(trimmed, "+"), true
	case strings.HasPrefix(trimmed, "joinchat/"):
		return strings.TrimPrefix(trimmed, "joinchat/"), true
	default:
		return "", false
	}
}

// usernameOf нормализует ссылку до голого username.
func usernameOf(ref string) string {
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/", "@"} {
		ref = strings.TrimPrefix(ref, prefix)
	}
	return strings.TrimSuffix(ref, "/")
}

func entityFromPeer(peer peers.Peer) (gateway.Entity, error) {
	switch p := peer.(type) {
	case peers.Channel:
		return entityFromChannel(p.Raw()), nil
	case peers.Chat:
		raw := p.Raw()
		return gateway.Entity{ID: raw.ID, Kind: gateway.KindChat, Title: raw.Title}, nil
	case peers.User:
		return entityFromUser(p.Raw()), nil
	default:
		return gateway.Entity{}, errors.Wrapf(gateway.ErrNotFound, "unexpected peer %T", peer)
	}
}

func entityFromChannel(raw *tg.Channel) gateway.Entity {
	kind := gateway.KindChannel
	if raw.Megagroup {
		kind = gateway.KindSupergroup
	}
	return gateway.Entity{
		ID:         raw.ID,
		Kind:       kind,
		Title:      raw.Title,
		Username:   raw.Username,
		AccessHash: raw.AccessHash,
		IsForum:    raw.Forum,
	}
}

func entityFromUser(raw *tg.User) gateway.Entity {
	kind := gateway.KindUser
	if raw.Bot {
		kind = gateway.KindBot
	}
	title := strings.TrimSpace(raw.FirstName + " " + raw.LastName)
	return gateway.Entity{
		ID:         raw.ID,
		Kind:       kind,
		Title:      title,
		Username:   raw.Username,
		AccessHash: raw.AccessHash,
	}
}

func entityFromChat(chat tg.ChatClass) gateway.Entity {
	switch ch := chat.(type) {
	case *tg.Channel:
		return entityFromChannel(ch)
	case *tg.Chat:
		return gateway.Entity{ID: ch.ID, Kind: gateway.KindChat, Title: ch.Title}
	default:
		return gateway.Entity{Kind: gateway.KindUnknown}
	}
}
