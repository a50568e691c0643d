package telegram

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	bboltdb "github.com/gotd/contrib/bbolt"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"

	"github.com/sword-epi/spectra/internal/infra/logger"
	"github.com/sword-epi/spectra/internal/infra/storage"
)

const (
	peersBucketName = "peers"
	dbOpenTimeout   = time.Second
)

var peersBucketBytes = []byte(peersBucketName)

// peerCache — оперативный peers.Manager c персистентным bbolt-хранилищем.
// Снимок пиров переживает перезапуск: access-хэши каналов доступны без
// повторного обхода диалогов.
type peerCache struct {
	db    *bbolt.DB
	store contribstorage.PeerStorage
	mgr   *peers.Manager
}

// newPeerCache открывает bbolt-файл кэша и строит менеджер пиров.
// Сетевых запросов не выполняет.
func newPeerCache(api *tg.Client, dbPath string) (*peerCache, error) {
	if err := storage.EnsureDir(dbPath); err != nil {
		return nil, errors.Wrap(err, "ensure peers cache dir")
	}
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "open peers cache")
	}
	return &peerCache{
		db:    db,
		store: bboltdb.NewPeerStorage(db, peersBucketBytes),
		mgr:   (peers.Options{}).Build(api),
	}, nil
}

// Close закрывает файл кэша.
func (p *peerCache) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// load прогружает сохранённые peers из bbolt в оперативный менеджер.
// Битый кэш не фатален: bucket сбрасывается, менеджер наполнится заново
// из обхода диалогов.
func (p *peerCache) load(ctx context.Context) error {
	exists := false
	if err := p.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(peersBucketBytes) != nil
		return nil
	}); err != nil {
		return errors.Wrap(err, "check peers bucket")
	}
	if !exists {
		return nil
	}

	iter, err := p.store.Iterate(ctx)
	if err != nil {
		logger.Warnf("peers cache iterate: %v; resetting", err)
		return p.reset()
	}
	defer func() { _ = iter.Close() }()

	users := make([]tg.UserClass, 0)
	chats := make([]tg.ChatClass, 0)
	for iter.Next(ctx) {
		value := iter.Value()
		switch value.Key.Kind {
		case dialogs.User:
			if value.User != nil {
				users = append(users, value.User)
			}
		case dialogs.Chat:
			if value.Chat != nil {
				chats = append(chats, value.Chat)
			}
		case dialogs.Channel:
			if value.Channel != nil {
				chats = append(chats, value.Channel)
			}
		}
	}
	if err := iter.Err(); err != nil {
		logger.Warnf("peers cache iterate: %v; resetting", err)
		return p.reset()
	}
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return p.mgr.Apply(ctx, users, chats)
}

func (p *peerCache) reset() error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(peersBucketBytes); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(peersBucketBytes)
		return err
	})
}

// remember применяет сущности к оперативному менеджеру и сохраняет их в bbolt.
// Ошибки сохранения не фатальны: кэш — оптимизация, не источник истины.
func (p *peerCache) remember(ctx context.Context, users []tg.UserClass, chats []tg.ChatClass) {
	if err := p.mgr.Apply(ctx, users, chats); err != nil {
		logger.Warnf("apply peers: %v", err)
	}
	for _, uc := range users {
		u, ok := uc.(*tg.User)
		if !ok {
			continue
		}
		var value contribstorage.Peer
		if !value.FromUser(u) {
			continue
		}
		if err := p.store.Add(ctx, value); err != nil {
			logger.Debugf("persist peer user %d: %v", u.ID, err)
		}
	}
	for _, cc := range chats {
		var value contribstorage.Peer
		switch chat := cc.(type) {
		case *tg.Chat:
			if !value.FromChat(chat) {
				continue
			}
		case *tg.Channel:
			if !value.FromChat(chat) {
				continue
			}
		default:
			continue
		}
		if err := p.store.Add(ctx, value); err != nil {
			logger.Debugf("persist peer chat: %v", err)
		}
	}
}
