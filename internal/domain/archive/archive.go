// Package archive — пайплайн архивации канала: возобновляемая итерация
// истории, сбор пользователей и упоминаний, скачивание медиа с sidecar-метаданными
// и журналом, чекпойнты каждые N сообщений.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/infra/clock"
	"github.com/sword-epi/spectra/internal/infra/logger"
	"github.com/sword-epi/spectra/internal/infra/storage"
	"github.com/sword-epi/spectra/internal/infra/timeutil"
	"github.com/sword-epi/spectra/internal/store"
)

// checkpointContext — метка чекпойнтов архивного прохода.
const checkpointContext = "sync"

// mentionRe — @username в тексте сообщения.
var mentionRe = regexp.MustCompile(`@([A-Za-z0-9_]{5,32})`)

// Options — настройки архивного прохода; значения приходят из fleet-конфига.
type Options struct {
	MediaDir        string
	DownloadMedia   bool
	DownloadAvatars bool
	ArchiveTopics   bool
	MimeWhitelist   []string // пустой — качаем всё

	FetchBatchSize int           // чекпойнт и пауза каждые N сообщений
	FetchWait      time.Duration // пауза между батчами
	FetchLimit     int           // 0 — без лимита
}

// Persister — подмножество операций хранилища, нужное пайплайну.
type Persister interface {
	UpsertMessage(ctx context.Context, m store.Message) error
	UpsertUser(ctx context.Context, u store.User) error
	UpsertMedia(ctx context.Context, m store.Media) error
	UpsertTopic(ctx context.Context, t store.Topic) error
	InsertMention(ctx context.Context, m store.Mention) error
	LastMessageID(ctx context.Context) (int64, error)
	SaveCheckpoint(ctx context.Context, lastID int64, checkpointContext string) error
	LatestCheckpoint(ctx context.Context, checkpointContext string) (int64, bool, error)
}

// sidecar — JSON-метаданные рядом со скачанным файлом.
type sidecar struct {
	MsgID          int64  `json:"msgId"`
	Date           string `json:"date"`
	SenderID       int64  `json:"senderId"`
	SenderUsername string `json:"senderUsername,omitempty"`
	ReplyTo        int64  `json:"replyTo,omitempty"`
	Text           string `json:"text,omitempty"`
	Mime           string `json:"mime,omitempty"`
	TopicID        int64  `json:"topicId,omitempty"`
}

// Pipeline реализует архивный проход по одной сущности. Реализует
// fleet.Archiver; один Pipeline можно переиспользовать для многих целей.
type Pipeline struct {
	db   Persister
	opts Options
	dl   *DownloadLog

	now   clock.Clock
	sleep func(time.Duration)
}

// New создаёт пайплайн. dl может быть nil — журнал скачиваний выключен.
func New(db Persister, opts Options, dl *DownloadLog) *Pipeline {
	if opts.FetchBatchSize <= 0 {
		opts.FetchBatchSize = 2000
	}
	return &Pipeline{
		db:    db,
		opts:  opts,
		dl:    dl,
		now:   clock.System(),
		sleep: time.Sleep,
	}
}

// messageChecksum — контрольная сумма содержимого на момент вставки.
// Не совпадает с дедуп-хэшем пересылки: здесь фиксируется конкретная запись.
func messageChecksum(msg gateway.Message) string {
	payload := fmt.Sprintf("%d|%s|%s|%d", msg.ID, msg.Date.UTC().Format(time.RFC3339), msg.Text, msg.MediaID)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// resumeOffset — точка возобновления: максимум из чекпойнта и MAX(id).
func (p *Pipeline) resumeOffset(ctx context.Context) (int64, error) {
	offset, ok, err := p.db.LatestCheckpoint(ctx, checkpointContext)
	if err != nil {
		return 0, errors.Wrap(err, "read checkpoint")
	}
	lastID, err := p.db.LastMessageID(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "read last message id")
	}
	if !ok || lastID > offset {
		offset = lastID
	}
	return offset, nil
}

// Archive выполняет возобновляемый проход по истории target через шлюз gw:
// от старых к новым, начиная после последнего сохранённого сообщения.
func (p *Pipeline) Archive(ctx context.Context, gw gateway.Gateway, target gateway.Entity) error {
	offset, err := p.resumeOffset(ctx)
	if err != nil {
		return err
	}
	logger.Infof("archiving %d (%s) from message %d", target.ID, target.Title, offset)

	var (
		processed int
		lastID    = offset
		seenUsers = make(map[int64]bool)
	)
	err = gw.IterMessages(ctx, gateway.IterRequest{
		Entity:   target,
		OffsetID: offset,
		Reverse:  true,
		Limit:    p.opts.FetchLimit,
	}, func(msg gateway.Message) error {
		if err := p.storeMessage(ctx, gw, target, msg, seenUsers); err != nil {
			return err
		}
		lastID = msg.ID
		processed++
		if processed%p.opts.FetchBatchSize == 0 {
			if err := p.db.SaveCheckpoint(ctx, lastID, checkpointContext); err != nil {
				return errors.Wrap(err, "save checkpoint")
			}
			logger.Debugf("archive %d: %d messages, checkpoint at %d", target.ID, processed, lastID)
			if p.opts.FetchWait > 0 {
				p.sleep(p.opts.FetchWait)
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "archive %d", target.ID)
	}

	if processed > 0 {
		if err := p.db.SaveCheckpoint(ctx, lastID, checkpointContext); err != nil {
			return errors.Wrap(err, "save final checkpoint")
		}
	}
	logger.Infof("archived %d: %d new messages, last id %d", target.ID, processed, lastID)
	return nil
}

// storeMessage сохраняет одно сообщение со всеми спутниками: пользователь,
// топик, упоминания, медиа с sidecar и строкой журнала.
func (p *Pipeline) storeMessage(ctx context.Context, gw gateway.Gateway, target gateway.Entity, msg gateway.Message, seenUsers map[int64]bool) error {
	rec := store.Message{
		ID:       msg.ID,
		Type:     "message",
		Date:     msg.Date,
		EditDate: msg.EditDate,
		Content:  msg.Text,
		ReplyTo:  msg.ReplyTo,
		UserID:   msg.SenderID,
		Checksum: messageChecksum(msg),
	}
	if p.opts.ArchiveTopics {
		rec.TopicID = msg.TopicID
	}

	if msg.SenderID != 0 && !seenUsers[msg.SenderID] {
		seenUsers[msg.SenderID] = true
		user := store.User{ID: msg.SenderID, Username: msg.SenderUsername}
		if p.opts.DownloadAvatars {
			dest := filepath.Join(p.opts.MediaDir, "avatars", strconv.FormatInt(msg.SenderID, 10)+".jpg")
			if err := storage.EnsureDir(dest); err != nil {
				return err
			}
			path, err := gw.DownloadAvatar(ctx, msg.SenderID, dest)
			if err != nil {
				logger.Warnf("avatar of %d: %v", msg.SenderID, err)
			} else {
				user.AvatarPath = path
			}
		}
		if err := p.db.UpsertUser(ctx, user); err != nil {
			return errors.Wrapf(err, "store user %d", msg.SenderID)
		}
	}

	if p.opts.ArchiveTopics && msg.TopicID != 0 {
		err := p.db.UpsertTopic(ctx, store.Topic{ID: msg.TopicID, EntityID: target.ID})
		if err != nil {
			return errors.Wrapf(err, "store topic %d", msg.TopicID)
		}
	}

	if err := p.collectMentions(ctx, msg); err != nil {
		return err
	}

	if msg.HasMedia {
		if err := p.storeMedia(ctx, gw, target, msg); err != nil {
			return err
		}
		rec.MediaID = msg.MediaID
	}

	if err := p.db.UpsertMessage(ctx, rec); err != nil {
		return errors.Wrapf(err, "store message %d", msg.ID)
	}
	return nil
}

// collectMentions пишет упоминания из текста и структурных сущностей.
func (p *Pipeline) collectMentions(ctx context.Context, msg gateway.Message) error {
	seen := make(map[string]bool)
	add := func(username, source string) error {
		if seen[username] {
			return nil
		}
		seen[username] = true
		return p.db.InsertMention(ctx, store.Mention{
			Username:   username,
			MessageID:  msg.ID,
			Date:       msg.Date,
			SourceType: source,
		})
	}
	for _, m := range mentionRe.FindAllStringSubmatch(msg.Text, -1) {
		if err := add(m[1], "text"); err != nil {
			return errors.Wrap(err, "store text mention")
		}
	}
	for _, m := range msg.Mentions {
		if err := add(strings.TrimPrefix(m.Username, "@"), string(m.Source)); err != nil {
			return errors.Wrap(err, "store entity mention")
		}
	}
	return nil
}

// mimeAllowed — фильтр по whitelist; поддерживает точное значение и "type/*".
func (p *Pipeline) mimeAllowed(mime string) bool {
	if len(p.opts.MimeWhitelist) == 0 {
		return true
	}
	for _, allowed := range p.opts.MimeWhitelist {
		if allowed == mime {
			return true
		}
		if prefix, ok := strings.CutSuffix(allowed, "/*"); ok && strings.HasPrefix(mime, prefix+"/") {
			return true
		}
	}
	return false
}

// storeMedia записывает метаданные медиа и, если включено, скачивает файл с
// sidecar-JSON и строкой в журнале. Flood-wait на скачивании усыпляет и
// пропускает файл; сообщение при этом сохраняется.
func (p *Pipeline) storeMedia(ctx context.Context, gw gateway.Gateway, target gateway.Entity, msg gateway.Message) error {
	media := store.Media{
		ID:   msg.MediaID,
		Type: msg.MediaTypeName,
		Mime: msg.Mime,
	}

	if p.opts.DownloadMedia && p.mimeAllowed(msg.Mime) {
		destDir := p.opts.MediaDir
		if p.opts.ArchiveTopics && msg.TopicID != 0 {
			destDir = filepath.Join(destDir, fmt.Sprintf("topic_%d", msg.TopicID))
		}
		name := msg.FileName
		if name == "" {
			name = strconv.FormatInt(msg.ID, 10)
		}
		dest := filepath.Join(destDir, name)
		if err := storage.EnsureDir(dest); err != nil {
			return err
		}

		path, err := gw.DownloadMedia(ctx, msg, dest)
		switch {
		case err == nil:
			media.URL = path
			if err := p.writeSidecar(path, msg); err != nil {
				logger.Warnf("sidecar for %s: %v", path, err)
			}
			if p.dl != nil {
				rel, relErr := filepath.Rel(p.opts.MediaDir, path)
				if relErr != nil {
					rel = path
				}
				if err := p.dl.Add(p.now(), rel, msg.FileName, target.ID, msg.ID, msg.FileSize, msg.Mime); err != nil {
					logger.Warnf("download log: %v", err)
				}
			}
		default:
			if sec, ok := gateway.AsFloodWait(err); ok {
				logger.Warnf("flood wait %ds downloading media of %d, skipping file", sec, msg.ID)
				p.sleep(timeutil.FloodWaitCooldown(sec))
			} else {
				logger.Warnf("download media of %d: %v", msg.ID, err)
			}
		}
	}

	if err := p.db.UpsertMedia(ctx, media); err != nil {
		return errors.Wrapf(err, "store media %d", msg.MediaID)
	}
	return nil
}

func (p *Pipeline) writeSidecar(mediaPath string, msg gateway.Message) error {
	return storage.WriteJSON(mediaPath+".json", sidecar{
		MsgID:          msg.ID,
		Date:           msg.Date.UTC().Format(time.RFC3339),
		SenderID:       msg.SenderID,
		SenderUsername: msg.SenderUsername,
		ReplyTo:        msg.ReplyTo,
		Text:           msg.Text,
		Mime:           msg.Mime,
		TopicID:        msg.TopicID,
	})
}
