package archive_test

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sword-epi/spectra/internal/domain/archive"
	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/gateway/gatewaytest"
	"github.com/sword-epi/spectra/internal/infra/clock"
	"github.com/sword-epi/spectra/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "arch.db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func history(msgs ...gateway.Message) func(gateway.IterRequest, func(gateway.Message) error) error {
	return func(req gateway.IterRequest, fn func(gateway.Message) error) error {
		for _, m := range msgs {
			if m.ID <= req.OffsetID {
				continue
			}
			if err := fn(m); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestArchiveStoresMessagesAndCheckpoints(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	gw := gatewaytest.New("a1")
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	gw.IterMessagesFunc = history(
		gateway.Message{ID: 1, Date: base, Text: "первое", SenderID: 9, SenderUsername: "author_one"},
		gateway.Message{ID: 2, Date: base.Add(time.Minute), Text: "ответ", ReplyTo: 1, SenderID: 9},
	)

	p := archive.New(s, archive.Options{MediaDir: t.TempDir()}, nil)
	if err := p.Archive(ctx, gw, gateway.Entity{ID: 555, Title: "chan"}); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	lastID, err := s.LastMessageID(ctx)
	if err != nil || lastID != 2 {
		t.Fatalf("last message id: %d, %v", lastID, err)
	}
	cp, ok, err := s.LatestCheckpoint(ctx, "sync")
	if err != nil || !ok || cp != 2 {
		t.Fatalf("checkpoint: %d ok=%v err=%v", cp, ok, err)
	}

	page, err := s.PagedMessages(ctx, 2024, 3, 0, 10)
	if err != nil {
		t.Fatalf("PagedMessages: %v", err)
	}
	if len(page) != 2 || page[1].ReplyTo != 1 || page[0].Checksum == "" {
		t.Fatalf("stored messages: %+v", page)
	}
	if page[0].User == nil || page[0].User.Username != "author_one" {
		t.Errorf("sender not stored: %+v", page[0].User)
	}
}

func TestArchiveResumesAfterCheckpoint(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	gw := gatewaytest.New("a1")
	gw.IterMessagesFunc = history(
		gateway.Message{ID: 1, Date: base, Text: "old"},
		gateway.Message{ID: 2, Date: base, Text: "old too"},
	)
	p := archive.New(s, archive.Options{MediaDir: t.TempDir()}, nil)
	target := gateway.Entity{ID: 555}
	if err := p.Archive(ctx, gw, target); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	var gotOffset int64
	gw.IterMessagesFunc = func(req gateway.IterRequest, fn func(gateway.Message) error) error {
		gotOffset = req.OffsetID
		if !req.Reverse {
			t.Error("resume must iterate oldest-first")
		}
		return fn(gateway.Message{ID: 3, Date: base.Add(time.Hour), Text: "new"})
	}
	if err := p.Archive(ctx, gw, target); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if gotOffset != 2 {
		t.Errorf("resume offset: %d, want 2", gotOffset)
	}
	if lastID, _ := s.LastMessageID(ctx); lastID != 3 {
		t.Errorf("last message id after resume: %d", lastID)
	}
}

func TestArchiveBatchPacing(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	msgs := make([]gateway.Message, 5)
	for i := range msgs {
		msgs[i] = gateway.Message{ID: int64(i + 1), Date: base, Text: "m"}
	}
	gw := gatewaytest.New("a1")
	gw.IterMessagesFunc = history(msgs...)

	p := archive.New(s, archive.Options{
		MediaDir:       t.TempDir(),
		FetchBatchSize: 2,
		FetchWait:      5 * time.Second,
	}, nil)
	var pauses []time.Duration
	p.SetSleep(func(d time.Duration) { pauses = append(pauses, d) })

	if err := p.Archive(context.Background(), gw, gateway.Entity{ID: 1}); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	// 5 сообщений при батче 2: паузы после 2-го и 4-го.
	if len(pauses) != 2 || pauses[0] != 5*time.Second {
		t.Errorf("pauses: %v", pauses)
	}
}

func TestArchiveMediaSidecarAndLog(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	mediaDir := t.TempDir()
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	gw := gatewaytest.New("a1")
	gw.IterMessagesFunc = history(gateway.Message{
		ID: 1, Date: base, Text: "подпись",
		SenderID: 9, SenderUsername: "poster",
		HasMedia: true, MediaID: 42, MediaTypeName: "MessageMediaDocument",
		Mime: "image/png", FileName: "pic.png", FileSize: 2048,
	})
	gw.DownloadMediaFunc = func(_ gateway.Message, destPath string) (string, error) {
		if err := os.WriteFile(destPath, []byte("png"), 0o600); err != nil {
			return "", err
		}
		return destPath, nil
	}

	dl, err := archive.OpenDownloadLog(filepath.Join(mediaDir, "downloads.csv"))
	if err != nil {
		t.Fatalf("OpenDownloadLog: %v", err)
	}
	t.Cleanup(func() { _ = dl.Close() })

	p := archive.New(s, archive.Options{
		MediaDir:      mediaDir,
		DownloadMedia: true,
		MimeWhitelist: []string{"image/*"},
	}, dl)
	p.SetClock(clock.Fixed(base))

	if err := p.Archive(context.Background(), gw, gateway.Entity{ID: 555}); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(mediaDir, "pic.png.json"))
	if err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	var sc map[string]any
	if err := json.Unmarshal(raw, &sc); err != nil {
		t.Fatalf("sidecar json: %v", err)
	}
	if sc["msgId"] != float64(1) || sc["senderUsername"] != "poster" || sc["mime"] != "image/png" {
		t.Errorf("sidecar content: %v", sc)
	}

	_ = dl.Close()
	f, err := os.Open(filepath.Join(mediaDir, "downloads.csv"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(rows) != 2 || rows[0][0] != "timestamp" {
		t.Fatalf("log rows: %v", rows)
	}
	if rows[1][1] != "pic.png" || rows[1][3] != "555" || rows[1][5] != "2048" {
		t.Errorf("log row: %v", rows[1])
	}
}

func TestArchiveMimeWhitelistSkipsDownload(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	gw := gatewaytest.New("a1")
	gw.IterMessagesFunc = history(gateway.Message{
		ID: 1, Date: base, HasMedia: true, MediaID: 42,
		MediaTypeName: "MessageMediaDocument", Mime: "application/x-executable",
	})
	downloads := 0
	gw.DownloadMediaFunc = func(gateway.Message, string) (string, error) {
		downloads++
		return "", nil
	}

	p := archive.New(s, archive.Options{
		MediaDir:      t.TempDir(),
		DownloadMedia: true,
		MimeWhitelist: []string{"image/*", "video/mp4"},
	}, nil)
	if err := p.Archive(context.Background(), gw, gateway.Entity{ID: 1}); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if downloads != 0 {
		t.Errorf("whitelisted-out mime must not be downloaded")
	}
	// Метаданные медиа сохраняются и без скачивания.
	page, err := s.PagedMessages(context.Background(), 2024, 3, 0, 10)
	if err != nil || len(page) != 1 || page[0].Media == nil {
		t.Fatalf("media metadata: %+v err=%v", page, err)
	}
}

func TestArchiveTopicsAndMentions(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	mediaDir := t.TempDir()
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	gw := gatewaytest.New("a1")
	gw.IterMessagesFunc = history(gateway.Message{
		ID: 1, Date: base, Text: "спросите @expert_chan про это",
		TopicID:  7,
		HasMedia: true, MediaID: 42, MediaTypeName: "MessageMediaDocument",
		Mime: "image/png", FileName: "in_topic.png",
		Mentions: []gateway.Mention{{Username: "@fwd_source", Source: gateway.MentionFromForward}},
	})
	gw.DownloadMediaFunc = func(_ gateway.Message, destPath string) (string, error) {
		if err := os.WriteFile(destPath, []byte("x"), 0o600); err != nil {
			return "", err
		}
		return destPath, nil
	}

	p := archive.New(s, archive.Options{
		MediaDir:      mediaDir,
		DownloadMedia: true,
		ArchiveTopics: true,
	}, nil)
	if err := p.Archive(context.Background(), gw, gateway.Entity{ID: 555, IsForum: true}); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	if _, err := os.Stat(filepath.Join(mediaDir, "topic_7", "in_topic.png")); err != nil {
		t.Errorf("topic subfolder: %v", err)
	}

	mentions, err := s.MentionsByMessage(context.Background(), 1)
	if err != nil {
		t.Fatalf("MentionsByMessage: %v", err)
	}
	if len(mentions) != 2 {
		t.Fatalf("mentions: %+v", mentions)
	}
	bySource := map[string]string{}
	for _, m := range mentions {
		bySource[m.SourceType] = m.Username
	}
	if bySource["text"] != "expert_chan" || bySource["forward"] != "fwd_source" {
		t.Errorf("mention sources: %v", bySource)
	}
}

func TestArchiveAvatars(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	mediaDir := t.TempDir()
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	gw := gatewaytest.New("a1")
	gw.IterMessagesFunc = history(
		gateway.Message{ID: 1, Date: base, Text: "a", SenderID: 9, SenderUsername: "poster"},
		gateway.Message{ID: 2, Date: base, Text: "b", SenderID: 9, SenderUsername: "poster"},
	)
	avatarCalls := 0
	gw.DownloadAvatarFunc = func(userID int64, destPath string) (string, error) {
		avatarCalls++
		if err := os.WriteFile(destPath, []byte("jpg"), 0o600); err != nil {
			return "", err
		}
		return destPath, nil
	}

	p := archive.New(s, archive.Options{MediaDir: mediaDir, DownloadAvatars: true}, nil)
	if err := p.Archive(context.Background(), gw, gateway.Entity{ID: 1}); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	if avatarCalls != 1 {
		t.Errorf("avatar fetched %d times, want once per user per run", avatarCalls)
	}
	page, err := s.PagedMessages(context.Background(), 2024, 3, 0, 10)
	if err != nil || len(page) != 2 {
		t.Fatalf("messages: %v err=%v", page, err)
	}
	if page[0].User == nil || !strings.Contains(page[0].User.AvatarPath, filepath.Join("avatars", "9.jpg")) {
		t.Errorf("avatar path: %+v", page[0].User)
	}
}
