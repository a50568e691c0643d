package archive

import (
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/sword-epi/spectra/internal/infra/storage"
)

// downloadLogHeader — фиксированный заголовок журнала скачиваний.
var downloadLogHeader = []string{
	"timestamp", "relativeFilePath", "originalFileName",
	"channelSourceId", "messageId", "fileSizeBytes", "mimeType",
}

// DownloadLog — CSV-журнал скачанных файлов, append-only. Потокобезопасен.
type DownloadLog struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

// OpenDownloadLog открывает журнал на дозапись, добавляя заголовок в новый файл.
func OpenDownloadLog(path string) (*DownloadLog, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}
	info, statErr := os.Stat(path)
	fresh := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open download log %s", path)
	}
	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(downloadLogHeader); err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, "write download log header")
		}
		w.Flush()
	}
	return &DownloadLog{f: f, w: w}, nil
}

// Add дописывает строку о скачанном файле и сбрасывает буфер на диск.
func (l *DownloadLog) Add(at time.Time, relPath, originalName string, channelID, messageID, size int64, mime string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.w.Write([]string{
		at.UTC().Format(time.RFC3339),
		relPath,
		originalName,
		strconv.FormatInt(channelID, 10),
		strconv.FormatInt(messageID, 10),
		strconv.FormatInt(size, 10),
		mime,
	})
	if err != nil {
		return errors.Wrap(err, "write download log row")
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return errors.Wrap(err, "flush download log")
	}
	return nil
}

// Close закрывает файл журнала. Идемпотентен.
func (l *DownloadLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	l.w.Flush()
	err := l.f.Close()
	l.f = nil
	return err
}
