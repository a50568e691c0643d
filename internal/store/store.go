// Package store — встраиваемое реляционное хранилище всего состояния системы:
// сообщения, медиа, пользователи, топики, здоровье аккаунтов, задачи
// планировщика, приоритеты обнаруженных групп, рёбра графа упоминаний и
// дедуп-хэши пересылки.
//
// Реализовано поверх modernc.org/sqlite (чистый Go, без CGO). Все горутины
// сериализуются через одно соединение (SetMaxOpenConns(1)), что убирает
// SQLITE_BUSY от конкурирующих писателей; на случай внешней конкуренции за
// файл каждая мутация ретраится с экспоненциальной паузой.
package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-faster/errors"
	_ "modernc.org/sqlite" // драйвер sqlite, чистый Go

	"github.com/sword-epi/spectra/internal/infra/clock"
	"github.com/sword-epi/spectra/internal/infra/logger"
)

// retries — число попыток выполнить мутацию при занятой базе.
const retries = 3

// Store — обёртка над SQLite-файлом с WAL, ретраями и типизированными
// операциями по всем сущностям. Безопасен для конкурентного использования.
type Store struct {
	db  *sql.DB
	loc *time.Location
	now clock.Clock

	// sleep подменяется в тестах, чтобы не ждать реальные секунды бэкоффа.
	sleep func(time.Duration)
}

// Option настраивает Store при открытии.
type Option func(*Store)

// WithLocation задаёт часовой пояс для меток временных шкал (Months/Days).
// Хранение всегда в UTC; пояс применяется только при чтении.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock подменяет источник времени. По умолчанию — системные часы в UTC.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.now = c
		}
	}
}

// Open открывает (или создаёт) файл хранилища, включает WAL и проверку
// внешних ключей, выполняет схему. Схема идемпотентна, так что Open на
// существующем файле — безопасный no-op по структуре.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// Единственное соединение: один писатель, без гонок за файл внутри процесса.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:    db,
		loc:   time.UTC,
		now:   clock.System(),
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "exec %q", pragma)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}

	logger.Infof("store ready at %s", path)
	return s, nil
}

// Close закрывает соединение с базой. Идемпотентен.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return errors.Wrap(err, "close store")
	}
	logger.Info("store connection closed")
	return nil
}

// execRetry выполняет мутацию с ретраями на busy/locked: до retries попыток
// с экспоненциальной паузой (1s, 2s, ...). Прочие ошибки пробрасываются сразу.
func (s *Store) execRetry(ctx context.Context, query string, args ...any) error {
	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		_, err := s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !isLockErr(err) {
			return err
		}
		lastErr = err
		if attempt < retries {
			logger.Debugf("store busy [%d/%d], backing off %s", attempt, retries, backoff)
			s.sleep(backoff)
			backoff *= 2
		}
	}
	return errors.Wrapf(lastErr, "store busy after %d attempts", retries)
}

// isLockErr распознаёт ошибки занятой базы по тексту драйвера.
// Строковая проверка переживает смену версий modernc без привязки к кодам.
func isLockErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

// formatTime сериализует момент в строку RFC3339 UTC для хранения.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime разбирает строку RFC3339 из базы. Пустая строка — нулевое время.
func (s *Store) parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		logger.Warnf("store: malformed timestamp %q: %v", value, err)
		return time.Time{}
	}
	return t.In(s.loc)
}

// nullStr конвертирует пустую строку в NULL и обратно.
func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// nullInt конвертирует нулевой идентификатор в NULL.
func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
