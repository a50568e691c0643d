package store

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"
)

// ForwardRecord — факт доставки уникального сообщения в основной пункт
// назначения. Hash — первичный ключ; повторная запись игнорируется, что
// делает фиксацию идемпотентной.
type ForwardRecord struct {
	Hash          string
	OriginID      int64
	DestinationID int64
	MessageID     int64
	Preview       string
}

// RecordForward фиксирует пересылку (insert-or-ignore по hash).
func (s *Store) RecordForward(ctx context.Context, r ForwardRecord) error {
	return s.execRetry(ctx, `
		INSERT OR IGNORE INTO forwarded_messages(hash, origin_id, destination_id, message_id, forwarded_at, preview)
		VALUES (?, ?, ?, ?, ?, ?);`,
		r.Hash, r.OriginID, r.DestinationID, r.MessageID, formatTime(s.now()), nullStr(r.Preview))
}

// HasForwardHash проверяет наличие хэша в журнале пересылок.
func (s *Store) HasForwardHash(ctx context.Context, hash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM forwarded_messages WHERE hash = ? LIMIT 1;`, hash).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, errors.Wrap(err, "query forward hash")
}
