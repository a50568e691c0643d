package store

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ChannelAccess — факт доступности канала с конкретного аккаунта.
// Ровно одна строка на пару (account, channel); перезаписывается при переиндексации.
type ChannelAccess struct {
	AccountPhone string
	ChannelID    int64
	ChannelName  string
	AccessHash   int64
	LastSeenAt   time.Time
}

// UpsertChannelAccess вставляет или заменяет строку доступа.
func (s *Store) UpsertChannelAccess(ctx context.Context, a ChannelAccess) error {
	return s.execRetry(ctx, `
		INSERT INTO account_channel_access(account_phone, channel_id, channel_name, access_hash, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_phone, channel_id) DO UPDATE SET
			channel_name=excluded.channel_name,
			access_hash=excluded.access_hash,
			last_seen=excluded.last_seen;`,
		a.AccountPhone, a.ChannelID, nullStr(a.ChannelName), a.AccessHash, formatTime(s.now()))
}

// AllUniqueChannels возвращает рабочий набор для тотальной пересылки:
// каждый канал один раз, с одним из имеющих доступ аккаунтов.
func (s *Store) AllUniqueChannels(ctx context.Context) ([]ChannelAccess, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, MIN(account_phone), COALESCE(MAX(channel_name), ''), COALESCE(MAX(access_hash), 0)
		FROM account_channel_access GROUP BY channel_id ORDER BY channel_id;`)
	if err != nil {
		return nil, errors.Wrap(err, "query unique channels")
	}
	defer rows.Close()

	var out []ChannelAccess
	for rows.Next() {
		var a ChannelAccess
		if err := rows.Scan(&a.ChannelID, &a.AccountPhone, &a.ChannelName, &a.AccessHash); err != nil {
			return nil, errors.Wrap(err, "scan channel access")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
