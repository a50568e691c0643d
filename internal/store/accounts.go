package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
)

// AccountState — персистентное здоровье аккаунта: счётчики использования,
// кулдаун и бан-флаг. Канонический идентификатор — SessionHandle.
type AccountState struct {
	SessionHandle  string
	APIID          int
	APIHash        string
	Phone          string
	UsageCount     int
	LastUsedAt     time.Time
	LastError      string
	CooldownUntil  time.Time
	IsBanned       bool
	FloodWaitCount int
	SuccessCount   int
}

// UpsertAccount регистрирует аккаунт, сохраняя накопленные счётчики:
// при конфликте обновляются только учётные данные, здоровье не сбрасывается.
func (s *Store) UpsertAccount(ctx context.Context, a AccountState) error {
	return s.execRetry(ctx, `
		INSERT INTO account_rotation(session_handle, api_id, api_hash, phone)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_handle) DO UPDATE SET
			api_id=excluded.api_id,
			api_hash=excluded.api_hash,
			phone=excluded.phone;`,
		a.SessionHandle, a.APIID, a.APIHash, nullStr(a.Phone))
}

// Accounts возвращает все зарегистрированные аккаунты в порядке session_handle.
func (s *Store) Accounts(ctx context.Context) ([]AccountState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_handle, COALESCE(api_id, 0), COALESCE(api_hash, ''), COALESCE(phone, ''),
		       usage_count, COALESCE(last_used, ''), COALESCE(last_error, ''), COALESCE(cooldown_until, ''),
		       is_banned, flood_wait_count, success_count
		FROM account_rotation ORDER BY session_handle;`)
	if err != nil {
		return nil, errors.Wrap(err, "query accounts")
	}
	defer rows.Close()

	var out []AccountState
	for rows.Next() {
		var (
			a        AccountState
			lastUsed string
			cooldown string
		)
		if err := rows.Scan(&a.SessionHandle, &a.APIID, &a.APIHash, &a.Phone,
			&a.UsageCount, &lastUsed, &a.LastError, &cooldown,
			&a.IsBanned, &a.FloodWaitCount, &a.SuccessCount); err != nil {
			return nil, errors.Wrap(err, "scan account")
		}
		a.LastUsedAt = s.parseTime(lastUsed)
		a.CooldownUntil = s.parseTime(cooldown)
		out = append(out, a)
	}
	return out, rows.Err()
}

// TouchAccountUsage фиксирует выбор аккаунта ротатором: usage_count++ и
// last_used = сейчас.
func (s *Store) TouchAccountUsage(ctx context.Context, sessionHandle string) error {
	return s.execRetry(ctx, `
		UPDATE account_rotation
		SET usage_count = usage_count + 1, last_used = ?
		WHERE session_handle = ?;`,
		formatTime(s.now()), sessionHandle)
}

// MarkAccountSuccess увеличивает счётчик успешных операций.
func (s *Store) MarkAccountSuccess(ctx context.Context, sessionHandle string) error {
	return s.execRetry(ctx, `
		UPDATE account_rotation
		SET success_count = success_count + 1, last_error = NULL
		WHERE session_handle = ?;`,
		sessionHandle)
}

// MarkAccountFailure записывает ошибку; cooldownUntil и banned применяются
// только когда заданы, floodWait увеличивает flood_wait_count.
func (s *Store) MarkAccountFailure(ctx context.Context, sessionHandle, lastError string,
	cooldownUntil time.Time, banned, floodWait bool,
) error {
	var cooldown any
	if !cooldownUntil.IsZero() {
		cooldown = formatTime(cooldownUntil)
	}
	floodInc := 0
	if floodWait {
		floodInc = 1
	}
	return s.execRetry(ctx, `
		UPDATE account_rotation
		SET last_error = ?,
		    cooldown_until = COALESCE(?, cooldown_until),
		    is_banned = is_banned OR ?,
		    flood_wait_count = flood_wait_count + ?
		WHERE session_handle = ?;`,
		lastError, cooldown, banned, floodInc, sessionHandle)
}

// ResetUsageCounts обнуляет usage_count у всех аккаунтов. Применяется при
// пакетной архивации, чтобы least-used/smart ротация не залипала на истории.
func (s *Store) ResetUsageCounts(ctx context.Context) error {
	return s.execRetry(ctx, `UPDATE account_rotation SET usage_count = 0;`)
}

// AccountBySession возвращает состояние одного аккаунта.
func (s *Store) AccountBySession(ctx context.Context, sessionHandle string) (AccountState, bool, error) {
	var (
		a        AccountState
		lastUsed string
		cooldown string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_handle, COALESCE(api_id, 0), COALESCE(api_hash, ''), COALESCE(phone, ''),
		       usage_count, COALESCE(last_used, ''), COALESCE(last_error, ''), COALESCE(cooldown_until, ''),
		       is_banned, flood_wait_count, success_count
		FROM account_rotation WHERE session_handle = ?;`,
		sessionHandle).Scan(&a.SessionHandle, &a.APIID, &a.APIHash, &a.Phone,
		&a.UsageCount, &lastUsed, &a.LastError, &cooldown,
		&a.IsBanned, &a.FloodWaitCount, &a.SuccessCount)
	if errors.Is(err, sql.ErrNoRows) {
		return AccountState{}, false, nil
	}
	if err != nil {
		return AccountState{}, false, errors.Wrap(err, "query account")
	}
	a.LastUsedAt = s.parseTime(lastUsed)
	a.CooldownUntil = s.parseTime(cooldown)
	return a, true, nil
}
