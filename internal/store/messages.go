package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// User — участник чата. Upsert по id.
type User struct {
	ID          int64
	Username    string
	FirstName   string
	LastName    string
	Tags        []string
	AvatarPath  string
	LastUpdated time.Time
}

// Media — вложение сообщения. Upsert по id.
type Media struct {
	ID          int64
	Type        string
	URL         string
	Title       string
	Description string
	Thumb       string
	Mime        string
	Checksum    string
}

// Message — архивированное сообщение. Первичный ключ id в рамках файла
// хранилища (фактически — одна база на канал). После вставки меняется только
// при повторном апсерте (правки).
type Message struct {
	ID       int64
	Type     string
	Date     time.Time
	EditDate time.Time
	Content  string
	ReplyTo  int64
	UserID   int64
	MediaID  int64
	TopicID  int64
	Checksum string
}

// Topic — топик форумного супергруппы.
type Topic struct {
	ID        int64
	EntityID  int64
	Title     string
	CreatedAt time.Time
}

// Mention — упоминание @username в сообщении; только добавление.
type Mention struct {
	Username   string
	MessageID  int64
	Date       time.Time
	SourceType string // text | entity | forward
}

// Month — месяц временной шкалы с количеством сообщений.
type Month struct {
	Date  time.Time
	Slug  string // YYYY-MM
	Label string // Jan 2006
	Count int
}

// Day — день внутри месяца с номером страницы пагинации.
type Day struct {
	Date  time.Time
	Slug  string // YYYY-MM-DD
	Label string // 02 Jan 2006
	Count int
	Page  int
}

// ChecksumIssue — строка, не прошедшая проверку целостности.
type ChecksumIssue struct {
	ID    int64
	Issue string
}

// UpsertUser вставляет или обновляет пользователя. LastUpdated ставится
// в «сейчас» независимо от входа: поле отражает момент последнего апсерта.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	return s.execRetry(ctx, `
		INSERT INTO users(id, username, first_name, last_name, tags, avatar, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username=excluded.username,
			first_name=excluded.first_name,
			last_name=excluded.last_name,
			tags=excluded.tags,
			avatar=excluded.avatar,
			last_updated=excluded.last_updated;`,
		u.ID, nullStr(u.Username), nullStr(u.FirstName), nullStr(u.LastName),
		strings.Join(u.Tags, " "), nullStr(u.AvatarPath), formatTime(s.now()))
}

// UpsertMedia вставляет или обновляет запись медиа.
func (s *Store) UpsertMedia(ctx context.Context, m Media) error {
	return s.execRetry(ctx, `
		INSERT INTO media(id, type, url, title, description, thumb, mime, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type,
			url=excluded.url,
			title=excluded.title,
			description=excluded.description,
			thumb=excluded.thumb,
			mime=excluded.mime,
			checksum=excluded.checksum;`,
		m.ID, m.Type, nullStr(m.URL), nullStr(m.Title), nullStr(m.Description),
		nullStr(m.Thumb), nullStr(m.Mime), nullStr(m.Checksum))
}

// UpsertMessage вставляет или обновляет сообщение.
func (s *Store) UpsertMessage(ctx context.Context, m Message) error {
	var editDate any
	if !m.EditDate.IsZero() {
		editDate = formatTime(m.EditDate)
	}
	return s.execRetry(ctx, `
		INSERT INTO messages(id, type, date, edit_date, content, reply_to, user_id, media_id, topic_id, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type,
			date=excluded.date,
			edit_date=excluded.edit_date,
			content=excluded.content,
			reply_to=excluded.reply_to,
			user_id=excluded.user_id,
			media_id=excluded.media_id,
			topic_id=excluded.topic_id,
			checksum=excluded.checksum;`,
		m.ID, m.Type, formatTime(m.Date), editDate, nullStr(m.Content),
		nullInt(m.ReplyTo), nullInt(m.UserID), nullInt(m.MediaID), nullInt(m.TopicID),
		nullStr(m.Checksum))
}

// UpsertTopic вставляет или обновляет топик.
func (s *Store) UpsertTopic(ctx context.Context, t Topic) error {
	var created any
	if !t.CreatedAt.IsZero() {
		created = formatTime(t.CreatedAt)
	}
	return s.execRetry(ctx, `
		INSERT INTO topics(id, entity_id, title, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity_id=excluded.entity_id,
			title=excluded.title;`,
		t.ID, t.EntityID, nullStr(t.Title), created)
}

// InsertMention добавляет запись об упоминании.
func (s *Store) InsertMention(ctx context.Context, m Mention) error {
	return s.execRetry(ctx, `
		INSERT INTO username_mentions(username, message_id, date, source_type)
		VALUES (?, ?, ?, ?);`,
		m.Username, nullInt(m.MessageID), formatTime(m.Date), m.SourceType)
}

// MentionsByMessage возвращает упоминания, извлечённые из сообщения.
func (s *Store) MentionsByMessage(ctx context.Context, messageID int64) ([]Mention, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, COALESCE(message_id, 0), date, source_type
		FROM username_mentions WHERE message_id = ? ORDER BY id;`, messageID)
	if err != nil {
		return nil, errors.Wrap(err, "query mentions")
	}
	defer rows.Close()

	var out []Mention
	for rows.Next() {
		var m Mention
		var date string
		if err := rows.Scan(&m.Username, &m.MessageID, &date, &m.SourceType); err != nil {
			return nil, errors.Wrap(err, "scan mention")
		}
		m.Date = s.parseTime(date)
		out = append(out, m)
	}
	return out, rows.Err()
}

// LastMessageID возвращает наибольший id сообщения; 0, если база пуста.
func (s *Store) LastMessageID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM messages`).Scan(&id); err != nil {
		return 0, errors.Wrap(err, "query last message id")
	}
	return id.Int64, nil
}

// SaveCheckpoint записывает точку возобновления для контекста context
// (по умолчанию у вызывающих — "sync").
func (s *Store) SaveCheckpoint(ctx context.Context, lastID int64, checkpointContext string) error {
	if err := s.execRetry(ctx, `
		INSERT INTO checkpoints(last_message_id, checkpoint_time, context)
		VALUES (?, ?, ?);`,
		lastID, formatTime(s.now()), checkpointContext); err != nil {
		return err
	}
	// Контекст чекпойнта — это "зачем" метка, а не транзакция.
	return nil
}

// LatestCheckpoint возвращает последний сохранённый last_message_id для
// контекста; ok=false, если чекпойнтов не было.
func (s *Store) LatestCheckpoint(ctx context.Context, checkpointContext string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_message_id FROM checkpoints
		WHERE context = ? ORDER BY checkpoint_time DESC, id DESC LIMIT 1;`,
		checkpointContext).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "query latest checkpoint")
	}
	return id, true, nil
}

// Months возвращает временную шкалу: месяцы с сообщениями, хронологически.
func (s *Store) Months(ctx context.Context) ([]Month, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-01T00:00:00Z', date), COUNT(*)
		FROM messages GROUP BY strftime('%Y-%m', date) ORDER BY 1;`)
	if err != nil {
		return nil, errors.Wrap(err, "query months")
	}
	defer rows.Close()

	var out []Month
	for rows.Next() {
		var ts string
		var cnt int
		if err := rows.Scan(&ts, &cnt); err != nil {
			return nil, errors.Wrap(err, "scan month")
		}
		dt := s.parseTime(ts)
		out = append(out, Month{
			Date:  dt,
			Slug:  dt.Format("2006-01"),
			Label: dt.Format("Jan 2006"),
			Count: cnt,
		})
	}
	return out, rows.Err()
}

// Days возвращает дни месяца year/month с числом сообщений и номером
// страницы. Страница — целочисленный ⌈rank/pageSize⌉ по порядку id.
func (s *Store) Days(ctx context.Context, year, month, pageSize int) ([]Day, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	ym := fmt.Sprintf("%04d%02d", year, month)
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%dT00:00:00Z', date), COUNT(*), MIN((rn + ? - 1) / ?)
		FROM (
			SELECT ROW_NUMBER() OVER(ORDER BY id) AS rn, date
			FROM messages WHERE strftime('%Y%m', date) = ?
		) GROUP BY 1 ORDER BY 1;`,
		pageSize, pageSize, ym)
	if err != nil {
		return nil, errors.Wrap(err, "query days")
	}
	defer rows.Close()

	var out []Day
	for rows.Next() {
		var ts string
		var cnt, page int
		if err := rows.Scan(&ts, &cnt, &page); err != nil {
			return nil, errors.Wrap(err, "scan day")
		}
		if page < 1 {
			page = 1
		}
		dt := s.parseTime(ts)
		out = append(out, Day{
			Date:  dt,
			Slug:  dt.Format("2006-01-02"),
			Label: dt.Format("02 Jan 2006"),
			Count: cnt,
			Page:  page,
		})
	}
	return out, rows.Err()
}

// PagedMessage — сообщение с развёрнутыми пользователем и медиа.
type PagedMessage struct {
	Message
	User  *User
	Media *Media
}

// PagedMessages постранично читает сообщения месяца: строки с id > lastID,
// по возрастанию id, не более limit, с join на users и media.
func (s *Store) PagedMessages(ctx context.Context, year, month int, lastID int64, limit int) ([]PagedMessage, error) {
	if limit <= 0 {
		limit = 500
	}
	ym := fmt.Sprintf("%04d%02d", year, month)
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.type, m.date, COALESCE(m.edit_date, ''), COALESCE(m.content, ''),
		       COALESCE(m.reply_to, 0), COALESCE(m.topic_id, 0), COALESCE(m.checksum, ''),
		       u.id, COALESCE(u.username, ''), COALESCE(u.first_name, ''), COALESCE(u.last_name, ''),
		       COALESCE(u.tags, ''), COALESCE(u.avatar, ''),
		       md.id, COALESCE(md.type, ''), COALESCE(md.url, ''), COALESCE(md.title, ''),
		       COALESCE(md.description, ''), COALESCE(md.thumb, ''), COALESCE(md.mime, ''), COALESCE(md.checksum, '')
		FROM messages m
		LEFT JOIN users u ON u.id = m.user_id
		LEFT JOIN media md ON md.id = m.media_id
		WHERE strftime('%Y%m', m.date) = ? AND m.id > ?
		ORDER BY m.id LIMIT ?;`,
		ym, lastID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query paged messages")
	}
	defer rows.Close()

	var out []PagedMessage
	for rows.Next() {
		var (
			pm       PagedMessage
			date     string
			editDate string
			uID      sql.NullInt64
			uName    string
			uFirst   string
			uLast    string
			uTags    string
			uAvatar  string
			mdID     sql.NullInt64
			mdType   string
			mdURL    string
			mdTitle  string
			mdDescr  string
			mdThumb  string
			mdMime   string
			mdSum    string
		)
		if err := rows.Scan(
			&pm.ID, &pm.Type, &date, &editDate, &pm.Content,
			&pm.ReplyTo, &pm.TopicID, &pm.Checksum,
			&uID, &uName, &uFirst, &uLast, &uTags, &uAvatar,
			&mdID, &mdType, &mdURL, &mdTitle, &mdDescr, &mdThumb, &mdMime, &mdSum,
		); err != nil {
			return nil, errors.Wrap(err, "scan paged message")
		}
		pm.Date = s.parseTime(date)
		pm.EditDate = s.parseTime(editDate)
		if uID.Valid {
			pm.UserID = uID.Int64
			user := User{ID: uID.Int64, Username: uName, FirstName: uFirst, LastName: uLast, AvatarPath: uAvatar}
			if uTags != "" {
				user.Tags = strings.Fields(uTags)
			}
			pm.User = &user
		}
		if mdID.Valid {
			pm.MediaID = mdID.Int64
			pm.Media = &Media{
				ID: mdID.Int64, Type: mdType, URL: mdURL, Title: mdTitle,
				Description: mdDescr, Thumb: mdThumb, Mime: mdMime, Checksum: mdSum,
			}
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

// VerifyChecksums сканирует таблицу (messages или media) и возвращает строки
// без контрольной суммы. idRange опционально ограничивает диапазон id.
func (s *Store) VerifyChecksums(ctx context.Context, table string, idRange *[2]int64) ([]ChecksumIssue, error) {
	switch table {
	case "messages", "media":
	default:
		return nil, errors.Errorf("verify checksums: unsupported table %q", table)
	}

	query := fmt.Sprintf(`SELECT id, COALESCE(checksum, '') FROM %s`, table)
	var args []any
	if idRange != nil {
		query += ` WHERE id BETWEEN ? AND ?`
		args = append(args, idRange[0], idRange[1])
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query checksums")
	}
	defer rows.Close()

	var issues []ChecksumIssue
	for rows.Next() {
		var id int64
		var checksum string
		if err := rows.Scan(&id, &checksum); err != nil {
			return nil, errors.Wrap(err, "scan checksum row")
		}
		if checksum == "" {
			issues = append(issues, ChecksumIssue{ID: id, Issue: "missing checksum"})
		}
	}
	return issues, rows.Err()
}
