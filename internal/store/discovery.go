package store

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// DiscoveredGroup — найденная краулером ссылка на группу/канал с приоритетом
// и статусом обработки. Уникальна по Link.
type DiscoveredGroup struct {
	Link         string
	Kind         string // username | private | unknown
	DiscoveredAt time.Time
	Source       string
	Priority     float64
	Status       string // new | joined | archived | failed
	LastChecked  time.Time
	Title        string
}

// Relationship — ребро графа упоминаний source→target с накопленным весом.
type Relationship struct {
	Source string
	Target string
	Kind   string
	Weight float64
}

// DiscoverySource — аудит-запись одного прохода краулера по сущности.
type DiscoverySource struct {
	SourceEntity string
	At           time.Time
	GroupsFound  int
	Depth        int
}

// UpsertDiscoveredGroup вставляет группу или обновляет её метаданные.
// Priority и Status при конфликте не трогаются: приоритет принадлежит
// анализатору сети, статус — жизненному циклу архивации.
func (s *Store) UpsertDiscoveredGroup(ctx context.Context, g DiscoveredGroup) error {
	if g.Kind == "" {
		g.Kind = "unknown"
	}
	if g.Status == "" {
		g.Status = "new"
	}
	when := g.DiscoveredAt
	if when.IsZero() {
		when = s.now()
	}
	return s.execRetry(ctx, `
		INSERT INTO discovered_groups(group_link, group_type, date_discovered, source, priority, status, title)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_link) DO UPDATE SET
			group_type=excluded.group_type,
			title=COALESCE(excluded.title, discovered_groups.title);`,
		g.Link, g.Kind, formatTime(when), nullStr(g.Source), g.Priority, g.Status, nullStr(g.Title))
}

// SetGroupStatus переводит группу в новый статус и обновляет last_checked.
func (s *Store) SetGroupStatus(ctx context.Context, link, status string) error {
	return s.execRetry(ctx, `
		UPDATE discovered_groups SET status = ?, last_checked = ? WHERE group_link = ?;`,
		status, formatTime(s.now()), link)
}

// AccumulateRelationship добавляет ребро source→target типа kind или
// увеличивает вес существующего на weight.
func (s *Store) AccumulateRelationship(ctx context.Context, r Relationship) error {
	if r.Kind == "" {
		r.Kind = "mention"
	}
	if r.Weight == 0 {
		r.Weight = 1.0
	}
	return s.execRetry(ctx, `
		INSERT INTO group_relationships(source_group, target_group, relationship_type, weight)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_group, target_group, relationship_type)
		DO UPDATE SET weight = group_relationships.weight + excluded.weight;`,
		r.Source, r.Target, r.Kind, r.Weight)
}

// Relationships возвращает все рёбра графа упоминаний.
func (s *Store) Relationships(ctx context.Context) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_group, target_group, relationship_type, weight
		FROM group_relationships;`)
	if err != nil {
		return nil, errors.Wrap(err, "query relationships")
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.Source, &r.Target, &r.Kind, &r.Weight); err != nil {
			return nil, errors.Wrap(err, "scan relationship")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertDiscoverySource добавляет аудит-запись о проходе краулера.
func (s *Store) InsertDiscoverySource(ctx context.Context, d DiscoverySource) error {
	when := d.At
	if when.IsZero() {
		when = s.now()
	}
	return s.execRetry(ctx, `
		INSERT INTO discovery_sources(source_entity, date_crawled, groups_found, depth)
		VALUES (?, ?, ?, ?);`,
		d.SourceEntity, formatTime(when), d.GroupsFound, d.Depth)
}

// SetGroupPriority записывает пересчитанный приоритет группы.
func (s *Store) SetGroupPriority(ctx context.Context, link string, priority float64) error {
	return s.execRetry(ctx, `
		UPDATE discovered_groups SET priority = ? WHERE group_link = ?;`,
		priority, link)
}

// DiscoveredGroups возвращает все группы, хронологически по дате обнаружения.
func (s *Store) DiscoveredGroups(ctx context.Context) ([]DiscoveredGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_link, group_type, COALESCE(date_discovered, ''), COALESCE(source, ''),
		       priority, status, COALESCE(last_checked, ''), COALESCE(title, '')
		FROM discovered_groups ORDER BY date_discovered;`)
	if err != nil {
		return nil, errors.Wrap(err, "query discovered groups")
	}
	defer rows.Close()
	return s.scanGroups(rows)
}

// TopPriorityGroups возвращает до n групп с приоритетом ≥ minPriority и
// статусом, отличным от archived, по убыванию приоритета.
func (s *Store) TopPriorityGroups(ctx context.Context, n int, minPriority float64) ([]DiscoveredGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_link, group_type, COALESCE(date_discovered, ''), COALESCE(source, ''),
		       priority, status, COALESCE(last_checked, ''), COALESCE(title, '')
		FROM discovered_groups
		WHERE priority >= ? AND status != 'archived'
		ORDER BY priority DESC, group_link LIMIT ?;`,
		minPriority, n)
	if err != nil {
		return nil, errors.Wrap(err, "query top priority groups")
	}
	defer rows.Close()
	return s.scanGroups(rows)
}

type groupRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func (s *Store) scanGroups(rows groupRows) ([]DiscoveredGroup, error) {
	var out []DiscoveredGroup
	for rows.Next() {
		var (
			g           DiscoveredGroup
			discovered  string
			lastChecked string
		)
		if err := rows.Scan(&g.Link, &g.Kind, &discovered, &g.Source,
			&g.Priority, &g.Status, &lastChecked, &g.Title); err != nil {
			return nil, errors.Wrap(err, "scan discovered group")
		}
		g.DiscoveredAt = s.parseTime(discovered)
		g.LastChecked = s.parseTime(lastChecked)
		out = append(out, g)
	}
	return out, rows.Err()
}
