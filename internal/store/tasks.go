package store

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// TaskRecord — персистентная запись задачи планировщика. Двухфазная:
// старт фиксируется до запуска, завершение — сразу после. Задача без
// completed_at после падения процесса читается как in-flight на момент краха.
type TaskRecord struct {
	TaskID        string
	Kind          string
	Target        string
	SessionHandle string
	StartedAt     time.Time
	CompletedAt   time.Time
	Success       bool
	Error         string
	ResultJSON    string
}

// StartTask записывает стартовую фазу задачи.
func (s *Store) StartTask(ctx context.Context, taskID, kind, target, sessionHandle string) error {
	return s.execRetry(ctx, `
		INSERT INTO parallel_tasks(task_id, task_type, target, session_handle, started_at)
		VALUES (?, ?, ?, ?, ?);`,
		taskID, kind, target, sessionHandle, formatTime(s.now()))
}

// CompleteTask записывает терминальную фазу задачи.
func (s *Store) CompleteTask(ctx context.Context, taskID string, success bool, taskErr, resultJSON string) error {
	return s.execRetry(ctx, `
		UPDATE parallel_tasks
		SET completed_at = ?, success = ?, error = ?, result = ?
		WHERE task_id = ?;`,
		formatTime(s.now()), success, nullStr(taskErr), nullStr(resultJSON), taskID)
}

// InFlightTasks возвращает задачи со стартовой фазой без терминальной —
// после рестарта это «осиротевшие» задачи упавшего прохода.
func (s *Store) InFlightTasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, COALESCE(task_type, ''), COALESCE(target, ''), COALESCE(session_handle, ''),
		       COALESCE(started_at, '')
		FROM parallel_tasks WHERE completed_at IS NULL ORDER BY started_at;`)
	if err != nil {
		return nil, errors.Wrap(err, "query in-flight tasks")
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var t TaskRecord
		var started string
		if err := rows.Scan(&t.TaskID, &t.Kind, &t.Target, &t.SessionHandle, &started); err != nil {
			return nil, errors.Wrap(err, "scan task")
		}
		t.StartedAt = s.parseTime(started)
		out = append(out, t)
	}
	return out, rows.Err()
}
