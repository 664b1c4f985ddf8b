package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/t77yq/pricewatch/internal/model"
)

// TaskHistory represents the archived state of a scrape task
type TaskHistory struct {
	TaskID      string           `json:"task_id"`
	ProductID   int64            `json:"product_id"`
	Priority    int              `json:"priority"`
	Status      model.TaskStatus `json:"status"`
	Attempts    int              `json:"attempt_count"`
	LastError   string           `json:"last_error,omitempty"`
	WorkerID    string           `json:"worker_id,omitempty"`
	Price       string           `json:"price,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Duration returns how long the last attempt ran, zero while unfinished
func (h *TaskHistory) Duration() time.Duration {
	if h.StartedAt == nil || h.CompletedAt == nil {
		return 0
	}
	return h.CompletedAt.Sub(*h.StartedAt)
}

// HistoryFilter selects task history records. Zero values match everything.
type HistoryFilter struct {
	ProductID int64
	Status    []model.TaskStatus
	Since     time.Time
	Offset    int
	Limit     int
}

func (f HistoryFilter) apply(q sq.SelectBuilder) sq.SelectBuilder {
	if f.ProductID != 0 {
		q = q.Where(sq.Eq{"product_id": f.ProductID})
	}
	if len(f.Status) > 0 {
		statuses := make([]string, len(f.Status))
		for i, s := range f.Status {
			statuses[i] = string(s)
		}
		q = q.Where(sq.Eq{"status": statuses})
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"updated_at": f.Since.UnixNano()})
	}
	return q
}

// OnTaskUpdate implements scheduler.Listener. Every transition upserts the task record.
func (s *SQLiteArchive) OnTaskUpdate(task model.ScrapeTask) {
	if err := s.StoreTask(context.Background(), task); err != nil {
		s.logger.Error("Failed to archive task",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// StoreTask inserts or updates the history record of a task
func (s *SQLiteArchive) StoreTask(ctx context.Context, task model.ScrapeTask) error {
	var price sql.NullString
	if task.Result != nil {
		price = sql.NullString{String: task.Result.Price.String(), Valid: true}
	}

	_, err := s.exec(ctx, s.sb.Insert("task_history").
		Columns("id", "product_id", "priority", "status", "attempts", "last_error",
			"worker_id", "price", "created_at", "started_at", "completed_at", "updated_at").
		Values(task.ID, task.ProductID, task.Priority, string(task.Status), task.Attempts,
			sql.NullString{String: task.LastError, Valid: task.LastError != ""},
			sql.NullString{String: task.WorkerID, Valid: task.WorkerID != ""},
			price,
			task.CreatedAt.UnixNano(),
			nullUnix(task.StartedAt),
			nullUnix(task.CompletedAt),
			time.Now().UnixNano()).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			priority = excluded.priority,
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			worker_id = excluded.worker_id,
			price = excluded.price,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`))
	if err != nil {
		return fmt.Errorf("failed to store task history: %w", err)
	}
	return nil
}

var historyColumns = []string{
	"id", "product_id", "priority", "status", "attempts", "last_error",
	"worker_id", "price", "created_at", "started_at", "completed_at", "updated_at",
}

func scanHistory(scan func(dest ...any) error) (*TaskHistory, error) {
	var (
		h                        TaskHistory
		lastError, worker, price sql.NullString
		createdAt, updatedAt     int64
		startedAt, completedAt   sql.NullInt64
	)
	err := scan(&h.TaskID, &h.ProductID, &h.Priority, &h.Status, &h.Attempts,
		&lastError, &worker, &price, &createdAt, &startedAt, &completedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	h.LastError = lastError.String
	h.WorkerID = worker.String
	h.Price = price.String
	h.CreatedAt = time.Unix(0, createdAt).UTC()
	h.UpdatedAt = time.Unix(0, updatedAt).UTC()
	h.StartedAt = fromNullUnix(startedAt)
	h.CompletedAt = fromNullUnix(completedAt)
	return &h, nil
}

// GetTask retrieves the history record of a task
func (s *SQLiteArchive) GetTask(ctx context.Context, taskID string) (*TaskHistory, error) {
	query, args, err := s.sb.Select(historyColumns...).
		From("task_history").
		Where(sq.Eq{"id": taskID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	h, err := scanHistory(s.db.QueryRowContext(ctx, query, args...).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan task history: %w", err)
	}
	return h, nil
}

// ListTasks retrieves task history records, most recently updated first
func (s *SQLiteArchive) ListTasks(ctx context.Context, filter HistoryFilter) ([]*TaskHistory, error) {
	q := filter.apply(s.sb.Select(historyColumns...).From("task_history")).
		OrderBy("updated_at DESC")
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list task history: %w", err)
	}
	defer rows.Close()

	var histories []*TaskHistory
	for rows.Next() {
		h, err := scanHistory(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task history: %w", err)
		}
		histories = append(histories, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return histories, nil
}

// CountTasks returns the number of records matching the filter
func (s *SQLiteArchive) CountTasks(ctx context.Context, filter HistoryFilter) (int, error) {
	query, args, err := filter.apply(s.sb.Select("COUNT(*)").From("task_history")).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count task history: %w", err)
	}
	return count, nil
}
