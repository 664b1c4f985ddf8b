package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/t77yq/pricewatch/internal/model"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

const schema = `
	CREATE TABLE IF NOT EXISTS price_points (
		product_id INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		price TEXT NOT NULL,
		currency TEXT NOT NULL,
		source TEXT,
		PRIMARY KEY (product_id, ts)
	);
	CREATE TABLE IF NOT EXISTS task_history (
		id TEXT PRIMARY KEY,
		product_id INTEGER NOT NULL,
		priority INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT,
		worker_id TEXT,
		price TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_history_product_id ON task_history(product_id);
	CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(status);
	CREATE INDEX IF NOT EXISTS idx_task_history_completed_at ON task_history(completed_at);
	CREATE TABLE IF NOT EXISTS alert_events (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		product_id INTEGER NOT NULL,
		rule_type TEXT NOT NULL,
		channel TEXT NOT NULL,
		target TEXT,
		price TEXT NOT NULL,
		currency TEXT NOT NULL,
		message TEXT,
		triggered_at INTEGER NOT NULL,
		delivery_status TEXT NOT NULL,
		error TEXT,
		delivered_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_alert_events_user_id ON alert_events(user_id);
	CREATE INDEX IF NOT EXISTS idx_alert_events_triggered_at ON alert_events(triggered_at);
	CREATE TABLE IF NOT EXISTS alert_rules (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		product_id INTEGER NOT NULL,
		rule_type TEXT NOT NULL,
		threshold REAL,
		percent REAL,
		direction TEXT,
		cooldown_minutes INTEGER NOT NULL,
		channel TEXT NOT NULL,
		target TEXT,
		status TEXT NOT NULL,
		last_fired_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_alert_rules_product_id ON alert_rules(product_id);
`

// SQLiteArchive persists price points, task history, alert rules and alert events in SQLite.
// It serves as the journal of the price series store.
type SQLiteArchive struct {
	logger *zap.Logger
	db     *sql.DB
	sb     sq.StatementBuilderType
}

// NewSQLiteArchive opens (or creates) the archive at dbPath
func NewSQLiteArchive(logger *zap.Logger, dbPath string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	archive := &SQLiteArchive{
		logger: logger.Named("sqlite-archive"),
		db:     db,
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}

	if err := archive.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	archive.logger.Info("Archive opened", zap.String("path", dbPath))
	return archive, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteArchive) initialize() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

func (s *SQLiteArchive) exec(ctx context.Context, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return s.db.ExecContext(ctx, query, args...)
}

func (s *SQLiteArchive) query(ctx context.Context, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return s.db.QueryContext(ctx, query, args...)
}

// WritePoint implements series.Journal
func (s *SQLiteArchive) WritePoint(ctx context.Context, productID int64, point model.PricePoint) error {
	var source sql.NullString
	if len(point.Source) > 0 {
		data, err := json.Marshal(point.Source)
		if err != nil {
			return fmt.Errorf("failed to marshal source: %w", err)
		}
		source = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.exec(ctx, s.sb.Insert("price_points").
		Columns("product_id", "ts", "price", "currency", "source").
		Values(productID, point.Timestamp.UnixNano(), point.Price.String(), point.Currency, source))
	if err != nil {
		return fmt.Errorf("failed to write price point: %w", err)
	}
	return nil
}

// LoadPoints returns every archived point grouped by product, oldest first
func (s *SQLiteArchive) LoadPoints(ctx context.Context) (map[int64][]model.PricePoint, error) {
	rows, err := s.query(ctx, s.sb.Select("product_id", "ts", "price", "currency", "source").
		From("price_points").
		OrderBy("product_id", "ts"))
	if err != nil {
		return nil, fmt.Errorf("failed to load price points: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]model.PricePoint)
	for rows.Next() {
		var productID int64
		point, err := scanPoint(rows, &productID)
		if err != nil {
			return nil, err
		}
		out[productID] = append(out[productID], point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// Points returns the archived points of a product in [start, end), oldest first.
// A zero bound is open.
func (s *SQLiteArchive) Points(ctx context.Context, productID int64, start, end time.Time) ([]model.PricePoint, error) {
	q := s.sb.Select("product_id", "ts", "price", "currency", "source").
		From("price_points").
		Where(sq.Eq{"product_id": productID}).
		OrderBy("ts")
	if !start.IsZero() {
		q = q.Where(sq.GtOrEq{"ts": start.UnixNano()})
	}
	if !end.IsZero() {
		q = q.Where(sq.Lt{"ts": end.UnixNano()})
	}

	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query price points: %w", err)
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var id int64
		point, err := scanPoint(rows, &id)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return points, nil
}

func scanPoint(rows *sql.Rows, productID *int64) (model.PricePoint, error) {
	var (
		point  model.PricePoint
		ts     int64
		price  string
		source sql.NullString
	)
	if err := rows.Scan(productID, &ts, &price, &point.Currency, &source); err != nil {
		return point, fmt.Errorf("failed to scan price point: %w", err)
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return point, fmt.Errorf("invalid archived price %q: %w", price, err)
	}
	point.Price = p
	point.Timestamp = time.Unix(0, ts).UTC()
	if source.Valid && source.String != "" {
		if err := json.Unmarshal([]byte(source.String), &point.Source); err != nil {
			return point, fmt.Errorf("invalid archived source: %w", err)
		}
	}
	return point, nil
}

// PruneBefore implements scheduler.HistoryPruner. Terminal task records
// completed before the cutoff are removed; price points are kept.
func (s *SQLiteArchive) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.exec(ctx, s.sb.Delete("task_history").
		Where(sq.NotEq{"completed_at": nil}).
		Where(sq.Lt{"completed_at": before.UnixNano()}))
	if err != nil {
		return 0, fmt.Errorf("failed to delete task history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old task history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteArchive) Close() error {
	return s.db.Close()
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
