package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/t77yq/pricewatch/internal/model"
)

// SaveRule implements monitor.RuleRecorder. last_fired_at is only written on
// insert; RecordFired owns it afterwards.
func (s *SQLiteArchive) SaveRule(ctx context.Context, rule model.AlertRule) error {
	_, err := s.exec(ctx, s.sb.Insert("alert_rules").
		Columns("id", "user_id", "product_id", "rule_type", "threshold", "percent", "direction",
			"cooldown_minutes", "channel", "target", "status", "last_fired_at",
			"created_at", "updated_at", "deleted_at").
		Values(rule.ID, rule.UserID, rule.ProductID, string(rule.Type),
			nullFloat(rule.Threshold), nullFloat(rule.Percent), string(rule.Direction),
			rule.CooldownMinutes, rule.Channel, rule.Target, string(rule.Status),
			nullUnix(rule.LastFiredAt), rule.CreatedAt.UnixNano(), rule.UpdatedAt.UnixNano(),
			nullUnix(rule.DeletedAt)).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			rule_type = excluded.rule_type,
			threshold = excluded.threshold,
			percent = excluded.percent,
			direction = excluded.direction,
			cooldown_minutes = excluded.cooldown_minutes,
			channel = excluded.channel,
			target = excluded.target,
			status = excluded.status,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
			WHERE excluded.updated_at >= alert_rules.updated_at`))
	if err != nil {
		return fmt.Errorf("failed to save alert rule: %w", err)
	}
	return nil
}

// RecordFired implements monitor.RuleRecorder
func (s *SQLiteArchive) RecordFired(ctx context.Context, ruleID string, firedAt time.Time) error {
	result, err := s.exec(ctx, s.sb.Update("alert_rules").
		Set("last_fired_at", firedAt.UnixNano()).
		Where(sq.Eq{"id": ruleID}).
		Where(sq.Or{sq.Eq{"last_fired_at": nil}, sq.Lt{"last_fired_at": firedAt.UnixNano()}}))
	if err != nil {
		return fmt.Errorf("failed to record rule firing: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		if _, err := s.GetRule(ctx, ruleID); err != nil {
			return err
		}
	}
	return nil
}

// GetRule retrieves an archived rule by ID
func (s *SQLiteArchive) GetRule(ctx context.Context, id string) (model.AlertRule, error) {
	rules, err := s.selectRules(ctx, s.ruleQuery().Where(sq.Eq{"id": id}))
	if err != nil {
		return model.AlertRule{}, err
	}
	if len(rules) == 0 {
		return model.AlertRule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return rules[0], nil
}

// LoadRules returns every archived rule, soft-deleted ones included, in creation order
func (s *SQLiteArchive) LoadRules(ctx context.Context) ([]model.AlertRule, error) {
	return s.selectRules(ctx, s.ruleQuery().OrderBy("created_at", "id"))
}

func (s *SQLiteArchive) ruleQuery() sq.SelectBuilder {
	return s.sb.Select("id", "user_id", "product_id", "rule_type", "threshold", "percent", "direction",
		"cooldown_minutes", "channel", "target", "status", "last_fired_at",
		"created_at", "updated_at", "deleted_at").
		From("alert_rules")
}

func (s *SQLiteArchive) selectRules(ctx context.Context, q sq.SelectBuilder) ([]model.AlertRule, error) {
	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert rules: %w", err)
	}
	defer rows.Close()

	var rules []model.AlertRule
	for rows.Next() {
		var (
			rule                 model.AlertRule
			threshold, percent   sql.NullFloat64
			direction, target    sql.NullString
			lastFired, deletedAt sql.NullInt64
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&rule.ID, &rule.UserID, &rule.ProductID, &rule.Type, &threshold,
			&percent, &direction, &rule.CooldownMinutes, &rule.Channel, &target, &rule.Status,
			&lastFired, &createdAt, &updatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}
		rule.Threshold = fromNullFloat(threshold)
		rule.Percent = fromNullFloat(percent)
		rule.Direction = model.Direction(direction.String)
		rule.Target = target.String
		rule.LastFiredAt = fromNullUnix(lastFired)
		rule.CreatedAt = time.Unix(0, createdAt).UTC()
		rule.UpdatedAt = time.Unix(0, updatedAt).UTC()
		rule.DeletedAt = fromNullUnix(deletedAt)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return rules, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func fromNullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
