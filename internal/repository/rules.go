package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const ruleColumns = `id, name, description, type, parameters, conditions, priority,
	scope_kind, scope_id, active, created_at, updated_at`

// SaveRule inserts or replaces a rule.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}
	if !rule.Scope.Valid() {
		return fmt.Errorf("%w: rule %s has no valid scope", domain.ErrInvalidInput, rule.ID)
	}

	params, err := marshalValues(rule.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	conds, err := marshalValues(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			type = excluded.type,
			parameters = excluded.parameters,
			conditions = excluded.conditions,
			priority = excluded.priority,
			scope_kind = excluded.scope_kind,
			scope_id = excluded.scope_id,
			active = excluded.active,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, string(rule.Type),
		params, conds, rule.Priority,
		string(rule.Scope.Kind()), rule.Scope.ID(), rule.Active,
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// GetRule retrieves a rule by ID, active or not.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRulesByScope returns active rules owned by scope in priority order.
func (r *SQLRepository) ListRulesByScope(ctx context.Context, scope domain.Scope) ([]*domain.Rule, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: invalid scope", domain.ErrInvalidInput)
	}

	query := `
		SELECT ` + ruleColumns + `
		FROM rules
		WHERE scope_kind = ? AND scope_id = ? AND active = ?
		ORDER BY priority, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(scope.Kind()), scope.ID(), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]*domain.Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeactivateRule soft-deletes a rule.
func (r *SQLRepository) DeactivateRule(ctx context.Context, ruleID string) error {
	query := `UPDATE rules SET active = ?, updated_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), false, time.Now().UTC(), ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.Rule, error) {
	var (
		rule        domain.Rule
		ruleType    string
		description sql.NullString
		params      string
		conds       string
		scopeKind   string
		scopeID     string
	)

	if err := row.Scan(
		&rule.ID, &rule.Name, &description, &ruleType,
		&params, &conds, &rule.Priority,
		&scopeKind, &scopeID, &rule.Active,
		&rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	scope, err := domain.ParseScope(scopeKind, scopeID)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}

	rule.Type = domain.RuleType(ruleType)
	rule.Description = description.String
	rule.Scope = scope
	rule.Parameters = unmarshalValues(params)
	rule.Conditions = unmarshalValues(conds)

	return &rule, nil
}

func marshalValues(v domain.Values) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// unmarshalValues is lenient: a malformed document yields an empty bag,
// which scores as neutral defaults.
func unmarshalValues(s string) domain.Values {
	v := domain.Values{}
	if s == "" {
		return v
	}
	_ = json.Unmarshal([]byte(s), &v)
	return v
}
