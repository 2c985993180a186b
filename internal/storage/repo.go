package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

func (s *Store) CreateBinding(ctx context.Context, b Binding) error {
	q := s.sql.Insert("bindings").
		Columns("qq_id", "game_id", "group_id").
		Values(b.QQID, b.GameID, b.GroupID).
		Suffix("ON CONFLICT(game_id) DO NOTHING")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create binding query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("create binding: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Store) GetBindingByGameID(ctx context.Context, gameID string) (Binding, error) {
	q := s.sql.Select("id", "qq_id", "game_id", "group_id", "created_at").
		From("bindings").
		Where(sq.Eq{"game_id": gameID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Binding{}, fmt.Errorf("build get binding query: %w", err)
	}

	var b Binding
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&b.ID, &b.QQID, &b.GameID, &b.GroupID, &b.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Binding{}, ErrNotFound
		}
		return Binding{}, fmt.Errorf("get binding: %w", err)
	}
	return b, nil
}

func (s *Store) ListBindingsByQQ(ctx context.Context, qqID int64) ([]Binding, error) {
	return s.listBindings(ctx, sq.Eq{"qq_id": qqID}, 0)
}

func (s *Store) ListBindings(ctx context.Context, limit uint64) ([]Binding, error) {
	return s.listBindings(ctx, nil, limit)
}

func (s *Store) listBindings(ctx context.Context, where any, limit uint64) ([]Binding, error) {
	q := s.sql.Select("id", "qq_id", "game_id", "group_id", "created_at").
		From("bindings").
		OrderBy("created_at ASC")
	if where != nil {
		q = q.Where(where)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list bindings query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	out := make([]Binding, 0)
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.ID, &b.QQID, &b.GameID, &b.GroupID, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan binding row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate binding rows: %w", err)
	}
	return out, nil
}

func (s *Store) CountBindingsByQQ(ctx context.Context, qqID int64) (int, error) {
	q := s.sql.Select("COUNT(*)").From("bindings").Where(sq.Eq{"qq_id": qqID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count bindings query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count bindings: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteBinding(ctx context.Context, qqID int64, gameID string) error {
	return s.deleteBinding(ctx, sq.Eq{"qq_id": qqID, "game_id": gameID})
}

func (s *Store) DeleteBindingByGameID(ctx context.Context, gameID string) error {
	return s.deleteBinding(ctx, sq.Eq{"game_id": gameID})
}

func (s *Store) DeleteBindingsByQQ(ctx context.Context, qqID int64) (int, error) {
	q := s.sql.Delete("bindings").Where(sq.Eq{"qq_id": qqID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete bindings query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("delete bindings: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return 0, ErrNotFound
	}
	return int(n), nil
}

func (s *Store) deleteBinding(ctx context.Context, where sq.Eq) error {
	q := s.sql.Delete("bindings").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete binding query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) AddWhitelist(ctx context.Context, e WhitelistEntry) error {
	if e.Source == "" {
		e.Source = "audit"
	}
	q := s.sql.Insert("whitelist").
		Columns("game_id", "qq_id", "source").
		Values(e.GameID, e.QQID, e.Source).
		Suffix("ON CONFLICT(game_id) DO NOTHING")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build add whitelist query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("add whitelist: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Store) RemoveWhitelist(ctx context.Context, gameID string) error {
	q := s.sql.Delete("whitelist").Where(sq.Eq{"game_id": gameID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build remove whitelist query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("remove whitelist: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) IsWhitelisted(ctx context.Context, gameID string) (bool, error) {
	q := s.sql.Select("1").From("whitelist").Where(sq.Eq{"game_id": gameID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build whitelist lookup query: %w", err)
	}
	var one int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("whitelist lookup: %w", err)
	}
	return true, nil
}

func (s *Store) CountWhitelistByQQ(ctx context.Context, qqID int64) (int, error) {
	q := s.sql.Select("COUNT(*)").From("whitelist").Where(sq.Eq{"qq_id": qqID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count whitelist query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count whitelist: %w", err)
	}
	return n, nil
}

func (s *Store) ListWhitelist(ctx context.Context) ([]WhitelistEntry, error) {
	q := s.sql.Select("id", "game_id", "qq_id", "source", "created_at").
		From("whitelist").
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list whitelist query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list whitelist: %w", err)
	}
	defer rows.Close()

	out := make([]WhitelistEntry, 0)
	for rows.Next() {
		var e WhitelistEntry
		if err := rows.Scan(&e.ID, &e.GameID, &e.QQID, &e.Source, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan whitelist row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate whitelist rows: %w", err)
	}
	return out, nil
}

func (s *Store) InsertAuditRecord(ctx context.Context, r AuditRecord) error {
	q := s.sql.Insert("audit_records").
		Columns("qq_id", "game_id", "score", "passed", "detail").
		Values(r.QQID, r.GameID, r.Score, r.Passed, r.Detail)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit record insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *Store) ListAuditRecordsByQQ(ctx context.Context, qqID int64, limit uint64) ([]AuditRecord, error) {
	if limit == 0 {
		limit = 10
	}
	q := s.sql.Select("id", "qq_id", "game_id", "score", "passed", "detail", "created_at").
		From("audit_records").
		Where(sq.Eq{"qq_id": qqID}).
		OrderBy("created_at DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list audit records query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	out := make([]AuditRecord, 0)
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.QQID, &r.GameID, &r.Score, &r.Passed, &r.Detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit record rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetSetting(ctx context.Context, name string) (string, error) {
	q := s.sql.Select("value").From("plugin_settings").Where(sq.Eq{"name": name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build get setting query: %w", err)
	}
	var value string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (s *Store) SetSetting(ctx context.Context, name, value string) error {
	if !json.Valid([]byte(value)) {
		return fmt.Errorf("setting %q is not valid json", name)
	}
	q := s.sql.Insert("plugin_settings").
		Columns("name", "value", "updated_at").
		Values(name, value, nowExpr(s.driver)).
		Suffix("ON CONFLICT(name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set setting query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func (s *Store) LogOp(ctx context.Context, e OpEntry) error {
	if e.MetaJSON == "" || !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}
	q := s.sql.Insert("op_log").
		Columns("actor", "action", "meta_json").
		Values(e.Actor, e.Action, e.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build op log insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert op log entry: %w", err)
	}
	return nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
