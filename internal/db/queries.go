package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hpungsan/tabkeep/internal/capability"
	"github.com/hpungsan/tabkeep/internal/errors"
)

// tableFor returns the handle table backing a scope.
func tableFor(scope capability.Scope) (string, error) {
	switch scope {
	case capability.ScopeFile:
		return "file_handles", nil
	case capability.ScopeDirectory:
		return "directory_handles", nil
	default:
		return "", errors.NewInvalidRequest(fmt.Sprintf("unknown scope %q", scope))
	}
}

// PutCapability inserts or replaces the capability stored under (scope, id).
func PutCapability(ctx context.Context, db *sql.DB, c *capability.Capability) error {
	table, err := tableFor(c.Scope)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, handle, last_accessed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			handle = excluded.handle,
			last_accessed = excluded.last_accessed
	`, table)

	if _, err := db.ExecContext(ctx, query, c.ID, c.Name, []byte(c.Handle), c.LastAccessed); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// GetCapability retrieves a capability by scope and id.
func GetCapability(ctx context.Context, db *sql.DB, scope capability.Scope, id string) (*capability.Capability, error) {
	table, err := tableFor(scope)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, name, handle, last_accessed FROM %s WHERE id = ?`, table)

	c, err := scanCapability(db.QueryRowContext(ctx, query, id), scope)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return c, nil
}

// ListCapabilities returns every capability in a scope, most recently accessed first.
func ListCapabilities(ctx context.Context, db *sql.DB, scope capability.Scope) ([]capability.Capability, error) {
	table, err := tableFor(scope)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, name, handle, last_accessed FROM %s
		ORDER BY last_accessed DESC, id ASC
	`, table)

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	caps := make([]capability.Capability, 0)
	for rows.Next() {
		c, err := scanCapability(rows, scope)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		caps = append(caps, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return caps, nil
}

// DeleteCapability removes a capability. Returns false if nothing was stored under id.
func DeleteCapability(ctx context.Context, db *sql.DB, scope capability.Scope, id string) (bool, error) {
	table, err := tableFor(scope)
	if err != nil {
		return false, err
	}

	result, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id)
	if err != nil {
		return false, errors.NewInternal(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return rowsAffected > 0, nil
}

// ClearCapabilities empties both handle tables in one transaction.
func ClearCapabilities(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, scope := range capability.Scopes {
		table, err := tableFor(scope)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			return errors.NewInternal(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// TouchCapability refreshes last_accessed.
func TouchCapability(ctx context.Context, db *sql.DB, scope capability.Scope, id string, at int64) error {
	table, err := tableFor(scope)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET last_accessed = ? WHERE id = ?`, table), at, id)
	if err != nil {
		return errors.NewInternal(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if rowsAffected == 0 {
		return errors.NewNotFound(id)
	}
	return nil
}

// GetMeta returns the value stored under key, or "" with ok=false when absent.
func GetMeta(ctx context.Context, db *sql.DB, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM session_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.NewInternal(err)
	}
	return value, true, nil
}

// SetMeta stores a scalar under key.
func SetMeta(ctx context.Context, db *sql.DB, key, value string) error {
	query := `
		INSERT INTO session_meta (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := db.ExecContext(ctx, query, key, value, time.Now().UnixMilli()); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// DeleteMeta removes key. Missing keys are not an error.
func DeleteMeta(ctx context.Context, db *sql.DB, key string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM session_meta WHERE key = ?`, key); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCapability(row rowScanner, scope capability.Scope) (*capability.Capability, error) {
	var (
		c      capability.Capability
		handle []byte
	)
	if err := row.Scan(&c.ID, &c.Name, &handle, &c.LastAccessed); err != nil {
		return nil, err
	}
	c.Scope = scope
	c.Handle = handle
	return &c, nil
}
