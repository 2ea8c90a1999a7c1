package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"time"
)

//go:embed scripts/initdb.sql
var bootstrapFS embed.FS

const (
	schemaVersion = 1

	// Arbitrary key shared by every somnia process bootstrapping the same database.
	bootstrapLockKey = 0x50_4D_4E_41
)

// EnsureBootstrapped applies the embedded schema unless somnia_meta already
// records schemaVersion. Vector columns are sized to embedDim.
//
// Several workers may start against a fresh database at once, so the check
// and the script run under a transaction-scoped advisory lock.
func EnsureBootstrapped(ctx context.Context, db *sql.DB, embedDim int) error {
	script, err := renderBootstrap(embedDim)
	if err != nil {
		return err
	}

	bootCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	tx, err := db.BeginTx(bootCtx, nil)
	if err != nil {
		return fmt.Errorf("begin bootstrap: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(bootCtx, `SELECT pg_advisory_xact_lock($1)`, bootstrapLockKey); err != nil {
		return fmt.Errorf("bootstrap lock: %w", err)
	}

	current, err := installedVersion(bootCtx, tx)
	if err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	if _, err := tx.ExecContext(bootCtx, script); err != nil {
		return fmt.Errorf("exec bootstrap (schema v%d -> v%d): %w", current, schemaVersion, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}

// installedVersion returns 0 when the meta table does not exist yet.
func installedVersion(ctx context.Context, tx *sql.Tx) (int, error) {
	var table sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT to_regclass('somnia_meta')::text`).Scan(&table); err != nil {
		return 0, fmt.Errorf("meta table check: %w", err)
	}
	if !table.Valid {
		return 0, nil
	}

	var version sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT max(version) FROM somnia_meta`).Scan(&version); err != nil {
		return 0, fmt.Errorf("meta version check: %w", err)
	}
	return int(version.Int64), nil
}

func renderBootstrap(embedDim int) (string, error) {
	if embedDim <= 0 {
		return "", fmt.Errorf("embedding dimension must be positive, got %d", embedDim)
	}
	raw, err := bootstrapFS.ReadFile("scripts/initdb.sql")
	if err != nil {
		return "", fmt.Errorf("read initdb.sql: %w", err)
	}
	return strings.ReplaceAll(string(raw), "{{EMBED_DIM}}", strconv.Itoa(embedDim)), nil
}
