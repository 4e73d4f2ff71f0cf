// Package journal сохраняет диагностические сообщения планировщика в SQLite.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"loopsched/internal/diag"
	"loopsched/internal/platform/sqlite"
	"loopsched/internal/shared"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrPathRequired возвращается для пустого или in-memory пути.
var ErrPathRequired = shared.MarkKind(errors.New("journal: file path required"), shared.KindValidation)

// Journal - writer диагностических сообщений поверх SQLite.
type Journal struct {
	db *sql.DB
}

var _ diag.Writer = (*Journal)(nil)

// Open применяет миграции и открывает журнал.
func Open(ctx context.Context, path string) (*Journal, error) {
	// миграции выполняются через отдельное соединение, in-memory база его не переживёт
	if path == "" || path == sqlite.MemoryPath {
		return nil, ErrPathRequired
	}

	db, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, shared.MarkKind(fmt.Errorf("journal: %w", err), shared.KindDependencyFailure)
	}
	if err := sqlite.ApplyMigrations(path, migrations, "migrations"); err != nil {
		_ = db.Close()
		return nil, shared.MarkKind(fmt.Errorf("journal: %w", err), shared.KindDependencyFailure)
	}

	return &Journal{db: db}, nil
}

// WriteEntry сохраняет сообщение.
func (j *Journal) WriteEntry(ctx context.Context, e diag.Entry) error {
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO reports (reported_at, message, is_error) VALUES (?, ?, ?)",
		e.Time.UnixMilli(), e.Message, e.IsError,
	)
	if err != nil {
		return fmt.Errorf("journal: insert report: %w", err)
	}
	return nil
}

// Recent возвращает до limit последних сообщений, новые первыми.
func (j *Journal) Recent(ctx context.Context, limit int) ([]diag.Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := j.db.QueryContext(ctx,
		"SELECT reported_at, message, is_error FROM reports ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query reports: %w", err)
	}
	defer rows.Close()

	var out []diag.Entry
	for rows.Next() {
		var (
			ms int64
			e  diag.Entry
		)
		if err := rows.Scan(&ms, &e.Message, &e.IsError); err != nil {
			return nil, fmt.Errorf("journal: scan report: %w", err)
		}
		e.Time = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate reports: %w", err)
	}
	return out, nil
}

// Prune удаляет сообщения старше before и возвращает их число.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM reports WHERE reported_at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("journal: prune reports: %w", err)
	}
	return res.RowsAffected()
}

// Close закрывает базу.
func (j *Journal) Close() error {
	return j.db.Close()
}
