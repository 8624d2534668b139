package mysql

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowstate-io/flowstate/backend"
)

func (mb *mysqlBackend) CreateCronjobEntry(ctx context.Context, entry *backend.Cronjob) error {
	executedAt := entry.ExecutedAt
	if executedAt.IsZero() {
		executedAt = mb.options.Clock.Now()
	}

	if _, err := mb.db.ExecContext(
		ctx,
		`INSERT INTO cronjob_history (process_model_id, start_event_id, crontab, executed_at) VALUES (?, ?, ?, ?)`,
		entry.ProcessModelID,
		entry.StartEventID,
		entry.Crontab,
		executedAt.UTC(),
	); err != nil {
		return fmt.Errorf("inserting cronjob entry: %w", err)
	}

	return nil
}

func (mb *mysqlBackend) QueryCronjobEntries(
	ctx context.Context, filter backend.CronjobFilter, offset, limit int,
) ([]*backend.Cronjob, error) {
	var conds []string
	var args []any

	if filter.ProcessModelID != "" {
		conds = append(conds, "process_model_id = ?")
		args = append(args, filter.ProcessModelID)
	}
	if filter.StartEventID != "" {
		conds = append(conds, "start_event_id = ?")
		args = append(args, filter.StartEventID)
	}
	if filter.Crontab != "" {
		conds = append(conds, "crontab = ?")
		args = append(args, filter.Crontab)
	}

	stmt := `SELECT process_model_id, start_event_id, crontab, executed_at FROM cronjob_history`
	if len(conds) > 0 {
		stmt += ` WHERE ` + strings.Join(conds, " AND ")
	}
	stmt += ` ORDER BY executed_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, sqlLimit(limit), offset)

	rows, err := mb.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying cronjob entries: %w", err)
	}
	defer rows.Close()

	var entries []*backend.Cronjob
	for rows.Next() {
		var entry backend.Cronjob
		if err := rows.Scan(&entry.ProcessModelID, &entry.StartEventID, &entry.Crontab, &entry.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scanning cronjob entry: %w", err)
		}

		entry.ExecutedAt = entry.ExecutedAt.UTC()
		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
