package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/flowstate-io/flowstate/backend"
	"github.com/flowstate-io/flowstate/core"
)

const processInstanceColumns = `correlation_id, process_instance_id, process_model_id, process_model_hash,
	parent_process_instance_id, owner, state, error, terminated_by, created_at, finished_at`

func scanProcessInstance(row rowScanner) (*backend.ProcessInstance, error) {
	var pi backend.ProcessInstance

	var ownerJSON, state string
	var parentProcessInstanceID, errJSON, terminatedByJSON sql.NullString
	var finishedAt sql.NullTime

	if err := row.Scan(
		&pi.CorrelationID,
		&pi.ProcessInstanceID,
		&pi.ProcessModelID,
		&pi.ProcessModelHash,
		&parentProcessInstanceID,
		&ownerJSON,
		&state,
		&errJSON,
		&terminatedByJSON,
		&pi.CreatedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	owner, err := unmarshalIdentity(ownerJSON)
	if err != nil {
		return nil, err
	}

	pi.Owner = owner
	pi.State = backend.ProcessInstanceState(state)
	pi.CreatedAt = pi.CreatedAt.UTC()

	if parentProcessInstanceID.Valid {
		pi.ParentProcessInstanceID = parentProcessInstanceID.String
	}

	if errJSON.Valid {
		instanceErr, err := unmarshalError(&errJSON.String)
		if err != nil {
			return nil, err
		}
		pi.Error = instanceErr
	}

	if terminatedByJSON.Valid {
		terminatedBy, err := unmarshalIdentityPtr(&terminatedByJSON.String)
		if err != nil {
			return nil, err
		}
		pi.TerminatedBy = terminatedBy
	}

	if finishedAt.Valid {
		ft := finishedAt.Time.UTC()
		pi.FinishedAt = &ft
	}

	return &pi, nil
}

func (sb *sqliteBackend) CreateProcessInstance(ctx context.Context, instance *backend.ProcessInstance) error {
	now := sb.options.Clock.Now().UTC()

	ownerJSON, err := marshalIdentity(instance.Owner)
	if err != nil {
		return err
	}

	res, err := sb.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO process_instances
			(correlation_id, process_instance_id, process_model_id, process_model_hash, parent_process_instance_id, owner, state, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.CorrelationID,
		instance.ProcessInstanceID,
		instance.ProcessModelID,
		instance.ProcessModelHash,
		nullString(instance.ParentProcessInstanceID),
		ownerJSON,
		string(backend.ProcessInstanceStateRunning),
		now,
	)
	if err != nil {
		return fmt.Errorf("inserting process instance: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return backend.ErrProcessInstanceAlreadyExists
	}

	return nil
}

func (sb *sqliteBackend) GetProcessInstance(ctx context.Context, processInstanceID string) (*backend.ProcessInstance, error) {
	row := sb.db.QueryRowContext(
		ctx,
		`SELECT `+processInstanceColumns+` FROM process_instances WHERE process_instance_id = ?`,
		processInstanceID,
	)

	pi, err := scanProcessInstance(row)
	if err == sql.ErrNoRows {
		return nil, backend.ErrProcessInstanceNotFound
	} else if err != nil {
		return nil, fmt.Errorf("getting process instance: %w", err)
	}

	return pi, nil
}

func (sb *sqliteBackend) QueryProcessInstances(
	ctx context.Context, filter backend.ProcessInstanceFilter, offset, limit int,
) ([]*backend.ProcessInstance, error) {
	var conds []string
	var args []any

	if filter.CorrelationID != "" {
		conds = append(conds, "correlation_id = ?")
		args = append(args, filter.CorrelationID)
	}
	if filter.ProcessModelID != "" {
		conds = append(conds, "process_model_id = ?")
		args = append(args, filter.ProcessModelID)
	}
	if filter.ParentProcessInstanceID != "" {
		conds = append(conds, "parent_process_instance_id = ?")
		args = append(args, filter.ParentProcessInstanceID)
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, s := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		conds = append(conds, "state IN ("+strings.Join(placeholders, ", ")+")")
	}

	stmt := `SELECT ` + processInstanceColumns + ` FROM process_instances`
	if len(conds) > 0 {
		stmt += ` WHERE ` + strings.Join(conds, " AND ")
	}
	stmt += ` ORDER BY created_at, id LIMIT ? OFFSET ?`
	args = append(args, sqlLimit(limit), offset)

	rows, err := sb.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying process instances: %w", err)
	}
	defer rows.Close()

	var instances []*backend.ProcessInstance
	for rows.Next() {
		pi, err := scanProcessInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning process instance: %w", err)
		}

		instances = append(instances, pi)
	}

	return instances, rows.Err()
}

func (sb *sqliteBackend) FinishProcessInstance(ctx context.Context, correlationID, processInstanceID string) error {
	return sb.finishProcessInstance(ctx, correlationID, processInstanceID, backend.ProcessInstanceStateFinished, nil, nil)
}

func (sb *sqliteBackend) FinishProcessInstanceWithError(
	ctx context.Context, correlationID, processInstanceID string, instanceErr *backend.Error,
) error {
	return sb.finishProcessInstance(ctx, correlationID, processInstanceID, backend.ProcessInstanceStateError, instanceErr, nil)
}

func (sb *sqliteBackend) TerminateProcessInstance(
	ctx context.Context, correlationID, processInstanceID string, terminatedBy core.Identity,
) error {
	return sb.finishProcessInstance(ctx, correlationID, processInstanceID, backend.ProcessInstanceStateFinished, nil, &terminatedBy)
}

func (sb *sqliteBackend) finishProcessInstance(
	ctx context.Context,
	correlationID, processInstanceID string,
	state backend.ProcessInstanceState,
	instanceErr *backend.Error,
	terminatedBy *core.Identity,
) error {
	now := sb.options.Clock.Now().UTC()

	errJSON, err := marshalError(instanceErr)
	if err != nil {
		return err
	}

	terminatedByJSON, err := marshalIdentityPtr(terminatedBy)
	if err != nil {
		return err
	}

	res, err := sb.db.ExecContext(
		ctx,
		`UPDATE process_instances SET state = ?, error = ?, terminated_by = ?, finished_at = ?
			WHERE correlation_id = ? AND process_instance_id = ? AND state = ?`,
		string(state),
		errJSON,
		terminatedByJSON,
		now,
		correlationID,
		processInstanceID,
		string(backend.ProcessInstanceStateRunning),
	)
	if err != nil {
		return fmt.Errorf("finishing process instance: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return backend.ErrProcessInstanceNotFound
	}

	return nil
}

func (sb *sqliteBackend) DeleteProcessInstancesByProcessModel(ctx context.Context, processModelID string) error {
	if _, err := sb.db.ExecContext(
		ctx,
		`DELETE FROM process_instances WHERE process_model_id = ?`,
		processModelID,
	); err != nil {
		return fmt.Errorf("deleting process instances: %w", err)
	}

	return nil
}
