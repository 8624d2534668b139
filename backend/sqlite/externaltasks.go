package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowstate-io/flowstate/backend"
	"github.com/flowstate-io/flowstate/backend/payload"
	"github.com/flowstate-io/flowstate/core"
)

func (sb *sqliteBackend) CreateExternalTask(
	ctx context.Context,
	topic, correlationID, processModelID, processInstanceID, flowNodeInstanceID string,
	owner core.Identity,
	p payload.Payload,
) (string, error) {
	taskID := uuid.NewString()
	now := sb.options.Clock.Now().UTC()

	ownerJSON, err := marshalIdentity(owner)
	if err != nil {
		return "", err
	}

	_, err = sb.db.ExecContext(
		ctx,
		`INSERT INTO external_tasks
			(id, topic, correlation_id, process_model_id, process_instance_id, flow_node_instance_id, owner, payload, state, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID,
		topic,
		correlationID,
		processModelID,
		processInstanceID,
		flowNodeInstanceID,
		ownerJSON,
		[]byte(p),
		string(backend.ExternalTaskStatePending),
		now,
	)
	if err != nil {
		return "", fmt.Errorf("inserting external task: %w", err)
	}

	return taskID, nil
}

const externalTaskColumns = `id, topic, correlation_id, process_model_id, process_instance_id, flow_node_instance_id,
	owner, payload, state, worker_id, lock_expiration_time, result, error, created_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExternalTask(row rowScanner) (*backend.ExternalTask, error) {
	var t backend.ExternalTask

	var ownerJSON string
	var p, result []byte
	var state string
	var workerID, errJSON sql.NullString
	var lockExpiration, finishedAt sql.NullTime

	if err := row.Scan(
		&t.ID,
		&t.Topic,
		&t.CorrelationID,
		&t.ProcessModelID,
		&t.ProcessInstanceID,
		&t.FlowNodeInstanceID,
		&ownerJSON,
		&p,
		&state,
		&workerID,
		&lockExpiration,
		&result,
		&errJSON,
		&t.CreatedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	owner, err := unmarshalIdentity(ownerJSON)
	if err != nil {
		return nil, err
	}

	t.Owner = owner
	t.Payload = payload.Payload(p)
	t.State = backend.ExternalTaskState(state)
	t.Result = payload.Payload(result)

	if workerID.Valid {
		t.WorkerID = workerID.String
	}

	if lockExpiration.Valid {
		lt := lockExpiration.Time.UTC()
		t.LockExpirationTime = &lt
	}

	if errJSON.Valid {
		taskErr, err := unmarshalError(&errJSON.String)
		if err != nil {
			return nil, err
		}
		t.Error = taskErr
	}

	t.CreatedAt = t.CreatedAt.UTC()

	if finishedAt.Valid {
		ft := finishedAt.Time.UTC()
		t.FinishedAt = &ft
	}

	return &t, nil
}

func (sb *sqliteBackend) GetExternalTask(ctx context.Context, taskID string) (*backend.ExternalTask, error) {
	row := sb.db.QueryRowContext(
		ctx,
		`SELECT `+externalTaskColumns+` FROM external_tasks WHERE id = ?`,
		taskID,
	)

	t, err := scanExternalTask(row)
	if err == sql.ErrNoRows {
		return nil, backend.ErrTaskNotFound
	} else if err != nil {
		return nil, fmt.Errorf("getting external task: %w", err)
	}

	return t, nil
}

func (sb *sqliteBackend) GetExternalTaskByInstance(
	ctx context.Context, correlationID, processInstanceID, flowNodeInstanceID string,
) (*backend.ExternalTask, error) {
	row := sb.db.QueryRowContext(
		ctx,
		`SELECT `+externalTaskColumns+` FROM external_tasks
			WHERE correlation_id = ? AND process_instance_id = ? AND flow_node_instance_id = ?
			ORDER BY created_at DESC, id LIMIT 1`,
		correlationID,
		processInstanceID,
		flowNodeInstanceID,
	)

	t, err := scanExternalTask(row)
	if err == sql.ErrNoRows {
		return nil, backend.ErrTaskNotFound
	} else if err != nil {
		return nil, fmt.Errorf("getting external task by instance: %w", err)
	}

	return t, nil
}

func (sb *sqliteBackend) FetchAvailableExternalTasks(ctx context.Context, topic string, max int) ([]*backend.ExternalTask, error) {
	now := sb.options.Clock.Now().UTC()

	if max <= 0 {
		// SQLite treats a negative LIMIT as unbounded.
		max = -1
	}

	rows, err := sb.db.QueryContext(
		ctx,
		`SELECT `+externalTaskColumns+` FROM external_tasks
			WHERE topic = ? AND state = ? AND (lock_expiration_time IS NULL OR lock_expiration_time < ?)
			ORDER BY created_at, id LIMIT ?`,
		topic,
		string(backend.ExternalTaskStatePending),
		now,
		max,
	)
	if err != nil {
		return nil, fmt.Errorf("fetching external tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*backend.ExternalTask
	for rows.Next() {
		t, err := scanExternalTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning external task: %w", err)
		}

		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return tasks, nil
}

func (sb *sqliteBackend) LockExternalTask(ctx context.Context, workerID, taskID string, until time.Time) error {
	now := sb.options.Clock.Now().UTC()

	res, err := sb.db.ExecContext(
		ctx,
		`UPDATE external_tasks SET worker_id = ?, lock_expiration_time = ?
			WHERE id = ? AND state = ? AND (lock_expiration_time IS NULL OR lock_expiration_time < ?)`,
		workerID,
		until.UTC(),
		taskID,
		string(backend.ExternalTaskStatePending),
		now,
	)
	if err != nil {
		return fmt.Errorf("locking external task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return sb.externalTaskClaimError(ctx, taskID)
	}

	return nil
}

func (sb *sqliteBackend) ExtendExternalTaskLock(ctx context.Context, workerID, taskID string, until time.Time) error {
	res, err := sb.db.ExecContext(
		ctx,
		`UPDATE external_tasks SET lock_expiration_time = ?
			WHERE id = ? AND worker_id = ? AND state = ?`,
		until.UTC(),
		taskID,
		workerID,
		string(backend.ExternalTaskStatePending),
	)
	if err != nil {
		return fmt.Errorf("extending external task lock: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return sb.externalTaskClaimError(ctx, taskID)
	}

	return nil
}

// externalTaskClaimError turns a zero-row conditional update into the
// sentinel the caller can act on.
func (sb *sqliteBackend) externalTaskClaimError(ctx context.Context, taskID string) error {
	var one int
	err := sb.db.QueryRowContext(ctx, `SELECT 1 FROM external_tasks WHERE id = ?`, taskID).Scan(&one)
	if err == sql.ErrNoRows {
		return backend.ErrTaskNotFound
	} else if err != nil {
		return err
	}

	return backend.ErrTaskNotClaimable
}

func (sb *sqliteBackend) FinishExternalTaskSuccess(ctx context.Context, taskID string, result payload.Payload) error {
	return sb.finishExternalTask(ctx, taskID, result, nil)
}

func (sb *sqliteBackend) FinishExternalTaskError(ctx context.Context, taskID string, taskErr *backend.Error) error {
	return sb.finishExternalTask(ctx, taskID, nil, taskErr)
}

func (sb *sqliteBackend) finishExternalTask(ctx context.Context, taskID string, result payload.Payload, taskErr *backend.Error) error {
	now := sb.options.Clock.Now().UTC()

	errJSON, err := marshalError(taskErr)
	if err != nil {
		return err
	}

	res, err := sb.db.ExecContext(
		ctx,
		`UPDATE external_tasks SET state = ?, result = ?, error = ?, finished_at = ?
			WHERE id = ? AND state = ?`,
		string(backend.ExternalTaskStateFinished),
		[]byte(result),
		errJSON,
		now,
		taskID,
		string(backend.ExternalTaskStatePending),
	)
	if err != nil {
		return fmt.Errorf("finishing external task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		var one int
		err := sb.db.QueryRowContext(ctx, `SELECT 1 FROM external_tasks WHERE id = ?`, taskID).Scan(&one)
		if err == sql.ErrNoRows {
			return backend.ErrTaskNotFound
		} else if err != nil {
			return err
		}

		return backend.ErrTaskAlreadyFinished
	}

	return nil
}

func (sb *sqliteBackend) DeleteExternalTasksByProcessModel(ctx context.Context, processModelID string) error {
	if _, err := sb.db.ExecContext(
		ctx,
		`DELETE FROM external_tasks WHERE process_model_id = ?`,
		processModelID,
	); err != nil {
		return fmt.Errorf("deleting external tasks: %w", err)
	}

	return nil
}
