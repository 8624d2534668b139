package mysql

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

func (mb *mysqlBackend) CreateExternalTask(
	ctx context.Context,
	topic, correlationID, processModelID, processInstanceID, flowNodeInstanceID string,
	owner core.Identity,
	p payload.Payload,
) (string, error) {
	taskID := uuid.NewString()
	now := mb.options.Clock.Now().UTC()

	ownerJSON, err := marshalIdentity(owner)
	if err != nil {
		return "", err
	}

	_, err = mb.db.ExecContext(
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
	t.CreatedAt = t.CreatedAt.UTC()

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

	if finishedAt.Valid {
		ft := finishedAt.Time.UTC()
		t.FinishedAt = &ft
	}

	return &t, nil
}

func (mb *mysqlBackend) GetExternalTask(ctx context.Context, taskID string) (*backend.ExternalTask, error) {
	row := mb.db.QueryRowContext(
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

func (mb *mysqlBackend) GetExternalTaskByInstance(
	ctx context.Context, correlationID, processInstanceID, flowNodeInstanceID string,
) (*backend.ExternalTask, error) {
	row := mb.db.QueryRowContext(
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

func (mb *mysqlBackend) FetchAvailableExternalTasks(ctx context.Context, topic string, max int) ([]*backend.ExternalTask, error) {
	now := mb.options.Clock.Now().UTC()

	rows, err := mb.db.QueryContext(
		ctx,
		`SELECT `+externalTaskColumns+` FROM external_tasks
			WHERE topic = ? AND state = ? AND (lock_expiration_time IS NULL OR lock_expiration_time < ?)
			ORDER BY created_at, id LIMIT ?`,
		topic,
		string(backend.ExternalTaskStatePending),
		now,
		sqlLimit(max),
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

	return tasks, rows.Err()
}

func (mb *mysqlBackend) LockExternalTask(ctx context.Context, workerID, taskID string, until time.Time) error {
	now := mb.options.Clock.Now().UTC()

	tx, err := mb.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	// Serialize competing claims on the row.
	row := tx.QueryRowContext(
		ctx,
		`SELECT `+externalTaskColumns+` FROM external_tasks WHERE id = ? FOR UPDATE`,
		taskID,
	)

	t, err := scanExternalTask(row)
	if err == sql.ErrNoRows {
		return backend.ErrTaskNotFound
	} else if err != nil {
		return fmt.Errorf("locking external task: %w", err)
	}

	if !t.Claimable(now) {
		return backend.ErrTaskNotClaimable
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE external_tasks SET worker_id = ?, lock_expiration_time = ? WHERE id = ?`,
		workerID,
		until.UTC(),
		taskID,
	); err != nil {
		return fmt.Errorf("locking external task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing claim: %w", err)
	}

	return nil
}

func (mb *mysqlBackend) ExtendExternalTaskLock(ctx context.Context, workerID, taskID string, until time.Time) error {
	res, err := mb.db.ExecContext(
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
		var one int
		err := mb.db.QueryRowContext(ctx, `SELECT 1 FROM external_tasks WHERE id = ?`, taskID).Scan(&one)
		if err == sql.ErrNoRows {
			return backend.ErrTaskNotFound
		} else if err != nil {
			return err
		}

		return backend.ErrTaskNotClaimable
	}

	return nil
}

func (mb *mysqlBackend) FinishExternalTaskSuccess(ctx context.Context, taskID string, result payload.Payload) error {
	return mb.finishExternalTask(ctx, taskID, result, nil)
}

func (mb *mysqlBackend) FinishExternalTaskError(ctx context.Context, taskID string, taskErr *backend.Error) error {
	return mb.finishExternalTask(ctx, taskID, nil, taskErr)
}

func (mb *mysqlBackend) finishExternalTask(ctx context.Context, taskID string, result payload.Payload, taskErr *backend.Error) error {
	now := mb.options.Clock.Now().UTC()

	errJSON, err := marshalError(taskErr)
	if err != nil {
		return err
	}

	res, err := mb.db.ExecContext(
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
		err := mb.db.QueryRowContext(ctx, `SELECT 1 FROM external_tasks WHERE id = ?`, taskID).Scan(&one)
		if err == sql.ErrNoRows {
			return backend.ErrTaskNotFound
		} else if err != nil {
			return err
		}

		return backend.ErrTaskAlreadyFinished
	}

	return nil
}

func (mb *mysqlBackend) DeleteExternalTasksByProcessModel(ctx context.Context, processModelID string) error {
	if _, err := mb.db.ExecContext(
		ctx,
		`DELETE FROM external_tasks WHERE process_model_id = ?`,
		processModelID,
	); err != nil {
		return fmt.Errorf("deleting external tasks: %w", err)
	}

	return nil
}
