package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/flowstate-io/flowstate/backend"
	"github.com/flowstate-io/flowstate/backend/payload"
)

const flowNodeInstanceColumns = `flow_node_instance_id, flow_node_id, flow_node_name, flow_node_lane, flow_node_type,
	event_type, correlation_id, process_model_id, process_instance_id, parent_process_instance_id,
	owner, state, error, previous_flow_node_instance_id, created_at`

func scanFlowNodeInstance(row rowScanner) (*backend.FlowNodeInstance, error) {
	var fi backend.FlowNodeInstance

	var ownerJSON, state string
	var parentProcessInstanceID, errJSON, previousInstanceID sql.NullString

	if err := row.Scan(
		&fi.ID,
		&fi.FlowNodeID,
		&fi.FlowNodeName,
		&fi.FlowNodeLane,
		&fi.FlowNodeType,
		&fi.EventType,
		&fi.CorrelationID,
		&fi.ProcessModelID,
		&fi.ProcessInstanceID,
		&parentProcessInstanceID,
		&ownerJSON,
		&state,
		&errJSON,
		&previousInstanceID,
		&fi.CreatedAt,
	); err != nil {
		return nil, err
	}

	owner, err := unmarshalIdentity(ownerJSON)
	if err != nil {
		return nil, err
	}

	fi.Owner = owner
	fi.State = backend.FlowNodeInstanceState(state)
	fi.CreatedAt = fi.CreatedAt.UTC()

	if parentProcessInstanceID.Valid {
		fi.ParentProcessInstanceID = parentProcessInstanceID.String
	}

	if previousInstanceID.Valid {
		fi.PreviousFlowNodeInstanceID = previousInstanceID.String
	}

	if errJSON.Valid {
		instanceErr, err := unmarshalError(&errJSON.String)
		if err != nil {
			return nil, err
		}
		fi.Error = instanceErr
	}

	return &fi, nil
}

func (sb *sqliteBackend) PersistOnEnter(
	ctx context.Context, instance *backend.FlowNodeInstance, token payload.Payload,
) (*backend.FlowNodeInstance, error) {
	now := sb.options.Clock.Now().UTC()

	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(
		ctx,
		`SELECT 1 FROM flow_node_instances WHERE flow_node_instance_id = ?`,
		instance.ID,
	).Scan(&one)

	switch {
	case err == sql.ErrNoRows:
		ownerJSON, err := marshalIdentity(instance.Owner)
		if err != nil {
			return nil, err
		}

		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO flow_node_instances
				(flow_node_instance_id, flow_node_id, flow_node_name, flow_node_lane, flow_node_type,
				event_type, correlation_id, process_model_id, process_instance_id, parent_process_instance_id,
				owner, state, previous_flow_node_instance_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			instance.ID,
			instance.FlowNodeID,
			instance.FlowNodeName,
			instance.FlowNodeLane,
			instance.FlowNodeType,
			instance.EventType,
			instance.CorrelationID,
			instance.ProcessModelID,
			instance.ProcessInstanceID,
			nullString(instance.ParentProcessInstanceID),
			ownerJSON,
			string(backend.FlowNodeInstanceStateRunning),
			nullString(instance.PreviousFlowNodeInstanceID),
			now,
		); err != nil {
			return nil, fmt.Errorf("inserting flow node instance: %w", err)
		}

		if err := insertToken(ctx, tx, instance.ID, backend.ProcessTokenTypeOnEnter, token, now); err != nil {
			return nil, err
		}

	case err != nil:
		return nil, fmt.Errorf("checking flow node instance: %w", err)

	default:
		// A join gateway entered from a second branch. Only the predecessor
		// reference changes, no additional token is recorded.
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE flow_node_instances SET previous_flow_node_instance_id = ? WHERE flow_node_instance_id = ?`,
			nullString(instance.PreviousFlowNodeInstanceID),
			instance.ID,
		); err != nil {
			return nil, fmt.Errorf("updating flow node instance predecessor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing flow node instance: %w", err)
	}

	return sb.GetFlowNodeInstance(ctx, instance.ID)
}

func (sb *sqliteBackend) PersistOnExit(ctx context.Context, instanceID string, token payload.Payload) (*backend.FlowNodeInstance, error) {
	return sb.persistStateChange(
		ctx, instanceID,
		backend.FlowNodeInstanceStateFinished, nil,
		backend.ProcessTokenTypeOnExit, token,
		backend.ActiveStates,
	)
}

func (sb *sqliteBackend) PersistOnError(
	ctx context.Context, instanceID string, token payload.Payload, instanceErr *backend.Error,
) (*backend.FlowNodeInstance, error) {
	return sb.persistStateChange(
		ctx, instanceID,
		backend.FlowNodeInstanceStateError, instanceErr,
		backend.ProcessTokenTypeOnExit, token,
		backend.ActiveStates,
	)
}

func (sb *sqliteBackend) PersistOnTerminate(ctx context.Context, instanceID string, token payload.Payload) (*backend.FlowNodeInstance, error) {
	return sb.persistStateChange(
		ctx, instanceID,
		backend.FlowNodeInstanceStateTerminated, nil,
		backend.ProcessTokenTypeOnExit, token,
		backend.ActiveStates,
	)
}

func (sb *sqliteBackend) SuspendFlowNodeInstance(ctx context.Context, instanceID string, token payload.Payload) (*backend.FlowNodeInstance, error) {
	return sb.persistStateChange(
		ctx, instanceID,
		backend.FlowNodeInstanceStateSuspended, nil,
		backend.ProcessTokenTypeOnSuspend, token,
		[]backend.FlowNodeInstanceState{backend.FlowNodeInstanceStateRunning},
	)
}

func (sb *sqliteBackend) ResumeFlowNodeInstance(ctx context.Context, instanceID string, token payload.Payload) (*backend.FlowNodeInstance, error) {
	return sb.persistStateChange(
		ctx, instanceID,
		backend.FlowNodeInstanceStateRunning, nil,
		backend.ProcessTokenTypeOnResume, token,
		[]backend.FlowNodeInstanceState{backend.FlowNodeInstanceStateSuspended},
	)
}

// persistStateChange commits the state update and the token append as one
// transaction. The update is gated on the states the transition may leave
// from, a zero-row update means the instance is missing or not in one of
// them.
func (sb *sqliteBackend) persistStateChange(
	ctx context.Context,
	instanceID string,
	newState backend.FlowNodeInstanceState,
	instanceErr *backend.Error,
	tokenType backend.ProcessTokenType,
	token payload.Payload,
	from []backend.FlowNodeInstanceState,
) (*backend.FlowNodeInstance, error) {
	now := sb.options.Clock.Now().UTC()

	errJSON, err := marshalError(instanceErr)
	if err != nil {
		return nil, err
	}

	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := make([]string, len(from))
	args := []any{string(newState)}
	if instanceErr != nil {
		args = append(args, errJSON)
	}
	args = append(args, instanceID)
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, string(s))
	}

	stmt := `UPDATE flow_node_instances SET state = ?`
	if instanceErr != nil {
		stmt += `, error = ?`
	}
	stmt += ` WHERE flow_node_instance_id = ? AND state IN (` + strings.Join(placeholders, ", ") + `)`

	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("updating flow node instance state: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rows == 0 {
		return nil, backend.ErrInstanceNotFound
	}

	if err := insertToken(ctx, tx, instanceID, tokenType, token, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing state change: %w", err)
	}

	return sb.GetFlowNodeInstance(ctx, instanceID)
}

func insertToken(
	ctx context.Context, tx *sql.Tx, instanceID string, tokenType backend.ProcessTokenType, p payload.Payload, now time.Time,
) error {
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO process_tokens (flow_node_instance_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		instanceID,
		string(tokenType),
		[]byte(p),
		now,
	); err != nil {
		return fmt.Errorf("inserting process token: %w", err)
	}

	return nil
}

func (sb *sqliteBackend) GetFlowNodeInstance(ctx context.Context, instanceID string) (*backend.FlowNodeInstance, error) {
	row := sb.db.QueryRowContext(
		ctx,
		`SELECT `+flowNodeInstanceColumns+` FROM flow_node_instances WHERE flow_node_instance_id = ?`,
		instanceID,
	)

	fi, err := scanFlowNodeInstance(row)
	if err == sql.ErrNoRows {
		return nil, backend.ErrInstanceNotFound
	} else if err != nil {
		return nil, fmt.Errorf("getting flow node instance: %w", err)
	}

	if err := sb.loadTokens(ctx, []*backend.FlowNodeInstance{fi}); err != nil {
		return nil, err
	}

	return fi, nil
}

func (sb *sqliteBackend) QueryFlowNodeInstances(
	ctx context.Context, filter backend.FlowNodeInstanceFilter, offset, limit int,
) ([]*backend.FlowNodeInstance, error) {
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
	if filter.ProcessInstanceID != "" {
		conds = append(conds, "process_instance_id = ?")
		args = append(args, filter.ProcessInstanceID)
	}
	if filter.FlowNodeID != "" {
		conds = append(conds, "flow_node_id = ?")
		args = append(args, filter.FlowNodeID)
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, s := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		conds = append(conds, "state IN ("+strings.Join(placeholders, ", ")+")")
	}

	stmt := `SELECT ` + flowNodeInstanceColumns + ` FROM flow_node_instances`
	if len(conds) > 0 {
		stmt += ` WHERE ` + strings.Join(conds, " AND ")
	}
	stmt += ` ORDER BY created_at, id LIMIT ? OFFSET ?`
	args = append(args, sqlLimit(limit), offset)

	rows, err := sb.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying flow node instances: %w", err)
	}
	defer rows.Close()

	var instances []*backend.FlowNodeInstance
	for rows.Next() {
		fi, err := scanFlowNodeInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning flow node instance: %w", err)
		}

		instances = append(instances, fi)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := sb.loadTokens(ctx, instances); err != nil {
		return nil, err
	}

	return instances, nil
}

// loadTokens attaches the token history to each instance with a single
// batched query.
func (sb *sqliteBackend) loadTokens(ctx context.Context, instances []*backend.FlowNodeInstance) error {
	if len(instances) == 0 {
		return nil
	}

	byID := make(map[string]*backend.FlowNodeInstance, len(instances))
	placeholders := make([]string, len(instances))
	args := make([]any, len(instances))
	for i, fi := range instances {
		byID[fi.ID] = fi
		placeholders[i] = "?"
		args[i] = fi.ID
	}

	rows, err := sb.db.QueryContext(
		ctx,
		`SELECT flow_node_instance_id, type, payload, created_at FROM process_tokens
			WHERE flow_node_instance_id IN (`+strings.Join(placeholders, ", ")+`)
			ORDER BY created_at, id`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("querying process tokens: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		token, err := scanProcessToken(rows)
		if err != nil {
			return fmt.Errorf("scanning process token: %w", err)
		}

		fi := byID[token.FlowNodeInstanceID]
		if fi != nil {
			fi.Tokens = append(fi.Tokens, token)
		}
	}

	return rows.Err()
}

func scanProcessToken(row rowScanner) (*backend.ProcessToken, error) {
	var token backend.ProcessToken

	var tokenType string
	var p []byte

	if err := row.Scan(&token.FlowNodeInstanceID, &tokenType, &p, &token.CreatedAt); err != nil {
		return nil, err
	}

	token.Type = backend.ProcessTokenType(tokenType)
	token.Payload = payload.Payload(p)
	token.CreatedAt = token.CreatedAt.UTC()

	return &token, nil
}

func (sb *sqliteBackend) GetProcessTokens(ctx context.Context, processInstanceID string, offset, limit int) ([]*backend.ProcessToken, error) {
	rows, err := sb.db.QueryContext(
		ctx,
		`SELECT t.flow_node_instance_id, t.type, t.payload, t.created_at FROM process_tokens t
			JOIN flow_node_instances i ON i.flow_node_instance_id = t.flow_node_instance_id
			WHERE i.process_instance_id = ?
			ORDER BY t.created_at, t.id LIMIT ? OFFSET ?`,
		processInstanceID,
		sqlLimit(limit),
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying process tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*backend.ProcessToken
	for rows.Next() {
		token, err := scanProcessToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning process token: %w", err)
		}

		tokens = append(tokens, token)
	}

	return tokens, rows.Err()
}

func (sb *sqliteBackend) DeleteFlowNodeInstancesByProcessModel(ctx context.Context, processModelID string) error {
	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM process_tokens WHERE flow_node_instance_id IN
			(SELECT flow_node_instance_id FROM flow_node_instances WHERE process_model_id = ?)`,
		processModelID,
	); err != nil {
		return fmt.Errorf("deleting process tokens: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM flow_node_instances WHERE process_model_id = ?`,
		processModelID,
	); err != nil {
		return fmt.Errorf("deleting flow node instances: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}

// sqlLimit maps the unbounded marker to SQLite's negative LIMIT.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}

	return limit
}
