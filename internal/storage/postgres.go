package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/zyn1030z/SLA-service-sub000/pkg/models"
	"github.com/zyn1030z/SLA-service-sub000/pkg/storage"
)

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

var _ storage.Store = (*PostgresStore)(nil)

const (
	recordColumns = `record_key, record_name, model, workflow_id, step_code, step_id, start_time, status,
		violation_count, default_sla_hours, sla_hours, remaining_hours, next_due_at, last_evaluated_at,
		created_at, updated_at`
	workflowColumns = `id, name, model, notify_config, auto_approve_config, created_at, updated_at`
	stepColumns     = `id, workflow_id, code, name, sla_hours, max_violations, escalation_action,
		notify_config, auto_approve_config, created_at, updated_at`
	actionLogColumns = `id, sweep_id, record_key, workflow_id, step_code, step_id, action_kind,
		violation_count, success, status_code, message, created_at`
)

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveRecord inserts the record or replaces it, keeping created_at.
func (s *PostgresStore) SaveRecord(ctx context.Context, r models.TrackedRecord) error {
	if r.Key == "" {
		return fmt.Errorf("record key cannot be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_records (record_key, record_name, model, workflow_id, step_code, step_id, start_time,
			status, violation_count, default_sla_hours, sla_hours, remaining_hours, next_due_at, last_evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (record_key) DO UPDATE SET
			record_name = EXCLUDED.record_name,
			model = EXCLUDED.model,
			workflow_id = EXCLUDED.workflow_id,
			step_code = EXCLUDED.step_code,
			step_id = EXCLUDED.step_id,
			start_time = EXCLUDED.start_time,
			status = EXCLUDED.status,
			violation_count = EXCLUDED.violation_count,
			default_sla_hours = EXCLUDED.default_sla_hours,
			sla_hours = EXCLUDED.sla_hours,
			remaining_hours = EXCLUDED.remaining_hours,
			next_due_at = EXCLUDED.next_due_at,
			last_evaluated_at = EXCLUDED.last_evaluated_at,
			updated_at = CURRENT_TIMESTAMP`,
		r.Key, r.RecordName, r.Model, r.WorkflowID, r.StepCode, r.StepID, r.StartTime,
		r.Status, r.ViolationCount, r.DefaultSLAHours, r.SLAHours, r.RemainingHours, r.NextDueAt, r.LastEvaluatedAt)
	if err != nil {
		return fmt.Errorf("save record %s: %w", r.Key, err)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, key string) (models.TrackedRecord, error) {
	var r models.TrackedRecord
	err := s.db.GetContext(ctx, &r, "SELECT "+recordColumns+" FROM tracked_records WHERE record_key = $1", key)
	if err == sql.ErrNoRows {
		return models.TrackedRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return models.TrackedRecord{}, err
	}
	return r, nil
}

// LockRecord reads the record and holds its row lock until the transaction
// ends. A row locked by another transaction is reported as ErrLocked rather
// than waited for.
func (s *PostgresStore) LockRecord(ctx context.Context, key string) (models.TrackedRecord, error) {
	var r models.TrackedRecord
	err := s.db.GetContext(ctx, &r,
		"SELECT "+recordColumns+" FROM tracked_records WHERE record_key = $1 FOR UPDATE SKIP LOCKED", key)
	if err == nil {
		return r, nil
	}
	if err != sql.ErrNoRows {
		return models.TrackedRecord{}, err
	}
	exists, err := s.recordExists(ctx, key)
	if err != nil {
		return models.TrackedRecord{}, err
	}
	if exists {
		return models.TrackedRecord{}, storage.ErrLocked
	}
	return models.TrackedRecord{}, storage.ErrNotFound
}

func (s *PostgresStore) ListActiveRecords(ctx context.Context) ([]models.TrackedRecord, error) {
	records := []models.TrackedRecord{}
	err := s.db.SelectContext(ctx, &records,
		"SELECT "+recordColumns+" FROM tracked_records WHERE status <> $1 ORDER BY record_key",
		models.CompletedRecordStatus)
	if err != nil {
		return nil, fmt.Errorf("list active records: %w", err)
	}
	return records, nil
}

// UpdateRecordState writes the evaluated fields only if the stored violation
// count still equals expectedViolationCount and the record is not completed.
func (s *PostgresStore) UpdateRecordState(ctx context.Context, r models.TrackedRecord, expectedViolationCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tracked_records
		SET status = $1,
		violation_count = $2,
		sla_hours = $3,
		remaining_hours = $4,
		next_due_at = $5,
		last_evaluated_at = $6,
		updated_at = CURRENT_TIMESTAMP
		WHERE record_key = $7 AND violation_count = $8 AND status <> $9`,
		r.Status, r.ViolationCount, r.SLAHours, r.RemainingHours, r.NextDueAt, r.LastEvaluatedAt,
		r.Key, expectedViolationCount, models.CompletedRecordStatus)
	if err != nil {
		return fmt.Errorf("update record %s: %w", r.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	exists, err := s.recordExists(ctx, r.Key)
	if err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

func (s *PostgresStore) CompleteRecord(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tracked_records SET status = $1, next_due_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE record_key = $2`, models.CompletedRecordStatus, key)
	if err != nil {
		return fmt.Errorf("complete record %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[models.RecordStatus]int, error) {
	var rows []struct {
		Status models.RecordStatus `db:"status"`
		Count  int                 `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows, "SELECT status, COUNT(*) AS count FROM tracked_records GROUP BY status"); err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	counts := map[models.RecordStatus]int{}
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (s *PostgresStore) recordExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowxContext(ctx, "SELECT EXISTS(SELECT 1 FROM tracked_records WHERE record_key = $1)", key).Scan(&exists)
	return exists, err
}

// SaveWorkflow creates the workflow, or updates it when wf.ID is set.
func (s *PostgresStore) SaveWorkflow(ctx context.Context, wf models.WorkflowDefinition) (int64, error) {
	var id int64
	var err error
	if wf.ID == 0 {
		err = s.db.QueryRowxContext(ctx, `
			INSERT INTO workflows (name, model, notify_config, auto_approve_config)
			VALUES ($1, $2, $3, $4) RETURNING id`,
			wf.Name, wf.Model, wf.NotifyConfig, wf.AutoApproveConfig).Scan(&id)
	} else {
		err = s.db.QueryRowxContext(ctx, `
			INSERT INTO workflows (id, name, model, notify_config, auto_approve_config)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				model = EXCLUDED.model,
				notify_config = EXCLUDED.notify_config,
				auto_approve_config = EXCLUDED.auto_approve_config,
				updated_at = CURRENT_TIMESTAMP
			RETURNING id`,
			wf.ID, wf.Name, wf.Model, wf.NotifyConfig, wf.AutoApproveConfig).Scan(&id)
		if err == nil {
			err = s.syncSequence(ctx, "workflows")
		}
	}
	if err != nil {
		return 0, fmt.Errorf("save workflow: %w", err)
	}
	return id, nil
}

// GetWorkflow retrieves a workflow by ID, including its steps
func (s *PostgresStore) GetWorkflow(ctx context.Context, id int64) (models.WorkflowDefinition, error) {
	var wf models.WorkflowDefinition
	err := s.db.GetContext(ctx, &wf, "SELECT "+workflowColumns+" FROM workflows WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowDefinition{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowDefinition{}, err
	}
	err = s.db.SelectContext(ctx, &wf.Steps, "SELECT "+stepColumns+" FROM steps WHERE workflow_id = $1 ORDER BY id", id)
	if err != nil {
		return models.WorkflowDefinition{}, fmt.Errorf("get workflow %d: %w", id, err)
	}
	return wf, nil
}

// SaveStep upserts on (workflow_id, code), or on id when it is set.
func (s *PostgresStore) SaveStep(ctx context.Context, st models.StepDefinition) (int64, error) {
	if st.Code == "" {
		return 0, fmt.Errorf("step code cannot be empty")
	}
	var id int64
	var err error
	if st.ID == 0 {
		err = s.db.QueryRowxContext(ctx, `
			INSERT INTO steps (workflow_id, code, name, sla_hours, max_violations, escalation_action,
				notify_config, auto_approve_config)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (workflow_id, code) DO UPDATE SET
				name = EXCLUDED.name,
				sla_hours = EXCLUDED.sla_hours,
				max_violations = EXCLUDED.max_violations,
				escalation_action = EXCLUDED.escalation_action,
				notify_config = EXCLUDED.notify_config,
				auto_approve_config = EXCLUDED.auto_approve_config,
				updated_at = CURRENT_TIMESTAMP
			RETURNING id`,
			st.WorkflowID, st.Code, st.Name, st.SLAHours, st.MaxViolations, st.EscalationAction,
			st.NotifyConfig, st.AutoApproveConfig).Scan(&id)
	} else {
		err = s.db.QueryRowxContext(ctx, `
			INSERT INTO steps (id, workflow_id, code, name, sla_hours, max_violations, escalation_action,
				notify_config, auto_approve_config)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				workflow_id = EXCLUDED.workflow_id,
				code = EXCLUDED.code,
				name = EXCLUDED.name,
				sla_hours = EXCLUDED.sla_hours,
				max_violations = EXCLUDED.max_violations,
				escalation_action = EXCLUDED.escalation_action,
				notify_config = EXCLUDED.notify_config,
				auto_approve_config = EXCLUDED.auto_approve_config,
				updated_at = CURRENT_TIMESTAMP
			RETURNING id`,
			st.ID, st.WorkflowID, st.Code, st.Name, st.SLAHours, st.MaxViolations, st.EscalationAction,
			st.NotifyConfig, st.AutoApproveConfig).Scan(&id)
		if err == nil {
			err = s.syncSequence(ctx, "steps")
		}
	}
	if err != nil {
		return 0, fmt.Errorf("save step %s: %w", st.Code, err)
	}
	return id, nil
}

func (s *PostgresStore) GetStep(ctx context.Context, id int64) (models.StepDefinition, error) {
	var st models.StepDefinition
	err := s.db.GetContext(ctx, &st, "SELECT "+stepColumns+" FROM steps WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.StepDefinition{}, storage.ErrNotFound
	}
	if err != nil {
		return models.StepDefinition{}, err
	}
	return st, nil
}

func (s *PostgresStore) GetStepByCode(ctx context.Context, workflowID int64, code string) (models.StepDefinition, error) {
	var st models.StepDefinition
	err := s.db.GetContext(ctx, &st, "SELECT "+stepColumns+" FROM steps WHERE workflow_id = $1 AND code = $2", workflowID, code)
	if err == sql.ErrNoRows {
		return models.StepDefinition{}, storage.ErrNotFound
	}
	if err != nil {
		return models.StepDefinition{}, err
	}
	return st, nil
}

// syncSequence moves a serial sequence past ids inserted explicitly.
func (s *PostgresStore) syncSequence(ctx context.Context, table string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"SELECT setval(pg_get_serial_sequence('%[1]s', 'id'), GREATEST((SELECT MAX(id) FROM %[1]s), 1))", table))
	return err
}

func (s *PostgresStore) AppendActionLog(ctx context.Context, e models.ActionLogEntry) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO action_logs (sweep_id, record_key, workflow_id, step_code, step_id, action_kind,
			violation_count, success, status_code, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, CURRENT_TIMESTAMP))
		RETURNING id`,
		e.SweepID, e.RecordKey, e.WorkflowID, e.StepCode, e.StepID, e.ActionKind,
		e.ViolationCount, e.Success, e.StatusCode, e.Message, nullTime(e.CreatedAt)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append action log for %s: %w", e.RecordKey, err)
	}
	return id, nil
}

// ListActionLogs returns the entries of recordKey, or of every record when
// recordKey is empty, in insertion order.
func (s *PostgresStore) ListActionLogs(ctx context.Context, recordKey string) ([]models.ActionLogEntry, error) {
	entries := []models.ActionLogEntry{}
	var err error
	if recordKey == "" {
		err = s.db.SelectContext(ctx, &entries, "SELECT "+actionLogColumns+" FROM action_logs ORDER BY id")
	} else {
		err = s.db.SelectContext(ctx, &entries, "SELECT "+actionLogColumns+" FROM action_logs WHERE record_key = $1 ORDER BY id", recordKey)
	}
	if err != nil {
		return nil, fmt.Errorf("list action logs: %w", err)
	}
	return entries, nil
}
