package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/zyn1030z/SLA-service-sub000/pkg/models"
)

// memData is the committed state shared by a mock store and its transactions.
type memData struct {
	mu             sync.Mutex
	records        map[string]models.TrackedRecord
	workflows      map[int64]models.WorkflowDefinition
	steps          map[int64]models.StepDefinition
	logs           []models.ActionLogEntry
	locks          map[string]bool
	released       chan struct{} // closed and replaced whenever row locks are released
	nextWorkflowID int64
	nextStepID     int64
	nextLogID      int64
}

// op is a staged write. check runs at call time and again at commit, apply
// only at commit, so a failed commit leaves nothing half-written. A write to a
// record row waits while another transaction holds that row's lock.
type op struct {
	row   string
	check func(d *memData) error
	apply func(d *memData)
}

// mockStore implements Store in memory. Writes inside a transaction are
// staged and become visible on Commit.
type mockStore struct {
	data    *memData
	inTx    bool
	done    bool
	pending []op
	locked  []string
}

func NewMockStore() Store {
	return &mockStore{data: &memData{
		records:   make(map[string]models.TrackedRecord),
		workflows: make(map[int64]models.WorkflowDefinition),
		steps:     make(map[int64]models.StepDefinition),
		locks:     make(map[string]bool),
		released:  make(chan struct{}),
	}}
}

func (m *mockStore) Begin() (Store, error) {
	if m.inTx {
		return nil, errors.New("cannot begin transaction inside a transaction")
	}
	return &mockStore{data: m.data, inTx: true}, nil
}

func (m *mockStore) Commit() error {
	if !m.inTx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return errors.New("transaction already committed")
	}
	m.done = true
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	defer m.releaseLocked()
	for _, o := range m.pending {
		if o.check == nil {
			continue
		}
		if err := o.check(m.data); err != nil {
			return err
		}
	}
	for _, o := range m.pending {
		o.apply(m.data)
	}
	return nil
}

func (m *mockStore) Rollback() error {
	if !m.inTx {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.done {
		return errors.New("transaction already committed")
	}
	m.done = true
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	m.releaseLocked()
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

// releaseLocked must be called with data.mu held.
func (m *mockStore) releaseLocked() {
	for _, key := range m.locked {
		delete(m.data.locks, key)
	}
	if len(m.locked) > 0 {
		close(m.data.released)
		m.data.released = make(chan struct{})
	}
	m.locked = nil
	m.pending = nil
}

func (m *mockStore) holds(key string) bool {
	for _, k := range m.locked {
		if k == key {
			return true
		}
	}
	return false
}

// waitRow blocks until no other transaction holds key's lock. It is called
// and returns with data.mu held.
func (m *mockStore) waitRow(ctx context.Context, key string) error {
	for m.data.locks[key] && !m.holds(key) {
		released := m.data.released
		m.data.mu.Unlock()
		select {
		case <-released:
		case <-ctx.Done():
			m.data.mu.Lock()
			return ctx.Err()
		}
		m.data.mu.Lock()
	}
	return nil
}

func (m *mockStore) write(ctx context.Context, o op) error {
	if m.done {
		return errors.New("transaction already committed")
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if o.row != "" {
		if err := m.waitRow(ctx, o.row); err != nil {
			return err
		}
	}
	if o.check != nil {
		if err := o.check(m.data); err != nil {
			return err
		}
	}
	if m.inTx {
		m.pending = append(m.pending, o)
		return nil
	}
	o.apply(m.data)
	return nil
}

func (m *mockStore) SaveRecord(ctx context.Context, r models.TrackedRecord) error {
	if r.Key == "" {
		return errors.New("record key cannot be empty")
	}
	now := time.Now()
	return m.write(ctx, op{row: r.Key, apply: func(d *memData) {
		if existing, ok := d.records[r.Key]; ok {
			r.CreatedAt = existing.CreatedAt
		} else if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		d.records[r.Key] = r
	}})
}

func (m *mockStore) GetRecord(ctx context.Context, key string) (models.TrackedRecord, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	r, ok := m.data.records[key]
	if !ok {
		return models.TrackedRecord{}, ErrNotFound
	}
	return r, nil
}

func (m *mockStore) LockRecord(ctx context.Context, key string) (models.TrackedRecord, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	r, ok := m.data.records[key]
	if !ok {
		return models.TrackedRecord{}, ErrNotFound
	}
	if !m.inTx {
		return r, nil
	}
	if m.data.locks[key] {
		return models.TrackedRecord{}, ErrLocked
	}
	m.data.locks[key] = true
	m.locked = append(m.locked, key)
	return r, nil
}

func (m *mockStore) ListActiveRecords(ctx context.Context) ([]models.TrackedRecord, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	records := []models.TrackedRecord{}
	for _, r := range m.data.records {
		if r.Status.Active() {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

func (m *mockStore) UpdateRecordState(ctx context.Context, r models.TrackedRecord, expectedViolationCount int) error {
	now := time.Now()
	return m.write(ctx, op{
		row: r.Key,
		check: func(d *memData) error {
			existing, ok := d.records[r.Key]
			if !ok {
				return ErrNotFound
			}
			if existing.Status == models.CompletedRecordStatus || existing.ViolationCount != expectedViolationCount {
				return ErrConflict
			}
			return nil
		},
		apply: func(d *memData) {
			existing := d.records[r.Key]
			existing.Status = r.Status
			existing.ViolationCount = r.ViolationCount
			existing.SLAHours = r.SLAHours
			existing.RemainingHours = r.RemainingHours
			existing.NextDueAt = r.NextDueAt
			existing.LastEvaluatedAt = r.LastEvaluatedAt
			existing.UpdatedAt = now
			d.records[r.Key] = existing
		},
	})
}

func (m *mockStore) CompleteRecord(ctx context.Context, key string) error {
	now := time.Now()
	return m.write(ctx, op{
		row: key,
		check: func(d *memData) error {
			if _, ok := d.records[key]; !ok {
				return ErrNotFound
			}
			return nil
		},
		apply: func(d *memData) {
			r := d.records[key]
			r.Status = models.CompletedRecordStatus
			r.NextDueAt = nil
			r.UpdatedAt = now
			d.records[key] = r
		},
	})
}

func (m *mockStore) CountByStatus(ctx context.Context) (map[models.RecordStatus]int, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	counts := map[models.RecordStatus]int{}
	for _, r := range m.data.records {
		counts[r.Status]++
	}
	return counts, nil
}

func (m *mockStore) SaveWorkflow(ctx context.Context, wf models.WorkflowDefinition) (int64, error) {
	m.data.mu.Lock()
	if wf.ID == 0 {
		m.data.nextWorkflowID++
		wf.ID = m.data.nextWorkflowID
	} else if wf.ID > m.data.nextWorkflowID {
		m.data.nextWorkflowID = wf.ID
	}
	m.data.mu.Unlock()
	wf.Steps = nil
	err := m.write(ctx, op{apply: func(d *memData) { d.workflows[wf.ID] = wf }})
	return wf.ID, err
}

func (m *mockStore) GetWorkflow(ctx context.Context, id int64) (models.WorkflowDefinition, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	wf, ok := m.data.workflows[id]
	if !ok {
		return models.WorkflowDefinition{}, ErrNotFound
	}
	for _, s := range m.data.steps {
		if s.WorkflowID == id {
			wf.Steps = append(wf.Steps, s)
		}
	}
	sort.Slice(wf.Steps, func(i, j int) bool { return wf.Steps[i].ID < wf.Steps[j].ID })
	return wf, nil
}

func (m *mockStore) SaveStep(ctx context.Context, s models.StepDefinition) (int64, error) {
	if s.Code == "" {
		return 0, errors.New("step code cannot be empty")
	}
	m.data.mu.Lock()
	// (workflow_id, code) is unique; saving an existing code updates it.
	if s.ID == 0 {
		for id, existing := range m.data.steps {
			if existing.WorkflowID == s.WorkflowID && existing.Code == s.Code {
				s.ID = id
				break
			}
		}
	}
	if s.ID == 0 {
		m.data.nextStepID++
		s.ID = m.data.nextStepID
	} else if s.ID > m.data.nextStepID {
		m.data.nextStepID = s.ID
	}
	m.data.mu.Unlock()
	err := m.write(ctx, op{apply: func(d *memData) { d.steps[s.ID] = s }})
	return s.ID, err
}

func (m *mockStore) GetStep(ctx context.Context, id int64) (models.StepDefinition, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	s, ok := m.data.steps[id]
	if !ok {
		return models.StepDefinition{}, ErrNotFound
	}
	return s, nil
}

func (m *mockStore) GetStepByCode(ctx context.Context, workflowID int64, code string) (models.StepDefinition, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, s := range m.data.steps {
		if s.WorkflowID == workflowID && s.Code == code {
			return s, nil
		}
	}
	return models.StepDefinition{}, ErrNotFound
}

func (m *mockStore) AppendActionLog(ctx context.Context, e models.ActionLogEntry) (int64, error) {
	m.data.mu.Lock()
	m.data.nextLogID++
	e.ID = m.data.nextLogID
	m.data.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	err := m.write(ctx, op{apply: func(d *memData) { d.logs = append(d.logs, e) }})
	return e.ID, err
}

func (m *mockStore) ListActionLogs(ctx context.Context, recordKey string) ([]models.ActionLogEntry, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	entries := []models.ActionLogEntry{}
	for _, e := range m.data.logs {
		if recordKey == "" || e.RecordKey == recordKey {
			entries = append(entries, e)
		}
	}
	return entries, nil
}
