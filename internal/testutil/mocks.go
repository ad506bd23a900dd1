// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase. This follows the Go convention of a
// shared test utility package (like net/http/httptest).
package testutil

import (
	"context"
	"sync"

	"duck-ingest/internal/domain"
)

// === Audit Repository Mock ===

// MockAuditRepo implements domain.AuditRepository for testing.
type MockAuditRepo struct {
	InsertFn func(ctx context.Context, e *domain.AuditEntry) error
	ListFn   func(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, int64, error)
	Entries  []*domain.AuditEntry // collected entries for assertions
}

// Insert implements the interface method for testing.
func (m *MockAuditRepo) Insert(ctx context.Context, e *domain.AuditEntry) error {
	if m.InsertFn != nil {
		err := m.InsertFn(ctx, e)
		if err != nil {
			return err
		}
		m.Entries = append(m.Entries, e)
		return nil
	}
	m.Entries = append(m.Entries, e)
	return nil
}

// List implements the interface method for testing.
func (m *MockAuditRepo) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, int64, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx, filter)
	}
	panic("unexpected call to MockAuditRepo.List")
}

// LastEntry returns the last collected audit entry, or nil if none.
func (m *MockAuditRepo) LastEntry() *domain.AuditEntry {
	if len(m.Entries) == 0 {
		return nil
	}
	return m.Entries[len(m.Entries)-1]
}

// HasAction returns true if any collected entry has the given action.
func (m *MockAuditRepo) HasAction(action string) bool {
	for _, e := range m.Entries {
		if e.Action == action {
			return true
		}
	}
	return false
}

// === Row Backend Mock ===

// MockRowBackend implements domain.RowBackend for testing. Every handle it
// hands out delegates to the Fn fields; calls are recorded for assertions.
type MockRowBackend struct {
	ModeValue    domain.BackendMode
	AcquireFn    func(ctx context.Context) error
	InsertManyFn func(ctx context.Context, fileID string, rows []domain.TaggedRow) (int, error)
	InsertTxFn   func(ctx context.Context, fileID string, rows []domain.TaggedRow, opts domain.TxOptions) (int, error)
	InsertOneFn  func(ctx context.Context, fileID string, row domain.TaggedRow) error

	mu             sync.Mutex
	Acquired       int
	Released       int
	InsertManySize []int // row count of every InsertMany call
	InsertTxSize   []int // row count of every InsertTx call
	InsertOneRows  []int64
}

// Mode implements the interface method for testing.
func (m *MockRowBackend) Mode() domain.BackendMode {
	if m.ModeValue == "" {
		return domain.BackendModeDirect
	}
	return m.ModeValue
}

// Acquire implements the interface method for testing.
func (m *MockRowBackend) Acquire(ctx context.Context) (domain.RowConn, error) {
	if m.AcquireFn != nil {
		if err := m.AcquireFn(ctx); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	m.Acquired++
	m.mu.Unlock()
	return &mockRowConn{backend: m}, nil
}

// Outstanding returns the number of handles acquired but not released.
func (m *MockRowBackend) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Acquired - m.Released
}

type mockRowConn struct {
	backend  *MockRowBackend
	released bool
}

func (c *mockRowConn) InsertMany(ctx context.Context, fileID string, rows []domain.TaggedRow) (int, error) {
	m := c.backend
	m.mu.Lock()
	m.InsertManySize = append(m.InsertManySize, len(rows))
	m.mu.Unlock()
	if m.InsertManyFn != nil {
		return m.InsertManyFn(ctx, fileID, rows)
	}
	panic("unexpected call to MockRowBackend.InsertMany")
}

func (c *mockRowConn) InsertTx(ctx context.Context, fileID string, rows []domain.TaggedRow, opts domain.TxOptions) (int, error) {
	m := c.backend
	m.mu.Lock()
	m.InsertTxSize = append(m.InsertTxSize, len(rows))
	m.mu.Unlock()
	if m.InsertTxFn != nil {
		return m.InsertTxFn(ctx, fileID, rows, opts)
	}
	panic("unexpected call to MockRowBackend.InsertTx")
}

func (c *mockRowConn) InsertOne(ctx context.Context, fileID string, row domain.TaggedRow) error {
	m := c.backend
	m.mu.Lock()
	m.InsertOneRows = append(m.InsertOneRows, row.RowNumber)
	m.mu.Unlock()
	if m.InsertOneFn != nil {
		return m.InsertOneFn(ctx, fileID, row)
	}
	panic("unexpected call to MockRowBackend.InsertOne")
}

func (c *mockRowConn) Release() {
	if c.released {
		return
	}
	c.released = true
	c.backend.mu.Lock()
	c.backend.Released++
	c.backend.mu.Unlock()
}

// === Ingested File Repository Mock ===

// MockIngestedFileRepo implements domain.IngestedFileRepository in memory.
type MockIngestedFileRepo struct {
	CreateFn       func(ctx context.Context, f *domain.IngestedFile) (*domain.IngestedFile, error)
	UpdateStatusFn func(ctx context.Context, id string, status domain.FileStatus, rowCount int64, errMsg *string) error

	mu    sync.Mutex
	Files map[string]*domain.IngestedFile
}

func (m *MockIngestedFileRepo) file(id string) (*domain.IngestedFile, error) {
	if m.Files == nil {
		m.Files = map[string]*domain.IngestedFile{}
	}
	f, ok := m.Files[id]
	if !ok {
		return nil, domain.ErrNotFound("ingested file %q not found", id)
	}
	return f, nil
}

// Create implements the interface method for testing.
func (m *MockIngestedFileRepo) Create(ctx context.Context, f *domain.IngestedFile) (*domain.IngestedFile, error) {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, f)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Files == nil {
		m.Files = map[string]*domain.IngestedFile{}
	}
	if f.ID == "" {
		f.ID = domain.NewID()
	}
	if _, ok := m.Files[f.ID]; ok {
		return nil, domain.ErrConflict("ingested file %q already exists", f.ID)
	}
	if f.Status == "" {
		f.Status = domain.FileStatusProcessing
	}
	cp := *f
	m.Files[f.ID] = &cp
	out := cp
	return &out, nil
}

// GetByID implements the interface method for testing.
func (m *MockIngestedFileRepo) GetByID(_ context.Context, id string) (*domain.IngestedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.file(id)
	if err != nil {
		return nil, err
	}
	out := *f
	return &out, nil
}

// UpdateHeaders implements the interface method for testing.
func (m *MockIngestedFileRepo) UpdateHeaders(_ context.Context, id string, headers []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.file(id)
	if err != nil {
		return err
	}
	f.Headers = headers
	return nil
}

// UpdateStatus implements the interface method for testing.
func (m *MockIngestedFileRepo) UpdateStatus(ctx context.Context, id string, status domain.FileStatus, rowCount int64, errMsg *string) error {
	if m.UpdateStatusFn != nil {
		return m.UpdateStatusFn(ctx, id, status, rowCount, errMsg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.file(id)
	if err != nil {
		return err
	}
	f.Status = status
	f.RowCount = rowCount
	f.ErrorMessage = errMsg
	return nil
}

// SetConversionError implements the interface method for testing.
func (m *MockIngestedFileRepo) SetConversionError(_ context.Context, id string, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.file(id)
	if err != nil {
		return err
	}
	f.ConversionError = errMsg
	return nil
}

// List implements the interface method for testing.
func (m *MockIngestedFileRepo) List(_ context.Context, _ domain.PageRequest) ([]domain.IngestedFile, int64, error) {
	panic("unexpected call to MockIngestedFileRepo.List")
}

// === Event Publisher Mock ===

// MockEventPublisher implements domain.EventPublisher and records events.
type MockEventPublisher struct {
	PublishFn func(ctx context.Context, evt domain.Event) error

	mu     sync.Mutex
	Events []domain.Event
	Closed bool
}

// Publish implements the interface method for testing.
func (m *MockEventPublisher) Publish(ctx context.Context, evt domain.Event) error {
	m.mu.Lock()
	m.Events = append(m.Events, evt)
	m.mu.Unlock()
	if m.PublishFn != nil {
		return m.PublishFn(ctx, evt)
	}
	return nil
}

// Close implements the interface method for testing.
func (m *MockEventPublisher) Close() error {
	m.Closed = true
	return nil
}

// OfType returns the recorded events of one type.
func (m *MockEventPublisher) OfType(typ string) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.Events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// === Schema Lookup Mock ===

// MockSchemaLookup implements domain.SchemaLookup.
type MockSchemaLookup struct {
	LookupFn func(ctx context.Context, schemaID string) (*domain.SchemaVersion, error)
}

// Lookup implements the interface method for testing.
func (m *MockSchemaLookup) Lookup(ctx context.Context, schemaID string) (*domain.SchemaVersion, error) {
	if m.LookupFn != nil {
		return m.LookupFn(ctx, schemaID)
	}
	panic("unexpected call to MockSchemaLookup.Lookup")
}

// === Parquet Sink Mock ===

// MockParquetSink implements domain.ParquetSink.
type MockParquetSink struct {
	ExportFn func(ctx context.Context, fileID string, headers []string) (string, error)
}

// Export implements the interface method for testing.
func (m *MockParquetSink) Export(ctx context.Context, fileID string, headers []string) (string, error) {
	if m.ExportFn != nil {
		return m.ExportFn(ctx, fileID, headers)
	}
	panic("unexpected call to MockParquetSink.Export")
}

// === Dead Letter Mock ===

// DeadLetterCall records one Enqueue call.
type DeadLetterCall struct {
	FileID    string
	Operation string
	Payload   any
	Cause     error
	Severity  domain.Severity
}

// MockDeadLetterer records dead-letter enqueues.
type MockDeadLetterer struct {
	EnqueueFn func(ctx context.Context, fileID, operation string, payload any, cause error, severity domain.Severity) error

	mu    sync.Mutex
	Calls []DeadLetterCall
}

// Enqueue records the call.
func (m *MockDeadLetterer) Enqueue(ctx context.Context, fileID, operation string, payload any, cause error, severity domain.Severity) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, DeadLetterCall{FileID: fileID, Operation: operation, Payload: payload, Cause: cause, Severity: severity})
	m.mu.Unlock()
	if m.EnqueueFn != nil {
		return m.EnqueueFn(ctx, fileID, operation, payload, cause, severity)
	}
	return nil
}
