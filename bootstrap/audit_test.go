package bootstrap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sandgate/sandgate/domain/audit"
)

// mockAuditStore implements ports.AuditStore for testing.
type mockAuditStore struct {
	mu           sync.Mutex
	batchRecords [][]audit.Event
}

func (m *mockAuditStore) RecordBatch(ctx context.Context, events []audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	eventsCopy := make([]audit.Event, len(events))
	copy(eventsCopy, events)
	m.batchRecords = append(m.batchRecords, eventsCopy)
	return nil
}

func (m *mockAuditStore) Recent(ctx context.Context, limit int) ([]audit.Event, error) {
	return nil, nil
}

func (m *mockAuditStore) totalRecorded() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, batch := range m.batchRecords {
		total += len(batch)
	}
	return total
}

func TestNewLocalAuditRecorder_Defaults(t *testing.T) {
	store := &mockAuditStore{}

	recorder := NewLocalAuditRecorder(store, 0, 0)
	defer recorder.Close()

	if recorder.batchSize != 100 {
		t.Errorf("default batchSize = %d, want 100", recorder.batchSize)
	}
	if recorder.flushInterval != 10*time.Second {
		t.Errorf("default flushInterval = %v, want 10s", recorder.flushInterval)
	}
}

func TestLocalAuditRecorder_RecordAndFlush(t *testing.T) {
	store := &mockAuditStore{}
	recorder := NewLocalAuditRecorder(store, 10, time.Minute)
	defer recorder.Close()

	recorder.Record(audit.Event{
		ID:       "evt-1",
		Protocol: audit.ProtocolHTTP,
		Method:   "GET",
		Path:     "/api",
		Status:   200,
	})

	recorder.Flush(context.Background())

	// Flush hands the batch to a background writer
	deadline := time.Now().Add(2 * time.Second)
	for store.totalRecorded() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if got := store.totalRecorded(); got != 1 {
		t.Errorf("recorded = %d, want 1", got)
	}
}

func TestLocalAuditRecorder_BatchSizeTriggersFlush(t *testing.T) {
	store := &mockAuditStore{}
	recorder := NewLocalAuditRecorder(store, 3, time.Minute)
	defer recorder.Close()

	for i := 0; i < 3; i++ {
		recorder.Record(audit.Event{ID: "evt", Status: 200})
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.totalRecorded() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if got := store.totalRecorded(); got != 3 {
		t.Errorf("recorded = %d, want 3 after hitting batch size", got)
	}
}

func TestLocalAuditRecorder_CloseFlushesRemaining(t *testing.T) {
	store := &mockAuditStore{}
	recorder := NewLocalAuditRecorder(store, 10, time.Minute)

	recorder.Record(audit.Event{ID: "evt-1", Status: 200})
	recorder.Record(audit.Event{ID: "evt-2", Status: 200})

	if err := recorder.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := store.totalRecorded(); got != 2 {
		t.Errorf("recorded = %d, want 2 after Close", got)
	}

	// Close is idempotent
	if err := recorder.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
