package ordersync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type OperationKind string

const (
	OperationCreate OperationKind = "CREATE"
	OperationUpdate OperationKind = "UPDATE"
	OperationAction OperationKind = "ACTION"
)

// InboundEvent is a received webhook payload kept for replay and inspection.
type InboundEvent struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Body       json.RawMessage `json:"body"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// OperationRecord is one entry of the reconciliation ledger.
type OperationRecord struct {
	ID           string        `json:"id"`
	Kind         OperationKind `json:"kind"`
	DealID       string        `json:"dealId,omitempty"`
	OrderID      string        `json:"orderId,omitempty"`
	ActionKind   ActionKind    `json:"actionKind,omitempty"`
	Attempts     int           `json:"attempts"`
	WasDuplicate bool          `json:"wasDuplicate,omitempty"`
	Verified     bool          `json:"verified,omitempty"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

type persistedState struct {
	Events     []InboundEvent    `json:"events"`
	Operations []OperationRecord `json:"operations"`
}

// StateBackend persists the event archive and the operation ledger between
// process restarts.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type InMemoryStateBackend struct {
	mu    sync.Mutex
	state *persistedState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == nil {
		return nil, nil
	}
	clone := persistedState{
		Events:     append([]InboundEvent(nil), b.state.Events...),
		Operations: append([]OperationRecord(nil), b.state.Operations...),
	}
	return &clone, nil
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state == nil {
		b.state = nil
		return nil
	}
	b.state = &persistedState{
		Events:     append([]InboundEvent(nil), state.Events...),
		Operations: append([]OperationRecord(nil), state.Operations...),
	}
	return nil
}

type StoreOptions struct {
	StateFile     string
	StateBackend  StateBackend
	MaxOperations int
	MaxEvents     int
}

// Store holds the bounded event archive and operation ledger. Both are
// capped: the oldest entries fall off once the cap is reached.
type Store struct {
	mu            sync.RWMutex
	events        []InboundEvent
	operations    []OperationRecord
	stateBackend  StateBackend
	maxOperations int
	maxEvents     int

	subMu       sync.Mutex
	subscribers map[chan OperationRecord]struct{}

	closeOnce sync.Once
}

func NewStore(opts StoreOptions) *Store {
	maxOperations := opts.MaxOperations
	if maxOperations <= 0 {
		maxOperations = 1000
	}
	maxEvents := opts.MaxEvents
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	return &Store{
		stateBackend:  stateBackend,
		maxOperations: maxOperations,
		maxEvents:     maxEvents,
		subscribers:   map[chan OperationRecord]struct{}{},
	}
}

// Open loads persisted state. A missing snapshot is not an error.
func (s *Store) Open() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if snapshot == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events[:0], snapshot.Events...)
	s.operations = append(s.operations[:0], snapshot.Operations...)
	s.trimLocked()
	return nil
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.subMu.Lock()
		for ch := range s.subscribers {
			close(ch)
		}
		s.subscribers = map[chan OperationRecord]struct{}{}
		s.subMu.Unlock()
		if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
	})
}

func NewEventID(now time.Time) string {
	return fmt.Sprintf("evt_%d_%s", now.UnixNano(), uuid.NewString()[:8])
}

func NewOperationID(now time.Time) string {
	return fmt.Sprintf("op_%d_%s", now.UnixNano(), uuid.NewString()[:8])
}

func (s *Store) AppendEvent(event InboundEvent) InboundEvent {
	if event.ID == "" {
		event.ID = NewEventID(time.Now())
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	s.trimLocked()
	s.saveLocked()
	s.mu.Unlock()
	return event
}

func (s *Store) GetEvent(eventID string) (InboundEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].ID == eventID {
			return s.events[i], nil
		}
	}
	return InboundEvent{}, ErrNotFound
}

// ListEvents returns the most recent events first, at most limit of them.
func (s *Store) ListEvents(limit int) []InboundEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]InboundEvent, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out
}

func (s *Store) CountEvents() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *Store) ClearEvents() int {
	s.mu.Lock()
	removed := len(s.events)
	s.events = nil
	s.saveLocked()
	s.mu.Unlock()
	return removed
}

func (s *Store) AppendOperation(record OperationRecord) OperationRecord {
	if record.ID == "" {
		record.ID = NewOperationID(time.Now())
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	s.operations = append(s.operations, record)
	s.trimLocked()
	s.saveLocked()
	s.mu.Unlock()
	s.broadcast(record)
	return record
}

// ListOperations returns the most recent ledger entries first.
func (s *Store) ListOperations(limit int) []OperationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.operations) {
		limit = len(s.operations)
	}
	out := make([]OperationRecord, 0, limit)
	for i := len(s.operations) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.operations[i])
	}
	return out
}

func (s *Store) CountOperations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.operations)
}

func (s *Store) ClearOperations() int {
	s.mu.Lock()
	removed := len(s.operations)
	s.operations = nil
	s.saveLocked()
	s.mu.Unlock()
	return removed
}

// Subscribe returns a channel of newly appended ledger entries plus an
// unsubscribe func. Slow consumers miss entries rather than block appends.
func (s *Store) Subscribe() (<-chan OperationRecord, func()) {
	ch := make(chan OperationRecord, 64)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()
	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) broadcast(record OperationRecord) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- record:
		default:
		}
	}
}

func (s *Store) trimLocked() {
	if over := len(s.events) - s.maxEvents; over > 0 {
		s.events = append(s.events[:0:0], s.events[over:]...)
	}
	if over := len(s.operations) - s.maxOperations; over > 0 {
		s.operations = append(s.operations[:0:0], s.operations[over:]...)
	}
}

func (s *Store) saveLocked() {
	if s.stateBackend == nil {
		return
	}
	snapshot := persistedState{
		Events:     append([]InboundEvent(nil), s.events...),
		Operations: append([]OperationRecord(nil), s.operations...),
	}
	_ = s.stateBackend.Save(&snapshot)
}
