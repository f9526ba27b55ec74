package sync

import (
	"fmt"
	"sync"
	"time"
)

const syncEventBufferSize = 64

// SyncState represents the state of a path's latest operation
type SyncState string

const (
	SyncStatePending   SyncState = "pending"
	SyncStateSyncing   SyncState = "syncing"
	SyncStateCompleted SyncState = "completed"
	SyncStateError     SyncState = "error"
)

// PathStatus is the status of one relative path
type PathStatus struct {
	SyncState   SyncState
	Kind        OpKind
	RemotePath  string
	Error       error
	ErrorCount  int
	LastUpdated time.Time
}

func (s *PathStatus) String() string {
	return fmt.Sprintf("SyncState: %s, Kind: %s, Remote: %s, Error: %v, ErrorCount: %d", s.SyncState, s.Kind, s.RemotePath, s.Error, s.ErrorCount)
}

// SyncStatusEvent is broadcast on every status change. Outcome is set once the operation ends.
type SyncStatusEvent struct {
	Path    string
	Status  PathStatus
	Outcome *SyncOutcome
}

// SyncStatus tracks per-path progress and fans changes out to subscribers
type SyncStatus struct {
	files map[string]*PathStatus
	mu    sync.RWMutex

	eventSubs []chan *SyncStatusEvent
	eventMu   sync.RWMutex
}

func NewSyncStatus() *SyncStatus {
	return &SyncStatus{
		files:     make(map[string]*PathStatus),
		eventSubs: make([]chan *SyncStatusEvent, 0),
	}
}

// Subscribe returns a channel for receiving sync status events
func (s *SyncStatus) Subscribe() <-chan *SyncStatusEvent {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	ch := make(chan *SyncStatusEvent, syncEventBufferSize)
	s.eventSubs = append(s.eventSubs, ch)
	return ch
}

func (s *SyncStatus) broadcastEvent(path string, status PathStatus, outcome *SyncOutcome) {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()

	event := &SyncStatusEvent{Path: path, Status: status, Outcome: outcome}
	for _, sub := range s.eventSubs {
		select {
		case sub <- event:
		default:
			// Channel is full, skip to avoid blocking
		}
	}
}

func (s *SyncStatus) update(path string, fn func(*PathStatus)) PathStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, exists := s.files[path]
	if !exists {
		status = &PathStatus{SyncState: SyncStatePending}
		s.files[path] = status
	}
	fn(status)
	status.LastUpdated = time.Now()
	return *status
}

// SetPending marks a queued operation
func (s *SyncStatus) SetPending(path string, kind OpKind) {
	snapshot := s.update(path, func(st *PathStatus) {
		st.SyncState = SyncStatePending
		st.Kind = kind
	})
	s.broadcastEvent(path, snapshot, nil)
}

// SetSyncing marks the operation as started
func (s *SyncStatus) SetSyncing(path string, kind OpKind, remotePath string) {
	snapshot := s.update(path, func(st *PathStatus) {
		st.SyncState = SyncStateSyncing
		st.Kind = kind
		st.RemotePath = remotePath
		st.Error = nil
	})
	s.broadcastEvent(path, snapshot, nil)
}

// SetOutcome records the final result of an operation
func (s *SyncStatus) SetOutcome(path string, outcome *SyncOutcome) {
	snapshot := s.update(path, func(st *PathStatus) {
		st.Kind = outcome.Op.Kind
		st.RemotePath = outcome.RemotePath
		if outcome.Success {
			st.SyncState = SyncStateCompleted
			st.Error = nil
			st.ErrorCount = 0
			return
		}
		st.SyncState = SyncStateError
		st.Error = outcome.Err
		st.ErrorCount++
	})
	s.broadcastEvent(path, snapshot, outcome)
}

// GetStatus returns a copy of the status for path
func (s *SyncStatus) GetStatus(path string) (PathStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, exists := s.files[path]
	if !exists {
		return PathStatus{}, false
	}
	return *status, true
}

// Counts returns the number of paths per state
func (s *SyncStatus) Counts() map[SyncState]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[SyncState]int)
	for _, status := range s.files {
		counts[status.SyncState]++
	}
	return counts
}

// Close closes every subscription
func (s *SyncStatus) Close() {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	for _, sub := range s.eventSubs {
		close(sub)
	}
	s.eventSubs = nil
}
