package session

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
)

// State holds one session's mutable flags. The sync flag is an atomic
// compare-and-set so the "is a sync running" check never blocks.
type State struct {
	sessionID uuid.UUID

	mu               sync.RWMutex
	edge             *shared.Edge
	edgeVersion      string
	clientMaxInbound int

	connected      atomic.Bool
	syncInProgress atomic.Bool
	migrationDone  atomic.Bool
}

func newState() *State {
	return &State{sessionID: uuid.New()}
}

func (s *State) SessionID() uuid.UUID {
	return s.sessionID
}

func (s *State) Edge() *shared.Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.edge
}

func (s *State) setEdge(edge *shared.Edge) {
	s.mu.Lock()
	s.edge = edge
	s.mu.Unlock()
}

func (s *State) EdgeVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.edgeVersion
}

func (s *State) setEdgeVersion(v string) {
	s.mu.Lock()
	s.edgeVersion = v
	s.mu.Unlock()
}

func (s *State) ClientMaxInboundMessageSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientMaxInbound
}

func (s *State) setClientMaxInboundMessageSize(size int) {
	s.mu.Lock()
	s.clientMaxInbound = size
	s.mu.Unlock()
}

func (s *State) Connected() bool {
	return s.connected.Load()
}

func (s *State) setConnected(v bool) {
	s.connected.Store(v)
}

func (s *State) SyncInProgress() bool {
	return s.syncInProgress.Load()
}

// TryStartSync succeeds for exactly one caller at a time.
func (s *State) TryStartSync() bool {
	return s.syncInProgress.CompareAndSwap(false, true)
}

func (s *State) FinishSync() {
	s.syncInProgress.Store(false)
}

func (s *State) MigrationDone() bool {
	return s.migrationDone.Load()
}

func (s *State) markMigrationDone() {
	s.migrationDone.Store(true)
}
