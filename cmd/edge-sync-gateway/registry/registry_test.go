package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/edgerpc"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/events"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
)

type fakeSession struct {
	mu             sync.Mutex
	sessionID      uuid.UUID
	edge           *shared.Edge
	connected      bool
	syncInProgress bool
	active         bool
	destroyOK      bool

	destroyCalls int
	cancelCalls  int
	schedules    int
	nudges       int
	saved        []shared.EdgeEvent
	highPriority []shared.EdgeEvent
	configs      []*shared.Edge
	syncStarts   int
	cleanups     int
}

func newFakeSession(edge *shared.Edge) *fakeSession {
	return &fakeSession{
		sessionID: uuid.New(),
		edge:      edge,
		connected: true,
		destroyOK: true,
	}
}

func (f *fakeSession) SessionID() uuid.UUID { return f.sessionID }
func (f *fakeSession) Edge() *shared.Edge   { return f.edge }

func (f *fakeSession) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSession) SyncInProgress() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncInProgress
}

func (f *fakeSession) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeSession) HandleStream() error { return nil }

func (f *fakeSession) ScheduleEventCheck() {
	f.mu.Lock()
	f.schedules++
	f.mu.Unlock()
}

func (f *fakeSession) CancelEventCheck() {
	f.mu.Lock()
	f.cancelCalls++
	f.mu.Unlock()
}

func (f *fakeSession) Nudge() {
	f.mu.Lock()
	f.nudges++
	f.mu.Unlock()
}

func (f *fakeSession) Save(ctx context.Context, ev shared.EdgeEvent) error {
	f.mu.Lock()
	f.saved = append(f.saved, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) AddHighPriorityEvent(ev shared.EdgeEvent) {
	f.mu.Lock()
	f.highPriority = append(f.highPriority, ev)
	f.mu.Unlock()
}

func (f *fakeSession) OnConfigurationUpdate(edge *shared.Edge) {
	f.mu.Lock()
	f.configs = append(f.configs, edge)
	f.mu.Unlock()
}

func (f *fakeSession) StartSyncProcess(fullSync bool) {
	f.mu.Lock()
	f.syncStarts++
	f.mu.Unlock()
}

func (f *fakeSession) Destroy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyCalls++
	f.connected = false
	return f.destroyOK
}

func (f *fakeSession) CleanUp(ctx context.Context) error {
	f.mu.Lock()
	f.cleanups++
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

type fakeBackend struct{}

func (fakeBackend) Save(ctx context.Context, ev shared.EdgeEvent) error      { return nil }
func (fakeBackend) ProcessEdgeEvents(ctx context.Context) (bool, error)      { return false, nil }
func (fakeBackend) MigrateEdgeEvents(ctx context.Context) (bool, error)      { return false, nil }
func (fakeBackend) Active() bool                                             { return false }
func (fakeBackend) Destroy() bool                                            { return true }
func (fakeBackend) CleanUp(ctx context.Context) error                        { return nil }

type fakeBackendFactory struct {
	mu    sync.Mutex
	built int
}

func (f *fakeBackendFactory) New(edge *shared.Edge, sender events.DownlinkSender) events.Backend {
	f.mu.Lock()
	f.built++
	f.mu.Unlock()
	return fakeBackend{}
}

type nopTelemetry struct{}

func (nopTelemetry) SaveAttribute(ctx context.Context, tenantID, edgeID uuid.UUID, key string, value any, done func(error)) {
	done(nil)
}

func (nopTelemetry) SaveTimeseries(ctx context.Context, tenantID, edgeID uuid.UUID, key string, value any, done func(error)) {
	done(nil)
}

type recordingRuleEngine struct {
	mu          sync.Mutex
	connections []shared.ConnectionTrigger
}

func (r *recordingRuleEngine) ProcessConnection(ctx context.Context, trigger shared.ConnectionTrigger) {
	r.mu.Lock()
	r.connections = append(r.connections, trigger)
	r.mu.Unlock()
}

func (r *recordingRuleEngine) ProcessCommunicationFailure(ctx context.Context, trigger shared.CommunicationFailureTrigger) {
}

type recordingCluster struct {
	mu        sync.Mutex
	requests  []shared.SyncRequest
	responses []shared.SyncResponse
	reg       *Registry
	loopback  bool
}

func (r *recordingCluster) OnEdgeEventUpdate(ctx context.Context, tenantID, edgeID uuid.UUID) {}

func (r *recordingCluster) PushSyncRequest(ctx context.Context, req shared.SyncRequest) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	if r.loopback {
		go r.reg.ProcessSyncRequest(ctx, req)
	}
}

func (r *recordingCluster) PushSyncResponse(ctx context.Context, resp shared.SyncResponse, serviceID string) {
	r.mu.Lock()
	r.responses = append(r.responses, resp)
	r.mu.Unlock()
	if r.loopback {
		go r.reg.ProcessSyncResponse(resp)
	}
}

func (r *recordingCluster) lastResponse() (shared.SyncResponse, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.responses) == 0 {
		return shared.SyncResponse{}, false
	}
	return r.responses[len(r.responses)-1], true
}

func nopFactory(stream edgerpc.Stream,
	onConnect func(uuid.UUID, ManagedSession),
	onDisconnect func(*shared.Edge, uuid.UUID),
	onSyncCompleted func(*shared.Edge, bool, string)) ManagedSession {
	return newFakeSession(&shared.Edge{ID: uuid.New()})
}

func newTestRegistry(t *testing.T) (*Registry, *recordingCluster, *recordingRuleEngine) {
	t.Helper()
	cluster := &recordingCluster{}
	ruleEngine := &recordingRuleEngine{}
	reg := New(Config{
		ServiceID:      "node-1",
		ZombieInterval: 10 * time.Millisecond,
		SyncTimeout:    50 * time.Millisecond,
	}, nopFactory, &fakeBackendFactory{}, nopTelemetry{}, ruleEngine, cluster)
	cluster.reg = reg
	return reg, cluster, ruleEngine
}

func testEdge() *shared.Edge {
	return &shared.Edge{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Name:     "plant-edge",
	}
}

func TestConnectRegistersSession(t *testing.T) {
	reg, _, ruleEngine := newTestRegistry(t)
	edge := testEdge()
	s := newFakeSession(edge)

	reg.onEdgeConnect(edge.ID, s)

	assert.Equal(t, s, ManagedSession(reg.ConnectedSession(edge.ID)))
	assert.Equal(t, 1, s.schedules)
	assert.Equal(t, 1, s.nudges)
	require.Len(t, ruleEngine.connections, 1)
	assert.True(t, ruleEngine.connections[0].Connected)
}

func TestReconnectReplacesPreviousSession(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	edge := testEdge()
	first := newFakeSession(edge)
	second := newFakeSession(edge)

	reg.onEdgeConnect(edge.ID, first)
	reg.onEdgeConnect(edge.ID, second)

	assert.Equal(t, second, ManagedSession(reg.ConnectedSession(edge.ID)))
	assert.Equal(t, 1, first.destroyCalls)
	assert.Equal(t, 1, first.cancelCalls)
	assert.Zero(t, second.destroyCalls)
}

func TestStaleDisconnectDoesNotTouchCurrentSession(t *testing.T) {
	reg, _, ruleEngine := newTestRegistry(t)
	edge := testEdge()
	first := newFakeSession(edge)
	second := newFakeSession(edge)

	reg.onEdgeConnect(edge.ID, first)
	reg.onEdgeConnect(edge.ID, second)
	connectionsBefore := len(ruleEngine.connections)

	// the replaced session reports its teardown after the replacement
	reg.onEdgeDisconnect(edge, first.SessionID())

	assert.Equal(t, second, ManagedSession(reg.ConnectedSession(edge.ID)))
	// no disconnect trigger fired for the stale session
	assert.Len(t, ruleEngine.connections, connectionsBefore)
}

func TestDisconnectWaitsForEdgeLock(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	edge := testEdge()
	s := newFakeSession(edge)
	reg.onEdgeConnect(edge.ID, s)

	require.True(t, reg.edgeLocks.TryLock(edge.ID.String()))
	done := make(chan struct{})
	go func() {
		reg.onEdgeDisconnect(edge, s.SessionID())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("disconnect proceeded while the edge lock was held elsewhere")
	case <-time.After(50 * time.Millisecond):
	}

	reg.edgeLocks.Unlock(edge.ID.String())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disconnect never acquired the edge lock")
	}
	assert.Nil(t, reg.ConnectedSession(edge.ID))
	assert.Equal(t, 1, s.destroyCalls)
}

func TestDisconnectRemovesSession(t *testing.T) {
	reg, _, ruleEngine := newTestRegistry(t)
	edge := testEdge()
	s := newFakeSession(edge)

	reg.onEdgeConnect(edge.ID, s)
	reg.onEdgeDisconnect(edge, s.SessionID())

	assert.Nil(t, reg.ConnectedSession(edge.ID))
	assert.Equal(t, 1, s.destroyCalls)
	require.Len(t, ruleEngine.connections, 2)
	assert.False(t, ruleEngine.connections[1].Connected)
}

func TestFailedDestroyGoesToZombieListAndRetries(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	edge := testEdge()
	s := newFakeSession(edge)
	s.destroyOK = false

	reg.onEdgeConnect(edge.ID, s)
	reg.onEdgeDisconnect(edge, s.SessionID())
	assert.Equal(t, 1, s.destroyCalls)

	reg.cleanupZombies()
	assert.Equal(t, 2, s.destroyCalls)
	reg.zombiesMu.Lock()
	assert.Len(t, reg.zombies, 1)
	reg.zombiesMu.Unlock()

	// once Destroy succeeds the zombie is dropped
	s.mu.Lock()
	s.destroyOK = true
	s.mu.Unlock()
	reg.cleanupZombies()
	assert.Equal(t, 3, s.destroyCalls)
	reg.zombiesMu.Lock()
	assert.Empty(t, reg.zombies)
	reg.zombiesMu.Unlock()
}

func TestCleanupPicksUpDisconnectedActiveSessions(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	edge := testEdge()
	s := newFakeSession(edge)
	reg.onEdgeConnect(edge.ID, s)

	// connection lost without a disconnect callback, consumer still running
	s.setConnected(false)
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()

	reg.cleanupZombies()
	assert.Equal(t, 1, s.destroyCalls)
}

func TestOnHighPriorityEventRoutesToConnectedSession(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	edge := testEdge()
	s := newFakeSession(edge)
	reg.onEdgeConnect(edge.ID, s)

	ev := shared.EdgeEvent{EdgeID: edge.ID, Action: shared.ActionRPCCall}
	reg.OnHighPriorityEvent(ev)
	require.Len(t, s.highPriority, 1)

	// offline edge: dropped
	s.setConnected(false)
	reg.OnHighPriorityEvent(ev)
	assert.Len(t, s.highPriority, 1)
}

func TestOnEdgeEventUpdateNudges(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	edge := testEdge()
	s := newFakeSession(edge)
	reg.onEdgeConnect(edge.ID, s)
	nudgesBefore := s.nudges

	reg.OnEdgeEventUpdate(edge.TenantID, edge.ID)
	assert.Equal(t, nudgesBefore+1, s.nudges)
}

func TestSaveEdgeEventFallsBackToWriter(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	edge := testEdge()
	s := newFakeSession(edge)
	reg.onEdgeConnect(edge.ID, s)

	require.NoError(t, reg.SaveEdgeEvent(context.Background(), shared.EdgeEvent{EdgeID: edge.ID}))
	assert.Len(t, s.saved, 1)

	// no session for this edge: the detached writer takes it
	require.NoError(t, reg.SaveEdgeEvent(context.Background(), shared.EdgeEvent{EdgeID: uuid.New()}))
	assert.Len(t, s.saved, 1)
}

func TestUpdateEdgePushesConfiguration(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	edge := testEdge()
	s := newFakeSession(edge)
	reg.onEdgeConnect(edge.ID, s)

	updated := *edge
	updated.Name = "renamed"
	reg.UpdateEdge(context.Background(), &updated)
	require.Len(t, s.configs, 1)
	assert.Equal(t, "renamed", s.configs[0].Name)
}

func TestDeleteEdgeDestroysAndCleansUp(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	edge := testEdge()
	s := newFakeSession(edge)
	reg.onEdgeConnect(edge.ID, s)

	require.NoError(t, reg.DeleteEdge(context.Background(), edge))
	assert.Nil(t, reg.ConnectedSession(edge.ID))
	assert.Equal(t, 1, s.destroyCalls)
	assert.Equal(t, 1, s.cleanups)
}

func TestShutdownDestroysAllSessions(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	first := newFakeSession(testEdge())
	second := newFakeSession(testEdge())
	reg.onEdgeConnect(first.edge.ID, first)
	reg.onEdgeConnect(second.edge.ID, second)

	reg.Shutdown()
	assert.Equal(t, 1, first.destroyCalls)
	assert.Equal(t, 1, second.destroyCalls)
	assert.Nil(t, reg.ConnectedSession(first.edge.ID))
}
