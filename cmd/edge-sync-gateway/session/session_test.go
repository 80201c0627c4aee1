package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/edgerpc"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/events"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/translator"
)

type mockStream struct {
	mu      sync.Mutex
	in      chan *edgerpc.RequestMsg
	sent    []*edgerpc.ResponseMsg
	sendErr error
}

func newMockStream() *mockStream {
	return &mockStream{in: make(chan *edgerpc.RequestMsg, 16)}
}

func (m *mockStream) Send(msg *edgerpc.ResponseMsg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockStream) Recv() (*edgerpc.RequestMsg, error) {
	msg, ok := <-m.in
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (m *mockStream) Context() context.Context { return context.Background() }

func (m *mockStream) sentMsgs() []*edgerpc.ResponseMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*edgerpc.ResponseMsg, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockStream) failSends(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

type mockBackend struct {
	mu           sync.Mutex
	saved        []shared.EdgeEvent
	processCalls int
	migrateCalls int
	legacyRemain bool
	migrateErr   error
	sooner       bool
	active       bool
	destroyOK    bool
}

func (b *mockBackend) Save(ctx context.Context, ev shared.EdgeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saved = append(b.saved, ev)
	return nil
}

func (b *mockBackend) ProcessEdgeEvents(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processCalls++
	return b.sooner, nil
}

func (b *mockBackend) MigrateEdgeEvents(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.migrateCalls++
	return b.legacyRemain, b.migrateErr
}

func (b *mockBackend) Active() bool  { return b.active }
func (b *mockBackend) Destroy() bool { return b.destroyOK }

func (b *mockBackend) CleanUp(ctx context.Context) error { return nil }

type mockFactory struct {
	backend *mockBackend
}

func (f *mockFactory) New(edge *shared.Edge, sender events.DownlinkSender) events.Backend {
	return f.backend
}

type mockEdgeService struct {
	edge *shared.Edge
	err  error
}

func (m *mockEdgeService) FindEdgeByRoutingKey(ctx context.Context, routingKey string) (*shared.Edge, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.edge == nil || m.edge.RoutingKey != routingKey {
		return nil, shared.ErrEdgeNotFound
	}
	return m.edge, nil
}

type mockTelemetry struct {
	mu         sync.Mutex
	attributes map[string]any
}

func (m *mockTelemetry) SaveAttribute(ctx context.Context, tenantID, edgeID uuid.UUID, key string, value any, done func(error)) {
	m.mu.Lock()
	if m.attributes == nil {
		m.attributes = make(map[string]any)
	}
	m.attributes[key] = value
	m.mu.Unlock()
	done(nil)
}

func (m *mockTelemetry) SaveTimeseries(ctx context.Context, tenantID, edgeID uuid.UUID, key string, value any, done func(error)) {
	done(nil)
}

type mockRuleEngine struct {
	mu          sync.Mutex
	connections []shared.ConnectionTrigger
	failures    []shared.CommunicationFailureTrigger
}

func (m *mockRuleEngine) ProcessConnection(ctx context.Context, trigger shared.ConnectionTrigger) {
	m.mu.Lock()
	m.connections = append(m.connections, trigger)
	m.mu.Unlock()
}

func (m *mockRuleEngine) ProcessCommunicationFailure(ctx context.Context, trigger shared.CommunicationFailureTrigger) {
	m.mu.Lock()
	m.failures = append(m.failures, trigger)
	m.mu.Unlock()
}

func (m *mockRuleEngine) failureCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.failures)
}

type mockCluster struct {
	mu      sync.Mutex
	updates int
}

func (m *mockCluster) OnEdgeEventUpdate(ctx context.Context, tenantID, edgeID uuid.UUID) {
	m.mu.Lock()
	m.updates++
	m.mu.Unlock()
}

func (m *mockCluster) PushSyncRequest(ctx context.Context, req shared.SyncRequest)  {}
func (m *mockCluster) PushSyncResponse(ctx context.Context, resp shared.SyncResponse, serviceID string) {
}

type mockEntitySource struct {
	events map[shared.EntityType][]shared.EdgeEvent
}

func (m *mockEntitySource) Entities(ctx context.Context, tenantID uuid.UUID, entityType shared.EntityType) ([]shared.EdgeEvent, error) {
	return m.events[entityType], nil
}

func (m *mockEntitySource) AssignedToEdge(ctx context.Context, edge *shared.Edge, entityType shared.EntityType) ([]shared.EdgeEvent, error) {
	return m.events[entityType], nil
}

func (m *mockEntitySource) Customer(ctx context.Context, tenantID uuid.UUID, customerID uuid.UUID) ([]shared.EdgeEvent, error) {
	return nil, nil
}

func (m *mockEntitySource) CustomerUsers(ctx context.Context, tenantID uuid.UUID, customerID uuid.UUID) ([]shared.EdgeEvent, error) {
	return nil, nil
}

func (m *mockEntitySource) TenantAdminUsers(ctx context.Context, tenantID uuid.UUID) ([]shared.EdgeEvent, error) {
	return nil, nil
}

type testHarness struct {
	session    *Session
	stream     *mockStream
	backend    *mockBackend
	edge       *shared.Edge
	ruleEngine *mockRuleEngine
	telemetry  *mockTelemetry
	cluster    *mockCluster

	mu            sync.Mutex
	connects      int
	disconnects   int
	syncCompleted []bool
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		stream:     newMockStream(),
		backend:    &mockBackend{destroyOK: true},
		ruleEngine: &mockRuleEngine{},
		telemetry:  &mockTelemetry{},
		cluster:    &mockCluster{},
		edge: &shared.Edge{
			ID:         uuid.New(),
			TenantID:   uuid.New(),
			Name:       "factory-edge",
			Type:       "default",
			RoutingKey: "routing-key",
			Secret:     "secret",
		},
	}
	cfg := Config{
		MaxReadRecords:           10,
		NoRecordsSleep:           10 * time.Millisecond,
		SleepBetweenBatches:      20 * time.Millisecond,
		MaxHighPriorityQueueSize: 4,
		MaxInboundMessageSize:    1 << 20,
	}
	h.session = New(cfg, Deps{
		Stream:         h.stream,
		BackendFactory: &mockFactory{backend: h.backend},
		Converter:      translator.NewConverter(),
		Dispatcher:     translator.NewDispatcher(nil),
		EdgeService:    &mockEdgeService{edge: h.edge},
		Telemetry:      h.telemetry,
		RuleEngine:     h.ruleEngine,
		Cluster:        h.cluster,
		Entities:       &mockEntitySource{},
		OnConnect: func(edgeID uuid.UUID, s *Session) {
			h.mu.Lock()
			h.connects++
			h.mu.Unlock()
		},
		OnDisconnect: func(edge *shared.Edge, sessionID uuid.UUID) {
			h.mu.Lock()
			h.disconnects++
			h.mu.Unlock()
		},
		OnSyncCompleted: func(edge *shared.Edge, success bool, reason string) {
			h.mu.Lock()
			h.syncCompleted = append(h.syncCompleted, success)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *testHarness) connect(t *testing.T) {
	t.Helper()
	err := h.session.handleRequest(&edgerpc.RequestMsg{
		MsgType: edgerpc.ConnectRPCMessage,
		ConnectRequest: &edgerpc.ConnectRequestMsg{
			EdgeRoutingKey: "routing-key",
			EdgeSecret:     "secret",
			EdgeVersion:    "4.0.0",
		},
	})
	require.NoError(t, err)
	require.True(t, h.session.Connected())
}

func connectResponse(t *testing.T, stream *mockStream) *edgerpc.ConnectResponseMsg {
	t.Helper()
	msgs := stream.sentMsgs()
	require.NotEmpty(t, msgs)
	require.NotNil(t, msgs[0].ConnectResponse)
	return msgs[0].ConnectResponse
}

func TestConnectAccepted(t *testing.T) {
	h := newTestHarness(t)
	h.connect(t)

	resp := connectResponse(t, h.stream)
	assert.Equal(t, edgerpc.ConnectAccepted, resp.ResponseCode)
	require.NotNil(t, resp.Configuration)
	assert.Equal(t, h.edge.ID, resp.Configuration.EdgeID)
	assert.Equal(t, 1, h.connects)
	assert.Equal(t, "4.0.0", h.telemetry.attributes[shared.AttrEdgeVersion])
}

func TestConnectUnknownRoutingKeyRejected(t *testing.T) {
	h := newTestHarness(t)
	err := h.session.handleRequest(&edgerpc.RequestMsg{
		MsgType: edgerpc.ConnectRPCMessage,
		ConnectRequest: &edgerpc.ConnectRequestMsg{
			EdgeRoutingKey: "unknown",
			EdgeSecret:     "secret",
		},
	})
	require.Error(t, err)
	assert.False(t, h.session.Connected())

	resp := connectResponse(t, h.stream)
	assert.Equal(t, edgerpc.ConnectBadCredentials, resp.ResponseCode)
	assert.Equal(t, "Failed to find the edge! Routing key: unknown", resp.ErrorMsg)
}

func TestConnectWrongSecretRejectedWithFailureTrigger(t *testing.T) {
	h := newTestHarness(t)
	err := h.session.handleRequest(&edgerpc.RequestMsg{
		MsgType: edgerpc.ConnectRPCMessage,
		ConnectRequest: &edgerpc.ConnectRequestMsg{
			EdgeRoutingKey: "routing-key",
			EdgeSecret:     "wrong",
		},
	})
	require.Error(t, err)

	resp := connectResponse(t, h.stream)
	assert.Equal(t, edgerpc.ConnectBadCredentials, resp.ResponseCode)
	assert.Equal(t, "Failed to validate the edge! Provided request secret: wrong", resp.ErrorMsg)
	assert.Equal(t, 1, h.ruleEngine.failureCount())
}

func TestConnectLookupFailureIsServerUnavailable(t *testing.T) {
	h := newTestHarness(t)
	h.session.deps.EdgeService = &mockEdgeService{err: errors.New("db down")}

	err := h.session.handleRequest(&edgerpc.RequestMsg{
		MsgType: edgerpc.ConnectRPCMessage,
		ConnectRequest: &edgerpc.ConnectRequestMsg{
			EdgeRoutingKey: "routing-key",
			EdgeSecret:     "secret",
		},
	})
	require.Error(t, err)

	resp := connectResponse(t, h.stream)
	assert.Equal(t, edgerpc.ConnectServerUnavailable, resp.ResponseCode)
	assert.Equal(t, "Failed to process edge connection!", resp.ErrorMsg)
}

func TestUplinkIgnoredBeforeConnect(t *testing.T) {
	h := newTestHarness(t)
	err := h.session.handleRequest(&edgerpc.RequestMsg{
		MsgType: edgerpc.UplinkRPCMessage,
		Uplink:  &edgerpc.UplinkMsg{UplinkMsgID: 1},
	})
	require.NoError(t, err)
	assert.Empty(t, h.stream.sentMsgs())
}

func TestSendDownlinkPackCompletesOnAck(t *testing.T) {
	h := newTestHarness(t)
	h.connect(t)

	events := []shared.EdgeEvent{{
		TenantID:   h.edge.TenantID,
		EdgeID:     h.edge.ID,
		Action:     shared.ActionUpdated,
		EntityType: shared.EntityDevice,
		EntityID:   uuid.New(),
	}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// ack as soon as the downlink shows up on the stream
		for {
			for _, msg := range h.stream.sentMsgs() {
				if msg.Downlink != nil {
					h.session.OnDownlinkResponse(&edgerpc.DownlinkResponseMsg{
						DownlinkMsgID: msg.Downlink.DownlinkMsgID,
						Success:       true,
					})
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	interrupted, err := h.session.SendDownlinkPack(context.Background(), events)
	<-done
	require.NoError(t, err)
	assert.False(t, interrupted)
}

func TestSendDownlinkPackInterruptedOnStreamFailure(t *testing.T) {
	h := newTestHarness(t)
	h.connect(t)
	h.stream.failSends(errors.New("broken pipe"))

	events := []shared.EdgeEvent{{
		Action:     shared.ActionUpdated,
		EntityType: shared.EntityDevice,
		EntityID:   uuid.New(),
	}}
	interrupted, err := h.session.SendDownlinkPack(context.Background(), events)
	require.NoError(t, err)
	assert.True(t, interrupted)
	assert.False(t, h.session.Connected())
	h.mu.Lock()
	assert.Equal(t, 1, h.disconnects)
	h.mu.Unlock()
}

func TestSendDownlinkPackDiscardsAfterAttemptsExhausted(t *testing.T) {
	h := newTestHarness(t)
	h.connect(t)

	events := []shared.EdgeEvent{{
		Action:     shared.ActionUpdated,
		EntityType: shared.EntityDevice,
		EntityID:   uuid.New(),
	}}
	// never acked: three timed out attempts, then the message is discarded
	interrupted, err := h.session.SendDownlinkPack(context.Background(), events)
	require.NoError(t, err)
	assert.False(t, interrupted)
	assert.True(t, isClosed(h.session.pending.emptied()))
	// the failure trigger fired on the second attempt
	assert.Equal(t, 1, h.ruleEngine.failureCount())

	downlinks := 0
	for _, msg := range h.stream.sentMsgs() {
		if msg.Downlink != nil {
			downlinks++
		}
	}
	assert.Equal(t, maxDownlinkAttempts, downlinks)
}

func sentDownlinks(stream *mockStream) []*edgerpc.DownlinkMsg {
	var out []*edgerpc.DownlinkMsg
	for _, msg := range stream.sentMsgs() {
		if msg.Downlink != nil {
			out = append(out, msg.Downlink)
		}
	}
	return out
}

func TestConcurrentDownlinkBatchesDeliveredOneAtATime(t *testing.T) {
	h := newTestHarness(t)
	h.connect(t)
	h.session.cfg.SleepBetweenBatches = time.Second

	batchA := []shared.EdgeEvent{{
		Action:     shared.ActionUpdated,
		EntityType: shared.EntityDevice,
		EntityID:   uuid.New(),
	}}
	batchB := []shared.EdgeEvent{{
		Action:     shared.ActionUpdated,
		EntityType: shared.EntityAsset,
		EntityID:   uuid.New(),
	}}

	resA := make(chan bool, 1)
	go func() {
		interrupted, _ := h.session.SendDownlinkPack(context.Background(), batchA)
		resA <- interrupted
	}()
	require.Eventually(t, func() bool {
		return len(sentDownlinks(h.stream)) == 1
	}, time.Second, time.Millisecond)
	idA := sentDownlinks(h.stream)[0].DownlinkMsgID

	resB := make(chan bool, 1)
	go func() {
		interrupted, _ := h.session.SendDownlinkPack(context.Background(), batchB)
		resB <- interrupted
	}()

	// the second batch waits: nothing of it is sent and the first batch
	// cannot complete without its own ack
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sentDownlinks(h.stream), 1)
	select {
	case <-resA:
		t.Fatal("first batch completed without its ack")
	default:
	}

	h.session.OnDownlinkResponse(&edgerpc.DownlinkResponseMsg{DownlinkMsgID: idA, Success: true})
	assert.False(t, <-resA)

	require.Eventually(t, func() bool {
		return len(sentDownlinks(h.stream)) == 2
	}, time.Second, time.Millisecond)
	idB := sentDownlinks(h.stream)[1].DownlinkMsgID
	assert.NotEqual(t, idA, idB)

	h.session.OnDownlinkResponse(&edgerpc.DownlinkResponseMsg{DownlinkMsgID: idB, Success: true})
	assert.False(t, <-resB)
}

func TestHighPriorityQueueDropsOldest(t *testing.T) {
	h := newTestHarness(t)
	ids := make([]uuid.UUID, 6)
	for i := range ids {
		ids[i] = uuid.New()
		h.session.AddHighPriorityEvent(shared.EdgeEvent{
			Action:   shared.ActionRPCCall,
			EntityID: ids[i],
		})
	}

	var queued []uuid.UUID
	for {
		select {
		case ev := <-h.session.highPriority:
			queued = append(queued, ev.EntityID)
			continue
		default:
		}
		break
	}
	// capacity 4: the two oldest were dropped
	require.Len(t, queued, 4)
	assert.Equal(t, ids[2:], queued)
}

func TestStartSyncProcessRunsOnce(t *testing.T) {
	h := newTestHarness(t)
	h.connect(t)

	require.True(t, h.session.state.TryStartSync())
	// a second request while one runs is skipped
	h.session.StartSyncProcess(true)
	h.mu.Lock()
	completed := len(h.syncCompleted)
	h.mu.Unlock()
	assert.Zero(t, completed)
	h.session.state.FinishSync()
}

func TestSyncProcessSendsCompletionMsg(t *testing.T) {
	h := newTestHarness(t)
	h.connect(t)

	h.session.StartSyncProcess(false)
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.syncCompleted) == 1
	}, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	assert.True(t, h.syncCompleted[0])
	h.mu.Unlock()
	assert.False(t, h.session.SyncInProgress())

	var completion *edgerpc.DownlinkMsg
	for _, msg := range h.stream.sentMsgs() {
		if msg.Downlink != nil && msg.Downlink.SyncCompleted != nil {
			completion = msg.Downlink
		}
	}
	require.NotNil(t, completion)

	h.cluster.mu.Lock()
	assert.Equal(t, 1, h.cluster.updates)
	h.cluster.mu.Unlock()
}

func TestRunTickMigratesLegacyEventsOnce(t *testing.T) {
	h := newTestHarness(t)
	h.connect(t)
	h.backend.legacyRemain = true

	// legacy events remain: migration keeps running, the batch path waits
	assert.True(t, h.session.runTick(context.Background()))
	assert.True(t, h.session.runTick(context.Background()))
	h.backend.mu.Lock()
	assert.Equal(t, 2, h.backend.migrateCalls)
	assert.Zero(t, h.backend.processCalls)
	h.backend.mu.Unlock()

	// drained: the flag sticks and migration is never called again
	h.backend.legacyRemain = false
	assert.True(t, h.session.runTick(context.Background()))
	assert.True(t, h.session.state.MigrationDone())

	h.session.runTick(context.Background())
	h.backend.mu.Lock()
	assert.Equal(t, 3, h.backend.migrateCalls)
	assert.Equal(t, 1, h.backend.processCalls)
	h.backend.mu.Unlock()
}

func TestRunTickMigrationFailureRetriesAtIdleInterval(t *testing.T) {
	h := newTestHarness(t)
	h.connect(t)
	h.backend.mu.Lock()
	h.backend.migrateErr = errors.New("legacy store down")
	h.backend.mu.Unlock()

	// a failing migration must not re-arm the loop with the minimal delay
	assert.False(t, h.session.runTick(context.Background()))
	assert.False(t, h.session.state.MigrationDone())
	h.backend.mu.Lock()
	assert.Equal(t, 1, h.backend.migrateCalls)
	assert.Zero(t, h.backend.processCalls)
	h.backend.mu.Unlock()

	// once the store recovers the migration completes as usual
	h.backend.mu.Lock()
	h.backend.migrateErr = nil
	h.backend.mu.Unlock()
	assert.True(t, h.session.runTick(context.Background()))
	assert.True(t, h.session.state.MigrationDone())
}

func TestRunTickSkippedWhileSyncing(t *testing.T) {
	h := newTestHarness(t)
	h.connect(t)
	require.True(t, h.session.state.TryStartSync())

	assert.False(t, h.session.runTick(context.Background()))
	h.backend.mu.Lock()
	assert.Zero(t, h.backend.processCalls)
	assert.Zero(t, h.backend.migrateCalls)
	h.backend.mu.Unlock()
}

func TestDestroyStopsBackend(t *testing.T) {
	h := newTestHarness(t)
	h.connect(t)
	assert.True(t, h.session.Destroy())
	assert.False(t, h.session.Connected())

	h.backend.destroyOK = false
	assert.False(t, h.session.Destroy())
}
