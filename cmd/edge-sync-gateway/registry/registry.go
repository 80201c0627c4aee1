package registry

import (
	"context"
	"sync"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/edgerpc"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/events"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
	"github.com/edgefabric/edge-sync-gateway/internal"
)

// ManagedSession is the registry's view of one session. Implemented by
// session.Session; tests substitute mocks.
type ManagedSession interface {
	SessionID() uuid.UUID
	Edge() *shared.Edge
	Connected() bool
	SyncInProgress() bool
	Active() bool

	HandleStream() error
	ScheduleEventCheck()
	CancelEventCheck()
	Nudge()

	Save(ctx context.Context, ev shared.EdgeEvent) error
	AddHighPriorityEvent(ev shared.EdgeEvent)
	OnConfigurationUpdate(edge *shared.Edge)
	StartSyncProcess(fullSync bool)

	Destroy() bool
	CleanUp(ctx context.Context) error
}

// SessionFactory builds a session bound to one stream and the registry's
// lifecycle callbacks.
type SessionFactory func(
	stream edgerpc.Stream,
	onConnect func(edgeID uuid.UUID, s ManagedSession),
	onDisconnect func(edge *shared.Edge, sessionID uuid.UUID),
	onSyncCompleted func(edge *shared.Edge, success bool, reason string),
) ManagedSession

type Config struct {
	ServiceID          string
	ZombieInterval     time.Duration
	SyncTimeout        time.Duration
	PersistToTelemetry bool
}

// Registry owns the edge-to-session mapping. At most one connected session
// exists per edge; a new connection for the same edge synchronously replaces
// the previous session before it is registered.
type Registry struct {
	cfg            Config
	factory        SessionFactory
	backendFactory events.Factory
	telemetry      shared.Telemetry
	ruleEngine     shared.RuleEngine
	cluster        shared.ClusterService

	mu        sync.RWMutex
	byEdge    map[uuid.UUID]ManagedSession
	bySession map[uuid.UUID]ManagedSession

	edgeLocks *mapmutex.Mutex

	zombiesMu sync.Mutex
	zombies   map[uuid.UUID]ManagedSession

	pendingSync *gocache.Cache

	waitersMu sync.Mutex
	waiters   map[uuid.UUID]chan shared.SyncResponse

	// writer persists events for edges without a live session
	writer events.Backend

	cancel context.CancelFunc
}

func New(cfg Config, factory SessionFactory, backendFactory events.Factory,
	telemetry shared.Telemetry, ruleEngine shared.RuleEngine, cluster shared.ClusterService) *Registry {
	if cfg.ZombieInterval == 0 {
		cfg.ZombieInterval = 60 * time.Second
	}
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = 20 * time.Second
	}
	r := &Registry{
		cfg:            cfg,
		factory:        factory,
		backendFactory: backendFactory,
		telemetry:      telemetry,
		ruleEngine:     ruleEngine,
		cluster:        cluster,
		byEdge:         make(map[uuid.UUID]ManagedSession),
		bySession:      make(map[uuid.UUID]ManagedSession),
		edgeLocks:      mapmutex.NewCustomizedMapMutex(800, 100000000, 10, 1.1, 0.2),
		zombies:        make(map[uuid.UUID]ManagedSession),
		waiters:        make(map[uuid.UUID]chan shared.SyncResponse),
		writer:         backendFactory.New(&shared.Edge{}, nil),
	}
	r.pendingSync = gocache.New(cfg.SyncTimeout, time.Minute)
	r.pendingSync.OnEvicted(r.onPendingSyncEvicted)
	return r
}

// Start launches the zombie-session cleanup loop.
func (r *Registry) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.cleanupLoop(ctx)
}

// Shutdown stops the cleanup loop and tears down every live session.
func (r *Registry) Shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	sessions := make([]ManagedSession, 0, len(r.bySession))
	for _, s := range r.bySession {
		sessions = append(sessions, s)
	}
	r.byEdge = make(map[uuid.UUID]ManagedSession)
	r.bySession = make(map[uuid.UUID]ManagedSession)
	r.mu.Unlock()
	for _, s := range sessions {
		s.CancelEventCheck()
		if !s.Destroy() {
			zap.S().Warnf("[%s] failed to destroy session on shutdown", s.SessionID())
		}
	}
	sessionsGauge.Set(0)
}

// HandleMsgs implements edgerpc.Handler. Each stream gets its own session.
func (r *Registry) HandleMsgs(stream edgerpc.Stream) error {
	s := r.factory(stream, r.onEdgeConnect, r.onEdgeDisconnect, r.onSyncCompleted)
	return s.HandleStream()
}

// ConnectedSession returns the connected session for an edge, or nil.
func (r *Registry) ConnectedSession(edgeID uuid.UUID) ManagedSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.byEdge[edgeID]
	if s == nil || !s.Connected() {
		return nil
	}
	return s
}

// lockEdge blocks until the per-edge lock is held. Connect, disconnect and
// delete for the same edge must never interleave.
func (r *Registry) lockEdge(edgeID uuid.UUID) {
	var retries int64
	for !r.edgeLocks.TryLock(edgeID.String()) {
		retries++
		if retries%10 == 0 {
			zap.S().Warnf("[%s] still waiting for the edge lock after %d attempts", edgeID, retries)
		}
		internal.SleepBackedOff(retries, 10*time.Millisecond, time.Second)
	}
}

func (r *Registry) unlockEdge(edgeID uuid.UUID) {
	r.edgeLocks.Unlock(edgeID.String())
}

func (r *Registry) onEdgeConnect(edgeID uuid.UUID, s ManagedSession) {
	r.lockEdge(edgeID)
	defer r.unlockEdge(edgeID)
	edge := s.Edge()
	zap.S().Infof("[%s][%s] edge connected, session %s", edge.TenantID, edgeID, s.SessionID())

	r.mu.Lock()
	old := r.byEdge[edgeID]
	r.byEdge[edgeID] = s
	r.bySession[s.SessionID()] = s
	if old != nil && old.SessionID() != s.SessionID() {
		delete(r.bySession, old.SessionID())
	}
	total := len(r.bySession)
	r.mu.Unlock()
	sessionsGauge.Set(float64(total))

	if old != nil && old.SessionID() != s.SessionID() {
		zap.S().Infof("[%s][%s] replacing previous session %s", edge.TenantID, edgeID, old.SessionID())
		old.CancelEventCheck()
		if !old.Destroy() {
			r.addZombie(old)
		}
	}

	ctx, cncl := context.WithTimeout(context.Background(), 5*time.Second)
	defer cncl()
	r.saveActivity(ctx, edge, true)
	r.ruleEngine.ProcessConnection(ctx, shared.ConnectionTrigger{
		TenantID:   edge.TenantID,
		CustomerID: edge.CustomerID,
		EdgeID:     edge.ID,
		EdgeName:   edge.Name,
		Connected:  true,
		TS:         time.Now().UnixMilli(),
	})

	s.ScheduleEventCheck()
	s.Nudge()
}

func (r *Registry) onEdgeDisconnect(edge *shared.Edge, sessionID uuid.UUID) {
	r.lockEdge(edge.ID)
	defer r.unlockEdge(edge.ID)

	r.mu.Lock()
	cur := r.byEdge[edge.ID]
	current := cur != nil && cur.SessionID() == sessionID
	if current {
		delete(r.byEdge, edge.ID)
	}
	stale := r.bySession[sessionID]
	delete(r.bySession, sessionID)
	total := len(r.bySession)
	r.mu.Unlock()
	sessionsGauge.Set(float64(total))

	if current {
		zap.S().Infof("[%s][%s] edge disconnected, session %s", edge.TenantID, edge.ID, sessionID)
		ctx, cncl := context.WithTimeout(context.Background(), 5*time.Second)
		defer cncl()
		r.saveActivity(ctx, edge, false)
		r.ruleEngine.ProcessConnection(ctx, shared.ConnectionTrigger{
			TenantID:   edge.TenantID,
			CustomerID: edge.CustomerID,
			EdgeID:     edge.ID,
			EdgeName:   edge.Name,
			Connected:  false,
			TS:         time.Now().UnixMilli(),
		})
		cur.CancelEventCheck()
		if !cur.Destroy() {
			r.addZombie(cur)
		}
		return
	}

	// a replaced session reporting its own teardown must not touch the
	// current session's state
	zap.S().Debugf("[%s][%s] stale disconnect for session %s", edge.TenantID, edge.ID, sessionID)
	if stale != nil {
		stale.CancelEventCheck()
		if !stale.Destroy() {
			r.addZombie(stale)
		}
	}
}

func (r *Registry) saveActivity(ctx context.Context, edge *shared.Edge, connected bool) {
	logErr := func(key string) func(error) {
		return func(err error) {
			if err != nil {
				zap.S().Warnf("[%s][%s] failed to save %s: %s", edge.TenantID, edge.ID, key, err)
			}
		}
	}
	r.telemetry.SaveAttribute(ctx, edge.TenantID, edge.ID, shared.AttrActivityState, connected, logErr(shared.AttrActivityState))
	key := shared.AttrLastDisconnectTime
	if connected {
		key = shared.AttrLastConnectTime
	}
	ts := time.Now().UnixMilli()
	if r.cfg.PersistToTelemetry {
		r.telemetry.SaveTimeseries(ctx, edge.TenantID, edge.ID, key, ts, logErr(key))
	} else {
		r.telemetry.SaveAttribute(ctx, edge.TenantID, edge.ID, key, ts, logErr(key))
	}
}

func (r *Registry) addZombie(s ManagedSession) {
	r.zombiesMu.Lock()
	r.zombies[s.SessionID()] = s
	n := len(r.zombies)
	r.zombiesMu.Unlock()
	zombiesGauge.Set(float64(n))
	zap.S().Warnf("[%s] session destroy failed, scheduled for cleanup retry", s.SessionID())
}

// cleanupLoop periodically retries sessions whose delivery resource outlived
// the connection.
func (r *Registry) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ZombieInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cleanupZombies()
		}
	}
}

func (r *Registry) cleanupZombies() {
	// registered sessions that lost the connection but still hold a live
	// consumer join the retry list
	r.mu.RLock()
	for _, s := range r.bySession {
		if !s.Connected() && s.Active() {
			r.zombiesMu.Lock()
			if _, ok := r.zombies[s.SessionID()]; !ok {
				r.zombies[s.SessionID()] = s
			}
			r.zombiesMu.Unlock()
		}
	}
	r.mu.RUnlock()

	r.zombiesMu.Lock()
	candidates := make([]ManagedSession, 0, len(r.zombies))
	for _, s := range r.zombies {
		candidates = append(candidates, s)
	}
	r.zombiesMu.Unlock()

	for _, s := range candidates {
		if s.Connected() {
			continue
		}
		if s.Destroy() {
			r.zombiesMu.Lock()
			delete(r.zombies, s.SessionID())
			n := len(r.zombies)
			r.zombiesMu.Unlock()
			zombiesGauge.Set(float64(n))
			zap.S().Infof("[%s] zombie session destroyed", s.SessionID())
		}
	}
}
