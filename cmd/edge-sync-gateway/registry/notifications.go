package registry

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
)

// SaveEdgeEvent appends an event to the edge's durable log whether or not a
// session is connected.
func (r *Registry) SaveEdgeEvent(ctx context.Context, ev shared.EdgeEvent) error {
	r.mu.RLock()
	s := r.byEdge[ev.EdgeID]
	r.mu.RUnlock()
	if s != nil {
		return s.Save(ctx, ev)
	}
	return r.writer.Save(ctx, ev)
}

// OnEdgeEventUpdate wakes the edge's session so freshly stored events get
// delivered without waiting out the idle interval.
func (r *Registry) OnEdgeEventUpdate(tenantID, edgeID uuid.UUID) {
	if s := r.ConnectedSession(edgeID); s != nil {
		s.Nudge()
	}
}

// OnHighPriorityEvent bypasses the durable log. Dropped silently when the
// edge is offline: high priority events are not replayed.
func (r *Registry) OnHighPriorityEvent(ev shared.EdgeEvent) {
	s := r.ConnectedSession(ev.EdgeID)
	if s == nil {
		zap.S().Debugf("[%s][%s] dropping high priority event, edge is not connected", ev.TenantID, ev.EdgeID)
		return
	}
	s.AddHighPriorityEvent(ev)
}

// UpdateEdge pushes a platform-side edge update to the connected session.
func (r *Registry) UpdateEdge(ctx context.Context, edge *shared.Edge) {
	if s := r.ConnectedSession(edge.ID); s != nil {
		s.OnConfigurationUpdate(edge)
	}
}

// DeleteEdge tears down the session and irreversibly removes the edge's
// delivery resources.
func (r *Registry) DeleteEdge(ctx context.Context, edge *shared.Edge) error {
	r.lockEdge(edge.ID)
	defer r.unlockEdge(edge.ID)

	r.mu.Lock()
	s := r.byEdge[edge.ID]
	if s != nil {
		delete(r.byEdge, edge.ID)
		delete(r.bySession, s.SessionID())
	}
	total := len(r.bySession)
	r.mu.Unlock()
	sessionsGauge.Set(float64(total))

	if s != nil {
		zap.S().Infof("[%s][%s] edge deleted, destroying session %s", edge.TenantID, edge.ID, s.SessionID())
		s.CancelEventCheck()
		if !s.Destroy() {
			r.addZombie(s)
		}
		return s.CleanUp(ctx)
	}
	// no live session, clean up through a detached backend
	return r.backendFactory.New(edge, nil).CleanUp(ctx)
}
