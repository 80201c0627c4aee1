package registry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
)

type pendingSync struct {
	req  shared.SyncRequest
	done atomic.Bool
}

// RequestSync asks the node owning the edge's session to run a full sync and
// waits for the outcome. The request travels through the cluster fabric even
// when the session is local.
func (r *Registry) RequestSync(ctx context.Context, tenantID, edgeID uuid.UUID) shared.SyncResponse {
	req := shared.SyncRequest{
		ID:        uuid.New(),
		TenantID:  tenantID,
		EdgeID:    edgeID,
		ServiceID: r.cfg.ServiceID,
	}
	waiter := make(chan shared.SyncResponse, 1)
	r.waitersMu.Lock()
	r.waiters[req.ID] = waiter
	r.waitersMu.Unlock()
	defer func() {
		r.waitersMu.Lock()
		delete(r.waiters, req.ID)
		r.waitersMu.Unlock()
	}()

	r.cluster.PushSyncRequest(ctx, req)

	select {
	case resp := <-waiter:
		return resp
	case <-time.After(r.cfg.SyncTimeout):
	case <-ctx.Done():
	}
	return shared.SyncResponse{
		RequestID: req.ID,
		TenantID:  tenantID,
		EdgeID:    edgeID,
		Success:   false,
		Reason:    "Edge is not connected",
	}
}

// ProcessSyncRequest handles a sync request routed to this node. A request
// for an offline edge is answered immediately with a negative response;
// otherwise the outcome is reported once the session's sync run finishes, or
// by expiry of the pending entry.
func (r *Registry) ProcessSyncRequest(ctx context.Context, req shared.SyncRequest) {
	s := r.ConnectedSession(req.EdgeID)
	if s == nil {
		r.cluster.PushSyncResponse(ctx, shared.SyncResponse{
			RequestID: req.ID,
			TenantID:  req.TenantID,
			EdgeID:    req.EdgeID,
			Success:   false,
			Reason:    "Edge is not connected",
		}, req.ServiceID)
		return
	}
	if s.SyncInProgress() {
		r.cluster.PushSyncResponse(ctx, shared.SyncResponse{
			RequestID: req.ID,
			TenantID:  req.TenantID,
			EdgeID:    req.EdgeID,
			Success:   false,
			Reason:    "Sync process is active at the moment",
		}, req.ServiceID)
		return
	}
	r.pendingSync.SetDefault(req.EdgeID.String(), &pendingSync{req: req})
	s.StartSyncProcess(true)
}

// ProcessSyncResponse completes the local waiter of a sync request.
func (r *Registry) ProcessSyncResponse(resp shared.SyncResponse) {
	r.waitersMu.Lock()
	waiter := r.waiters[resp.RequestID]
	delete(r.waiters, resp.RequestID)
	r.waitersMu.Unlock()
	if waiter == nil {
		zap.S().Debugf("[%s][%s] no waiter for sync response %s", resp.TenantID, resp.EdgeID, resp.RequestID)
		return
	}
	waiter <- resp
}

// onSyncCompleted consumes the pending entry exactly once. The eviction
// callback covers the expiry path with the same once-guard.
func (r *Registry) onSyncCompleted(edge *shared.Edge, success bool, reason string) {
	v, ok := r.pendingSync.Get(edge.ID.String())
	if !ok {
		return
	}
	p := v.(*pendingSync)
	if !p.done.CompareAndSwap(false, true) {
		return
	}
	ctx, cncl := context.WithTimeout(context.Background(), 5*time.Second)
	defer cncl()
	r.cluster.PushSyncResponse(ctx, shared.SyncResponse{
		RequestID: p.req.ID,
		TenantID:  p.req.TenantID,
		EdgeID:    p.req.EdgeID,
		Success:   success,
		Reason:    reason,
	}, p.req.ServiceID)
	r.pendingSync.Delete(edge.ID.String())
}

func (r *Registry) onPendingSyncEvicted(_ string, v any) {
	p, ok := v.(*pendingSync)
	if !ok || !p.done.CompareAndSwap(false, true) {
		return
	}
	zap.S().Infof("[%s][%s] sync request %s timed out", p.req.TenantID, p.req.EdgeID, p.req.ID)
	ctx, cncl := context.WithTimeout(context.Background(), 5*time.Second)
	defer cncl()
	r.cluster.PushSyncResponse(ctx, shared.SyncResponse{
		RequestID: p.req.ID,
		TenantID:  p.req.TenantID,
		EdgeID:    p.req.EdgeID,
		Success:   false,
		Reason:    "Edge is not connected",
	}, p.req.ServiceID)
}
