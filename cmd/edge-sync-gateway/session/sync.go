package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/edgerpc"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/synccursor"
)

// StartSyncProcess walks the entity fetch plan and pushes the results to the
// edge. At most one sync runs per session; a request arriving while one is
// already running is ignored.
func (s *Session) StartSyncProcess(fullSync bool) {
	if !s.state.TryStartSync() {
		zap.S().Infof("[%s] Sync process is active at the moment", s.SessionID())
		return
	}
	go s.doSync(fullSync)
}

func (s *Session) doSync(fullSync bool) {
	edge := s.state.Edge()
	zap.S().Infof("[%s][%s] starting sync process, fullSync %v", edge.TenantID, edge.ID, fullSync)

	success := false
	reason := ""
	defer func() {
		s.state.FinishSync()
		if s.deps.OnSyncCompleted != nil {
			s.deps.OnSyncCompleted(edge, success, reason)
		}
		// delivery of events stored while the sync was running
		s.deps.Cluster.OnEdgeEventUpdate(context.Background(), edge.TenantID, edge.ID)
		s.Nudge()
	}()

	ctx := context.Background()
	cursor := synccursor.New(s.deps.Entities, edge, fullSync)
	for cursor.HasNext() {
		if !s.state.Connected() {
			zap.S().Infof("[%s][%s] sync interrupted, edge disconnected", edge.TenantID, edge.ID)
			reason = "Edge is not connected"
			return
		}
		f := cursor.Next()
		events, err := f.Fetch(ctx, edge)
		if err != nil {
			zap.S().Warnf("[%s][%s] sync fetcher %s failed, continuing: %s", edge.TenantID, edge.ID, f.Name(), err)
			continue
		}
		if len(events) == 0 {
			continue
		}
		interrupted, err := s.SendDownlinkPack(ctx, events)
		if err != nil {
			zap.S().Warnf("[%s][%s] sync fetcher %s delivery failed: %s", edge.TenantID, edge.ID, f.Name(), err)
		}
		if interrupted {
			zap.S().Infof("[%s][%s] sync interrupted at fetcher %s", edge.TenantID, edge.ID, f.Name())
			reason = "Sync process was interrupted"
			return
		}
	}

	_ = s.send(&edgerpc.ResponseMsg{Downlink: &edgerpc.DownlinkMsg{
		DownlinkMsgID: s.nextMsgID(),
		SyncCompleted: &edgerpc.SyncCompletedMsg{},
	}})
	success = true
	zap.S().Infof("[%s][%s] sync process completed", edge.TenantID, edge.ID)
}
