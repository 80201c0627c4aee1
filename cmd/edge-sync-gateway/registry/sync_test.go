package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
)

func TestProcessSyncRequestOfflineEdgeAnsweredImmediately(t *testing.T) {
	reg, cluster, _ := newTestRegistry(t)
	req := shared.SyncRequest{
		ID:        uuid.New(),
		TenantID:  uuid.New(),
		EdgeID:    uuid.New(),
		ServiceID: "node-2",
	}

	reg.ProcessSyncRequest(context.Background(), req)

	resp, ok := cluster.lastResponse()
	require.True(t, ok)
	assert.Equal(t, req.ID, resp.RequestID)
	assert.False(t, resp.Success)
	assert.Equal(t, "Edge is not connected", resp.Reason)
}

func TestProcessSyncRequestRejectedWhileSyncing(t *testing.T) {
	reg, cluster, _ := newTestRegistry(t)
	edge := testEdge()
	s := newFakeSession(edge)
	s.syncInProgress = true
	reg.onEdgeConnect(edge.ID, s)

	req := shared.SyncRequest{ID: uuid.New(), TenantID: edge.TenantID, EdgeID: edge.ID, ServiceID: "node-2"}
	reg.ProcessSyncRequest(context.Background(), req)

	resp, ok := cluster.lastResponse()
	require.True(t, ok)
	assert.False(t, resp.Success)
	assert.Equal(t, "Sync process is active at the moment", resp.Reason)
	assert.Zero(t, s.syncStarts)
}

func TestProcessSyncRequestStartsSyncAndReportsCompletion(t *testing.T) {
	reg, cluster, _ := newTestRegistry(t)
	edge := testEdge()
	s := newFakeSession(edge)
	reg.onEdgeConnect(edge.ID, s)

	req := shared.SyncRequest{ID: uuid.New(), TenantID: edge.TenantID, EdgeID: edge.ID, ServiceID: "node-2"}
	reg.ProcessSyncRequest(context.Background(), req)
	assert.Equal(t, 1, s.syncStarts)
	_, answered := cluster.lastResponse()
	assert.False(t, answered)

	reg.onSyncCompleted(edge, true, "")

	resp, ok := cluster.lastResponse()
	require.True(t, ok)
	assert.Equal(t, req.ID, resp.RequestID)
	assert.True(t, resp.Success)

	// the completion consumed the pending entry, a second report is a no-op
	reg.onSyncCompleted(edge, true, "")
	cluster.mu.Lock()
	total := len(cluster.responses)
	cluster.mu.Unlock()
	assert.Equal(t, 1, total)
}

func TestPendingSyncRequestTimesOut(t *testing.T) {
	reg, cluster, _ := newTestRegistry(t)
	edge := testEdge()
	s := newFakeSession(edge)
	reg.onEdgeConnect(edge.ID, s)

	req := shared.SyncRequest{ID: uuid.New(), TenantID: edge.TenantID, EdgeID: edge.ID, ServiceID: "node-2"}
	reg.ProcessSyncRequest(context.Background(), req)

	require.Eventually(t, func() bool {
		reg.pendingSync.DeleteExpired()
		_, ok := cluster.lastResponse()
		return ok
	}, time.Second, 10*time.Millisecond)

	resp, _ := cluster.lastResponse()
	assert.False(t, resp.Success)
	assert.Equal(t, "Edge is not connected", resp.Reason)

	// a late completion must not produce a second response
	reg.onSyncCompleted(edge, true, "")
	cluster.mu.Lock()
	total := len(cluster.responses)
	cluster.mu.Unlock()
	assert.Equal(t, 1, total)
}

func TestRequestSyncRoundTrip(t *testing.T) {
	reg, cluster, _ := newTestRegistry(t)
	cluster.loopback = true
	edge := testEdge()
	s := newFakeSession(edge)
	reg.onEdgeConnect(edge.ID, s)

	done := make(chan shared.SyncResponse, 1)
	go func() {
		done <- reg.RequestSync(context.Background(), edge.TenantID, edge.ID)
	}()

	// wait for the routed request to start the session's sync, then complete it
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.syncStarts == 1
	}, time.Second, 5*time.Millisecond)
	reg.onSyncCompleted(edge, true, "")

	select {
	case resp := <-done:
		assert.True(t, resp.Success)
		assert.Equal(t, edge.ID, resp.EdgeID)
	case <-time.After(time.Second):
		t.Fatal("sync response never arrived")
	}
}

func TestRequestSyncTimesOutWithoutOwner(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	resp := reg.RequestSync(context.Background(), uuid.New(), uuid.New())
	assert.False(t, resp.Success)
	assert.Equal(t, "Edge is not connected", resp.Reason)
}
