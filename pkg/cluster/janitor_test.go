package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curious-containers/cc-server/pkg/engine"
	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/types"
)

func newJanitorFixture(t *testing.T) (*Janitor, *clusterFixture) {
	t.Helper()
	f := newClusterFixture(t)
	f.eng.nodes["node-a"] = &types.NodeConfig{BaseURL: "tcp://10.0.0.1:2376"}
	return NewJanitor(f.cluster, f.handler, log.Discard), f
}

func intPtr(n int) *int { return &n }

func TestReconcileRemovesFinishedContainers(t *testing.T) {
	j, f := newJanitorFixture(t)
	taskID := f.insertTask(t, nil)
	acID := f.insertApplicationContainer(t, taskID, types.StateSuccess)
	f.eng.listed[acID] = engine.ContainerInfo{Name: acID, Node: "node-a", ExitStatus: intPtr(0)}

	require.NoError(t, j.Reconcile(context.Background()))

	assert.Contains(t, f.eng.removed, acID)
}

func TestReconcileFailsExitedContainers(t *testing.T) {
	j, f := newJanitorFixture(t)
	taskID := f.insertTask(t, nil)
	acID := f.insertApplicationContainer(t, taskID, types.StateProcessing)
	f.eng.listed[acID] = engine.ContainerInfo{Name: acID, Node: "node-a", ExitStatus: intPtr(137)}
	f.eng.logs[acID] = "out of memory"

	require.NoError(t, j.Reconcile(context.Background()))

	doc, err := f.store.Get(types.CollectionApplicationContainers, acID)
	require.NoError(t, err)
	assert.Equal(t, float64(types.StateFailed), doc["state"])
	transitions := doc["transitions"].([]interface{})
	last := transitions[len(transitions)-1].(map[string]interface{})
	assert.Equal(t, "Container exited with status 137: out of memory", last["description"])
	assert.Contains(t, f.eng.removed, acID)
}

func TestReconcileIgnoresRunningAndForeignContainers(t *testing.T) {
	j, f := newJanitorFixture(t)
	taskID := f.insertTask(t, nil)
	acID := f.insertApplicationContainer(t, taskID, types.StateProcessing)
	f.eng.listed[acID] = engine.ContainerInfo{Name: acID, Node: "node-a"}
	f.eng.listed["inspect-node-a"] = engine.ContainerInfo{Name: "inspect-node-a", Node: "node-a", ExitStatus: intPtr(1)}
	f.eng.listed["user-owned"] = engine.ContainerInfo{Name: "user-owned", Node: "node-a", ExitStatus: intPtr(1)}

	require.NoError(t, j.Reconcile(context.Background()))

	doc, err := f.store.Get(types.CollectionApplicationContainers, acID)
	require.NoError(t, err)
	assert.Equal(t, float64(types.StateProcessing), doc["state"])
	assert.Empty(t, f.eng.removed)
}

func TestReconcileFailsVanishedContainers(t *testing.T) {
	j, f := newJanitorFixture(t)
	taskID := f.insertTask(t, nil)
	acID := f.insertApplicationContainer(t, taskID, types.StateProcessing)

	require.NoError(t, j.Reconcile(context.Background()))

	doc, err := f.store.Get(types.CollectionApplicationContainers, acID)
	require.NoError(t, err)
	assert.Equal(t, float64(types.StateFailed), doc["state"])
	transitions := doc["transitions"].([]interface{})
	last := transitions[len(transitions)-1].(map[string]interface{})
	assert.Equal(t, "Container vanished.", last["description"])
}

func TestReconcileSkipsVanishedOnMissingNode(t *testing.T) {
	j, f := newJanitorFixture(t)
	f.eng.RemoveNode("node-a")
	taskID := f.insertTask(t, nil)
	acID := f.insertApplicationContainer(t, taskID, types.StateProcessing)

	require.NoError(t, j.Reconcile(context.Background()))

	// The node inspector owns containers on unreachable nodes.
	doc, err := f.store.Get(types.CollectionApplicationContainers, acID)
	require.NoError(t, err)
	assert.Equal(t, float64(types.StateProcessing), doc["state"])
}

func TestRetireDataContainers(t *testing.T) {
	j, f := newJanitorFixture(t)

	idle := f.insertDataContainer(t, types.StateProcessing)
	busy := f.insertDataContainer(t, types.StateProcessing)

	taskID := f.insertTask(t, nil)
	acID, err := f.store.Insert(types.CollectionApplicationContainers, map[string]interface{}{
		"task_id":            taskID,
		"username":           "alice",
		"cluster_node":       "node-a",
		"container_ram":      1024,
		"state":              int(types.StateProcessing),
		"data_container_ids": []interface{}{busy},
		"callback_key":       "ac-secret",
		"callbacks":          []interface{}{},
		"transitions":        []interface{}{},
	})
	require.NoError(t, err)

	require.NoError(t, j.RetireDataContainers(context.Background()))

	doc, err := f.store.Get(types.CollectionDataContainers, idle)
	require.NoError(t, err)
	assert.Equal(t, float64(types.StateSuccess), doc["state"])
	assert.Contains(t, f.eng.removed, idle)

	doc, err = f.store.Get(types.CollectionDataContainers, busy)
	require.NoError(t, err)
	assert.Equal(t, float64(types.StateProcessing), doc["state"])

	// Once the dependent finishes, the cache retires on the next pass.
	require.NoError(t, f.handler.Transition(types.CollectionApplicationContainers, acID,
		types.StateSuccess, "Container done.", ""))
	require.NoError(t, j.RetireDataContainers(context.Background()))
	doc, err = f.store.Get(types.CollectionDataContainers, busy)
	require.NoError(t, err)
	assert.Equal(t, float64(types.StateSuccess), doc["state"])
}
