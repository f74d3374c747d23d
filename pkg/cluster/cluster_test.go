package cluster

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curious-containers/cc-server/pkg/config"
	"github.com/curious-containers/cc-server/pkg/engine"
	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/state"
	"github.com/curious-containers/cc-server/pkg/storage"
	"github.com/curious-containers/cc-server/pkg/types"
)

// fakeEngine is an in-memory engine recording calls for assertions.
type fakeEngine struct {
	mu         sync.Mutex
	nodes      map[string]*types.NodeConfig
	listed     map[string]engine.ContainerInfo
	logs       map[string]string
	ips        map[string]string
	created    []createCall
	started    []string
	removed    []string
	failCreate bool
	failStart  bool
	failInfo   bool
}

type createCall struct {
	node        string
	name        string
	image       string
	cmd         []string
	ram         int64
	securityOpt []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		nodes:  map[string]*types.NodeConfig{},
		listed: map[string]engine.ContainerInfo{},
		logs:   map[string]string{},
		ips:    map[string]string{},
	}
}

func (e *fakeEngine) AddNode(name string, cfg *types.NodeConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodes[name] = cfg
	return nil
}

func (e *fakeEngine) RemoveNode(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.nodes, name)
}

func (e *fakeEngine) Nodes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.nodes))
	for n := range e.nodes {
		out = append(out, n)
	}
	return out
}

func (e *fakeEngine) HasNode(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.nodes[name]
	return ok
}

func (e *fakeEngine) Info(ctx context.Context, node string) (int64, int, error) {
	if e.failInfo {
		return 0, 0, fmt.Errorf("node unreachable")
	}
	return 4096, 2, nil
}

func (e *fakeEngine) Pull(ctx context.Context, node, image string, auth *types.RegistryAuth) error {
	return nil
}

func (e *fakeEngine) Create(ctx context.Context, node, name, image string, cmd []string, ramMiB int64, securityOpt []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failCreate {
		return fmt.Errorf("image not found")
	}
	e.created = append(e.created, createCall{
		node: node, name: name, image: image, cmd: cmd, ram: ramMiB, securityOpt: securityOpt,
	})
	return nil
}

func (e *fakeEngine) Start(ctx context.Context, node, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failStart {
		return fmt.Errorf("no such container")
	}
	e.started = append(e.started, name)
	return nil
}

func (e *fakeEngine) Wait(ctx context.Context, node, name string) (int, error) {
	return 0, nil
}

func (e *fakeEngine) Logs(ctx context.Context, node, name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logs[name], nil
}

func (e *fakeEngine) Remove(ctx context.Context, node, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, name)
	delete(e.listed, name)
	return nil
}

func (e *fakeEngine) ContainerIP(ctx context.Context, node, name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ip, ok := e.ips[name]; ok {
		return ip, nil
	}
	return "10.0.0.9", nil
}

func (e *fakeEngine) ConnectToNetwork(ctx context.Context, node, name string) error {
	return nil
}

func (e *fakeEngine) ListContainers(ctx context.Context) (map[string]engine.ContainerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]engine.ContainerInfo, len(e.listed))
	for k, v := range e.listed {
		out[k] = v
	}
	return out, nil
}

type clusterFixture struct {
	cluster *Cluster
	store   storage.Store
	eng     *fakeEngine
	handler *state.Handler
}

func newClusterFixture(t *testing.T) *clusterFixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{}
	cfg.ServerWeb.ExternalURL = "http://cc.example.com"
	cfg.Defaults.ApplicationContainerDescription.EntryPoint = "/usr/bin/cc-container-worker"
	cfg.Defaults.DataContainerDescription = config.ContainerDescription{
		Image:        "example/data-container",
		EntryPoint:   "/usr/bin/cc-data-worker",
		ContainerRAM: 512,
		NumWorkers:   4,
	}

	eng := newFakeEngine()
	handler := state.NewHandler(store, log.Discard, 1)
	return &clusterFixture{
		cluster: NewCluster(store, eng, handler, log.Discard, cfg),
		store:   store,
		eng:     eng,
		handler: handler,
	}
}

func (f *clusterFixture) insertTask(t *testing.T, description storage.Doc) string {
	t.Helper()
	id, err := f.store.Insert(types.CollectionTasks, storage.Doc{
		"username":                          "alice",
		"state":                             int(types.StateProcessing),
		"trials":                            0,
		"application_container_description": description,
		"transitions":                       []interface{}{},
	})
	require.NoError(t, err)
	return id
}

func (f *clusterFixture) insertApplicationContainer(t *testing.T, taskID string, st types.State) string {
	t.Helper()
	id, err := f.store.Insert(types.CollectionApplicationContainers, storage.Doc{
		"task_id":            taskID,
		"username":           "alice",
		"cluster_node":       "node-a",
		"container_ram":      1024,
		"state":              int(st),
		"data_container_ids": []interface{}{},
		"callback_key":       "ac-secret",
		"callbacks":          []interface{}{},
		"transitions":        []interface{}{},
	})
	require.NoError(t, err)
	return id
}

func (f *clusterFixture) insertDataContainer(t *testing.T, st types.State) string {
	t.Helper()
	id, err := f.store.Insert(types.CollectionDataContainers, storage.Doc{
		"username":        "alice",
		"cluster_node":    "node-a",
		"container_ram":   512,
		"input_files":     []interface{}{},
		"input_file_keys": []interface{}{},
		"callback_key":    "dc-secret",
		"callbacks":       []interface{}{},
		"transitions":     []interface{}{},
		"state":           int(st),
	})
	require.NoError(t, err)
	return id
}

func (f *clusterFixture) docState(t *testing.T, collection, id string) types.State {
	t.Helper()
	doc, err := f.store.Get(collection, id)
	require.NoError(t, err)
	return types.State(int(docFloat(doc, "state")))
}

func TestInitNodesRegistersAndProbes(t *testing.T) {
	f := newClusterFixture(t)
	f.cluster.cfg.Docker.Nodes = map[string]*types.NodeConfig{
		"node-a": {BaseURL: "tcp://10.0.0.1:2376"},
	}

	require.NoError(t, f.cluster.InitNodes(context.Background()))

	assert.True(t, f.eng.HasNode("node-a"))
	nodes, err := f.cluster.OnlineNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-a", nodes[0].ClusterNode)
	assert.Equal(t, int64(4096), nodes[0].TotalRAM)
	assert.Equal(t, 2, nodes[0].TotalCPUs)

	nc, err := f.cluster.NodeConfigFor("node-a")
	require.NoError(t, err)
	assert.Equal(t, "tcp://10.0.0.1:2376", nc.BaseURL)
}

func TestInitNodesMarksUnreachableOffline(t *testing.T) {
	f := newClusterFixture(t)
	f.eng.failInfo = true
	f.cluster.cfg.Docker.Nodes = map[string]*types.NodeConfig{
		"node-a": {BaseURL: "tcp://10.0.0.1:2376"},
	}

	require.NoError(t, f.cluster.InitNodes(context.Background()))

	nodes, err := f.cluster.OnlineNodes()
	require.NoError(t, err)
	assert.Empty(t, nodes)

	doc, err := f.store.FindOne(types.CollectionNodes, storage.Doc{"cluster_node": "node-a"})
	require.NoError(t, err)
	assert.Equal(t, "node unreachable", doc["debug_info"])
}

func TestInitNodesWithoutNodesFails(t *testing.T) {
	f := newClusterFixture(t)
	assert.Error(t, f.cluster.InitNodes(context.Background()))
}

func TestCreateApplicationContainer(t *testing.T) {
	f := newClusterFixture(t)
	taskID := f.insertTask(t, storage.Doc{
		"image":         "example/worker",
		"container_ram": 1024,
		"sandbox":       storage.Doc{"seccomp": "unconfined"},
	})
	acID := f.insertApplicationContainer(t, taskID, types.StateCreated)

	require.NoError(t, f.cluster.CreateApplicationContainer(context.Background(), acID))

	require.Len(t, f.eng.created, 1)
	call := f.eng.created[0]
	assert.Equal(t, "node-a", call.node)
	assert.Equal(t, acID, call.name)
	assert.Equal(t, "example/worker", call.image)
	assert.Equal(t, int64(1024), call.ram)
	assert.Equal(t, []string{"seccomp:unconfined"}, call.securityOpt)

	// The worker command carries the callback settings as one JSON argument.
	require.Len(t, call.cmd, 2)
	assert.Equal(t, "/usr/bin/cc-container-worker", call.cmd[0])
	assert.Contains(t, call.cmd[1], acID)
	assert.Contains(t, call.cmd[1], "ac-secret")
	assert.Contains(t, call.cmd[1], "http://cc.example.com/application-containers/callback")

	assert.Equal(t, types.StateWaiting, f.docState(t, types.CollectionApplicationContainers, acID))
}

func TestCreateApplicationContainerFailure(t *testing.T) {
	f := newClusterFixture(t)
	f.eng.failCreate = true
	taskID := f.insertTask(t, storage.Doc{"image": "example/worker", "container_ram": 1024})
	acID := f.insertApplicationContainer(t, taskID, types.StateCreated)

	require.NoError(t, f.cluster.CreateApplicationContainer(context.Background(), acID))

	assert.Equal(t, types.StateFailed, f.docState(t, types.CollectionApplicationContainers, acID))
	doc, err := f.store.Get(types.CollectionApplicationContainers, acID)
	require.NoError(t, err)
	transitions := doc["transitions"].([]interface{})
	last := transitions[len(transitions)-1].(map[string]interface{})
	assert.Equal(t, "Container creation failed.", last["description"])
	assert.Equal(t, "image not found", last["exception"])
}

func TestCreateDataContainer(t *testing.T) {
	f := newClusterFixture(t)
	dcID := f.insertDataContainer(t, types.StateCreated)

	require.NoError(t, f.cluster.CreateDataContainer(context.Background(), dcID))

	require.Len(t, f.eng.created, 1)
	call := f.eng.created[0]
	assert.Equal(t, "example/data-container", call.image)
	assert.Equal(t, "/usr/bin/cc-data-worker", call.cmd[0])
	assert.Contains(t, call.cmd[1], "http://cc.example.com/data-containers/callback")
	assert.Equal(t, types.StateWaiting, f.docState(t, types.CollectionDataContainers, dcID))
}

func TestStartContainerPersistsAddress(t *testing.T) {
	f := newClusterFixture(t)
	dcID := f.insertDataContainer(t, types.StateWaiting)
	f.eng.ips[dcID] = "10.0.0.7"

	require.NoError(t, f.cluster.StartContainer(context.Background(), types.CollectionDataContainers, dcID))

	assert.Equal(t, []string{dcID}, f.eng.started)
	doc, err := f.store.Get(types.CollectionDataContainers, dcID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", doc["ip"])
}

func TestStartContainerFailure(t *testing.T) {
	f := newClusterFixture(t)
	f.eng.failStart = true
	taskID := f.insertTask(t, storage.Doc{"image": "example/worker", "container_ram": 1024})
	acID := f.insertApplicationContainer(t, taskID, types.StateWaiting)

	require.NoError(t, f.cluster.StartContainer(context.Background(), types.CollectionApplicationContainers, acID))

	assert.Equal(t, types.StateFailed, f.docState(t, types.CollectionApplicationContainers, acID))
	// The owning task fails with the container as cause.
	assert.Equal(t, types.StateFailed, f.docState(t, types.CollectionTasks, taskID))
}
