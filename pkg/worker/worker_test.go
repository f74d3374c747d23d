package worker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curious-containers/cc-server/pkg/cluster"
	"github.com/curious-containers/cc-server/pkg/config"
	"github.com/curious-containers/cc-server/pkg/engine"
	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/scheduling"
	"github.com/curious-containers/cc-server/pkg/state"
	"github.com/curious-containers/cc-server/pkg/storage"
	"github.com/curious-containers/cc-server/pkg/types"
)

// stubEngine is an in-memory engine tracking pulled images and container
// lifecycles.
type stubEngine struct {
	mu      sync.Mutex
	nodes   map[string]bool
	pulled  []string
	created []string
	started []string
	removed []string
}

func newStubEngine(nodes ...string) *stubEngine {
	e := &stubEngine{nodes: map[string]bool{}}
	for _, n := range nodes {
		e.nodes[n] = true
	}
	return e
}

func (e *stubEngine) AddNode(name string, cfg *types.NodeConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodes[name] = true
	return nil
}

func (e *stubEngine) RemoveNode(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.nodes, name)
}

func (e *stubEngine) Nodes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.nodes))
	for n := range e.nodes {
		out = append(out, n)
	}
	return out
}

func (e *stubEngine) HasNode(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodes[name]
}

func (e *stubEngine) Info(ctx context.Context, node string) (int64, int, error) {
	return 4096, 2, nil
}

func (e *stubEngine) Pull(ctx context.Context, node, image string, auth *types.RegistryAuth) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pulled = append(e.pulled, node+":"+image)
	return nil
}

func (e *stubEngine) Create(ctx context.Context, node, name, image string, cmd []string, ramMiB int64, securityOpt []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created = append(e.created, name)
	return nil
}

func (e *stubEngine) Start(ctx context.Context, node, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, name)
	return nil
}

func (e *stubEngine) Wait(ctx context.Context, node, name string) (int, error) { return 0, nil }

func (e *stubEngine) Logs(ctx context.Context, node, name string) (string, error) { return "", nil }

func (e *stubEngine) Remove(ctx context.Context, node, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, name)
	return nil
}

func (e *stubEngine) ContainerIP(ctx context.Context, node, name string) (string, error) {
	return "10.0.0.9", nil
}

func (e *stubEngine) ConnectToNetwork(ctx context.Context, node, name string) error { return nil }

func (e *stubEngine) ListContainers(ctx context.Context) (map[string]engine.ContainerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := map[string]engine.ContainerInfo{}
	for _, name := range e.created {
		out[name] = engine.ContainerInfo{Name: name, Node: "node-a"}
	}
	return out, nil
}

func (e *stubEngine) startedNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.started...)
}

type workerFixture struct {
	worker *Worker
	store  storage.Store
	eng    *stubEngine
}

func newWorkerFixture(t *testing.T) *workerFixture {
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

	eng := newStubEngine("node-a")
	handler := state.NewHandler(store, log.Discard, 1)
	cl := cluster.NewCluster(store, eng, handler, log.Discard, cfg)
	janitor := cluster.NewJanitor(cl, handler, log.Discard)
	inspector := cluster.NewInspector(cl, log.Discard, cfg)
	caching := scheduling.NewCaching(store, cfg.Defaults.DataContainerDescription.ContainerRAM)
	scheduler := scheduling.NewScheduler(store, handler, cl, caching, scheduling.Spread,
		log.Discard, cfg.Defaults.DataContainerDescription.ContainerRAM)

	w := New(store, handler, cl, scheduler, janitor, inspector, cfg, log.Discard)

	_, err = store.Insert(types.CollectionNodes, storage.Doc{
		"cluster_node": "node-a",
		"is_online":    true,
		"total_ram":    4096,
		"total_cpus":   2,
	})
	require.NoError(t, err)

	return &workerFixture{worker: w, store: store, eng: eng}
}

func (f *workerFixture) submitTask(t *testing.T, inputFiles []interface{}, noCache bool) string {
	t.Helper()
	id, err := f.store.Insert(types.CollectionTasks, storage.Doc{
		"username": "alice",
		"state":    int(types.StateWaiting),
		"no_cache": noCache,
		"application_container_description": storage.Doc{
			"image":         "example/worker",
			"container_ram": 1024,
		},
		"input_files": inputFiles,
		"trials":      0,
		"created_at":  types.Now(),
		"transitions": []interface{}{},
	})
	require.NoError(t, err)
	return id
}

func TestPublishCoalesces(t *testing.T) {
	f := newWorkerFixture(t)

	f.worker.PublishSchedule()
	f.worker.PublishSchedule()
	f.worker.PublishSchedule()
	assert.Len(t, f.worker.schedulingQ, 1)

	f.worker.ContainerCallback()
	assert.Len(t, f.worker.schedulingQ, 1)
	assert.Len(t, f.worker.dcCallbackQ, 1)
}

func TestTickRunsTaskWithoutCache(t *testing.T) {
	f := newWorkerFixture(t)
	taskID := f.submitTask(t, nil, true)

	f.worker.tick(context.Background())

	acs, err := f.store.Find(types.CollectionApplicationContainers, storage.Doc{"task_id": taskID})
	require.NoError(t, err)
	require.Len(t, acs, 1)
	ac := acs[0]
	acID := ac["_id"].(string)

	// No data containers involved, the container is created and started.
	assert.Equal(t, float64(types.StateWaiting), ac["state"])
	assert.Equal(t, "10.0.0.9", ac["ip"])
	assert.Contains(t, f.eng.pulled, "node-a:example/worker")
	assert.Contains(t, f.eng.created, acID)
	assert.Contains(t, f.eng.startedNames(), acID)
}

func TestTickDefersApplicationContainerOnCache(t *testing.T) {
	f := newWorkerFixture(t)
	taskID := f.submitTask(t, []interface{}{
		map[string]interface{}{
			"connector_type":   "http",
			"connector_access": map[string]interface{}{"url": "http://files/a"},
		},
	}, false)

	f.worker.tick(context.Background())

	acs, err := f.store.Find(types.CollectionApplicationContainers, storage.Doc{"task_id": taskID})
	require.NoError(t, err)
	require.Len(t, acs, 1)
	acID := acs[0]["_id"].(string)

	dcs, err := f.store.Find(types.CollectionDataContainers, nil)
	require.NoError(t, err)
	require.Len(t, dcs, 1)
	dcID := dcs[0]["_id"].(string)

	// The data container starts right away, the application container waits
	// for its cache to report readiness.
	started := f.eng.startedNames()
	assert.Contains(t, started, dcID)
	assert.NotContains(t, started, acID)

	// The cache comes up and calls back: the follow-up pass starts the
	// waiting application container.
	handler := state.NewHandler(f.store, log.Discard, 1)
	require.NoError(t, handler.Transition(types.CollectionDataContainers, dcID,
		types.StateProcessing, "Container processing.", ""))
	f.worker.dataContainerTick(context.Background())

	assert.Contains(t, f.eng.startedNames(), acID)
}

func TestNodeUpdateQueue(t *testing.T) {
	f := newWorkerFixture(t)

	f.worker.PublishNodeUpdate("node-a")
	f.worker.PublishNodeUpdate("node-b")
	assert.Len(t, f.worker.nodeQ, 2)
	assert.Equal(t, "node-a", <-f.worker.nodeQ)
	assert.Equal(t, "node-b", <-f.worker.nodeQ)
}
