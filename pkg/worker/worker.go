package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/curious-containers/cc-server/pkg/cluster"
	"github.com/curious-containers/cc-server/pkg/config"
	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/metrics"
	"github.com/curious-containers/cc-server/pkg/scheduling"
	"github.com/curious-containers/cc-server/pkg/state"
	"github.com/curious-containers/cc-server/pkg/storage"
	"github.com/curious-containers/cc-server/pkg/types"
)

// Worker owns the scheduling loop and the event queues feeding it. Both
// queues have capacity 1 and coalesce: publishing into a full queue drops the
// event, the pending tick will observe the new state anyway.
type Worker struct {
	store     storage.Store
	handler   *state.Handler
	cluster   *cluster.Cluster
	scheduler *scheduling.Scheduler
	janitor   *cluster.Janitor
	inspector *cluster.Inspector
	cfg       *config.Config
	tee       log.Tee

	schedulingQ chan struct{}
	dcCallbackQ chan struct{}
	nodeQ       chan string

	starting sync.Map
}

// New creates a worker.
func New(store storage.Store, handler *state.Handler, cl *cluster.Cluster,
	scheduler *scheduling.Scheduler, janitor *cluster.Janitor, inspector *cluster.Inspector,
	cfg *config.Config, tee log.Tee) *Worker {
	return &Worker{
		store:       store,
		handler:     handler,
		cluster:     cl,
		scheduler:   scheduler,
		janitor:     janitor,
		inspector:   inspector,
		cfg:         cfg,
		tee:         tee,
		schedulingQ: make(chan struct{}, 1),
		dcCallbackQ: make(chan struct{}, 1),
		nodeQ:       make(chan string, 64),
	}
}

// PublishSchedule requests a scheduling tick. Non-blocking; coalesces.
func (w *Worker) PublishSchedule() {
	select {
	case w.schedulingQ <- struct{}{}:
	default:
	}
}

// PublishDataContainerCallback requests a data container fan-out pass.
// Non-blocking; coalesces.
func (w *Worker) PublishDataContainerCallback() {
	select {
	case w.dcCallbackQ <- struct{}{}:
	default:
	}
}

// ContainerCallback handles a finished application container: retire unused
// data containers, then reschedule.
func (w *Worker) ContainerCallback() {
	w.PublishDataContainerCallback()
	w.PublishSchedule()
}

// DataContainerCallback handles a data container becoming ready.
func (w *Worker) DataContainerCallback() {
	w.PublishDataContainerCallback()
}

// PublishNodeUpdate enqueues a single-node inspection.
func (w *Worker) PublishNodeUpdate(name string) {
	select {
	case w.nodeQ <- name:
	default:
		w.tee(fmt.Sprintf("Node inspection queue full, dropping update for %s", name))
	}
}

// Run starts all loops and blocks until ctx is cancelled. On startup it
// prewarms the data container image on every node and publishes one initial
// scheduling event.
func (w *Worker) Run(ctx context.Context) {
	w.prewarm(ctx)
	w.PublishSchedule()

	var wg sync.WaitGroup
	loops := []func(context.Context){
		w.schedulingLoop,
		w.dataContainerLoop,
		w.nodeLoop,
		w.cronLoop,
		w.inspectionLoop,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(loop func(context.Context)) {
			defer wg.Done()
			loop(ctx)
		}(loop)
	}
	wg.Wait()
}

// prewarm pulls the data container image on every node and logs the node
// inventory.
func (w *Worker) prewarm(ctx context.Context) {
	nodes, err := w.cluster.OnlineNodes()
	if err != nil {
		w.tee(fmt.Sprintf("Node inventory failed: %v", err))
		return
	}
	metrics.NodesOnline.Set(float64(len(nodes)))

	dcd := w.cfg.Defaults.DataContainerDescription
	var wg sync.WaitGroup
	for _, n := range nodes {
		w.tee(fmt.Sprintf("Node %s: %d MiB RAM, %d CPUs", n.ClusterNode, n.TotalRAM, n.TotalCPUs))
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := w.cluster.Engine().Pull(ctx, name, dcd.Image, dcd.RegistryAuth); err != nil {
				w.tee(fmt.Sprintf("Image prewarm on %s failed: %v", name, err))
			}
		}(n.ClusterNode)
	}
	wg.Wait()
}

func (w *Worker) schedulingLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.schedulingQ:
			w.tick(ctx)
		}
	}
}

// tick runs one full scheduling pass.
func (w *Worker) tick(ctx context.Context) {
	start := time.Now()

	if err := w.janitor.Reconcile(ctx); err != nil {
		w.tee(fmt.Sprintf("Reconciliation failed: %v", err))
	}
	if err := w.handler.UpdateTaskGroups(); err != nil {
		w.tee(fmt.Sprintf("Task group sweep failed: %v", err))
	}
	if err := w.scheduler.Schedule(); err != nil {
		w.tee(fmt.Sprintf("Scheduling failed: %v", err))
	}
	w.updateImages(ctx)
	w.createContainers(ctx)

	if nodes, err := w.cluster.OnlineNodes(); err == nil {
		metrics.NodesOnline.Set(float64(len(nodes)))
	}
	metrics.SchedulingTicks.Inc()
	metrics.SchedulingDuration.Observe(time.Since(start).Seconds())
}

type pullJob struct {
	node  string
	image string
	auth  *types.RegistryAuth
}

// updateImages pulls the image of every created container on its target node.
// Pulls fan out in parallel; a failed pull schedules the node for inspection.
func (w *Worker) updateImages(ctx context.Context) {
	jobs := map[string]pullJob{}

	for _, doc := range w.created(types.CollectionApplicationContainers) {
		taskID, _ := doc["task_id"].(string)
		task, err := w.store.Get(types.CollectionTasks, taskID)
		if err != nil {
			continue
		}
		description, _ := task["application_container_description"].(map[string]interface{})
		image, _ := description["image"].(string)
		node, _ := doc["cluster_node"].(string)

		var auth *types.RegistryAuth
		if raw, ok := description["registry_auth"].(map[string]interface{}); ok {
			auth = &types.RegistryAuth{}
			_ = storage.Decode(raw, auth)
		}
		jobs[node+"\x00"+image] = pullJob{node: node, image: image, auth: auth}
	}

	dcd := w.cfg.Defaults.DataContainerDescription
	for _, doc := range w.created(types.CollectionDataContainers) {
		node, _ := doc["cluster_node"].(string)
		jobs[node+"\x00"+dcd.Image] = pullJob{node: node, image: dcd.Image, auth: dcd.RegistryAuth}
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job pullJob) {
			defer wg.Done()
			if err := w.cluster.Engine().Pull(ctx, job.node, job.image, job.auth); err != nil {
				w.tee(fmt.Sprintf("Image pull %s on %s failed: %v", job.image, job.node, err))
				w.PublishNodeUpdate(job.node)
			}
		}(job)
	}
	wg.Wait()
}

// createContainers creates the engine container for every created document
// and arranges its start: data containers start immediately, application
// containers wait for their data containers to reach processing.
func (w *Worker) createContainers(ctx context.Context) {
	var wg sync.WaitGroup

	for _, doc := range w.created(types.CollectionDataContainers) {
		id, _ := doc["_id"].(string)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := w.cluster.CreateDataContainer(ctx, id); err != nil {
				w.tee(fmt.Sprintf("Data container %s creation failed: %v", id, err))
				return
			}
			metrics.ContainersCreated.WithLabelValues(types.CollectionDataContainers).Inc()
			if err := w.cluster.StartContainer(ctx, types.CollectionDataContainers, id); err != nil {
				w.tee(fmt.Sprintf("Data container %s start failed: %v", id, err))
			}
		}(id)
	}

	for _, doc := range w.created(types.CollectionApplicationContainers) {
		id, _ := doc["_id"].(string)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := w.cluster.CreateApplicationContainer(ctx, id); err != nil {
				w.tee(fmt.Sprintf("Application container %s creation failed: %v", id, err))
				return
			}
			metrics.ContainersCreated.WithLabelValues(types.CollectionApplicationContainers).Inc()
			w.tryStartApplicationContainer(ctx, id)
		}(id)
	}

	wg.Wait()
}

func (w *Worker) created(collection string) []storage.Doc {
	docs, err := w.store.Find(collection, storage.Doc{"state": int(types.StateCreated)})
	if err != nil {
		w.tee(fmt.Sprintf("Lookup of created %s failed: %v", collection, err))
		return nil
	}
	return docs
}

// tryStartApplicationContainer starts a waiting application container once
// every data container it references is processing. Re-reads the store for
// the current truth and no-ops when preconditions changed.
func (w *Worker) tryStartApplicationContainer(ctx context.Context, id string) {
	if _, loaded := w.starting.LoadOrStore(id, struct{}{}); loaded {
		return
	}
	defer w.starting.Delete(id)

	doc, err := w.store.Get(types.CollectionApplicationContainers, id)
	if err != nil {
		return
	}
	if st, _ := doc["state"].(float64); types.State(int(st)) != types.StateWaiting {
		return
	}

	seen := map[string]bool{}
	ids, _ := doc["data_container_ids"].([]interface{})
	for _, raw := range ids {
		dcID, ok := raw.(string)
		if !ok || dcID == "" || seen[dcID] {
			continue
		}
		seen[dcID] = true
		dc, err := w.store.Get(types.CollectionDataContainers, dcID)
		if err != nil {
			return
		}
		if st, _ := dc["state"].(float64); types.State(int(st)) != types.StateProcessing {
			return
		}
	}

	if err := w.cluster.StartContainer(ctx, types.CollectionApplicationContainers, id); err != nil {
		w.tee(fmt.Sprintf("Application container %s start failed: %v", id, err))
	}
}

// dataContainerLoop reacts to data containers becoming ready: it starts the
// application containers waiting on them and retires caches nothing uses.
func (w *Worker) dataContainerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.dcCallbackQ:
			w.dataContainerTick(ctx)
		}
	}
}

func (w *Worker) dataContainerTick(ctx context.Context) {
	dcs, err := w.store.Find(types.CollectionDataContainers, storage.Doc{
		"state": int(types.StateProcessing),
	})
	if err != nil {
		w.tee(fmt.Sprintf("Data container lookup failed: %v", err))
		return
	}

	for _, dc := range dcs {
		dcID, _ := dc["_id"].(string)
		acs, err := w.store.Find(types.CollectionApplicationContainers, storage.Doc{
			"state":              int(types.StateWaiting),
			"data_container_ids": dcID,
		})
		if err != nil {
			continue
		}
		for _, ac := range acs {
			acID, _ := ac["_id"].(string)
			w.tryStartApplicationContainer(ctx, acID)
		}
	}

	if err := w.janitor.RetireDataContainers(ctx); err != nil {
		w.tee(fmt.Sprintf("Data container retirement failed: %v", err))
	}
}

// nodeLoop serializes on-demand single node inspections.
func (w *Worker) nodeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case name := <-w.nodeQ:
			w.inspector.InspectNode(ctx, name)
			w.PublishSchedule()
		}
	}
}

// cronLoop republishes the scheduling event while non-terminal work exists,
// self-healing stuck states.
func (w *Worker) cronLoop(ctx context.Context) {
	interval := w.cfg.ServerMaster.SchedulingIntervalSeconds
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := w.store.Count(types.CollectionTasks, storage.Doc{
				"state": storage.Doc{"$nin": terminalStates()},
			})
			if err != nil {
				continue
			}
			if pending > 0 {
				w.PublishSchedule()
				w.PublishDataContainerCallback()
			}
		}
	}
}

// inspectionLoop sweeps all nodes periodically.
func (w *Worker) inspectionLoop(ctx context.Context) {
	interval := w.cfg.ServerMaster.NodeInspectionIntervalSeconds
	if interval <= 0 || !w.inspector.Enabled() {
		return
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.inspector.InspectAll(ctx)
			w.PublishSchedule()
		}
	}
}

func terminalStates() []interface{} {
	ends := types.EndStates()
	out := make([]interface{}, len(ends))
	for i, s := range ends {
		out[i] = int(s)
	}
	return out
}
