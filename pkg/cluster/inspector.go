package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/curious-containers/cc-server/pkg/config"
	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/notification"
	"github.com/curious-containers/cc-server/pkg/storage"
	"github.com/curious-containers/cc-server/pkg/types"
)

// Inspector probes node liveness by running a disposable inspection container
// on each node. It is the only writer of the dead_nodes collection. A sweep
// over all nodes holds the invalidation mutex so per-container failures do
// not fan out into parallel inspections.
type Inspector struct {
	cluster *Cluster
	store   storage.Store
	tee     log.Tee
	cfg     *config.Config

	mu sync.Mutex
}

// NewInspector creates a node inspector.
func NewInspector(c *Cluster, tee log.Tee, cfg *config.Config) *Inspector {
	return &Inspector{cluster: c, store: c.store, tee: tee, cfg: cfg}
}

// Enabled reports whether dead-node invalidation is configured.
func (i *Inspector) Enabled() bool {
	return i.cfg.Defaults.ErrorHandling.DeadNodeInvalidation
}

// InspectAll probes every known node.
func (i *Inspector) InspectAll(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()

	docs, err := i.store.Find(types.CollectionNodes, nil)
	if err != nil {
		i.tee(fmt.Sprintf("Node sweep failed: %v", err))
		return
	}

	var wg sync.WaitGroup
	for _, doc := range docs {
		name, _ := doc["cluster_node"].(string)
		if name == "" {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			i.inspect(ctx, name)
		}(name)
	}
	wg.Wait()
}

// InspectNode probes a single node by name.
func (i *Inspector) InspectNode(ctx context.Context, name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.inspect(ctx, name)
}

func (i *Inspector) inspect(ctx context.Context, name string) {
	if !i.Enabled() {
		return
	}

	alive, reason := i.probe(ctx, name)
	wasDead, err := i.isDead(name)
	if err != nil {
		i.tee(fmt.Sprintf("Dead node lookup for %s failed: %v", name, err))
		return
	}

	switch {
	case alive && wasDead:
		i.revive(name)
	case !alive && !wasDead:
		i.invalidate(name, reason)
	}
}

// probe runs the inspection container and waits for it. Any API failure or
// non-zero exit counts as dead.
func (i *Inspector) probe(ctx context.Context, name string) (bool, string) {
	eng := i.cluster.Engine()

	if !eng.HasNode(name) {
		nc, err := i.cluster.NodeConfigFor(name)
		if err != nil {
			return false, fmt.Sprintf("no engine config: %v", err)
		}
		if err := eng.AddNode(name, nc); err != nil {
			return false, fmt.Sprintf("engine client failed: %v", err)
		}
	}

	containerName := "inspect-" + name
	_ = eng.Remove(ctx, name, containerName)

	icd := i.cfg.Defaults.InspectionContainerDescription
	cmd, err := workerCommand(icd.EntryPoint, containerSettings{ContainerID: containerName})
	if err != nil {
		return false, err.Error()
	}

	ram := icd.ContainerRAM
	if ram == 0 {
		ram = i.cfg.Defaults.DataContainerDescription.ContainerRAM
	}

	if err := eng.Create(ctx, name, containerName, icd.Image, cmd, ram, nil); err != nil {
		return false, fmt.Sprintf("inspection container creation failed: %v", err)
	}
	defer func() { _ = eng.Remove(ctx, name, containerName) }()

	if err := eng.Start(ctx, name, containerName); err != nil {
		return false, fmt.Sprintf("inspection container start failed: %v", err)
	}
	exit, err := eng.Wait(ctx, name, containerName)
	if err != nil {
		return false, fmt.Sprintf("inspection container wait failed: %v", err)
	}
	if exit != 0 {
		return false, fmt.Sprintf("inspection container exited with status %d", exit)
	}
	return true, ""
}

func (i *Inspector) isDead(name string) (bool, error) {
	count, err := i.store.Count(types.CollectionDeadNodes, storage.Doc{"name": name})
	return count > 0, err
}

func (i *Inspector) invalidate(name, reason string) {
	i.tee(fmt.Sprintf("Node %s dead: %s", name, reason))

	if err := i.store.Upsert(types.CollectionDeadNodes,
		storage.Doc{"name": name},
		storage.Doc{"name": name, "description": reason}); err != nil {
		i.tee(fmt.Sprintf("Dead node record for %s failed: %v", name, err))
		return
	}
	_ = i.store.Upsert(types.CollectionNodes,
		storage.Doc{"cluster_node": name},
		storage.Doc{"is_online": false, "debug_info": reason})
	i.cluster.Engine().RemoveNode(name)

	if connectors := i.cfg.Defaults.ErrorHandling.DeadNodeNotification; len(connectors) > 0 {
		go notification.Notify(i.tee, connectors, map[string]interface{}{"name": name})
	}
}

func (i *Inspector) revive(name string) {
	i.tee(fmt.Sprintf("Node %s alive again", name))

	if _, err := i.store.DeleteMany(types.CollectionDeadNodes, storage.Doc{"name": name}); err != nil {
		i.tee(fmt.Sprintf("Dead node cleanup for %s failed: %v", name, err))
		return
	}
	_ = i.store.Upsert(types.CollectionNodes,
		storage.Doc{"cluster_node": name},
		storage.Doc{"is_online": true, "debug_info": ""})
}
