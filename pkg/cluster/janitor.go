package cluster

import (
	"context"
	"fmt"
	"strings"

	"github.com/curious-containers/cc-server/pkg/engine"
	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/state"
	"github.com/curious-containers/cc-server/pkg/storage"
	"github.com/curious-containers/cc-server/pkg/types"
)

// Janitor reconciles engine containers with the document store: it removes
// containers belonging to terminal documents, fails documents whose engine
// container exited unexpectedly or vanished, and retires data containers
// nothing depends on anymore.
type Janitor struct {
	cluster *Cluster
	store   storage.Store
	handler *state.Handler
	tee     log.Tee
}

// NewJanitor creates a janitor.
func NewJanitor(c *Cluster, handler *state.Handler, tee log.Tee) *Janitor {
	return &Janitor{cluster: c, store: c.store, handler: handler, tee: tee}
}

// Reconcile runs one full reconciliation pass.
func (j *Janitor) Reconcile(ctx context.Context) error {
	listed, err := j.cluster.Engine().ListContainers(ctx)
	if err != nil {
		return err
	}

	for name, info := range listed {
		if strings.HasPrefix(name, "inspect-") {
			continue
		}
		if !storage.IsID(name) {
			continue
		}
		collection, doc, err := j.lookup(name)
		if err != nil {
			continue
		}
		j.reconcileContainer(ctx, collection, name, doc, info)
	}

	if err := j.failVanished(listed, types.CollectionApplicationContainers); err != nil {
		return err
	}
	if err := j.failVanished(listed, types.CollectionDataContainers); err != nil {
		return err
	}
	return j.RetireDataContainers(ctx)
}

func (j *Janitor) lookup(id string) (string, storage.Doc, error) {
	if doc, err := j.store.Get(types.CollectionApplicationContainers, id); err == nil {
		return types.CollectionApplicationContainers, doc, nil
	}
	if doc, err := j.store.Get(types.CollectionDataContainers, id); err == nil {
		return types.CollectionDataContainers, doc, nil
	}
	return "", nil, storage.ErrNotFound
}

func (j *Janitor) reconcileContainer(ctx context.Context, collection, id string, doc storage.Doc, info engine.ContainerInfo) {
	st := types.State(int(docFloat(doc, "state")))

	if st.Terminal() {
		if err := j.cluster.Engine().Remove(ctx, info.Node, id); err != nil {
			j.tee(fmt.Sprintf("Removal of finished container %s failed: %v", id, err))
		}
		return
	}

	if info.ExitStatus != nil && *info.ExitStatus != 0 {
		logs, err := j.cluster.Engine().Logs(ctx, info.Node, id)
		if err != nil {
			logs = fmt.Sprintf("logs unavailable: %v", err)
		}
		description := fmt.Sprintf("Container exited with status %d: %s", *info.ExitStatus, logs)
		if err := j.handler.Transition(collection, id, types.StateFailed, description, ""); err != nil {
			j.tee(fmt.Sprintf("Transition of exited container %s failed: %v", id, err))
		}
		if err := j.cluster.Engine().Remove(ctx, info.Node, id); err != nil {
			j.tee(fmt.Sprintf("Removal of exited container %s failed: %v", id, err))
		}
	}
}

// failVanished fails waiting or processing documents whose container is gone
// from the engine.
func (j *Janitor) failVanished(listed map[string]engine.ContainerInfo, collection string) error {
	docs, err := j.store.Find(collection, storage.Doc{
		"state": storage.Doc{"$in": []interface{}{int(types.StateWaiting), int(types.StateProcessing)}},
	})
	if err != nil {
		return err
	}
	for _, doc := range docs {
		id, _ := doc["_id"].(string)
		if _, ok := listed[id]; ok {
			continue
		}
		node, _ := doc["cluster_node"].(string)
		if !j.cluster.Engine().HasNode(node) {
			// The node itself is gone; the inspector owns that case.
			continue
		}
		if err := j.handler.Transition(collection, id, types.StateFailed, "Container vanished.", ""); err != nil {
			return err
		}
	}
	return nil
}

// RetireDataContainers finishes processing data containers that no
// non-terminal application container references anymore.
func (j *Janitor) RetireDataContainers(ctx context.Context) error {
	dcs, err := j.store.Find(types.CollectionDataContainers, storage.Doc{
		"state": int(types.StateProcessing),
	})
	if err != nil {
		return err
	}
	for _, dc := range dcs {
		id, _ := dc["_id"].(string)
		dependents, err := j.store.Count(types.CollectionApplicationContainers, storage.Doc{
			"state":              storage.Doc{"$nin": terminalStates()},
			"data_container_ids": id,
		})
		if err != nil {
			return err
		}
		if dependents > 0 {
			continue
		}
		if err := j.handler.Transition(types.CollectionDataContainers, id, types.StateSuccess,
			"Data container no longer needed.", ""); err != nil {
			return err
		}
		if err := j.cluster.RemoveContainer(ctx, types.CollectionDataContainers, id); err != nil {
			j.tee(fmt.Sprintf("Removal of retired data container %s failed: %v", id, err))
		}
	}
	return nil
}

func terminalStates() []interface{} {
	ends := types.EndStates()
	out := make([]interface{}, len(ends))
	for i, s := range ends {
		out[i] = int(s)
	}
	return out
}
