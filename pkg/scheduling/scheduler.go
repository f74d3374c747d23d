package scheduling

import (
	"fmt"

	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/state"
	"github.com/curious-containers/cc-server/pkg/storage"
	"github.com/curious-containers/cc-server/pkg/types"
)

// NodeSource supplies the nodes eligible for placement.
type NodeSource interface {
	OnlineNodes() ([]types.Node, error)
}

// Scheduler consumes waiting tasks and persists placed application and data
// containers. It runs on the single worker goroutine; one pass observes a
// consistent free-RAM snapshot taken at its start.
type Scheduler struct {
	store    storage.Store
	handler  *state.Handler
	nodes    NodeSource
	caching  *Caching
	allocate Allocator
	tee      log.Tee
	dcRAM    int64
}

// NewScheduler creates a scheduler. dcRAM is the data container RAM in MiB;
// when caching is nil, tasks never get data containers.
func NewScheduler(store storage.Store, handler *state.Handler, nodes NodeSource,
	caching *Caching, allocate Allocator, tee log.Tee, dcRAM int64) *Scheduler {
	return &Scheduler{
		store:    store,
		handler:  handler,
		nodes:    nodes,
		caching:  caching,
		allocate: allocate,
		tee:      tee,
		dcRAM:    dcRAM,
	}
}

type placement struct {
	ram        int64
	id         string
	collection string
}

// Schedule runs one scheduling pass over all waiting tasks.
func (s *Scheduler) Schedule() error {
	snapshot, capacity, err := s.snapshot()
	if err != nil {
		return err
	}

	iter, err := FIFO(s.store)
	if err != nil {
		return err
	}

	for {
		task, ok := iter.Next()
		if !ok {
			return nil
		}
		proceed, err := s.scheduleTask(snapshot, capacity, task)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
	}
}

// scheduleTask places one task. It returns false when the pass should stop
// because the cluster ran out of room.
func (s *Scheduler) scheduleTask(nodes, capacity []*NodeFree, task storage.Doc) (bool, error) {
	taskID, _ := task["_id"].(string)
	username, _ := task["username"].(string)
	noCache, _ := task["no_cache"].(bool)
	inputFiles, _ := task["input_files"].([]interface{})

	description, _ := task["application_container_description"].(map[string]interface{})
	acRAM := int64(docFloat(description, "container_ram"))

	dcRAM := s.dcRAM
	if noCache {
		dcRAM = 0
	}

	// Infeasibility is judged against node capacity, not the current free
	// RAM: a task that merely has to wait for room stays waiting.
	if !fits(capacity, acRAM, dcRAM) {
		if err := s.handler.Transition(types.CollectionTasks, taskID, types.StateFailed,
			"Task is too large for cluster.", ""); err != nil {
			return false, err
		}
		return true, nil
	}

	acID, err := s.store.Insert(types.CollectionApplicationContainers, storage.Doc{
		"task_id":            taskID,
		"username":           username,
		"cluster_node":       nil,
		"container_ram":      acRAM,
		"state":              int(types.StateNone),
		"data_container_ids": emptyIDs(len(inputFiles)),
		"callback_key":       types.NewSecret(),
		"callbacks":          []interface{}{},
		"transitions":        []interface{}{},
	})
	if err != nil {
		return false, err
	}

	fresh := []placement{}
	if !noCache && s.caching != nil {
		newDCID, err := s.caching.Apply(acID)
		if err != nil {
			return false, err
		}
		if newDCID != "" {
			fresh = append(fresh, placement{ram: s.dcRAM, id: newDCID, collection: types.CollectionDataContainers})
		}
	}

	bundle := append(fresh, placement{ram: acRAM, id: acID, collection: types.CollectionApplicationContainers})
	sortByRAMDesc(bundle)

	for _, p := range bundle {
		node := s.allocate(nodes, p.ram)
		if node == nil {
			s.rollback(bundle)
			s.tee(fmt.Sprintf("Cluster full, stopping scheduling pass at task %s", taskID))
			return false, nil
		}
		if err := s.store.Update(p.collection, p.id, storage.Doc{"cluster_node": node.Name}); err != nil {
			return false, err
		}
		node.Free -= p.ram
	}

	for _, p := range bundle {
		if err := s.handler.Transition(p.collection, p.id, types.StateCreated, "Container created.", ""); err != nil {
			return false, err
		}
	}
	return true, nil
}

// rollback deletes the fresh documents of a half-placed bundle. The snapshot
// is discarded with the pass, so reserved RAM needs no unwinding.
func (s *Scheduler) rollback(bundle []placement) {
	for _, p := range bundle {
		_ = s.store.Delete(p.collection, p.id)
	}
}

// snapshot computes free RAM per online node: total RAM minus the RAM of all
// non-terminal containers placed on it. The second slice carries the raw node
// capacities for infeasibility checks.
func (s *Scheduler) snapshot() ([]*NodeFree, []*NodeFree, error) {
	online, err := s.nodes.OnlineNodes()
	if err != nil {
		return nil, nil, err
	}

	free := make([]*NodeFree, 0, len(online))
	capacity := make([]*NodeFree, 0, len(online))
	for _, n := range online {
		reserved, err := s.reservedRAM(n.ClusterNode)
		if err != nil {
			return nil, nil, err
		}
		free = append(free, &NodeFree{Name: n.ClusterNode, Free: n.TotalRAM - reserved})
		capacity = append(capacity, &NodeFree{Name: n.ClusterNode, Free: n.TotalRAM})
	}
	return free, capacity, nil
}

func (s *Scheduler) reservedRAM(node string) (int64, error) {
	var total int64
	for _, collection := range []string{types.CollectionApplicationContainers, types.CollectionDataContainers} {
		docs, err := s.store.Find(collection, storage.Doc{
			"state":        storage.Doc{"$nin": terminalStates()},
			"cluster_node": node,
		})
		if err != nil {
			return 0, err
		}
		for _, doc := range docs {
			total += int64(docFloat(doc, "container_ram"))
		}
	}
	return total, nil
}

// ReservedRAM reports the RAM currently reserved on a node. Used by the node
// listing endpoint.
func ReservedRAM(store storage.Store, node string) (int64, error) {
	s := &Scheduler{store: store}
	return s.reservedRAM(node)
}

func sortByRAMDesc(bundle []placement) {
	for i := 1; i < len(bundle); i++ {
		for j := i; j > 0 && bundle[j].ram > bundle[j-1].ram; j-- {
			bundle[j], bundle[j-1] = bundle[j-1], bundle[j]
		}
	}
}

func emptyIDs(n int) []interface{} {
	return make([]interface{}, n)
}

func terminalStates() []interface{} {
	ends := types.EndStates()
	out := make([]interface{}, len(ends))
	for i, st := range ends {
		out[i] = int(st)
	}
	return out
}

func docFloat(doc storage.Doc, field string) float64 {
	f, _ := doc[field].(float64)
	return f
}
