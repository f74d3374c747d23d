package state

import (
	"fmt"
	"sync"

	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/metrics"
	"github.com/curious-containers/cc-server/pkg/notification"
	"github.com/curious-containers/cc-server/pkg/storage"
	"github.com/curious-containers/cc-server/pkg/types"
)

// Notifier delivers terminal-state notifications. Swapped out in tests.
type Notifier func(tee log.Tee, connectors []types.Connector, meta map[string]interface{})

// Handler is the single entry point for document state transitions. All
// transitions of one process are serialized through it, which keeps the
// cross-entity cascades free of lock ordering concerns.
type Handler struct {
	store         storage.Store
	tee           log.Tee
	maxTaskTrials int
	notify        Notifier

	mu sync.Mutex
}

// NewHandler creates a state handler.
func NewHandler(store storage.Store, tee log.Tee, maxTaskTrials int) *Handler {
	return &Handler{
		store:         store,
		tee:           tee,
		maxTaskTrials: maxTaskTrials,
		notify:        notification.Notify,
	}
}

// SetNotifier replaces the notification delivery function.
func (h *Handler) SetNotifier(n Notifier) {
	h.notify = n
}

// Transition advances the document in collection with the given id to state.
// Transitions on documents already in a terminal state are no-ops.
func (h *Handler) Transition(collection, id string, state types.State, description, exception string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transition(collection, id, state, description, exception, nil)
}

func (h *Handler) transition(collection, id string, state types.State, description, exception string, causedBy map[string]interface{}) error {
	switch collection {
	case types.CollectionTasks:
		return h.taskTransition(id, state, description, exception, causedBy)
	case types.CollectionApplicationContainers:
		return h.applicationContainerTransition(id, state, description, exception, causedBy)
	case types.CollectionDataContainers:
		return h.dataContainerTransition(id, state, description, exception, causedBy)
	case types.CollectionTaskGroups:
		return h.taskGroupTransition(id, state, description, exception, causedBy)
	}
	return fmt.Errorf("invalid collection: %s", collection)
}

func (h *Handler) applicationContainerTransition(id string, state types.State, description, exception string, causedBy map[string]interface{}) error {
	doc, err := h.store.Get(types.CollectionApplicationContainers, id)
	if err != nil {
		return err
	}
	if docState(doc).Terminal() {
		return nil
	}

	if err := h.appendTransition(types.CollectionApplicationContainers, id, state, description, exception, causedBy); err != nil {
		return err
	}

	taskID, _ := doc["task_id"].(string)
	cause := map[string]interface{}{"application_container_id": id}

	switch state {
	case types.StateCreated:
		return h.taskTransition(taskID, types.StateProcessing, description, "", cause)
	case types.StateFailed:
		return h.taskTransition(taskID, types.StateFailed, description, "", cause)
	case types.StateSuccess:
		return h.taskTransition(taskID, types.StateSuccess, description, "", cause)
	case types.StateCancelled:
		return h.taskTransition(taskID, types.StateCancelled, description, "", cause)
	}
	return nil
}

func (h *Handler) taskTransition(id string, state types.State, description, exception string, causedBy map[string]interface{}) error {
	doc, err := h.store.Get(types.CollectionTasks, id)
	if err != nil {
		return err
	}
	if docState(doc).Terminal() {
		return nil
	}

	if state == types.StateFailed {
		trials := docInt(doc, "trials") + 1
		if err := h.store.Update(types.CollectionTasks, id, storage.Doc{"trials": trials}); err != nil {
			return err
		}
		if trials < h.maxTaskTrials {
			state = types.StateWaiting
			description = fmt.Sprintf("Task waiting again (trial %d of %d): %s", trials, h.maxTaskTrials, description)
		}
	}

	if state == types.StateCancelled {
		acs, err := h.store.Find(types.CollectionApplicationContainers, storage.Doc{
			"state":   storage.Doc{"$nin": nonTerminalExcluded()},
			"task_id": id,
		})
		if err != nil {
			return err
		}
		for _, ac := range acs {
			acID, _ := ac["_id"].(string)
			acDescription := fmt.Sprintf("Application container cancelled: %s", description)
			if err := h.applicationContainerTransitionNoTask(acID, types.StateCancelled, acDescription,
				map[string]interface{}{"task_id": id}); err != nil {
				return err
			}
		}
	}

	if err := h.appendTransition(types.CollectionTasks, id, state, description, exception, causedBy); err != nil {
		return err
	}

	if state == types.StateFailed {
		metrics.TasksFailed.Inc()
	}

	if state == types.StateProcessing {
		groupID, _ := doc["task_group_id"].(string)
		if groupID != "" {
			group, err := h.store.Get(types.CollectionTaskGroups, groupID)
			if err == nil && docState(group) == types.StateWaiting {
				if err := h.taskGroupTransition(groupID, types.StateProcessing, "Task group processing.",
					"", map[string]interface{}{"task_id": id}); err != nil {
					return err
				}
			}
		}
	}

	if state.Terminal() {
		h.fireNotifications(doc, id)
	}
	return nil
}

// applicationContainerTransitionNoTask advances an application container
// without feeding back into the owning task. Used by the cancellation
// cascade, where the task transition is already in progress.
func (h *Handler) applicationContainerTransitionNoTask(id string, state types.State, description string, causedBy map[string]interface{}) error {
	doc, err := h.store.Get(types.CollectionApplicationContainers, id)
	if err != nil {
		return err
	}
	if docState(doc).Terminal() {
		return nil
	}
	return h.appendTransition(types.CollectionApplicationContainers, id, state, description, "", causedBy)
}

func (h *Handler) dataContainerTransition(id string, state types.State, description, exception string, causedBy map[string]interface{}) error {
	doc, err := h.store.Get(types.CollectionDataContainers, id)
	if err != nil {
		return err
	}
	if docState(doc).Terminal() {
		return nil
	}

	if err := h.appendTransition(types.CollectionDataContainers, id, state, description, exception, causedBy); err != nil {
		return err
	}

	if state == types.StateFailed {
		acs, err := h.store.Find(types.CollectionApplicationContainers, storage.Doc{
			"state":              storage.Doc{"$nin": nonTerminalExcluded()},
			"data_container_ids": id,
		})
		if err != nil {
			return err
		}
		for _, ac := range acs {
			acID, _ := ac["_id"].(string)
			acDescription := fmt.Sprintf("Application container failed: %s", description)
			if err := h.applicationContainerTransition(acID, types.StateFailed, acDescription, "",
				map[string]interface{}{"data_container_id": id}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handler) taskGroupTransition(id string, state types.State, description, exception string, causedBy map[string]interface{}) error {
	doc, err := h.store.Get(types.CollectionTaskGroups, id)
	if err != nil {
		return err
	}
	if docState(doc).Terminal() || docState(doc) == state {
		return nil
	}
	return h.appendTransition(types.CollectionTaskGroups, id, state, description, exception, causedBy)
}

// UpdateTaskGroups sweeps non-terminal task groups whose member tasks are all
// terminal: success if any member succeeded, failed otherwise.
func (h *Handler) UpdateTaskGroups() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	groups, err := h.store.Find(types.CollectionTaskGroups, storage.Doc{
		"state": storage.Doc{"$nin": nonTerminalExcluded()},
	})
	if err != nil {
		return err
	}

	for _, group := range groups {
		groupID, _ := group["_id"].(string)
		taskIDs := stringSlice(group["task_ids"])
		tasksCount := docInt(group, "tasks_count")

		finished, err := h.store.Count(types.CollectionTasks, storage.Doc{
			"_id":   storage.Doc{"$in": toInterfaces(taskIDs)},
			"state": storage.Doc{"$in": nonTerminalExcluded()},
		})
		if err != nil {
			return err
		}
		if finished != tasksCount {
			continue
		}

		succeeded, err := h.store.Count(types.CollectionTasks, storage.Doc{
			"_id":   storage.Doc{"$in": toInterfaces(taskIDs)},
			"state": types.StateSuccess,
		})
		if err != nil {
			return err
		}

		if succeeded > 0 {
			if err := h.taskGroupTransition(groupID, types.StateSuccess, "All tasks in group finished.", "", nil); err != nil {
				return err
			}
			continue
		}
		if err := h.taskGroupTransition(groupID, types.StateFailed, "All tasks in group failed or have been cancelled.", "", nil); err != nil {
			return err
		}
	}
	return nil
}

// appendTransition records the transition and sets the new state. On the
// created transition it also stamps created_at; on terminal transitions it
// scrubs secrets from the stored document.
func (h *Handler) appendTransition(collection, id string, state types.State, description, exception string, causedBy map[string]interface{}) error {
	t := types.Transition{
		Timestamp:   types.Now(),
		State:       state,
		Description: description,
		Exception:   exception,
		CausedBy:    causedBy,
	}

	if state == types.StateFailed {
		h.tee(fmt.Sprintf("%s %s %s %s %s", collection, id, state, description, exception))
	} else {
		h.tee(fmt.Sprintf("%s %s %s", collection, id, state))
	}

	tDoc, err := storage.Encode(t)
	if err != nil {
		return err
	}

	m := storage.Mutation{
		Set:   storage.Doc{"state": int(state)},
		Push:  map[string]interface{}{"transitions": tDoc},
		Scrub: state.Terminal(),
	}
	if state == types.StateCreated {
		m.Set["created_at"] = t.Timestamp
	}
	_, err = h.store.Mutate(collection, id, m)
	return err
}

func (h *Handler) fireNotifications(taskDoc storage.Doc, taskID string) {
	raw, ok := taskDoc["notifications"].([]interface{})
	if !ok || len(raw) == 0 {
		return
	}
	var connectors []types.Connector
	for _, r := range raw {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		var c types.Connector
		if err := storage.Decode(m, &c); err != nil {
			continue
		}
		connectors = append(connectors, c)
	}
	go h.notify(h.tee, connectors, map[string]interface{}{"task_id": taskID})
}

func docState(doc storage.Doc) types.State {
	f, _ := doc["state"].(float64)
	return types.State(int(f))
}

func docInt(doc storage.Doc, field string) int {
	f, _ := doc[field].(float64)
	return int(f)
}

func stringSlice(v interface{}) []string {
	arr, _ := v.([]interface{})
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// nonTerminalExcluded returns the terminal state indices for $in/$nin
// filters.
func nonTerminalExcluded() []interface{} {
	ends := types.EndStates()
	out := make([]interface{}, len(ends))
	for i, s := range ends {
		out[i] = int(s)
	}
	return out
}
