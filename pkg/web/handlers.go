package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/curious-containers/cc-server/pkg/bus"
	"github.com/curious-containers/cc-server/pkg/scheduling"
	"github.com/curious-containers/cc-server/pkg/storage"
	"github.com/curious-containers/cc-server/pkg/types"
)

func (s *Server) getRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func (s *Server) getToken(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	token, validFor, err := s.auth.IssueToken(user.Username, clientIP(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":             token,
		"valid_for_seconds": validFor,
	})
}

// postTasks accepts a single task or a {tasks: [...]} batch. Batches become a
// task group whose state is derived from its members.
func (s *Server) postTasks(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if rawTasks, ok := body["tasks"]; ok {
		s.postTaskGroup(w, user.Username, rawTasks)
		return
	}

	if err := validateTask(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.insertTask(user.Username, body, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "task creation failed")
		return
	}
	s.pushSchedule()
	writeJSON(w, http.StatusOK, map[string]string{"_id": id})
}

func (s *Server) postTaskGroup(w http.ResponseWriter, username string, rawTasks interface{}) {
	taskList, ok := rawTasks.([]interface{})
	if !ok || len(taskList) == 0 {
		writeError(w, http.StatusBadRequest, "tasks must be a non-empty list")
		return
	}

	tasks := make([]map[string]interface{}, 0, len(taskList))
	for i, raw := range taskList {
		task, ok := raw.(map[string]interface{})
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("task %d is not an object", i))
			return
		}
		if err := validateTask(task); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("task %d: %s", i, err))
			return
		}
		tasks = append(tasks, task)
	}

	groupID, err := s.store.Insert(types.CollectionTaskGroups, storage.Doc{
		"username":    username,
		"tasks_count": len(tasks),
		"task_ids":    []interface{}{},
		"state":       int(types.StateNone),
		"transitions": []interface{}{},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "task group creation failed")
		return
	}

	response := make([]map[string]string, 0, len(tasks))
	taskIDs := make([]interface{}, 0, len(tasks))
	for _, task := range tasks {
		id, err := s.insertTask(username, task, groupID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "task creation failed")
			return
		}
		taskIDs = append(taskIDs, id)
		response = append(response, map[string]string{"_id": id})
	}

	if err := s.store.Update(types.CollectionTaskGroups, groupID, storage.Doc{"task_ids": taskIDs}); err != nil {
		writeError(w, http.StatusInternalServerError, "task group update failed")
		return
	}
	for _, st := range []struct {
		state       types.State
		description string
	}{
		{types.StateCreated, "Task group created."},
		{types.StateWaiting, "Task group waiting."},
	} {
		if err := s.handler.Transition(types.CollectionTaskGroups, groupID, st.state, st.description, ""); err != nil {
			writeError(w, http.StatusInternalServerError, "task group transition failed")
			return
		}
	}

	s.pushSchedule()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_group_id": groupID,
		"tasks":         response,
	})
}

// insertTask persists one task and advances it to waiting.
func (s *Server) insertTask(username string, task map[string]interface{}, groupID string) (string, error) {
	doc := storage.Doc{
		"username":                          username,
		"application_container_description": task["application_container_description"],
		"input_files":                       orEmptyList(task["input_files"]),
		"result_files":                      orEmptyList(task["result_files"]),
		"notifications":                     orEmptyList(task["notifications"]),
		"tags":                              orEmptyList(task["tags"]),
		"state":                             int(types.StateNone),
		"trials":                            0,
		"transitions":                       []interface{}{},
		"task_group_id":                     groupID,
	}
	if noCache, ok := task["no_cache"].(bool); ok {
		doc["no_cache"] = noCache
	}

	id, err := s.store.Insert(types.CollectionTasks, doc)
	if err != nil {
		return "", err
	}
	if err := s.handler.Transition(types.CollectionTasks, id, types.StateCreated, "Task created.", ""); err != nil {
		return "", err
	}
	if err := s.handler.Transition(types.CollectionTasks, id, types.StateWaiting, "Task waiting.", ""); err != nil {
		return "", err
	}
	return id, nil
}

// postTasksCancel cancels one task or a batch, reporting the resulting state
// per task.
func (s *Server) postTasksCancel(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var ids []string
	if id, ok := body["_id"].(string); ok {
		ids = append(ids, id)
	} else if rawTasks, ok := body["tasks"].([]interface{}); ok {
		for _, raw := range rawTasks {
			task, _ := raw.(map[string]interface{})
			if id, ok := task["_id"].(string); ok {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "no task ids given")
		return
	}

	results := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		doc, err := s.store.Get(types.CollectionTasks, id)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown task: %s", id))
			return
		}
		owner, _ := doc["username"].(string)
		if owner != user.Username && !user.IsAdmin {
			writeError(w, http.StatusUnauthorized, "not your task")
			return
		}
		if err := s.handler.Transition(types.CollectionTasks, id, types.StateCancelled,
			"Task cancelled by user.", ""); err != nil {
			writeError(w, http.StatusInternalServerError, "cancellation failed")
			return
		}
		current, err := s.store.Get(types.CollectionTasks, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "cancellation failed")
			return
		}
		results = append(results, map[string]interface{}{
			"_id":   id,
			"state": current["state"],
		})
	}

	s.pushSchedule()
	if _, ok := body["_id"]; ok {
		writeJSON(w, http.StatusOK, results[0])
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": results})
}

// queryHandler runs a restricted aggregation pipeline over one collection.
// Non-admin users only see their own documents.
func (s *Server) queryHandler(collection string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := requestUser(r)

		var body struct {
			Aggregate []storage.Doc `json:"aggregate"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if len(body.Aggregate) == 0 {
			writeError(w, http.StatusBadRequest, "aggregate pipeline is required")
			return
		}

		pipeline := body.Aggregate
		if !user.IsAdmin {
			pipeline = append([]storage.Doc{
				{"$match": map[string]interface{}{"username": user.Username}},
			}, pipeline...)
		}

		docs, err := s.store.Aggregate(collection, pipeline)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Secrets never leave through the query API, not even for admins.
		scrubbed := make([]storage.Doc, len(docs))
		for i, doc := range docs {
			scrubbed[i] = storage.Scrub(doc)
		}
		writeJSON(w, http.StatusOK, scrubbed)
	}
}

// getNodes reports node capacity and utilization.
func (s *Server) getNodes(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.Find(types.CollectionNodes, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "node lookup failed")
		return
	}

	nodes := make([]map[string]interface{}, 0, len(docs))
	for _, doc := range docs {
		name, _ := doc["cluster_node"].(string)
		reserved, err := scheduling.ReservedRAM(s.store, name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "node lookup failed")
			return
		}
		acs, err := s.activeContainers(types.CollectionApplicationContainers, name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "node lookup failed")
			return
		}
		dcs, err := s.activeContainers(types.CollectionDataContainers, name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "node lookup failed")
			return
		}
		nodes = append(nodes, map[string]interface{}{
			"cluster_node":                  name,
			"is_online":                     doc["is_online"],
			"debug_info":                    doc["debug_info"],
			"total_ram":                     doc["total_ram"],
			"total_cpus":                    doc["total_cpus"],
			"reserved_ram":                  reserved,
			"active_application_containers": acs,
			"active_data_containers":        dcs,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

func (s *Server) activeContainers(collection, node string) (int, error) {
	ends := types.EndStates()
	excluded := make([]interface{}, len(ends))
	for i, st := range ends {
		excluded[i] = int(st)
	}
	return s.store.Count(collection, storage.Doc{
		"cluster_node": node,
		"state":        storage.Doc{"$nin": excluded},
	})
}

// postNodes triggers inspection of the named nodes. Admin only.
func (s *Server) postNodes(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	if !user.IsAdmin {
		writeError(w, http.StatusUnauthorized, "admin required")
		return
	}

	var body struct {
		Nodes []struct {
			ClusterNode string `json:"cluster_node"`
		} `json:"nodes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Nodes) == 0 {
		writeError(w, http.StatusBadRequest, "nodes list is required")
		return
	}

	for _, n := range body.Nodes {
		if n.ClusterNode == "" {
			writeError(w, http.StatusBadRequest, "cluster_node is required")
			return
		}
		if err := s.master.Push(bus.Message{
			Action: bus.ActionUpdateNodeStatus,
			Data:   map[string]interface{}{"node_name": n.ClusterNode},
		}); err != nil {
			s.tee("Master push failed: " + err.Error())
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func orEmptyList(v interface{}) interface{} {
	if v == nil {
		return []interface{}{}
	}
	return v
}
