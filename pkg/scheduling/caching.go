package scheduling

import (
	"reflect"
	"sync"

	"github.com/curious-containers/cc-server/pkg/storage"
	"github.com/curious-containers/cc-server/pkg/types"
)

// Caching assigns data containers to a fresh application container's input
// files. The strategy reuses live data containers already serving a file and
// spawns at most one new data container per task for the remainder.
type Caching struct {
	store storage.Store
	ram   int64

	// Guards lookup and creation so two concurrent schedulings cannot spawn
	// duplicate data containers for the same input set.
	mu sync.Mutex
}

// NewCaching creates the caching strategy. ram is the data container RAM in
// MiB from the server defaults.
func NewCaching(store storage.Store, ram int64) *Caching {
	return &Caching{store: store, ram: ram}
}

// Apply fills the application container's data_container_ids, creating at
// most one new data container for the files no live cache serves. It returns
// the id of the freshly created data container, or "" when every file was
// covered by reuse.
func (c *Caching) Apply(acID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ac, err := c.store.Get(types.CollectionApplicationContainers, acID)
	if err != nil {
		return "", err
	}
	taskID, _ := ac["task_id"].(string)
	task, err := c.store.Get(types.CollectionTasks, taskID)
	if err != nil {
		return "", err
	}
	username, _ := task["username"].(string)
	inputFiles, _ := task["input_files"].([]interface{})

	live, err := c.store.Find(types.CollectionDataContainers, storage.Doc{
		"state": storage.Doc{"$in": []interface{}{
			int(types.StateCreated), int(types.StateWaiting), int(types.StateProcessing),
		}},
	})
	if err != nil {
		return "", err
	}

	ids := make([]interface{}, len(inputFiles))
	var unassigned []interface{}
	for i, file := range inputFiles {
		if id := findServing(live, file); id != "" {
			ids[i] = id
			continue
		}
		unassigned = append(unassigned, file)
	}

	newDCID := ""
	if len(unassigned) > 0 {
		keys := make([]interface{}, len(unassigned))
		for i := range keys {
			keys[i] = types.NewSecret()
		}
		newDCID, err = c.store.Insert(types.CollectionDataContainers, storage.Doc{
			"username":        username,
			"cluster_node":    nil,
			"container_ram":   c.ram,
			"input_files":     unassigned,
			"input_file_keys": keys,
			"callback_key":    types.NewSecret(),
			"callbacks":       []interface{}{},
			"transitions":     []interface{}{},
			"state":           int(types.StateNone),
		})
		if err != nil {
			return "", err
		}
		for i := range ids {
			if ids[i] == nil {
				ids[i] = newDCID
			}
		}
	}

	if err := c.store.Update(types.CollectionApplicationContainers, acID,
		storage.Doc{"data_container_ids": ids}); err != nil {
		return "", err
	}
	return newDCID, nil
}

// findServing returns the id of a live data container whose input files
// include the given connector.
func findServing(live []storage.Doc, file interface{}) string {
	for _, dc := range live {
		files, _ := dc["input_files"].([]interface{})
		for _, f := range files {
			if reflect.DeepEqual(f, file) {
				id, _ := dc["_id"].(string)
				return id
			}
		}
	}
	return ""
}
