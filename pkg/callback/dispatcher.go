package callback

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"reflect"

	"github.com/curious-containers/cc-server/pkg/config"
	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/metrics"
	"github.com/curious-containers/cc-server/pkg/state"
	"github.com/curious-containers/cc-server/pkg/storage"
	"github.com/curious-containers/cc-server/pkg/types"
)

// Events receives the follow-up signals a processed callback triggers. The
// master process wires this to its worker queues, the web process to the
// message bus.
type Events interface {
	ContainerCallback()
	DataContainerCallback()
}

// Dispatcher handles container callbacks for both collections.
type Dispatcher struct {
	store   storage.Store
	handler *state.Handler
	cfg     *config.Config
	events  Events
	tee     log.Tee
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store storage.Store, handler *state.Handler, cfg *config.Config,
	events Events, tee log.Tee) *Dispatcher {
	return &Dispatcher{store: store, handler: handler, cfg: cfg, events: events, tee: tee}
}

// Handle processes one callback against the given collection. It returns the
// response document (possibly empty) and an HTTP status code.
func (d *Dispatcher) Handle(collection string, cb types.Callback) (storage.Doc, int) {
	doc, err := d.store.Get(collection, cb.ContainerID)
	if err != nil {
		return nil, http.StatusUnauthorized
	}

	storedKey, _ := doc["callback_key"].(string)
	if subtle.ConstantTimeCompare([]byte(storedKey), []byte(cb.CallbackKey)) != 1 {
		return nil, http.StatusUnauthorized
	}

	ordered, err := d.appendOrdered(collection, cb)
	if err != nil {
		return nil, http.StatusInternalServerError
	}
	if !ordered {
		d.fail(collection, cb.ContainerID, "Invalid callback_type.", "")
		return nil, http.StatusBadRequest
	}

	if cb.Content.State != types.StateSuccess {
		description := cb.Content.Description
		if description == "" {
			description = "Callback reported failure."
		}
		d.fail(collection, cb.ContainerID, description, cb.Content.Exception)
		return storage.Doc{}, http.StatusOK
	}

	metrics.CallbacksReceived.WithLabelValues(collection).Inc()

	switch collection {
	case types.CollectionApplicationContainers:
		return d.applicationCallback(doc, cb)
	case types.CollectionDataContainers:
		return d.dataCallback(doc, cb)
	}
	return nil, http.StatusBadRequest
}

// appendOrdered atomically appends the callback if its type equals the
// current callback count.
func (d *Dispatcher) appendOrdered(collection string, cb types.Callback) (bool, error) {
	cb.Timestamp = types.Now()
	cbDoc, err := storage.Encode(cb)
	if err != nil {
		return false, err
	}

	return d.store.Mutate(collection, cb.ContainerID, storage.Mutation{
		Push:  map[string]interface{}{"callbacks": cbDoc},
		IfLen: &storage.IfLen{Field: "callbacks", N: cb.CallbackType},
	})
}

func (d *Dispatcher) fail(collection, id, description, exception string) {
	if err := d.handler.Transition(collection, id, types.StateFailed, description, exception); err != nil {
		d.tee(fmt.Sprintf("Callback failure transition for %s failed: %v", id, err))
	}
	d.events.ContainerCallback()
}

func (d *Dispatcher) applicationCallback(doc storage.Doc, cb types.Callback) (storage.Doc, int) {
	id := cb.ContainerID

	switch cb.CallbackType {
	case 0:
		response, err := d.handshake(doc)
		if err != nil {
			d.fail(types.CollectionApplicationContainers, id, "Handshake failed.", err.Error())
			return nil, http.StatusInternalServerError
		}
		if err := d.handler.Transition(types.CollectionApplicationContainers, id,
			types.StateProcessing, "Container processing.", ""); err != nil {
			return nil, http.StatusInternalServerError
		}
		return response, http.StatusOK
	case 3:
		if err := d.handler.Transition(types.CollectionApplicationContainers, id,
			types.StateSuccess, "Container done.", ""); err != nil {
			return nil, http.StatusInternalServerError
		}
		d.events.ContainerCallback()
		return storage.Doc{}, http.StatusOK
	}

	// Types 1 and 2 are progress markers; the appended callback already
	// carries any telemetry.
	return storage.Doc{}, http.StatusOK
}

// handshake builds the packet the application container worker needs to run
// its task: result connectors, parameters and the input file sources, either
// raw connectors or http URLs into the serving data containers.
func (d *Dispatcher) handshake(ac storage.Doc) (storage.Doc, error) {
	taskID, _ := ac["task_id"].(string)
	task, err := d.store.Get(types.CollectionTasks, taskID)
	if err != nil {
		return nil, err
	}

	description, _ := task["application_container_description"].(map[string]interface{})
	noCache, _ := task["no_cache"].(bool)
	taskInputFiles, _ := task["input_files"].([]interface{})

	inputFiles := taskInputFiles
	if !noCache {
		inputFiles, err = d.cachedInputFiles(ac, taskInputFiles)
		if err != nil {
			return nil, err
		}
	}

	return storage.Doc{
		"task_id":      taskID,
		"result_files": task["result_files"],
		"parameters":   description["parameters"],
		"sandbox":      description["sandbox"],
		"tracing":      description["tracing"],
		"input_files":  inputFiles,
	}, nil
}

// cachedInputFiles maps every task input file to an http connector pointing
// at the data container that serves it, position-aligned with the task's
// input files.
func (d *Dispatcher) cachedInputFiles(ac storage.Doc, taskInputFiles []interface{}) ([]interface{}, error) {
	dcIDs, _ := ac["data_container_ids"].([]interface{})
	if len(dcIDs) != len(taskInputFiles) {
		return nil, fmt.Errorf("data container assignment out of sync")
	}

	dcCache := map[string]storage.Doc{}
	out := make([]interface{}, len(taskInputFiles))
	for i, file := range taskInputFiles {
		dcID, ok := dcIDs[i].(string)
		if !ok || dcID == "" {
			return nil, fmt.Errorf("input file %d has no data container", i)
		}
		dc, ok := dcCache[dcID]
		if !ok {
			var err error
			dc, err = d.store.Get(types.CollectionDataContainers, dcID)
			if err != nil {
				return nil, err
			}
			dcCache[dcID] = dc
		}

		ip, _ := dc["ip"].(string)
		key, err := fileKey(dc, file)
		if err != nil {
			return nil, err
		}
		out[i] = storage.Doc{
			"connector_type": "http",
			"connector_access": storage.Doc{
				"url": fmt.Sprintf("http://%s/%s", ip, key),
			},
		}
	}
	return out, nil
}

// fileKey finds the serving key of one input file within a data container.
func fileKey(dc storage.Doc, file interface{}) (string, error) {
	files, _ := dc["input_files"].([]interface{})
	keys, _ := dc["input_file_keys"].([]interface{})
	for i, f := range files {
		if reflect.DeepEqual(f, file) {
			if i < len(keys) {
				if key, ok := keys[i].(string); ok {
					return key, nil
				}
			}
		}
	}
	id, _ := dc["_id"].(string)
	return "", fmt.Errorf("data container %s does not serve the requested file", id)
}

func (d *Dispatcher) dataCallback(doc storage.Doc, cb types.Callback) (storage.Doc, int) {
	id := cb.ContainerID

	switch cb.CallbackType {
	case 0:
		return storage.Doc{
			"input_files":     doc["input_files"],
			"input_file_keys": doc["input_file_keys"],
			"num_workers":     d.cfg.Defaults.DataContainerDescription.NumWorkers,
		}, http.StatusOK
	case 1:
		if err := d.handler.Transition(types.CollectionDataContainers, id,
			types.StateProcessing, "Container processing.", ""); err != nil {
			return nil, http.StatusInternalServerError
		}
		d.events.DataContainerCallback()
		return storage.Doc{}, http.StatusOK
	}
	return storage.Doc{}, http.StatusOK
}
