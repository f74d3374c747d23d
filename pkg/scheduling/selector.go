package scheduling

import (
	"sort"

	"github.com/curious-containers/cc-server/pkg/storage"
	"github.com/curious-containers/cc-server/pkg/types"
)

// TaskIter yields candidate tasks one at a time. Documents may change state
// between snapshot and use; the iterator re-reads each task on Next and skips
// those no longer waiting.
type TaskIter interface {
	Next() (storage.Doc, bool)
}

type fifoIter struct {
	store storage.Store
	ids   []string
}

// FIFO returns an iterator over waiting tasks ordered by creation time.
func FIFO(store storage.Store) (TaskIter, error) {
	docs, err := store.Find(types.CollectionTasks, storage.Doc{
		"state": int(types.StateWaiting),
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, _ := docs[i]["created_at"].(float64)
		b, _ := docs[j]["created_at"].(float64)
		return a < b
	})
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		if id, ok := doc["_id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return &fifoIter{store: store, ids: ids}, nil
}

func (it *fifoIter) Next() (storage.Doc, bool) {
	for len(it.ids) > 0 {
		id := it.ids[0]
		it.ids = it.ids[1:]
		doc, err := it.store.Get(types.CollectionTasks, id)
		if err != nil {
			continue
		}
		if st, _ := doc["state"].(float64); types.State(int(st)) != types.StateWaiting {
			continue
		}
		return doc, true
	}
	return nil, false
}
