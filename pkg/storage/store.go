package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/curious-containers/cc-server/pkg/types"
)

// Doc is one stored document. Values follow JSON typing: numbers are float64,
// arrays are []interface{}, objects are Doc-shaped maps.
type Doc = map[string]interface{}

var collections = []string{
	types.CollectionTasks,
	types.CollectionTaskGroups,
	types.CollectionApplicationContainers,
	types.CollectionDataContainers,
	types.CollectionNodes,
	types.CollectionDeadNodes,
	types.CollectionUsers,
	types.CollectionTokens,
	types.CollectionBlockEntries,
}

// ErrNotFound is returned when a document id or filter matches nothing.
var ErrNotFound = fmt.Errorf("document not found")

// Store is the document store surface shared by all components. The master
// process backs it with BoltStore; the web process talks to the master's
// store socket through RemoteStore.
type Store interface {
	Insert(collection string, doc Doc) (string, error)
	Get(collection, id string) (Doc, error)
	Find(collection string, filter Doc) ([]Doc, error)
	FindOne(collection string, filter Doc) (Doc, error)
	Count(collection string, filter Doc) (int, error)
	Update(collection, id string, set Doc) error
	Mutate(collection, id string, m Mutation) (bool, error)
	Delete(collection, id string) error
	DeleteMany(collection string, filter Doc) (int, error)
	Upsert(collection string, filter, set Doc) error
	Aggregate(collection string, pipeline []Doc) ([]Doc, error)
	Close() error
}

// IfLen guards a mutation on the current length of an array field.
type IfLen struct {
	Field string `json:"field"`
	N     int    `json:"n"`
}

// Mutation is a declarative atomic document update: set fields, append to
// arrays, optionally guarded by an array length check, optionally scrubbing
// secrets afterwards. All parts apply in one transaction.
type Mutation struct {
	Set   Doc                    `json:"set,omitempty"`
	Push  map[string]interface{} `json:"push,omitempty"`
	IfLen *IfLen                 `json:"if_len,omitempty"`
	Scrub bool                   `json:"scrub,omitempty"`
}

// BoltStore is the bbolt-backed document store shared by all collections.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cc-server.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, c := range collections {
			if _, err := tx.CreateBucketIfNotExists([]byte(c)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", c, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// NewID returns a fresh document id.
func NewID() string {
	return uuid.New().String()
}

// IsID reports whether name parses as a document id. The janitor uses this to
// recognize engine containers the server owns.
func IsID(name string) bool {
	_, err := uuid.Parse(name)
	return err == nil
}

// Insert stores doc and returns its id, generating one if absent.
func (s *BoltStore) Insert(collection string, doc Doc) (string, error) {
	id, _ := doc["_id"].(string)
	if id == "" {
		id = NewID()
		doc["_id"] = id
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("unknown collection: %s", collection)
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Get returns the document with the given id.
func (s *BoltStore) Get(collection, id string) (Doc, error) {
	var doc Doc
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("unknown collection: %s", collection)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &doc)
	})
	return doc, err
}

// Find returns all documents matching filter. A nil filter matches everything.
func (s *BoltStore) Find(collection string, filter Doc) ([]Doc, error) {
	var docs []Doc
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("unknown collection: %s", collection)
		}
		return b.ForEach(func(k, v []byte) error {
			var doc Doc
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if Match(doc, filter) {
				docs = append(docs, doc)
			}
			return nil
		})
	})
	return docs, err
}

// FindOne returns the first document matching filter, or ErrNotFound.
func (s *BoltStore) FindOne(collection string, filter Doc) (Doc, error) {
	docs, err := s.Find(collection, filter)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// Count returns the number of documents matching filter.
func (s *BoltStore) Count(collection string, filter Doc) (int, error) {
	docs, err := s.Find(collection, filter)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Update sets the given fields on the document with id. The read-modify-write
// runs in a single transaction; per-document updates are atomic.
func (s *BoltStore) Update(collection, id string, set Doc) error {
	return s.UpdateFunc(collection, id, func(doc Doc) (Doc, error) {
		for k, v := range set {
			doc[k] = v
		}
		return doc, nil
	})
}

// UpdateFunc applies fn to the stored document inside one transaction.
func (s *BoltStore) UpdateFunc(collection, id string, fn func(Doc) (Doc, error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("unknown collection: %s", collection)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var doc Doc
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		doc, err := fn(doc)
		if err != nil {
			return err
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// Mutate applies a declarative update in one transaction. It returns false
// without modifying the document when the IfLen guard does not hold.
func (s *BoltStore) Mutate(collection, id string, m Mutation) (bool, error) {
	applied := false
	err := s.UpdateFunc(collection, id, func(doc Doc) (Doc, error) {
		if m.IfLen != nil {
			arr, _ := doc[m.IfLen.Field].([]interface{})
			if len(arr) != m.IfLen.N {
				return doc, nil
			}
		}
		applied = true
		for k, v := range m.Set {
			doc[k] = v
		}
		for field, value := range m.Push {
			arr, _ := doc[field].([]interface{})
			doc[field] = append(arr, value)
		}
		if m.Scrub {
			keep := doc["_id"]
			doc = Scrub(doc)
			doc["_id"] = keep
		}
		return doc, nil
	})
	return applied, err
}

// Delete removes the document with id. Deleting a missing document is a no-op.
func (s *BoltStore) Delete(collection, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("unknown collection: %s", collection)
		}
		return b.Delete([]byte(id))
	})
}

// DeleteMany removes every document matching filter and returns the count.
func (s *BoltStore) DeleteMany(collection string, filter Doc) (int, error) {
	docs, err := s.Find(collection, filter)
	if err != nil {
		return 0, err
	}
	for _, doc := range docs {
		id, _ := doc["_id"].(string)
		if err := s.Delete(collection, id); err != nil {
			return 0, err
		}
	}
	return len(docs), nil
}

// Drop removes all documents of a collection.
func (s *BoltStore) Drop(collection string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(collection)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(collection))
		return err
	})
}

// Upsert sets fields on the first document matching filter, inserting a new
// document from filter+set when none matches.
func (s *BoltStore) Upsert(collection string, filter, set Doc) error {
	doc, err := s.FindOne(collection, filter)
	if err == ErrNotFound {
		fresh := Doc{}
		for k, v := range filter {
			if !isOperator(v) {
				fresh[k] = v
			}
		}
		for k, v := range set {
			fresh[k] = v
		}
		_, err = s.Insert(collection, fresh)
		return err
	}
	if err != nil {
		return err
	}
	id, _ := doc["_id"].(string)
	return s.Update(collection, id, set)
}

// Encode converts a typed entity into its document form.
func Encode(v interface{}) (Doc, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Decode fills a typed entity from its document form.
func Decode(doc Doc, v interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
