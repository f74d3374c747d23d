package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// The store protocol is line-oriented JSON over TCP, one request and one
// response per line. The master process serves it in front of its BoltStore;
// the web process is the client. Every operation of the Store interface maps
// to one request, so document-level atomicity holds across processes.

type storeRequest struct {
	Op         string    `json:"op"`
	Collection string    `json:"collection,omitempty"`
	ID         string    `json:"id,omitempty"`
	Doc        Doc       `json:"doc,omitempty"`
	Filter     Doc       `json:"filter,omitempty"`
	Set        Doc       `json:"set,omitempty"`
	Mutation   *Mutation `json:"mutation,omitempty"`
	Pipeline   []Doc     `json:"pipeline,omitempty"`
}

type storeResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	ID      string `json:"id,omitempty"`
	Doc     Doc    `json:"doc,omitempty"`
	Docs    []Doc  `json:"docs,omitempty"`
	Count   int    `json:"count,omitempty"`
	Applied bool   `json:"applied,omitempty"`
}

// StoreServer serves the store protocol in front of a local store.
type StoreServer struct {
	store Store
	ln    net.Listener
}

// NewStoreServer creates a store server.
func NewStoreServer(store Store) *StoreServer {
	return &StoreServer{store: store}
}

// Listen binds the socket.
func (s *StoreServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("store listen on %s: %w", addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (s *StoreServer) Addr() string {
	return s.ln.Addr().String()
}

// Serve accepts connections until ctx is cancelled.
func (s *StoreServer) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		go s.serveConn(conn)
	}
}

func (s *StoreServer) serveConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		var req storeRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = encoder.Encode(storeResponse{Error: "malformed request: " + err.Error()})
			continue
		}
		resp := s.execute(req)
		if err := encoder.Encode(resp); err != nil {
			return
		}
	}
}

func (s *StoreServer) execute(req storeRequest) storeResponse {
	var resp storeResponse
	var err error

	switch req.Op {
	case "insert":
		resp.ID, err = s.store.Insert(req.Collection, req.Doc)
	case "get":
		resp.Doc, err = s.store.Get(req.Collection, req.ID)
	case "find":
		resp.Docs, err = s.store.Find(req.Collection, req.Filter)
	case "find_one":
		resp.Doc, err = s.store.FindOne(req.Collection, req.Filter)
	case "count":
		resp.Count, err = s.store.Count(req.Collection, req.Filter)
	case "update":
		err = s.store.Update(req.Collection, req.ID, req.Set)
	case "mutate":
		if req.Mutation == nil {
			err = fmt.Errorf("mutate without mutation")
			break
		}
		resp.Applied, err = s.store.Mutate(req.Collection, req.ID, *req.Mutation)
	case "delete":
		err = s.store.Delete(req.Collection, req.ID)
	case "delete_many":
		resp.Count, err = s.store.DeleteMany(req.Collection, req.Filter)
	case "upsert":
		err = s.store.Upsert(req.Collection, req.Filter, req.Set)
	case "aggregate":
		resp.Docs, err = s.store.Aggregate(req.Collection, req.Pipeline)
	default:
		err = fmt.Errorf("unknown op: %s", req.Op)
	}

	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.OK = true
	return resp
}

// RemoteStore is the client side of the store protocol. Requests are
// serialized over a single connection that reconnects on failure.
type RemoteStore struct {
	addr    string
	timeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	scanner *bufio.Scanner
}

// NewRemoteStore creates a client for the store socket at addr. The
// connection is established on first use.
func NewRemoteStore(addr string) *RemoteStore {
	return &RemoteStore{addr: addr, timeout: 30 * time.Second}
}

// replayable marks the ops that may be re-sent after an exchange failure.
// Once a request may have reached the server, replaying an insert would
// create a second document and replaying a mutation would push twice, so
// those fail instead and leave retrying to the caller.
var replayable = map[string]bool{
	"get":         true,
	"find":        true,
	"find_one":    true,
	"count":       true,
	"aggregate":   true,
	"update":      true,
	"upsert":      true,
	"delete":      true,
	"delete_many": true,
}

func (r *RemoteStore) roundTrip(req storeRequest) (storeResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		if err := r.connect(); err != nil {
			return storeResponse{}, err
		}
	}
	resp, err := r.exchange(req)
	if err == nil {
		return resp, nil
	}
	r.closeLocked()
	if !replayable[req.Op] {
		return storeResponse{}, err
	}
	if err := r.connect(); err != nil {
		return storeResponse{}, err
	}
	return r.exchange(req)
}

func (r *RemoteStore) connect() error {
	conn, err := net.DialTimeout("tcp", r.addr, r.timeout)
	if err != nil {
		return fmt.Errorf("store connect to %s: %w", r.addr, err)
	}
	r.conn = conn
	r.scanner = bufio.NewScanner(conn)
	r.scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return nil
}

func (r *RemoteStore) exchange(req storeRequest) (storeResponse, error) {
	if r.conn == nil {
		return storeResponse{}, fmt.Errorf("not connected")
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return storeResponse{}, err
	}
	_ = r.conn.SetDeadline(time.Now().Add(r.timeout))
	if _, err := r.conn.Write(append(raw, '\n')); err != nil {
		return storeResponse{}, err
	}
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return storeResponse{}, err
		}
		return storeResponse{}, fmt.Errorf("store connection closed")
	}
	var resp storeResponse
	if err := json.Unmarshal(r.scanner.Bytes(), &resp); err != nil {
		return storeResponse{}, err
	}
	return resp, nil
}

func (r *RemoteStore) closeLocked() {
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
		r.scanner = nil
	}
}

// call runs one request and converts protocol errors back into store errors.
func (r *RemoteStore) call(req storeRequest) (storeResponse, error) {
	resp, err := r.roundTrip(req)
	if err != nil {
		return resp, err
	}
	if !resp.OK {
		if resp.Error == ErrNotFound.Error() {
			return resp, ErrNotFound
		}
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

func (r *RemoteStore) Insert(collection string, doc Doc) (string, error) {
	resp, err := r.call(storeRequest{Op: "insert", Collection: collection, Doc: doc})
	return resp.ID, err
}

func (r *RemoteStore) Get(collection, id string) (Doc, error) {
	resp, err := r.call(storeRequest{Op: "get", Collection: collection, ID: id})
	return resp.Doc, err
}

func (r *RemoteStore) Find(collection string, filter Doc) ([]Doc, error) {
	resp, err := r.call(storeRequest{Op: "find", Collection: collection, Filter: filter})
	return resp.Docs, err
}

func (r *RemoteStore) FindOne(collection string, filter Doc) (Doc, error) {
	resp, err := r.call(storeRequest{Op: "find_one", Collection: collection, Filter: filter})
	return resp.Doc, err
}

func (r *RemoteStore) Count(collection string, filter Doc) (int, error) {
	resp, err := r.call(storeRequest{Op: "count", Collection: collection, Filter: filter})
	return resp.Count, err
}

func (r *RemoteStore) Update(collection, id string, set Doc) error {
	_, err := r.call(storeRequest{Op: "update", Collection: collection, ID: id, Set: set})
	return err
}

func (r *RemoteStore) Mutate(collection, id string, m Mutation) (bool, error) {
	resp, err := r.call(storeRequest{Op: "mutate", Collection: collection, ID: id, Mutation: &m})
	return resp.Applied, err
}

func (r *RemoteStore) Delete(collection, id string) error {
	_, err := r.call(storeRequest{Op: "delete", Collection: collection, ID: id})
	return err
}

func (r *RemoteStore) DeleteMany(collection string, filter Doc) (int, error) {
	resp, err := r.call(storeRequest{Op: "delete_many", Collection: collection, Filter: filter})
	return resp.Count, err
}

func (r *RemoteStore) Upsert(collection string, filter, set Doc) error {
	_, err := r.call(storeRequest{Op: "upsert", Collection: collection, Filter: filter, Set: set})
	return err
}

func (r *RemoteStore) Aggregate(collection string, pipeline []Doc) ([]Doc, error) {
	resp, err := r.call(storeRequest{Op: "aggregate", Collection: collection, Pipeline: pipeline})
	return resp.Docs, err
}

func (r *RemoteStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
	return nil
}
