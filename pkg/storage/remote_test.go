package storage

import (
	"bufio"
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curious-containers/cc-server/pkg/types"
)

func newRemoteStore(t *testing.T) *RemoteStore {
	t.Helper()
	backing := newTestStore(t)

	server := NewStoreServer(backing)
	require.NoError(t, server.Listen("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.Serve(ctx)

	remote := NewRemoteStore(server.Addr())
	t.Cleanup(func() { _ = remote.Close() })
	return remote
}

func TestRemoteRoundTrip(t *testing.T) {
	remote := newRemoteStore(t)

	id, err := remote.Insert(types.CollectionTasks, Doc{"username": "alice", "state": 1})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := remote.Get(types.CollectionTasks, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", doc["username"])

	docs, err := remote.Find(types.CollectionTasks, Doc{"state": 1})
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	count, err := remote.Count(types.CollectionTasks, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, remote.Update(types.CollectionTasks, id, Doc{"state": 4}))
	doc, err = remote.FindOne(types.CollectionTasks, Doc{"state": 4})
	require.NoError(t, err)
	assert.Equal(t, id, doc["_id"])
}

func TestRemoteNotFound(t *testing.T) {
	remote := newRemoteStore(t)

	_, err := remote.Get(types.CollectionTasks, NewID())
	assert.Equal(t, ErrNotFound, err)

	_, err = remote.FindOne(types.CollectionTasks, Doc{"username": "nobody"})
	assert.Equal(t, ErrNotFound, err)
}

func TestRemoteMutate(t *testing.T) {
	remote := newRemoteStore(t)

	id, err := remote.Insert(types.CollectionApplicationContainers, Doc{
		"state":     1,
		"callbacks": []interface{}{},
	})
	require.NoError(t, err)

	applied, err := remote.Mutate(types.CollectionApplicationContainers, id, Mutation{
		Push:  map[string]interface{}{"callbacks": Doc{"callback_type": 0}},
		IfLen: &IfLen{Field: "callbacks", N: 0},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	// Repeated append with the same guard must be rejected.
	applied, err = remote.Mutate(types.CollectionApplicationContainers, id, Mutation{
		Push:  map[string]interface{}{"callbacks": Doc{"callback_type": 0}},
		IfLen: &IfLen{Field: "callbacks", N: 0},
	})
	require.NoError(t, err)
	assert.False(t, applied)

	doc, err := remote.Get(types.CollectionApplicationContainers, id)
	require.NoError(t, err)
	assert.Len(t, doc["callbacks"], 1)
}

func TestRemoteUpsertAndDelete(t *testing.T) {
	remote := newRemoteStore(t)

	require.NoError(t, remote.Upsert(types.CollectionNodes,
		Doc{"cluster_node": "node-1"}, Doc{"is_online": true}))
	require.NoError(t, remote.Upsert(types.CollectionNodes,
		Doc{"cluster_node": "node-1"}, Doc{"is_online": false}))

	count, err := remote.Count(types.CollectionNodes, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	n, err := remote.DeleteMany(types.CollectionNodes, Doc{"cluster_node": "node-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// flakyListener accepts connections, records each request line and closes the
// connection without replying, simulating a reply lost in transit.
func flakyListener(t *testing.T) (string, chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	requests := make(chan string, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			scanner := bufio.NewScanner(conn)
			if scanner.Scan() {
				requests <- scanner.Text()
			}
			_ = conn.Close()
		}
	}()
	return ln.Addr().String(), requests
}

func TestRemoteDoesNotReplayWrites(t *testing.T) {
	addr, requests := flakyListener(t)
	remote := NewRemoteStore(addr)
	t.Cleanup(func() { _ = remote.Close() })

	// Insert and Mutate are not idempotent: a lost reply must surface as an
	// error, not as a silent second application on the server.
	_, err := remote.Insert(types.CollectionTasks, Doc{"state": 1})
	require.Error(t, err)
	assert.Len(t, requests, 1)
	<-requests

	_, err = remote.Mutate(types.CollectionApplicationContainers, "ac-1", Mutation{
		Push: map[string]interface{}{"callbacks": Doc{"callback_type": 0}},
	})
	require.Error(t, err)
	assert.Len(t, requests, 1)
	<-requests

	// Reads are replayed once on a fresh connection.
	_, err = remote.Find(types.CollectionTasks, nil)
	require.Error(t, err)
	assert.Len(t, requests, 2)
}

func TestRemoteAggregate(t *testing.T) {
	remote := newRemoteStore(t)

	for _, username := range []string{"alice", "alice", "bob"} {
		_, err := remote.Insert(types.CollectionTasks, Doc{"username": username, "state": 1})
		require.NoError(t, err)
	}

	docs, err := remote.Aggregate(types.CollectionTasks, []Doc{
		{"$match": Doc{"username": "alice"}},
		{"$count": "count"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, float64(2), docs[0]["count"])
}
