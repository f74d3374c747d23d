package notification

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/types"
)

type sink struct {
	payloads []map[string]interface{}
	auths    []string
}

func newSink(t *testing.T) (*httptest.Server, *sink) {
	t.Helper()
	s := &sink{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		s.payloads = append(s.payloads, payload)
		username, password, _ := r.BasicAuth()
		s.auths = append(s.auths, username+":"+password)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server, s
}

func TestNotifyPostsJSONData(t *testing.T) {
	server, s := newSink(t)

	Notify(log.Discard, []types.Connector{
		{
			ConnectorType: "http",
			ConnectorAccess: map[string]interface{}{
				"url":       server.URL,
				"json_data": map[string]interface{}{"event": "task_finished"},
			},
		},
	}, map[string]interface{}{"task_id": "t-1"})

	require.Len(t, s.payloads, 1)
	assert.Equal(t, "task_finished", s.payloads[0]["event"])
	// Meta data only joins the payload when requested.
	assert.NotContains(t, s.payloads[0], "task_id")
}

func TestNotifyAddsMetaData(t *testing.T) {
	server, s := newSink(t)

	Notify(log.Discard, []types.Connector{
		{
			ConnectorType:   "http",
			ConnectorAccess: map[string]interface{}{"url": server.URL},
			AddMetaData:     true,
		},
	}, map[string]interface{}{"task_id": "t-1"})

	require.Len(t, s.payloads, 1)
	assert.Equal(t, "t-1", s.payloads[0]["task_id"])
}

func TestNotifySendsBasicAuth(t *testing.T) {
	server, s := newSink(t)

	Notify(log.Discard, []types.Connector{
		{
			ConnectorType: "http",
			ConnectorAccess: map[string]interface{}{
				"url": server.URL,
				"auth": map[string]interface{}{
					"username": "hook",
					"password": "hunter2",
				},
			},
		},
	}, nil)

	require.Len(t, s.auths, 1)
	assert.Equal(t, "hook:hunter2", s.auths[0])
}

func TestNotifySwallowsFailures(t *testing.T) {
	var lines []string
	tee := func(line string) { lines = append(lines, line) }

	Notify(tee, []types.Connector{
		{ConnectorType: "http", ConnectorAccess: map[string]interface{}{}},
	}, nil)

	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "Notification failed")
}
