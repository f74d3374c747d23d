package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/types"
)

var client = &http.Client{Timeout: 30 * time.Second}

// Notify posts one JSON notification per connector. When a connector sets
// add_meta_data, meta is merged into the posted json_data. Errors are
// reported through tee only; notifications never fail their caller.
func Notify(tee log.Tee, connectors []types.Connector, meta map[string]interface{}) {
	for _, c := range connectors {
		if err := post(c, meta); err != nil {
			tee(fmt.Sprintf("Notification failed: %v", err))
		}
	}
}

func post(c types.Connector, meta map[string]interface{}) error {
	rawURL, _ := c.ConnectorAccess["url"].(string)
	if rawURL == "" {
		return fmt.Errorf("notification connector without url")
	}

	payload := map[string]interface{}{}
	if data, ok := c.ConnectorAccess["json_data"].(map[string]interface{}); ok {
		for k, v := range data {
			payload[k] = v
		}
	}
	if c.AddMetaData {
		for k, v := range meta {
			payload[k] = v
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if auth, ok := c.ConnectorAccess["auth"].(map[string]interface{}); ok {
		username, _ := auth["username"].(string)
		password, _ := auth["password"].(string)
		req.SetBasicAuth(username, password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification endpoint %s returned %d", rawURL, resp.StatusCode)
	}
	return nil
}
