package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/electricddev/codev-sub000/internal/ports"
)

// dashClient is the tiny HTTP client commands use to talk to a live
// dashboard server instead of spawning standalone sessions.
var dashClient = &http.Client{Timeout: 3 * time.Second}

func dashboardReachable(block *ports.Block) bool {
	resp, err := dashClient.Get(fmt.Sprintf("http://127.0.0.1:%d/api/state", block.DashboardPort()))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// dashboardPost sends a JSON POST to the dashboard and decodes the response
// into out (which may be nil).
func dashboardPost(block *ports.Block, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", block.DashboardPort(), path)
	resp, err := dashClient.Post(url, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("dashboard returned %d: %s", resp.StatusCode, apiErr.Error)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
