package router

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// brokerQueue is one row of the broker management API's GET /api/queues
// response.
type brokerQueue struct {
	Name                   string `json:"name"`
	MessagesReady          int    `json:"messages_ready"`
	MessagesUnacknowledged int    `json:"messages_unacknowledged"`
}

var queueProbeClient = &http.Client{Timeout: 3 * time.Second}

// httpQueueDepth performs a plain GET against the broker management API and
// reads back the local-LLM queue depth: ready plus unacknowledged, summed
// over the llm-prefixed queues, or over everything when no queue is named
// for the LLM.
func httpQueueDepth(url string) (int, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build queue probe request: %w", err)
	}
	resp, err := queueProbeClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("queue probe request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("queue probe: unexpected status %d", resp.StatusCode)
	}
	var queues []brokerQueue
	if err := json.NewDecoder(resp.Body).Decode(&queues); err != nil {
		return 0, fmt.Errorf("decode queue probe response: %w", err)
	}

	llmTotal, total := 0, 0
	llmSeen := false
	for _, q := range queues {
		depth := q.MessagesReady + q.MessagesUnacknowledged
		total += depth
		if strings.Contains(strings.ToLower(q.Name), "llm") {
			llmTotal += depth
			llmSeen = true
		}
	}
	if llmSeen {
		return llmTotal, nil
	}
	return total, nil
}
