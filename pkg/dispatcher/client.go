package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tracegate/tracegate/internal/db"
)

// AgentClient delivers a single outbox event to a node agent. httpAgentClient
// is the production implementation; tests substitute a fake.
type AgentClient interface {
	SendEvent(ctx context.Context, node db.NodeEndpoint, event db.OutboxEvent, token string) error
}

// httpAgentClient POSTs to a node agent's /v1/events endpoint, grounded on
// original_source/src/tracegate/dispatcher/main.py's _send_to_agent.
type httpAgentClient struct {
	client *http.Client
}

// NewHTTPAgentClient builds an AgentClient with the 20-second per-delivery
// timeout original_source uses.
func NewHTTPAgentClient() AgentClient {
	return &httpAgentClient{client: &http.Client{Timeout: 20 * time.Second}}
}

type agentEventPayload struct {
	EventID        string             `json:"event_id"`
	IdempotencyKey string             `json:"idempotency_key"`
	EventType      db.OutboxEventType `json:"event_type"`
	Payload        map[string]any     `json:"payload"`
}

func (c *httpAgentClient) SendEvent(ctx context.Context, node db.NodeEndpoint, event db.OutboxEvent, token string) error {
	body, err := json.Marshal(agentEventPayload{
		EventID:        event.ID.String(),
		IdempotencyKey: event.IdempotencyKey,
		EventType:      event.EventType,
		Payload:        event.Payload,
	})
	if err != nil {
		return fmt.Errorf("encoding agent event payload: %w", err)
	}

	url := strings.TrimRight(node.BaseURL, "/") + "/v1/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-agent-token", token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting event to agent %s: %w", node.BaseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agent %s returned status %d", node.BaseURL, resp.StatusCode)
	}
	return nil
}
