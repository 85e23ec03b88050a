package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/conduitcrm/automation/automation"
	"github.com/conduitcrm/automation/internal/logger"
)

// platformClient delivers conversation side effects to the dashboard
// platform's internal API. When no base URL is configured the engine runs
// with a client that only logs, which keeps local development working
// without the platform up.
type platformClient struct {
	baseURL string
	http    *http.Client
}

func newPlatformClient(baseURL string) automation.ConversationClient {
	return &platformClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *platformClient) post(ctx context.Context, path string, payload map[string]any) error {
	if c.baseURL == "" {
		logger.Info("platform call skipped (no PLATFORM_URL configured)", "path", path)
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return automation.Permanent(fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return automation.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return automation.Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return automation.Transient(fmt.Errorf("platform returned status %d", resp.StatusCode))
	default:
		return automation.Permanent(fmt.Errorf("platform returned status %d", resp.StatusCode))
	}
}

func (c *platformClient) SendMessage(ctx context.Context, workspaceID, conversationID, body string) error {
	return c.post(ctx, "/internal/messages", map[string]any{
		"workspace_id":    workspaceID,
		"conversation_id": conversationID,
		"body":            body,
	})
}

func (c *platformClient) UpdateField(ctx context.Context, workspaceID, conversationID, field string, value any) error {
	return c.post(ctx, "/internal/conversations/update", map[string]any{
		"workspace_id":    workspaceID,
		"conversation_id": conversationID,
		"field":           field,
		"value":           value,
	})
}

func (c *platformClient) AssignConversation(ctx context.Context, workspaceID, conversationID, assignee string) error {
	return c.post(ctx, "/internal/conversations/assign", map[string]any{
		"workspace_id":    workspaceID,
		"conversation_id": conversationID,
		"assignee":        assignee,
	})
}

func (c *platformClient) AddLabel(ctx context.Context, workspaceID, conversationID, label string) error {
	return c.post(ctx, "/internal/conversations/labels", map[string]any{
		"workspace_id":    workspaceID,
		"conversation_id": conversationID,
		"label":           label,
	})
}

func (c *platformClient) Notify(ctx context.Context, workspaceID, target, message string) error {
	return c.post(ctx, "/internal/notifications", map[string]any{
		"workspace_id": workspaceID,
		"target":       target,
		"message":      message,
	})
}
