package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Action types shipped with the engine. The set is closed and versioned;
// collaborators register additional handlers at boot, not at runtime.
const (
	ActionSendMessage        = "send_message"
	ActionAssignConversation = "assign_conversation"
	ActionUpdateField        = "update_field"
	ActionAddLabel           = "add_label"
	ActionChangeStatus       = "change_status"
	ActionChangePriority     = "change_priority"
	ActionSendWebhook        = "send_webhook"
	ActionSendNotification   = "send_notification"
)

// ConversationClient is the engine's outlet to the conversation platform.
// Implementations live outside the engine; side effects are entirely
// confined to them.
type ConversationClient interface {
	SendMessage(ctx context.Context, workspaceID, conversationID, body string) error
	UpdateField(ctx context.Context, workspaceID, conversationID, field string, value any) error
	AssignConversation(ctx context.Context, workspaceID, conversationID, assignee string) error
	AddLabel(ctx context.Context, workspaceID, conversationID, label string) error
	Notify(ctx context.Context, workspaceID, target, message string) error
}

// RegisterBuiltins wires the built-in action handlers into a registry.
// httpClient may be nil, in which case webhooks use a default client.
func RegisterBuiltins(reg *Registry, client ConversationClient, httpClient *http.Client) error {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultActionTimeout}
	}
	handlers := []ActionHandler{
		&sendMessageHandler{client: client},
		&assignHandler{client: client},
		&updateFieldHandler{client: client, kind: ActionUpdateField, field: ""},
		&updateFieldHandler{client: client, kind: ActionChangeStatus, field: "status"},
		&updateFieldHandler{client: client, kind: ActionChangePriority, field: "priority"},
		&addLabelHandler{client: client},
		&webhookHandler{http: httpClient},
		&notifyHandler{client: client},
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required param %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("param %q must be a non-empty string", key)
	}
	return s, nil
}

type sendMessageHandler struct {
	client ConversationClient
}

func (h *sendMessageHandler) Kind() string                  { return ActionSendMessage }
func (h *sendMessageHandler) DefaultTimeout() time.Duration { return DefaultActionTimeout }
func (h *sendMessageHandler) RetryBudget() int              { return DefaultRetryBudget }

func (h *sendMessageHandler) ValidateParams(params map[string]any) error {
	_, err := stringParam(params, "body")
	return err
}

func (h *sendMessageHandler) Invoke(ctx context.Context, inv Invocation) (string, error) {
	body, err := stringParam(inv.Action.Params, "body")
	if err != nil {
		return "", Permanent(err)
	}
	if inv.DryRun {
		return fmt.Sprintf("would send message to conversation %s", inv.Event.ScopeKey), nil
	}
	if err := h.client.SendMessage(ctx, inv.Event.WorkspaceID, inv.Event.ScopeKey, body); err != nil {
		return "", classifyClientErr(err)
	}
	return fmt.Sprintf("sent message to conversation %s", inv.Event.ScopeKey), nil
}

type assignHandler struct {
	client ConversationClient
}

func (h *assignHandler) Kind() string                  { return ActionAssignConversation }
func (h *assignHandler) DefaultTimeout() time.Duration { return DefaultActionTimeout }
func (h *assignHandler) RetryBudget() int              { return DefaultRetryBudget }

func (h *assignHandler) ValidateParams(params map[string]any) error {
	_, err := stringParam(params, "assignee")
	return err
}

func (h *assignHandler) Invoke(ctx context.Context, inv Invocation) (string, error) {
	assignee, err := stringParam(inv.Action.Params, "assignee")
	if err != nil {
		return "", Permanent(err)
	}
	if inv.DryRun {
		return fmt.Sprintf("would assign conversation %s to %s", inv.Event.ScopeKey, assignee), nil
	}
	if err := h.client.AssignConversation(ctx, inv.Event.WorkspaceID, inv.Event.ScopeKey, assignee); err != nil {
		return "", classifyClientErr(err)
	}
	return fmt.Sprintf("assigned conversation %s to %s", inv.Event.ScopeKey, assignee), nil
}

// updateFieldHandler serves update_field plus the two fixed-field variants
// change_status and change_priority.
type updateFieldHandler struct {
	client ConversationClient
	kind   string
	field  string // fixed target field, empty for the generic variant
}

func (h *updateFieldHandler) Kind() string                  { return h.kind }
func (h *updateFieldHandler) DefaultTimeout() time.Duration { return DefaultActionTimeout }
func (h *updateFieldHandler) RetryBudget() int              { return DefaultRetryBudget }

func (h *updateFieldHandler) ValidateParams(params map[string]any) error {
	if h.field == "" {
		if _, err := stringParam(params, "field"); err != nil {
			return err
		}
	}
	if _, ok := params["value"]; !ok {
		return fmt.Errorf("missing required param %q", "value")
	}
	return nil
}

func (h *updateFieldHandler) Invoke(ctx context.Context, inv Invocation) (string, error) {
	field := h.field
	if field == "" {
		var err error
		field, err = stringParam(inv.Action.Params, "field")
		if err != nil {
			return "", Permanent(err)
		}
	}
	value, ok := inv.Action.Params["value"]
	if !ok {
		return "", Permanent(fmt.Errorf("missing required param %q", "value"))
	}
	if inv.DryRun {
		return fmt.Sprintf("would set %s=%v on conversation %s", field, value, inv.Event.ScopeKey), nil
	}
	if err := h.client.UpdateField(ctx, inv.Event.WorkspaceID, inv.Event.ScopeKey, field, value); err != nil {
		return "", classifyClientErr(err)
	}
	return fmt.Sprintf("set %s=%v on conversation %s", field, value, inv.Event.ScopeKey), nil
}

type addLabelHandler struct {
	client ConversationClient
}

func (h *addLabelHandler) Kind() string                  { return ActionAddLabel }
func (h *addLabelHandler) DefaultTimeout() time.Duration { return DefaultActionTimeout }
func (h *addLabelHandler) RetryBudget() int              { return DefaultRetryBudget }

func (h *addLabelHandler) ValidateParams(params map[string]any) error {
	_, err := stringParam(params, "label")
	return err
}

func (h *addLabelHandler) Invoke(ctx context.Context, inv Invocation) (string, error) {
	label, err := stringParam(inv.Action.Params, "label")
	if err != nil {
		return "", Permanent(err)
	}
	if inv.DryRun {
		return fmt.Sprintf("would add label %q to conversation %s", label, inv.Event.ScopeKey), nil
	}
	if err := h.client.AddLabel(ctx, inv.Event.WorkspaceID, inv.Event.ScopeKey, label); err != nil {
		return "", classifyClientErr(err)
	}
	return fmt.Sprintf("added label %q to conversation %s", label, inv.Event.ScopeKey), nil
}

type notifyHandler struct {
	client ConversationClient
}

func (h *notifyHandler) Kind() string                  { return ActionSendNotification }
func (h *notifyHandler) DefaultTimeout() time.Duration { return DefaultActionTimeout }
func (h *notifyHandler) RetryBudget() int              { return DefaultRetryBudget }

func (h *notifyHandler) ValidateParams(params map[string]any) error {
	if _, err := stringParam(params, "target"); err != nil {
		return err
	}
	_, err := stringParam(params, "message")
	return err
}

func (h *notifyHandler) Invoke(ctx context.Context, inv Invocation) (string, error) {
	target, err := stringParam(inv.Action.Params, "target")
	if err != nil {
		return "", Permanent(err)
	}
	message, err := stringParam(inv.Action.Params, "message")
	if err != nil {
		return "", Permanent(err)
	}
	if inv.DryRun {
		return fmt.Sprintf("would notify %s", target), nil
	}
	if err := h.client.Notify(ctx, inv.Event.WorkspaceID, target, message); err != nil {
		return "", classifyClientErr(err)
	}
	return fmt.Sprintf("notified %s", target), nil
}

// webhookHandler POSTs the triggering event to a configured URL. Delivery
// is at-least-once; receivers are expected to dedupe on event ID.
type webhookHandler struct {
	http *http.Client
}

func (h *webhookHandler) Kind() string                  { return ActionSendWebhook }
func (h *webhookHandler) DefaultTimeout() time.Duration { return DefaultActionTimeout }
func (h *webhookHandler) RetryBudget() int              { return DefaultRetryBudget }

func (h *webhookHandler) ValidateParams(params map[string]any) error {
	raw, err := stringParam(params, "url")
	if err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("param %q must be an http(s) URL", "url")
	}
	return nil
}

func (h *webhookHandler) Invoke(ctx context.Context, inv Invocation) (string, error) {
	target, err := stringParam(inv.Action.Params, "url")
	if err != nil {
		return "", Permanent(err)
	}
	if inv.DryRun {
		return fmt.Sprintf("would POST event %s to %s", inv.Event.ID, target), nil
	}

	payload, err := json.Marshal(inv.Event)
	if err != nil {
		return "", Permanent(fmt.Errorf("failed to marshal event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return "", Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", inv.Event.ID)

	resp, err := h.http.Do(req)
	if err != nil {
		// Network failures and timeouts are retryable.
		return "", Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return fmt.Sprintf("delivered event %s to %s", inv.Event.ID, target), nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", Transient(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	default:
		return "", Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
}

// classifyClientErr keeps a collaborator's own classification if present
// and otherwise treats the failure as transient, since platform calls are
// network I/O.
func classifyClientErr(err error) error {
	if IsTransient(err) {
		return err
	}
	var pe *PermanentActionError
	if errors.As(err, &pe) {
		return err
	}
	return Transient(err)
}
