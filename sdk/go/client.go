package sevtracksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal SEV Tracker HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Draft represents the API draft model.
type Draft struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Division    string `json:"division"`
	Responsible string `json:"responsible"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at"`
	Status      string `json:"status"`
}

// SystemPair is one selected (system, environment) target.
type SystemPair struct {
	System      string `json:"system"`
	Environment string `json:"environment"`
}

// Field is one checklist row on a draft.
type Field struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Order       int    `json:"order"`
}

// Pending is an issued access key awaiting redemption.
type Pending struct {
	ID        string       `json:"id"`
	DraftID   string       `json:"draft_id"`
	AccessKey string       `json:"access_key"`
	Systems   []SystemPair `json:"systems"`
	Fields    []Field      `json:"fields"`
	CreatedBy string       `json:"created_by"`
	CreatedAt string       `json:"created_at"`
	Status    string       `json:"status"`
}

// Item is one judged checklist row inside a session.
type Item struct {
	ID              string  `json:"id"`
	Item            string  `json:"item"`
	Status          string  `json:"status"`
	EvidencePreview *string `json:"evidence_preview,omitempty"`
	Comment         string  `json:"comment,omitempty"`
	Order           int     `json:"order"`
}

// Session is a live or finalized validation execution.
type Session struct {
	ID               string  `json:"id"`
	User             string  `json:"user"`
	Department       string  `json:"department"`
	Division         string  `json:"division"`
	System           string  `json:"system"`
	Environment      string  `json:"environment"`
	StartTime        string  `json:"start_time"`
	EndTime          *string `json:"end_time,omitempty"`
	Items            []Item  `json:"items"`
	Status           string  `json:"status"`
	StructureVersion string  `json:"structure_version"`
	Editable         bool    `json:"editable"`
	CanFinalize      bool    `json:"can_finalize"`
}

// AuditEntry is one audit log record.
type AuditEntry struct {
	ID              int64  `json:"id"`
	Timestamp       string `json:"timestamp"`
	User            string `json:"user"`
	Department      string `json:"department"`
	Action          string `json:"action"`
	ActionDisplay   string `json:"action_display"`
	System          string `json:"system,omitempty"`
	Environment     string `json:"environment,omitempty"`
	ValidationID    string `json:"validation_id,omitempty"`
	ResultingStatus string `json:"resulting_status,omitempty"`
	Details         string `json:"details,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// AuditFilters narrow audit queries. Zero values mean "no filter".
type AuditFilters struct {
	User        string
	Department  string
	DateStart   string
	DateEnd     string
	System      string
	Environment string
	Action      string
}

func (f AuditFilters) query() string {
	v := url.Values{}
	set := func(k, s string) {
		if s != "" {
			v.Set(k, s)
		}
	}
	set("user", f.User)
	set("department", f.Department)
	set("date_start", f.DateStart)
	set("date_end", f.DateEnd)
	set("system", f.System)
	set("environment", f.Environment)
	set("action", f.Action)
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// CreateDraft creates a validation draft.
func (c *Client) CreateDraft(ctx context.Context, name, description, typ, division, responsible string) (Draft, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
		"type":        typ,
		"division":    division,
		"responsible": responsible,
	}
	var resp Draft
	err := c.do(ctx, http.MethodPost, "v0/drafts", body, &resp)
	return resp, err
}

// AddSystem attaches a (system, environment) pair to a draft.
func (c *Client) AddSystem(ctx context.Context, draftID, system, environment string) ([]SystemPair, error) {
	body := map[string]any{"system": system, "environment": environment}
	var resp []SystemPair
	err := c.do(ctx, http.MethodPost, c.draftPath(draftID, "systems"), body, &resp)
	return resp, err
}

// ConfirmSystems locks in the selection set.
func (c *Client) ConfirmSystems(ctx context.Context, draftID string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPost, c.draftPath(draftID, "systems/confirm"), nil, &resp)
	return resp, err
}

// AddField appends a checklist field.
func (c *Client) AddField(ctx context.Context, draftID, name, description, typ string, required bool) (Field, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
		"type":        typ,
		"required":    required,
	}
	var resp Field
	err := c.do(ctx, http.MethodPost, c.draftPath(draftID, "fields"), body, &resp)
	return resp, err
}

// ConfirmFields locks in the checklist structure.
func (c *Client) ConfirmFields(ctx context.Context, draftID string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPost, c.draftPath(draftID, "fields/confirm"), nil, &resp)
	return resp, err
}

// IssueKey issues an access key for a configured draft.
func (c *Client) IssueKey(ctx context.Context, draftID string) (Pending, error) {
	var resp Pending
	err := c.do(ctx, http.MethodPost, c.draftPath(draftID, "keys"), nil, &resp)
	return resp, err
}

// RedeemKey starts a session from an access key.
func (c *Client) RedeemKey(ctx context.Context, accessKey string) (Session, error) {
	body := map[string]any{"access_key": accessKey}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions/redeem", body, &resp)
	return resp, err
}

// GetSession fetches a session with its items.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "v0/sessions/"+url.PathEscape(sessionID), nil, &resp)
	return resp, err
}

// SetItemStatus records a judgement.
func (c *Client) SetItemStatus(ctx context.Context, sessionID, itemID, status string) (Item, error) {
	body := map[string]any{"status": status}
	var resp Item
	err := c.do(ctx, http.MethodPatch, c.itemPath(sessionID, itemID, "status"), body, &resp)
	return resp, err
}

// AttachEvidence uploads evidence bytes for an item.
func (c *Client) AttachEvidence(ctx context.Context, sessionID, itemID, filename string, data []byte) (Item, error) {
	body := map[string]any{"filename": filename, "data": data}
	var resp Item
	err := c.do(ctx, http.MethodPut, c.itemPath(sessionID, itemID, "evidence"), body, &resp)
	return resp, err
}

// SetComment sets an item's comment.
func (c *Client) SetComment(ctx context.Context, sessionID, itemID, comment string) (Item, error) {
	body := map[string]any{"comment": comment}
	var resp Item
	err := c.do(ctx, http.MethodPut, c.itemPath(sessionID, itemID, "comment"), body, &resp)
	return resp, err
}

// Finalize closes a session with a signature.
func (c *Client) Finalize(ctx context.Context, sessionID, signature string, auditorConfirmed bool) (Session, error) {
	body := map[string]any{"signature": signature, "auditor_confirmed": auditorConfirmed}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions/"+url.PathEscape(sessionID)+"/finalize", body, &resp)
	return resp, err
}

// History lists finalized validations.
func (c *Client) History(ctx context.Context) ([]Session, error) {
	var resp []Session
	err := c.do(ctx, http.MethodGet, "v0/history", nil, &resp)
	return resp, err
}

// SessionReport fetches a session's plaintext report.
func (c *Client) SessionReport(ctx context.Context, sessionID string) ([]byte, error) {
	var resp []byte
	err := c.do(ctx, http.MethodGet, "v0/sessions/"+url.PathEscape(sessionID)+"/report", nil, &resp)
	return resp, err
}

// AuditLog queries the audit log.
func (c *Client) AuditLog(ctx context.Context, f AuditFilters) ([]AuditEntry, error) {
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, "v0/audit"+f.query(), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if raw, ok := out.(*[]byte); ok {
			b, err := io.ReadAll(resp.Body)
			*raw = b
			return err
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) draftPath(draftID, p string) string {
	return fmt.Sprintf("v0/drafts/%s/%s", url.PathEscape(draftID), strings.TrimLeft(p, "/"))
}

func (c *Client) itemPath(sessionID, itemID, p string) string {
	return fmt.Sprintf("v0/sessions/%s/items/%s/%s", url.PathEscape(sessionID), url.PathEscape(itemID), p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
