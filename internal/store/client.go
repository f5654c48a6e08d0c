// Package store is the typed client of the Message Store HTTP API.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"tgsync/internal/domain"
)

// APIError is a non-retryable error status returned by the Store.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("store %s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// ClientConfig configures a Store client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	MaxRetries int
	Logger     *slog.Logger
}

// Client implements domain.MessageStore over HTTP.
type Client struct {
	baseURL    string
	http       *http.Client
	maxRetries int
	logger     *slog.Logger
}

var _ domain.MessageStore = (*Client)(nil)

func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		http:       cfg.HTTPClient,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger,
	}
}

// --- dialogs ---

func (c *Client) FindDialog(ctx context.Context, accountID string, chatID int64) (*domain.Dialog, error) {
	q := url.Values{}
	q.Set("account_phone", accountID)
	q.Set("chat_id", strconv.FormatInt(chatID, 10))

	var dialogs []domain.Dialog
	if err := c.getJSON(ctx, "/dialogs/", q, &dialogs); err != nil {
		return nil, err
	}
	// The Store may ignore filters, so match here as well.
	for _, d := range dialogs {
		if d.AccountID == accountID && d.ChatID == chatID {
			d := d
			return &d, nil
		}
	}
	return nil, nil
}

func (c *Client) GetDialog(ctx context.Context, id int64) (*domain.Dialog, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/dialogs/"+strconv.FormatInt(id, 10)+"/", nil, &raw); err != nil {
		return nil, err
	}
	// Some Store versions answer the detail route with a one-element list.
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var list []domain.Dialog
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: dialog %d: %v", domain.ErrMalformedRecord, id, err)
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("dialog %d: %w", id, domain.ErrNotFound)
		}
		return &list[0], nil
	}
	var d domain.Dialog
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: dialog %d: %v", domain.ErrMalformedRecord, id, err)
	}
	return &d, nil
}

// EnsureDialog finds the dialog for (accountID, chatID) and creates it when missing.
// A create rejected because of the uniqueness constraint is resolved by a second lookup.
func (c *Client) EnsureDialog(ctx context.Context, accountID string, chatID int64, title string) (*domain.Dialog, error) {
	existing, err := c.FindDialog(ctx, accountID, chatID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	body := domain.Dialog{AccountID: accountID, ChatID: chatID, Title: title}
	var created domain.Dialog
	err = c.sendJSON(ctx, http.MethodPost, "/dialogs/", body, &created)
	if err == nil {
		if created.ID == 0 {
			return nil, fmt.Errorf("%w: created dialog without id", domain.ErrMalformedRecord)
		}
		return &created, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusConflict) {
		again, findErr := c.FindDialog(ctx, accountID, chatID)
		if findErr == nil && again != nil {
			return again, nil
		}
	}
	return nil, err
}

// --- messages ---

func (c *Client) ListMessages(ctx context.Context, dialogID int64) ([]domain.Message, error) {
	q := url.Values{}
	q.Set("dialog", strconv.FormatInt(dialogID, 10))
	msgs, err := c.listMessages(ctx, q)
	if err != nil {
		return nil, err
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.DialogID == dialogID {
			out = append(out, m)
		}
	}
	sortByDate(out)
	return out, nil
}

func (c *Client) FindMessage(ctx context.Context, dialogID, externalID int64) (*domain.Message, error) {
	q := url.Values{}
	q.Set("dialog", strconv.FormatInt(dialogID, 10))
	q.Set("telegram_id", strconv.FormatInt(externalID, 10))
	msgs, err := c.listMessages(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.DialogID == dialogID && m.ExternalID != nil && *m.ExternalID == externalID {
			m := m
			return &m, nil
		}
	}
	return nil, nil
}

func (c *Client) ListUndelivered(ctx context.Context, accountID string) ([]domain.Message, error) {
	q := url.Values{}
	q.Set("delivered", "false")
	if accountID != "" {
		q.Set("account_phone", accountID)
	}
	msgs, err := c.listMessages(ctx, q)
	if err != nil {
		return nil, err
	}
	out := msgs[:0]
	for _, m := range msgs {
		if !m.Delivered {
			out = append(out, m)
		}
	}
	sortByDate(out)
	return out, nil
}

func (c *Client) CreateMessage(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	var created wireMessage
	if err := c.sendJSON(ctx, http.MethodPost, "/messages/", toWire(msg), &created); err != nil {
		return nil, err
	}
	out, err := created.toDomain()
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarkDelivered(ctx context.Context, id int64, externalID *int64) error {
	body := map[string]any{"delivered": true}
	if externalID != nil {
		body["telegram_id"] = *externalID
	}
	return c.sendJSON(ctx, http.MethodPatch, "/messages/"+strconv.FormatInt(id, 10)+"/", body, nil)
}

func (c *Client) Supersede(ctx context.Context, placeholderID, survivorID int64) error {
	body := map[string]any{"created": map[string]int64{"id": survivorID}}
	return c.sendJSON(ctx, http.MethodDelete, "/messages/"+strconv.FormatInt(placeholderID, 10)+"/", body, nil)
}

// Ping checks that the Store answers.
func (c *Client) Ping(ctx context.Context) error {
	q := url.Values{}
	q.Set("chat_id", "0")
	var dialogs []domain.Dialog
	return c.getJSON(ctx, "/dialogs/", q, &dialogs)
}

func (c *Client) listMessages(ctx context.Context, q url.Values) ([]domain.Message, error) {
	var wire []json.RawMessage
	if err := c.getJSON(ctx, "/messages/", q, &wire); err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(wire))
	for _, raw := range wire {
		var w wireMessage
		if err := json.Unmarshal(raw, &w); err != nil {
			c.logger.Warn("skipping malformed store message", "err", err)
			continue
		}
		m, err := w.toDomain()
		if err != nil {
			c.logger.Warn("skipping malformed store message", "id", w.ID, "err", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func sortByDate(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Date.Equal(msgs[j].Date) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Date.Before(msgs[j].Date)
	})
}

// --- transport ---

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	resp, err := roundTrip(ctx, c.http, c.maxRetries, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, c.logger)
	if err != nil {
		return err
	}
	return decodeResponse(resp, http.MethodGet, path, out)
}

// sendJSON issues a request with a JSON body. POST is never retried: a lost
// response could otherwise create the same record twice.
func (c *Client) sendJSON(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", method, path, err)
	}
	retries := c.maxRetries
	if method == http.MethodPost {
		retries = 0
	}
	resp, err := roundTrip(ctx, c.http, retries, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, c.logger)
	if err != nil {
		return err
	}
	return decodeResponse(resp, method, path, out)
}

func decodeResponse(resp *http.Response, method, path string, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("store %s %s: %w", method, path, domain.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrMalformedRecord, method, path, err)
	}
	return nil
}

// --- wire format ---

type wireMedia struct {
	Kind    string `json:"media_type"`
	File    string `json:"media_file"`
	Caption string `json:"caption,omitempty"`
}

type wireMessage struct {
	ID         int64       `json:"id,omitempty"`
	DialogID   int64       `json:"dialog"`
	ExternalID *int64      `json:"telegram_id"`
	SenderName string      `json:"sender_name"`
	Text       string      `json:"text"`
	Date       storeTime   `json:"date"`
	Delivered  bool        `json:"delivered"`
	Media      []wireMedia `json:"media,omitempty"`

	// Single-attachment fields of the original schema.
	MediaFile *string `json:"media_file,omitempty"`
	MediaType *string `json:"media_type,omitempty"`
}

func toWire(m domain.Message) wireMessage {
	w := wireMessage{
		ID:         m.ID,
		DialogID:   m.DialogID,
		ExternalID: m.ExternalID,
		SenderName: m.SenderName,
		Text:       m.Text,
		Date:       storeTime(m.Date),
		Delivered:  m.Delivered,
	}
	for _, item := range m.MediaItems {
		w.Media = append(w.Media, wireMedia{Kind: string(item.Kind), File: item.Ref, Caption: item.Caption})
	}
	// Mirror the first item into the legacy fields for single-attachment Stores.
	if len(m.MediaItems) > 0 {
		file, kind := m.MediaItems[0].Ref, string(m.MediaItems[0].Kind)
		w.MediaFile, w.MediaType = &file, &kind
	}
	return w
}

func (w wireMessage) toDomain() (domain.Message, error) {
	if w.ID == 0 {
		return domain.Message{}, fmt.Errorf("%w: message without id", domain.ErrMalformedRecord)
	}
	if w.DialogID == 0 {
		return domain.Message{}, fmt.Errorf("%w: message %d without dialog", domain.ErrMalformedRecord, w.ID)
	}
	m := domain.Message{
		ID:         w.ID,
		DialogID:   w.DialogID,
		ExternalID: w.ExternalID,
		SenderName: w.SenderName,
		Text:       w.Text,
		Date:       time.Time(w.Date),
		Delivered:  w.Delivered,
	}
	for _, item := range w.Media {
		if item.File == "" {
			continue
		}
		m.MediaItems = append(m.MediaItems, domain.Media{Kind: domain.MediaKind(item.Kind), Ref: item.File, Caption: item.Caption})
	}
	if len(m.MediaItems) == 0 && w.MediaFile != nil && *w.MediaFile != "" {
		kind := ""
		if w.MediaType != nil {
			kind = *w.MediaType
		}
		m.MediaItems = []domain.Media{{Kind: domain.MediaKind(kind), Ref: *w.MediaFile}}
	}
	return m, nil
}

// storeTime accepts the timestamp layouts the Store is known to emit.
type storeTime time.Time

var storeTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func (t storeTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).Format(time.RFC3339Nano))
}

func (t *storeTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date: %w", err)
	}
	for _, layout := range storeTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = storeTime(parsed)
			return nil
		}
	}
	return fmt.Errorf("date: unrecognised timestamp %q", s)
}
