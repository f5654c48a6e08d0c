// Package storetest runs an in-memory Message Store over HTTP for tests.
package storetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"tgsync/internal/domain"
)

type mediaRecord struct {
	Kind    string `json:"media_type"`
	File    string `json:"media_file"`
	Caption string `json:"caption,omitempty"`
}

type messageRecord struct {
	ID         int64         `json:"id"`
	DialogID   int64         `json:"dialog"`
	ExternalID *int64        `json:"telegram_id"`
	SenderName string        `json:"sender_name"`
	Text       string        `json:"text"`
	Date       time.Time     `json:"date"`
	Delivered  bool          `json:"delivered"`
	Media      []mediaRecord `json:"media"`
}

// Fault decides whether a request fails; a non-zero status is returned instead of handling it.
type Fault func(method, path string) int

// Server is an in-memory Store. Routes mirror the production API under /api.
type Server struct {
	URL string

	mu       sync.Mutex
	dialogs  []domain.Dialog
	messages map[int64]*messageRecord
	nextID   int64
	fault    Fault
	requests map[string]int

	srv *httptest.Server
}

// New starts a Server that is closed when the test ends.
func New(t testing.TB) *Server {
	s := &Server{
		messages: make(map[int64]*messageRecord),
		requests: make(map[string]int),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(s.faultMiddleware)

	api := e.Group("/api")
	api.GET("/dialogs", s.listDialogs)
	api.POST("/dialogs", s.createDialog)
	api.GET("/dialogs/:id", s.getDialog)
	api.GET("/messages", s.listMessages)
	api.POST("/messages", s.createMessage)
	api.PATCH("/messages/:id", s.patchMessage)
	api.DELETE("/messages/:id", s.deleteMessage)

	s.srv = httptest.NewServer(e)
	s.URL = s.srv.URL + "/api"
	t.Cleanup(s.srv.Close)
	return s
}

// SetFault installs a fault injector; nil removes it.
func (s *Server) SetFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// Requests counts handled requests for "METHOD /path" (path without the /api prefix, no trailing slash).
func (s *Server) Requests(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[key]
}

// AddDialog seeds a dialog and returns it with its id.
func (s *Server) AddDialog(accountID string, chatID int64, title string) domain.Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	d := domain.Dialog{ID: s.nextID, AccountID: accountID, ChatID: chatID, Title: title}
	s.dialogs = append(s.dialogs, d)
	return d
}

// AddMessage seeds a message and returns its id.
func (s *Server) AddMessage(m domain.Message) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec := &messageRecord{
		ID:         s.nextID,
		DialogID:   m.DialogID,
		ExternalID: m.ExternalID,
		SenderName: m.SenderName,
		Text:       m.Text,
		Date:       m.Date,
		Delivered:  m.Delivered,
	}
	for _, item := range m.MediaItems {
		rec.Media = append(rec.Media, mediaRecord{Kind: string(item.Kind), File: item.Ref, Caption: item.Caption})
	}
	s.messages[rec.ID] = rec
	return rec.ID
}

// Dialogs returns a snapshot of all dialogs.
func (s *Server) Dialogs() []domain.Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Dialog(nil), s.dialogs...)
}

// Messages returns the messages of a dialog ordered by date.
func (s *Server) Messages(dialogID int64) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, rec := range s.sortedLocked() {
		if rec.DialogID == dialogID {
			out = append(out, rec.toDomain())
		}
	}
	return out
}

// Message returns one message by id.
func (s *Server) Message(id int64) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[id]
	if !ok {
		return domain.Message{}, false
	}
	return rec.toDomain(), true
}

func (r *messageRecord) toDomain() domain.Message {
	m := domain.Message{
		ID:         r.ID,
		DialogID:   r.DialogID,
		ExternalID: r.ExternalID,
		SenderName: r.SenderName,
		Text:       r.Text,
		Date:       r.Date,
		Delivered:  r.Delivered,
	}
	for _, item := range r.Media {
		m.MediaItems = append(m.MediaItems, domain.Media{Kind: domain.MediaKind(item.Kind), Ref: item.File, Caption: item.Caption})
	}
	return m
}

func (s *Server) sortedLocked() []*messageRecord {
	out := make([]*messageRecord, 0, len(s.messages))
	for _, rec := range s.messages {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID < out[j].ID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

func (s *Server) faultMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		path := strings.TrimPrefix(req.URL.Path, "/api")
		s.mu.Lock()
		fault := s.fault
		s.mu.Unlock()
		if fault != nil {
			if status := fault(req.Method, path); status != 0 {
				return c.JSON(status, map[string]string{"detail": "injected fault"})
			}
		}
		s.mu.Lock()
		s.requests[req.Method+" "+routeKey(path)]++
		s.mu.Unlock()
		return next(c)
	}
}

// routeKey collapses numeric path segments so "/messages/12" counts as "/messages/:id".
func routeKey(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// --- handlers ---

func (s *Server) listDialogs(c echo.Context) error {
	account := c.QueryParam("account_phone")
	chat := c.QueryParam("chat_id")
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.Dialog{}
	for _, d := range s.dialogs {
		if account != "" && d.AccountID != account {
			continue
		}
		if chat != "" && strconv.FormatInt(d.ChatID, 10) != chat {
			continue
		}
		out = append(out, d)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) createDialog(c echo.Context) error {
	var d domain.Dialog
	if err := json.NewDecoder(c.Request().Body).Decode(&d); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": err.Error()})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.dialogs {
		if existing.AccountID == d.AccountID && existing.ChatID == d.ChatID {
			return c.JSON(http.StatusBadRequest, map[string]string{"detail": "dialog already exists"})
		}
	}
	s.nextID++
	d.ID = s.nextID
	s.dialogs = append(s.dialogs, d)
	return c.JSON(http.StatusCreated, d)
}

func (s *Server) getDialog(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.NoContent(http.StatusNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.dialogs {
		if d.ID == id {
			return c.JSON(http.StatusOK, d)
		}
	}
	return c.NoContent(http.StatusNotFound)
}

func (s *Server) listMessages(c echo.Context) error {
	dialog := c.QueryParam("dialog")
	telegramID := c.QueryParam("telegram_id")
	delivered := c.QueryParam("delivered")
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []messageRecord{}
	for _, rec := range s.sortedLocked() {
		if dialog != "" && strconv.FormatInt(rec.DialogID, 10) != dialog {
			continue
		}
		if telegramID != "" && (rec.ExternalID == nil || strconv.FormatInt(*rec.ExternalID, 10) != telegramID) {
			continue
		}
		if delivered != "" && strconv.FormatBool(rec.Delivered) != delivered {
			continue
		}
		out = append(out, *rec)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) createMessage(c echo.Context) error {
	var rec messageRecord
	if err := json.NewDecoder(c.Request().Body).Decode(&rec); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": err.Error()})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, d := range s.dialogs {
		if d.ID == rec.DialogID {
			found = true
		}
	}
	if !found {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "unknown dialog"})
	}
	if rec.ExternalID != nil {
		for _, existing := range s.messages {
			if existing.DialogID == rec.DialogID && existing.ExternalID != nil && *existing.ExternalID == *rec.ExternalID {
				return c.JSON(http.StatusBadRequest, map[string]string{"detail": "duplicate telegram_id"})
			}
		}
	}
	s.nextID++
	rec.ID = s.nextID
	s.messages[rec.ID] = &rec
	return c.JSON(http.StatusCreated, rec)
}

func (s *Server) patchMessage(c echo.Context) error {
	id, _ := strconv.ParseInt(c.Param("id"), 10, 64)
	var patch struct {
		Delivered  *bool  `json:"delivered"`
		ExternalID *int64 `json:"telegram_id"`
	}
	if err := json.NewDecoder(c.Request().Body).Decode(&patch); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": err.Error()})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[id]
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	if patch.Delivered != nil {
		rec.Delivered = *patch.Delivered
	}
	if patch.ExternalID != nil {
		rec.ExternalID = patch.ExternalID
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) deleteMessage(c echo.Context) error {
	id, _ := strconv.ParseInt(c.Param("id"), 10, 64)
	var body struct {
		Created *struct {
			ID int64 `json:"id"`
		} `json:"created"`
	}
	if c.Request().ContentLength != 0 {
		if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"detail": err.Error()})
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[id]
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	if body.Created != nil {
		survivor, ok := s.messages[body.Created.ID]
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"detail": "unknown survivor"})
		}
		survivor.Media = append(survivor.Media, rec.Media...)
	}
	delete(s.messages, id)
	return c.JSON(http.StatusOK, rec)
}
