package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgsync/internal/domain"
	"tgsync/internal/store/storetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	prev := retryBaseDelay
	retryBaseDelay = time.Millisecond
	t.Cleanup(func() { retryBaseDelay = prev })
	return NewClient(ClientConfig{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		MaxRetries: 2,
		Logger:     testLogger(),
	})
}

func TestEnsureDialog_Idempotent(t *testing.T) {
	srv := storetest.New(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	first, err := c.EnsureDialog(ctx, "+1", 42, "Alice")
	require.NoError(t, err)
	second, err := c.EnsureDialog(ctx, "+1", 42, "Alice again")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, srv.Dialogs(), 1)
	assert.Equal(t, 1, srv.Requests("POST /dialogs"))
}

func TestEnsureDialog_SameChatDifferentAccount(t *testing.T) {
	srv := storetest.New(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	a, err := c.EnsureDialog(ctx, "+1", 42, "Alice")
	require.NoError(t, err)
	b, err := c.EnsureDialog(ctx, "+2", 42, "Alice")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, srv.Dialogs(), 2)
}

func TestEnsureDialog_LostCreateRaceResolvesByLookup(t *testing.T) {
	srv := storetest.New(t)
	c := newTestClient(t, srv.URL)

	var winner domain.Dialog
	srv.SetFault(func(method, path string) int {
		if method == http.MethodPost && path == "/dialogs" && winner.ID == 0 {
			winner = srv.AddDialog("+1", 7, "Concurrent")
		}
		return 0
	})

	d, err := c.EnsureDialog(context.Background(), "+1", 7, "Mine")
	require.NoError(t, err)
	assert.Equal(t, winner.ID, d.ID)
	assert.Len(t, srv.Dialogs(), 1)
}

func TestGetDialog_NotFound(t *testing.T) {
	srv := storetest.New(t)
	c := newTestClient(t, srv.URL)

	_, err := c.GetDialog(context.Background(), 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetDialog_ListResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{"id":3,"account_phone":"+1","chat_id":9,"chat_title":"T"}]`)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	d, err := c.GetDialog(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(9), d.ChatID)
	assert.Equal(t, "+1", d.AccountID)
}

func TestCreateAndFindMessage(t *testing.T) {
	srv := storetest.New(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()
	d := srv.AddDialog("+1", 5, "Bob")

	date := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	created, err := c.CreateMessage(ctx, domain.Message{
		DialogID:   d.ID,
		ExternalID: domain.Int64Ptr(100),
		SenderName: "Bob",
		Text:       "look",
		Date:       date,
		Delivered:  true,
		MediaItems: []domain.Media{
			{Kind: domain.MediaPhoto, Ref: "media/+1_100_photo.jpg", Caption: "look"},
			{Kind: domain.MediaVideo, Ref: "media/+1_101_video.mp4"},
		},
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.True(t, date.Equal(created.Date))
	require.Len(t, created.MediaItems, 2)

	found, err := c.FindMessage(ctx, d.ID, 100)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)

	missing, err := c.FindMessage(ctx, d.ID, 101)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListUndelivered_FiltersAndSorts(t *testing.T) {
	srv := storetest.New(t)
	c := newTestClient(t, srv.URL)
	d := srv.AddDialog("+1", 5, "Bob")
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	late := srv.AddMessage(domain.Message{DialogID: d.ID, Text: "second", Date: base.Add(time.Minute)})
	early := srv.AddMessage(domain.Message{DialogID: d.ID, Text: "first", Date: base})
	srv.AddMessage(domain.Message{DialogID: d.ID, Text: "done", Date: base, Delivered: true, ExternalID: domain.Int64Ptr(1)})

	msgs, err := c.ListUndelivered(context.Background(), "+1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, early, msgs[0].ID)
	assert.Equal(t, late, msgs[1].ID)
}

func TestMarkDelivered(t *testing.T) {
	srv := storetest.New(t)
	c := newTestClient(t, srv.URL)
	d := srv.AddDialog("+1", 5, "Bob")
	id := srv.AddMessage(domain.Message{DialogID: d.ID, Text: "hi", Date: time.Now()})

	require.NoError(t, c.MarkDelivered(context.Background(), id, domain.Int64Ptr(77)))

	got, ok := srv.Message(id)
	require.True(t, ok)
	assert.True(t, got.Delivered)
	require.NotNil(t, got.ExternalID)
	assert.Equal(t, int64(77), *got.ExternalID)
}

func TestSupersede_MovesMediaToSurvivor(t *testing.T) {
	srv := storetest.New(t)
	c := newTestClient(t, srv.URL)
	d := srv.AddDialog("+1", 5, "Bob")
	now := time.Now()
	placeholder := srv.AddMessage(domain.Message{
		DialogID:   d.ID,
		Text:       "pic",
		Date:       now,
		MediaItems: []domain.Media{{Kind: domain.MediaPhoto, Ref: "media/a.jpg"}},
	})
	survivor := srv.AddMessage(domain.Message{DialogID: d.ID, Text: "pic", Date: now, Delivered: true, ExternalID: domain.Int64Ptr(9)})

	require.NoError(t, c.Supersede(context.Background(), placeholder, survivor))

	_, ok := srv.Message(placeholder)
	assert.False(t, ok)
	got, ok := srv.Message(survivor)
	require.True(t, ok)
	require.Len(t, got.MediaItems, 1)
	assert.Equal(t, "media/a.jpg", got.MediaItems[0].Ref)
}

func TestListMessages_SkipsMalformedAndReadsLegacyMedia(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[
			{"id":1,"dialog":2,"telegram_id":5,"text":"a","date":"2024-01-01 10:00:00","delivered":false,
			 "media_file":"media/x.jpg","media_type":"photo"},
			{"text":"no id","date":"2024-01-01T00:00:00Z"},
			{"id":3,"dialog":2,"text":"bad date","date":"yesterday"}
		]`)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	msgs, err := c.ListMessages(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].MediaItems, 1)
	assert.Equal(t, domain.MediaPhoto, msgs[0].MediaItems[0].Kind)
	assert.Equal(t, "media/x.jpg", msgs[0].MediaItems[0].Ref)
}

func TestRetry_GetRecoversFromServerError(t *testing.T) {
	srv := storetest.New(t)
	c := newTestClient(t, srv.URL)
	srv.AddDialog("+1", 5, "Bob")

	var failures atomic.Int32
	srv.SetFault(func(method, path string) int {
		if method == http.MethodGet && failures.Add(1) == 1 {
			return http.StatusServiceUnavailable
		}
		return 0
	})

	d, err := c.FindDialog(context.Background(), "+1", 5)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, int32(2), failures.Load())
}

func TestRetry_ExhaustedIsTransient(t *testing.T) {
	srv := storetest.New(t)
	c := newTestClient(t, srv.URL)
	srv.SetFault(func(method, path string) int { return http.StatusBadGateway })

	_, err := c.ListUndelivered(context.Background(), "+1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransient))
}

func TestRetry_PostIsNotRetried(t *testing.T) {
	srv := storetest.New(t)
	c := newTestClient(t, srv.URL)
	d := srv.AddDialog("+1", 5, "Bob")

	var posts atomic.Int32
	srv.SetFault(func(method, path string) int {
		if method == http.MethodPost {
			posts.Add(1)
			return http.StatusInternalServerError
		}
		return 0
	})

	_, err := c.CreateMessage(context.Background(), domain.Message{DialogID: d.ID, Text: "x", Date: time.Now()})
	require.Error(t, err)
	assert.Equal(t, int32(1), posts.Load())
}

func TestPing(t *testing.T) {
	srv := storetest.New(t)
	c := newTestClient(t, srv.URL)
	assert.NoError(t, c.Ping(context.Background()))

	srv.SetFault(func(method, path string) int { return http.StatusForbidden })
	var apiErr *APIError
	assert.ErrorAs(t, c.Ping(context.Background()), &apiErr)
}

func TestRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Zero(t, retryAfter(h))
	h.Set("Retry-After", "2")
	assert.Equal(t, 2*time.Second, retryAfter(h))
	h.Set("Retry-After", "3600")
	assert.Equal(t, maxRetryAfter, retryAfter(h))
	h.Set("Retry-After", "Wed, 21 Oct 2015 07:28:00 GMT")
	assert.Zero(t, retryAfter(h))

	assert.Equal(t, 2*time.Second, backoffFor(1, &statusError{status: 429, retryAfter: 2 * time.Second}))
	assert.GreaterOrEqual(t, backoffFor(2, errors.New("conn reset")), 4*retryBaseDelay)
}
