package engine

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tgsync/internal/domain"
	"tgsync/internal/domain/domaintest"
	"tgsync/internal/media"
	"tgsync/internal/metrics"
	"tgsync/internal/store"
	"tgsync/internal/store/storetest"
)

const epsilon = 250 * time.Millisecond

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sleepRecorder replaces real waits and remembers what was asked.
type sleepRecorder struct {
	mu     sync.Mutex
	waits  []time.Duration
	block  bool
	called chan time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	block := r.block
	r.mu.Unlock()
	if r.called != nil {
		select {
		case r.called <- d:
		default:
		}
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (r *sleepRecorder) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

type harness struct {
	store   *storetest.Server
	client  *store.Client
	root    string
	sleeper *sleepRecorder
	metrics *metrics.MetricsCollector
	cfg     Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := storetest.New(t)
	client := store.NewClient(store.ClientConfig{
		BaseURL:    srv.URL,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		MaxRetries: 0,
		Logger:     testLogger(),
	})
	root := t.TempDir()
	h := &harness{
		store:   srv,
		client:  client,
		root:    root,
		sleeper: &sleepRecorder{},
		metrics: metrics.NewMetricsCollector(),
	}
	h.cfg = Config{
		Store: client,
		Media: media.New(media.Config{
			Root:    root,
			Dir:     filepath.Join(root, "media"),
			TempDir: t.TempDir(),
			Logger:  testLogger(),
		}),
		Metrics:         h.metrics,
		Logger:          testLogger(),
		TickInterval:    10 * time.Millisecond,
		ShutdownTimeout: time.Second,
		DialogLimit:     50,
		HistoryLimit:    50,
		SeenCacheSize:   100,
		BackoffEpsilon:  epsilon,
		MergeTolerance:  2 * time.Minute,
		Sleep:           h.sleeper.Sleep,
	}
	return h
}

func (h *harness) worker(sess domain.Session) *Worker {
	return NewWorker(h.cfg, sess)
}

// dialogFor returns the stored dialog of chatID, failing if there is not exactly one.
func (h *harness) dialogFor(t *testing.T, account string, chatID int64) domain.Dialog {
	t.Helper()
	var found []domain.Dialog
	for _, d := range h.store.Dialogs() {
		if d.AccountID == account && d.ChatID == chatID {
			found = append(found, d)
		}
	}
	if len(found) != 1 {
		t.Fatalf("want 1 dialog for %s/%d, got %d", account, chatID, len(found))
	}
	return found[0]
}

func texts(msgs []domain.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func sentTexts(sent []domaintest.Sent) []string {
	out := make([]string, 0, len(sent))
	for _, s := range sent {
		out = append(out, s.Text)
	}
	return out
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func textMsg(chatID, id int64, sec int, text string) domain.RemoteMessage {
	return domain.RemoteMessage{ID: id, ChatID: chatID, SenderName: "Alice", Text: text, Date: at(sec)}
}
