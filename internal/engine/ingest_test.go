package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgsync/internal/domain"
	"tgsync/internal/domain/domaintest"
	"tgsync/internal/metrics"
)

func TestTick_IngestsInDateOrderOnce(t *testing.T) {
	h := newHarness(t)
	sess := domaintest.NewSession("acc")
	sess.AddDialog(100, "Alice")
	sess.AddMessage(textMsg(100, 3, 30, "third"))
	sess.AddMessage(textMsg(100, 1, 10, "first"))
	sess.AddMessage(textMsg(100, 2, 20, "second"))

	w := h.worker(sess)
	require.NoError(t, w.Tick(context.Background()))
	require.NoError(t, w.Tick(context.Background()))

	d := h.dialogFor(t, "acc", 100)
	assert.Equal(t, "Alice", d.Title)
	msgs := h.store.Messages(d.ID)
	assert.Equal(t, []string{"first", "second", "third"}, texts(msgs))
	for _, m := range msgs {
		assert.True(t, m.Delivered)
		require.NotNil(t, m.ExternalID)
	}
	assert.Equal(t, int64(3), metrics.ForAccount(h.metrics, "acc").Ingested.Value())
	assert.Equal(t, int64(3), metrics.ForAccount(h.metrics, "acc").Duplicates.Value())
}

func TestTick_IngestionSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	sess := domaintest.NewSession("acc")
	sess.AddDialog(100, "Alice")
	sess.AddMessage(textMsg(100, 1, 10, "hello"))

	require.NoError(t, h.worker(sess).Tick(context.Background()))
	// A fresh worker has an empty seen set; the Store check must hold.
	require.NoError(t, h.worker(sess).Tick(context.Background()))

	assert.Len(t, h.store.Dialogs(), 1)
	d := h.dialogFor(t, "acc", 100)
	assert.Len(t, h.store.Messages(d.ID), 1)
	assert.Equal(t, 1, h.store.Requests("POST /dialogs"))
	assert.Equal(t, 1, h.store.Requests("POST /messages"))
}

func TestTick_SkipsSelfAndServiceMessages(t *testing.T) {
	h := newHarness(t)
	sess := domaintest.NewSession("acc")
	sess.AddDialog(100, "Alice")
	sess.AddMessage(domain.RemoteMessage{ID: 1, ChatID: 100, Date: at(1)})
	sess.AddMessage(domain.RemoteMessage{ID: 2, ChatID: 100, Date: at(2), Text: "mine", IsSelf: true})
	sess.AddMessage(textMsg(100, 3, 3, "theirs"))

	require.NoError(t, h.worker(sess).Tick(context.Background()))

	d := h.dialogFor(t, "acc", 100)
	assert.Equal(t, []string{"theirs"}, texts(h.store.Messages(d.ID)))
}

func TestTick_AlbumBecomesOneMessage(t *testing.T) {
	h := newHarness(t)
	sess := domaintest.NewSession("acc")
	sess.AddDialog(100, "Alice")
	sess.AddFile("p1", []byte("1"))
	sess.AddFile("p2", []byte("2"))
	sess.AddFile("d1", []byte("3"))
	sess.AddMessage(domain.RemoteMessage{ID: 11, ChatID: 100, Date: at(5), MediaGroupID: "g", Text: "holiday",
		Media: &domain.RemoteMedia{Kind: domain.MediaPhoto, FileID: "p1"}})
	sess.AddMessage(domain.RemoteMessage{ID: 12, ChatID: 100, Date: at(5), MediaGroupID: "g",
		Media: &domain.RemoteMedia{Kind: domain.MediaPhoto, FileID: "p2"}})
	sess.AddMessage(domain.RemoteMessage{ID: 13, ChatID: 100, Date: at(5), MediaGroupID: "g",
		Media: &domain.RemoteMedia{Kind: domain.MediaDocument, FileID: "d1", FileName: "plan.pdf"}})

	w := h.worker(sess)
	require.NoError(t, w.Tick(context.Background()))
	require.NoError(t, w.Tick(context.Background()))

	d := h.dialogFor(t, "acc", 100)
	msgs := h.store.Messages(d.ID)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, int64(11), *m.ExternalID)
	assert.Equal(t, "holiday", m.Text)
	require.Len(t, m.MediaItems, 3)
	assert.Equal(t, []domain.MediaKind{domain.MediaPhoto, domain.MediaPhoto, domain.MediaDocument},
		[]domain.MediaKind{m.MediaItems[0].Kind, m.MediaItems[1].Kind, m.MediaItems[2].Kind})
	assert.Equal(t, "holiday", m.MediaItems[0].Caption)
	assert.Empty(t, m.MediaItems[1].Caption)
	assert.Empty(t, m.MediaItems[2].Caption)
	assert.Equal(t, 3, sess.Calls(domaintest.OpDownload))
}

func TestTick_SameMessageIDInTwoChatsKeepsBothFiles(t *testing.T) {
	h := newHarness(t)
	sess := domaintest.NewSession("acc")
	sess.AddDialog(100, "Alice")
	sess.AddDialog(200, "Bob")
	sess.AddFile("a", []byte("from alice"))
	sess.AddFile("b", []byte("from bob"))
	sess.AddMessage(domain.RemoteMessage{ID: 7, ChatID: 100, Date: at(1),
		Media: &domain.RemoteMedia{Kind: domain.MediaPhoto, FileID: "a"}})
	sess.AddMessage(domain.RemoteMessage{ID: 7, ChatID: 200, Date: at(2),
		Media: &domain.RemoteMedia{Kind: domain.MediaPhoto, FileID: "b"}})

	require.NoError(t, h.worker(sess).Tick(context.Background()))

	want := map[int64]string{100: "from alice", 200: "from bob"}
	refs := map[string]bool{}
	for chatID, body := range want {
		msgs := h.store.Messages(h.dialogFor(t, "acc", chatID).ID)
		require.Len(t, msgs, 1)
		require.Len(t, msgs[0].MediaItems, 1)
		ref := msgs[0].MediaItems[0].Ref
		refs[ref] = true
		data, err := os.ReadFile(filepath.Join(h.root, filepath.FromSlash(ref)))
		require.NoError(t, err)
		assert.Equal(t, body, string(data), "chat %d", chatID)
	}
	assert.Len(t, refs, 2)
	assert.Equal(t, 2, sess.Calls(domaintest.OpDownload))
}

func TestTick_FailedDownloadDegradesToText(t *testing.T) {
	h := newHarness(t)
	sess := domaintest.NewSession("acc")
	sess.AddDialog(100, "Alice")
	sess.AddMessage(domain.RemoteMessage{ID: 1, ChatID: 100, Date: at(1), Text: "look",
		Media: &domain.RemoteMedia{Kind: domain.MediaPhoto, FileID: "gone"}})

	require.NoError(t, h.worker(sess).Tick(context.Background()))

	d := h.dialogFor(t, "acc", 100)
	msgs := h.store.Messages(d.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "look", msgs[0].Text)
	assert.Empty(t, msgs[0].MediaItems)
	assert.Equal(t, int64(1), metrics.ForAccount(h.metrics, "acc").MediaFailures.Value())
}

func TestTick_StoreWriteFailureRetriedNextTick(t *testing.T) {
	h := newHarness(t)
	sess := domaintest.NewSession("acc")
	sess.AddDialog(100, "Alice")
	sess.AddMessage(textMsg(100, 1, 1, "a"))
	sess.AddMessage(textMsg(100, 2, 2, "b"))

	var failures atomic.Int32
	failures.Store(1)
	h.store.SetFault(func(method, path string) int {
		if method == "POST" && path == "/messages" && failures.Add(-1) >= 0 {
			return 400
		}
		return 0
	})

	w := h.worker(sess)
	require.NoError(t, w.Tick(context.Background()))
	d := h.dialogFor(t, "acc", 100)
	assert.Equal(t, []string{"b"}, texts(h.store.Messages(d.ID)))

	require.NoError(t, w.Tick(context.Background()))
	assert.Equal(t, []string{"a", "b"}, texts(h.store.Messages(d.ID)))
}

func TestTick_DownloadRateLimitAbortsTick(t *testing.T) {
	h := newHarness(t)
	sess := domaintest.NewSession("acc")
	sess.AddDialog(100, "Alice")
	sess.AddFile("p1", []byte("1"))
	sess.AddMessage(domain.RemoteMessage{ID: 1, ChatID: 100, Date: at(1),
		Media: &domain.RemoteMedia{Kind: domain.MediaPhoto, FileID: "p1"}})
	sess.AddMessage(textMsg(100, 2, 2, "after"))
	sess.FailNext(domaintest.OpDownload, fmt.Errorf("get file: %w", &domain.RateLimitError{RetryAfter: 4 * time.Second}))

	w := h.worker(sess)
	err := w.Tick(context.Background())
	_, limited := domain.IsRateLimited(err)
	require.True(t, limited)
	assert.Equal(t, []time.Duration{4*time.Second + epsilon}, h.sleeper.Waits())

	d := h.dialogFor(t, "acc", 100)
	assert.Empty(t, h.store.Messages(d.ID))

	require.NoError(t, w.Tick(context.Background()))
	assert.Len(t, h.store.Messages(d.ID), 2)
}
