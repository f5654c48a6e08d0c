package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jmoiron/sqlx"

	"tgsync/internal/domain"
)

func testSessionDB(t *testing.T) *sessionDB {
	t.Helper()
	db, err := openSessionDB(filepath.Join(t.TempDir(), "acc.session"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := runMigrations(db, testLogger()); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if err := runMigrations(db, testLogger()); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
	version, err := getSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_RefusesNewerFile(t *testing.T) {
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion+1)); err != nil {
		t.Fatal(err)
	}
	if err := runMigrations(db, testLogger()); err == nil {
		t.Fatal("expected a newer session file to be refused")
	}
}

func TestSessionDB_OffsetDefaultsToZero(t *testing.T) {
	db := testSessionDB(t)
	off, err := db.offset(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if off != 0 {
		t.Fatalf("expected 0, got %d", off)
	}
}

func TestSessionDB_ApplyBatchIsIdempotent(t *testing.T) {
	db := testSessionDB(t)
	ctx := context.Background()
	msg := domain.RemoteMessage{ID: 1, ChatID: 5, Text: "a", Date: time.Unix(1700000000, 0).UTC()}

	for i := 0; i < 2; i++ {
		if err := db.applyBatch(ctx, 11, []domain.RemoteMessage{msg}, map[int64]string{5: "Bob"}); err != nil {
			t.Fatal(err)
		}
	}

	off, _ := db.offset(ctx)
	if off != 11 {
		t.Fatalf("expected offset 11, got %d", off)
	}
	hist, err := db.history(ctx, 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected 1 message, got %d", len(hist))
	}
	if !hist[0].Date.Equal(msg.Date) {
		t.Fatalf("date not preserved: %v", hist[0].Date)
	}
}

func TestSessionDB_EmptyTitleKeepsKnownTitle(t *testing.T) {
	db := testSessionDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	db.record(ctx, domain.RemoteMessage{ID: 1, ChatID: 5, Text: "a", Date: now}, "Bob")
	db.record(ctx, domain.RemoteMessage{ID: 2, ChatID: 5, Text: "b", Date: now.Add(time.Second)}, "")

	chats, err := db.chats(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].Title != "Bob" {
		t.Fatalf("unexpected chats: %+v", chats)
	}
	if chats[0].LastActivity != now.Add(time.Second).Unix() {
		t.Fatalf("activity not advanced: %d", chats[0].LastActivity)
	}
}

func TestSessionDB_WindowIsBounded(t *testing.T) {
	db := testSessionDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	msgs := make([]domain.RemoteMessage, 0, windowSize+5)
	for i := 1; i <= windowSize+5; i++ {
		msgs = append(msgs, domain.RemoteMessage{ID: int64(i), ChatID: 5, Text: fmt.Sprint(i), Date: base.Add(time.Duration(i) * time.Second)})
	}
	if err := db.applyBatch(ctx, 1, msgs, nil); err != nil {
		t.Fatal(err)
	}

	hist, err := db.history(ctx, 5, windowSize*2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != windowSize {
		t.Fatalf("expected %d messages, got %d", windowSize, len(hist))
	}
	if hist[0].ID != 6 {
		t.Fatalf("oldest messages should be pruned first, oldest kept is %d", hist[0].ID)
	}
}

func TestMapError(t *testing.T) {
	rl := mapError("send", &tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 3}})
	if wait, ok := domain.IsRateLimited(rl); !ok || wait != 3*time.Second {
		t.Fatalf("expected 3s rate limit, got %v", rl)
	}

	noWait := mapError("send", &tgbotapi.Error{Code: 429})
	if wait, ok := domain.IsRateLimited(noWait); !ok || wait != defaultRetryAfter {
		t.Fatalf("expected default wait, got %v", noWait)
	}

	if err := mapError("getMe", &tgbotapi.Error{Code: 401, Message: "Unauthorized"}); !errors.Is(err, domain.ErrSessionAuth) {
		t.Fatalf("expected ErrSessionAuth, got %v", err)
	}
	if err := mapError("send", &tgbotapi.Error{Code: 502, Message: "Bad Gateway"}); !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	netErr := &url.Error{Op: "Post", URL: "https://api.telegram.org", Err: errors.New("connection refused")}
	if err := mapError("send", netErr); !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected ErrTransient for network error, got %v", err)
	}
	if err := mapError("send", &tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}); errors.Is(err, domain.ErrTransient) {
		t.Fatal("400 must not be transient")
	}
	if mapError("x", nil) != nil {
		t.Fatal("nil must stay nil")
	}
}
