package telegram

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const fakeBotID = 1000

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBot is a minimal Bot API server.
type fakeBot struct {
	mu          sync.Mutex
	updates     []map[string]any
	failures    map[string]string
	files       map[string][]byte
	nextMsgID   int
	lastOffsets []int
	calls       map[string]int

	srv *httptest.Server
}

func newFakeBot(t *testing.T) *fakeBot {
	f := &fakeBot{
		failures:  make(map[string]string),
		files:     make(map[string][]byte),
		calls:     make(map[string]int),
		nextMsgID: 500,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBot) endpoint() string { return f.srv.URL + "/bot%s/%s" }

func (f *fakeBot) open(t *testing.T, dir string) *Session {
	t.Helper()
	s, err := Open(t.Context(), Config{
		AccountID:   "+15550001",
		Token:       "123:abc",
		APIEndpoint: f.endpoint(),
		SessionDir:  dir,
		HTTPClient:  &http.Client{Timeout: 5 * time.Second},
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return s
}

func (f *fakeBot) fail(method, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = body
}

func (f *fakeBot) addUpdate(updateID int, kind string, msg map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, map[string]any{"update_id": updateID, kind: msg})
}

func (f *fakeBot) offsets() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.lastOffsets...)
}

func privateChat(id int64, first string) map[string]any {
	return map[string]any{"id": id, "type": "private", "first_name": first}
}

func textMessage(id int, chat map[string]any, date int64, text string) map[string]any {
	return map[string]any{
		"message_id": id,
		"from":       map[string]any{"id": 42, "is_bot": false, "first_name": "Peer"},
		"chat":       chat,
		"date":       date,
		"text":       text,
	}
}

func (f *fakeBot) handle(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/file/") {
		f.mu.Lock()
		data, ok := f.files[path.Base(r.URL.Path)]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
		return
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		r.ParseMultipartForm(1 << 20)
	} else {
		r.ParseForm()
	}
	method := path.Base(r.URL.Path)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	w.Header().Set("Content-Type", "application/json")
	if body, ok := f.failures[method]; ok {
		io.WriteString(w, body)
		return
	}

	var result any
	switch method {
	case "getMe":
		result = map[string]any{"id": fakeBotID, "is_bot": true, "first_name": "Sync", "username": "syncbot"}
	case "getUpdates":
		offset, _ := strconv.Atoi(r.FormValue("offset"))
		f.lastOffsets = append(f.lastOffsets, offset)
		var out []map[string]any
		for _, u := range f.updates {
			if u["update_id"].(int) >= offset {
				out = append(out, u)
			}
		}
		if out == nil {
			out = []map[string]any{}
		}
		result = out
	case "sendMessage", "sendPhoto", "sendDocument":
		chatID, _ := strconv.ParseInt(r.FormValue("chat_id"), 10, 64)
		f.nextMsgID++
		msg := map[string]any{
			"message_id": f.nextMsgID,
			"from":       map[string]any{"id": fakeBotID, "is_bot": true, "first_name": "Sync"},
			"chat":       privateChat(chatID, "Peer"),
			"date":       time.Now().Unix(),
		}
		switch method {
		case "sendMessage":
			msg["text"] = r.FormValue("text")
		case "sendPhoto":
			msg["caption"] = r.FormValue("caption")
			msg["photo"] = []map[string]any{{"file_id": "sent-photo", "file_unique_id": "u", "width": 10, "height": 10}}
		case "sendDocument":
			msg["caption"] = r.FormValue("caption")
			msg["document"] = map[string]any{"file_id": "sent-doc", "file_unique_id": "u", "file_name": "a.pdf"}
		}
		result = msg
	case "getFile":
		fileID := r.FormValue("file_id")
		result = map[string]any{"file_id": fileID, "file_unique_id": "u", "file_path": "files/" + fileID}
	default:
		io.WriteString(w, fmt.Sprintf(`{"ok":false,"error_code":404,"description":"Not Found: %s"}`, method))
		return
	}

	data, _ := json.Marshal(map[string]any{"ok": true, "result": result})
	w.Write(data)
}
