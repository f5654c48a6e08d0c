// Package domaintest provides an in-memory domain.Session for tests.
package domaintest

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"tgsync/internal/domain"
)

// Operation names accepted by FailNext.
const (
	OpDialogs  = "dialogs"
	OpHistory  = "history"
	OpDownload = "download"
	OpSend     = "send"
)

// Sent is one outbound call observed by a Session.
type Sent struct {
	ChatID  int64
	Text    string // SendText only
	Files   []domain.OutboundFile
	Caption string
	Album   bool
}

// Session is a scripted provider session. Sent messages are appended to the
// chat history as self-authored, like a real provider would show them.
type Session struct {
	account string
	selfID  int64

	mu       sync.Mutex
	dialogs  []domain.RemoteDialog
	history  map[int64][]domain.RemoteMessage
	files    map[string][]byte
	failures map[string][]error
	sent     []Sent
	calls    map[string]int
	nextID   int64
	closed   bool
	now      func() time.Time
}

var _ domain.Session = (*Session)(nil)

func NewSession(account string) *Session {
	return &Session{
		account:  account,
		selfID:   1,
		history:  make(map[int64][]domain.RemoteMessage),
		files:    make(map[string][]byte),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		nextID:   10000,
		now:      time.Now,
	}
}

// AddDialog registers a chat.
func (s *Session) AddDialog(chatID int64, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialogs = append(s.dialogs, domain.RemoteDialog{ChatID: chatID, Title: title})
}

// AddMessage appends a message to a chat's history.
func (s *Session) AddMessage(m domain.RemoteMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[m.ChatID] = append(s.history[m.ChatID], m)
}

// AddFile makes a file id downloadable.
func (s *Session) AddFile(fileID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[fileID] = data
}

// FailNext makes the next call of op return err. Calls queue up.
func (s *Session) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// Sent returns every outbound call so far.
func (s *Session) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// Calls returns how many times op was invoked.
func (s *Session) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) takeFailure(op string) error {
	s.calls[op]++
	q := s.failures[op]
	if len(q) == 0 {
		return nil
	}
	s.failures[op] = q[1:]
	return q[0]
}

func (s *Session) AccountID() string { return s.account }

func (s *Session) SelfID() int64 { return s.selfID }

func (s *Session) Dialogs(ctx context.Context, limit int) ([]domain.RemoteDialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpDialogs); err != nil {
		return nil, err
	}
	out := append([]domain.RemoteDialog(nil), s.dialogs...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Session) History(ctx context.Context, chatID int64, limit int) ([]domain.RemoteMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpHistory); err != nil {
		return nil, err
	}
	msgs := append([]domain.RemoteMessage(nil), s.history[chatID]...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Date.Before(msgs[j].Date) })
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *Session) Download(ctx context.Context, media domain.RemoteMedia, destPath string) error {
	s.mu.Lock()
	err := s.takeFailure(OpDownload)
	data, ok := s.files[media.FileID]
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("file %s not found", media.FileID)
	}
	return os.WriteFile(destPath, data, 0o644)
}

func (s *Session) SendText(ctx context.Context, chatID int64, text string) (domain.RemoteMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpSend); err != nil {
		return domain.RemoteMessage{}, err
	}
	s.sent = append(s.sent, Sent{ChatID: chatID, Text: text})
	return s.echoLocked(chatID, text, nil), nil
}

func (s *Session) SendMedia(ctx context.Context, chatID int64, file domain.OutboundFile, caption string) (domain.RemoteMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpSend); err != nil {
		return domain.RemoteMessage{}, err
	}
	if _, err := os.Stat(file.Path); err != nil {
		return domain.RemoteMessage{}, err
	}
	s.sent = append(s.sent, Sent{ChatID: chatID, Files: []domain.OutboundFile{file}, Caption: caption})
	return s.echoLocked(chatID, caption, &domain.RemoteMedia{Kind: file.Kind, FileID: file.Path}), nil
}

func (s *Session) SendMediaGroup(ctx context.Context, chatID int64, files []domain.OutboundFile, caption string) ([]domain.RemoteMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpSend); err != nil {
		return nil, err
	}
	s.sent = append(s.sent, Sent{ChatID: chatID, Files: append([]domain.OutboundFile(nil), files...), Caption: caption, Album: true})
	out := make([]domain.RemoteMessage, 0, len(files))
	for i, f := range files {
		text := ""
		if i == 0 {
			text = caption
		}
		out = append(out, s.echoLocked(chatID, text, &domain.RemoteMedia{Kind: f.Kind, FileID: f.Path}))
	}
	return out, nil
}

func (s *Session) echoLocked(chatID int64, text string, media *domain.RemoteMedia) domain.RemoteMessage {
	s.nextID++
	m := domain.RemoteMessage{
		ID:         s.nextID,
		ChatID:     chatID,
		SenderName: "me",
		IsSelf:     true,
		Text:       text,
		Date:       s.now().UTC(),
		Media:      media,
	}
	s.history[chatID] = append(s.history[chatID], m)
	return m
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
