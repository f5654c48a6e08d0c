package domain

import (
	"context"
	"time"
)

// RemoteDialog is a conversation handle as reported by the provider.
type RemoteDialog struct {
	ChatID int64
	Title  string
}

// RemoteMedia references a file held by the provider.
type RemoteMedia struct {
	Kind     MediaKind
	FileID   string
	FileName string // original name, documents only
	MimeType string
}

// RemoteMessage is one message from a provider conversation history.
type RemoteMessage struct {
	ID           int64
	ChatID       int64
	SenderName   string
	IsSelf       bool
	Text         string // text body or media caption
	Date         time.Time
	MediaGroupID string
	Media        *RemoteMedia
}

// HasContent reports whether the message carries text or media. Messages without
// either are service events (joins, pins, title changes).
func (m RemoteMessage) HasContent() bool {
	return m.Text != "" || m.Media != nil
}

// OutboundFile is one local file ready to be uploaded to the provider.
type OutboundFile struct {
	Kind MediaKind
	Path string
}

// Session is a live, authenticated connection to one external account.
// Any method may return a *RateLimitError or an error wrapping ErrTransient.
type Session interface {
	AccountID() string
	SelfID() int64

	// Dialogs lists at most limit conversations, most recently active first.
	Dialogs(ctx context.Context, limit int) ([]RemoteDialog, error)
	// History returns at most limit of the newest messages in chatID, oldest first.
	History(ctx context.Context, chatID int64, limit int) ([]RemoteMessage, error)
	// Download writes the referenced file to destPath.
	Download(ctx context.Context, media RemoteMedia, destPath string) error

	SendText(ctx context.Context, chatID int64, text string) (RemoteMessage, error)
	SendMedia(ctx context.Context, chatID int64, file OutboundFile, caption string) (RemoteMessage, error)
	SendMediaGroup(ctx context.Context, chatID int64, files []OutboundFile, caption string) ([]RemoteMessage, error)

	Close() error
}

// SessionFactory opens the session for one configured account.
type SessionFactory func(ctx context.Context, accountID string) (Session, error)
