package domain

import "time"

// MediaKind is the type of one attached file.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaVoice     MediaKind = "voice"
	MediaVideoNote MediaKind = "video_note"
	MediaDocument  MediaKind = "document"
)

// Valid reports whether k is one of the known media kinds.
func (k MediaKind) Valid() bool {
	switch k {
	case MediaPhoto, MediaVideo, MediaVoice, MediaVideoNote, MediaDocument:
		return true
	}
	return false
}

// Groupable reports whether the provider accepts this kind inside a multi-item album send.
func (k MediaKind) Groupable() bool {
	return k == MediaPhoto || k == MediaVideo
}

// Dialog is one conversation on one account. (AccountID, ChatID) is unique in the Store.
type Dialog struct {
	ID        int64  `json:"id"`
	AccountID string `json:"account_phone"`
	ChatID    int64  `json:"chat_id"`
	Title     string `json:"chat_title"`
}

// Media is one file attached to a Message. Ref is a path relative to the media root
// or an http(s) URL.
type Media struct {
	Kind    MediaKind
	Ref     string
	Caption string
}

// Message is one unit of conversation content as stored in the Store.
// ExternalID is nil for locally-authored messages.
type Message struct {
	ID         int64
	DialogID   int64
	ExternalID *int64
	SenderName string
	Text       string
	Date       time.Time
	Delivered  bool
	MediaItems []Media
}

// LocallyAuthored reports whether the message was created by a Store client rather than ingested.
func (m Message) LocallyAuthored() bool {
	return m.ExternalID == nil
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }
