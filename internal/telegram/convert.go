package telegram

import (
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tgsync/internal/domain"
)

// toRemote converts a Bot API message into the provider-neutral form.
func toRemote(msg *tgbotapi.Message, selfID int64) domain.RemoteMessage {
	out := domain.RemoteMessage{
		ID:           int64(msg.MessageID),
		SenderName:   senderName(msg),
		Text:         msg.Text,
		Date:         time.Unix(int64(msg.Date), 0).UTC(),
		MediaGroupID: msg.MediaGroupID,
		Media:        remoteMedia(msg),
	}
	if msg.Chat != nil {
		out.ChatID = msg.Chat.ID
	}
	if out.Text == "" {
		out.Text = msg.Caption
	}
	if msg.From != nil && msg.From.ID == selfID {
		out.IsSelf = true
	}
	return out
}

func remoteMedia(msg *tgbotapi.Message) *domain.RemoteMedia {
	switch {
	case len(msg.Photo) > 0:
		// Sizes are not guaranteed to be ordered; pick the widest.
		best := msg.Photo[0]
		for _, p := range msg.Photo[1:] {
			if p.Width*p.Height > best.Width*best.Height {
				best = p
			}
		}
		return &domain.RemoteMedia{Kind: domain.MediaPhoto, FileID: best.FileID, MimeType: "image/jpeg"}
	case msg.Video != nil:
		return &domain.RemoteMedia{Kind: domain.MediaVideo, FileID: msg.Video.FileID, FileName: msg.Video.FileName, MimeType: msg.Video.MimeType}
	case msg.VideoNote != nil:
		return &domain.RemoteMedia{Kind: domain.MediaVideoNote, FileID: msg.VideoNote.FileID, MimeType: "video/mp4"}
	case msg.Voice != nil:
		return &domain.RemoteMedia{Kind: domain.MediaVoice, FileID: msg.Voice.FileID, MimeType: msg.Voice.MimeType}
	case msg.Audio != nil:
		return &domain.RemoteMedia{Kind: domain.MediaVoice, FileID: msg.Audio.FileID, FileName: msg.Audio.FileName, MimeType: msg.Audio.MimeType}
	case msg.Animation != nil:
		return &domain.RemoteMedia{Kind: domain.MediaDocument, FileID: msg.Animation.FileID, FileName: msg.Animation.FileName, MimeType: msg.Animation.MimeType}
	case msg.Document != nil:
		return &domain.RemoteMedia{Kind: domain.MediaDocument, FileID: msg.Document.FileID, FileName: msg.Document.FileName, MimeType: msg.Document.MimeType}
	}
	return nil
}

func senderName(msg *tgbotapi.Message) string {
	if msg.From != nil {
		if name := fullName(msg.From.FirstName, msg.From.LastName); name != "" {
			return name
		}
		if msg.From.UserName != "" {
			return "@" + msg.From.UserName
		}
	}
	if msg.AuthorSignature != "" {
		return msg.AuthorSignature
	}
	if msg.SenderChat != nil {
		return chatTitle(msg.SenderChat)
	}
	if msg.Chat != nil {
		return chatTitle(msg.Chat)
	}
	return ""
}

// chatTitle falls back from the chat title to the peer's name, then the
// username, then the numeric id.
func chatTitle(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	if name := fullName(chat.FirstName, chat.LastName); name != "" {
		return name
	}
	if chat.UserName != "" {
		return "@" + chat.UserName
	}
	return strconv.FormatInt(chat.ID, 10)
}

func fullName(first, last string) string {
	return strings.TrimSpace(first + " " + last)
}
