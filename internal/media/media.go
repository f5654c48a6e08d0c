// Package media moves attachment bytes between the provider and local storage.
//
// Inbound files get deterministic names so re-running ingestion reuses them.
// Outbound files that are not already local are staged in a per-send
// directory which is removed when the send completes.
package media

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"tgsync/internal/domain"
)

// CaptionLimit is the longest caption, in runes, the provider accepts on media.
const CaptionLimit = 1024

// DefaultMaxAlbumSize is the provider's limit on items per album send.
const DefaultMaxAlbumSize = 10

// Config configures an Orchestrator.
type Config struct {
	// Root is the directory Store media references are relative to.
	Root string
	// Dir receives inbound downloads. It should be inside Root.
	Dir string
	// TempDir holds per-send staging directories; empty means the OS temp dir.
	TempDir      string
	MaxAlbumSize int
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Orchestrator downloads inbound media and prepares and sends outbound media.
type Orchestrator struct {
	root     string
	dir      string
	tempDir  string
	maxAlbum int
	http     *http.Client
	logger   *slog.Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.MaxAlbumSize < 2 || cfg.MaxAlbumSize > DefaultMaxAlbumSize {
		cfg.MaxAlbumSize = DefaultMaxAlbumSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Root == "" {
		cfg.Root = "."
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(cfg.Root, "media")
	}
	return &Orchestrator{
		root:     cfg.Root,
		dir:      cfg.Dir,
		tempDir:  cfg.TempDir,
		maxAlbum: cfg.MaxAlbumSize,
		http:     cfg.HTTPClient,
		logger:   cfg.Logger,
	}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9+._-]+`)

func sanitize(s string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(s, "_"), "_")
}

// InboundName returns the deterministic local file name for a message's media.
// Message ids are only unique within a chat, so the chat id is part of the name.
func InboundName(accountID string, msg domain.RemoteMessage) string {
	m := msg.Media
	prefix := sanitize(accountID) + "_" + strconv.FormatInt(msg.ChatID, 10) + "_" +
		strconv.FormatInt(msg.ID, 10) + "_" + string(m.Kind)
	if m.Kind == domain.MediaDocument {
		if name := sanitize(filepath.Base(m.FileName)); name != "" && name != "." {
			return prefix + "_" + name
		}
	}
	return prefix + extension(m)
}

func extension(m *domain.RemoteMedia) string {
	if ext := filepath.Ext(m.FileName); ext != "" && len(ext) <= 6 {
		return "." + strings.ToLower(sanitize(ext[1:]))
	}
	switch m.Kind {
	case domain.MediaPhoto:
		return ".jpg"
	case domain.MediaVideo, domain.MediaVideoNote:
		return ".mp4"
	case domain.MediaVoice:
		return ".ogg"
	}
	if m.MimeType != "" {
		if exts, err := mime.ExtensionsByType(m.MimeType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ".bin"
}

// FetchAlbum downloads the media of one message or of an album's sibling
// messages, in order. Items whose download fails are left out and counted in
// failed. The caption is the first non-empty text of the group and is set on
// the first item only. A non-nil error means the caller must stop (rate limit
// or cancellation); items fetched so far are still returned.
func (o *Orchestrator) FetchAlbum(ctx context.Context, sess domain.Session, group []domain.RemoteMessage) (items []domain.Media, caption string, failed int, err error) {
	for _, msg := range group {
		if caption == "" && strings.TrimSpace(msg.Text) != "" {
			caption = msg.Text
		}
	}

	for _, msg := range group {
		if msg.Media == nil {
			continue
		}
		ref, dlErr := o.download(ctx, sess, msg)
		if dlErr != nil {
			if _, limited := domain.IsRateLimited(dlErr); limited || ctx.Err() != nil {
				return items, caption, failed, dlErr
			}
			failed++
			o.logger.Warn("media download failed, keeping message without it",
				"message_id", msg.ID, "kind", msg.Media.Kind, "err", dlErr)
			continue
		}
		items = append(items, domain.Media{Kind: msg.Media.Kind, Ref: ref})
	}
	if len(items) > 0 {
		items[0].Caption = caption
	}
	return items, caption, failed, nil
}

func (o *Orchestrator) download(ctx context.Context, sess domain.Session, msg domain.RemoteMessage) (string, error) {
	dest := filepath.Join(o.dir, InboundName(sess.AccountID(), msg))
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		return o.storeRef(dest), nil
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return "", &domain.MediaTransferError{Kind: msg.Media.Kind, Ref: dest, Err: err}
	}
	if err := sess.Download(ctx, *msg.Media, dest); err != nil {
		if _, limited := domain.IsRateLimited(err); limited {
			return "", err
		}
		return "", &domain.MediaTransferError{Kind: msg.Media.Kind, Ref: dest, Err: err}
	}
	return o.storeRef(dest), nil
}

// storeRef expresses a local path relative to the media root, as the Store expects.
func (o *Orchestrator) storeRef(path string) string {
	rel, err := filepath.Rel(o.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		abs, absErr := filepath.Abs(path)
		if absErr != nil {
			return filepath.ToSlash(path)
		}
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

// InferKind guesses a media kind from a file name.
func InferKind(ref string) domain.MediaKind {
	if i := strings.IndexAny(ref, "?#"); i >= 0 && isURL(ref) {
		ref = ref[:i]
	}
	switch strings.ToLower(filepath.Ext(ref)) {
	case ".jpg", ".jpeg", ".png", ".webp":
		return domain.MediaPhoto
	case ".mp4", ".mov", ".m4v":
		return domain.MediaVideo
	case ".ogg", ".oga", ".opus":
		return domain.MediaVoice
	}
	return domain.MediaDocument
}

func isURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// SplitCaption decides where a caption goes: media captions over CaptionLimit
// are sent as a separate leading text message instead.
func SplitCaption(caption string) (leadingText, mediaCaption string) {
	if utf8.RuneCountInString(caption) > CaptionLimit {
		return caption, ""
	}
	return "", caption
}

// ErrNoMedia is returned when a send is attempted with no files.
var ErrNoMedia = errors.New("no media to send")

func transferError(item domain.Media, err error) error {
	return &domain.MediaTransferError{Kind: item.Kind, Ref: item.Ref, Err: err}
}
