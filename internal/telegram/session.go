// Package telegram implements domain.Session on the Telegram Bot API.
//
// The Bot API cannot list dialogs or read history, so each session keeps a
// rolling window of the updates it has received in a per-account sqlite file.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tgsync/internal/domain"
)

const (
	// updatesPageSize is the largest page getUpdates accepts.
	updatesPageSize = 100
	// maxPagesPerPoll bounds how long one Dialogs call can spend draining updates.
	maxPagesPerPoll = 20
)

// Config configures one account session.
type Config struct {
	AccountID   string
	Token       string
	APIEndpoint string // format string with two %s verbs: token, method
	SessionDir  string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Session is a Bot API session for one account. It is owned by a single
// worker and is not safe for concurrent use.
type Session struct {
	accountID    string
	token        string
	fileEndpoint string

	bot    *tgbotapi.BotAPI
	db     *sessionDB
	http   *http.Client
	logger *slog.Logger
}

var _ domain.Session = (*Session)(nil)

// Open authenticates the token (getMe) and opens the account's session file.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, cfg.HTTPClient)
	if err != nil {
		return nil, mapError("telegram getMe", err)
	}

	db, err := openSessionDB(SessionPath(cfg.SessionDir, cfg.AccountID), cfg.Logger)
	if err != nil {
		return nil, err
	}

	cfg.Logger.Info("telegram session opened",
		"account", cfg.AccountID,
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)
	return &Session{
		accountID:    cfg.AccountID,
		token:        cfg.Token,
		fileEndpoint: fileEndpoint(cfg.APIEndpoint),
		bot:          bot,
		db:           db,
		http:         cfg.HTTPClient,
		logger:       cfg.Logger,
	}, nil
}

// SessionPath returns the session file of an account.
func SessionPath(dir, accountID string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, accountID)
	return filepath.Join(dir, name+".session")
}

// fileEndpoint derives the file download endpoint from the method endpoint.
func fileEndpoint(apiEndpoint string) string {
	return strings.Replace(apiEndpoint, "/bot%s/", "/file/bot%s/", 1)
}

func (s *Session) AccountID() string { return s.accountID }

func (s *Session) SelfID() int64 { return s.bot.Self.ID }

// Username returns the bot's @username.
func (s *Session) Username() string { return s.bot.Self.UserName }

func (s *Session) Dialogs(ctx context.Context, limit int) ([]domain.RemoteDialog, error) {
	if err := s.poll(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.chats(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("read session chats: %w", err)
	}
	out := make([]domain.RemoteDialog, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.RemoteDialog{ChatID: r.ChatID, Title: r.Title})
	}
	return out, nil
}

// poll drains pending updates without blocking and persists them.
func (s *Session) poll(ctx context.Context) error {
	for page := 0; page < maxPagesPerPoll; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		offset, err := s.db.offset(ctx)
		if err != nil {
			return fmt.Errorf("read update offset: %w", err)
		}

		cfg := tgbotapi.NewUpdate(offset)
		cfg.Limit = updatesPageSize
		cfg.Timeout = 0
		updates, err := s.bot.GetUpdates(cfg)
		if err != nil {
			return mapError("telegram getUpdates", err)
		}
		if len(updates) == 0 {
			return nil
		}

		next := offset
		titles := make(map[int64]string)
		var msgs []domain.RemoteMessage
		for _, u := range updates {
			if u.UpdateID >= next {
				next = u.UpdateID + 1
			}
			msg := updateMessage(u)
			if msg == nil || msg.Chat == nil {
				continue
			}
			titles[msg.Chat.ID] = chatTitle(msg.Chat)
			msgs = append(msgs, toRemote(msg, s.SelfID()))
		}
		if err := s.db.applyBatch(ctx, next, msgs, titles); err != nil {
			return fmt.Errorf("persist updates: %w", err)
		}
		s.logger.Debug("telegram updates stored", "count", len(updates), "next_offset", next)

		if len(updates) < updatesPageSize {
			return nil
		}
	}
	return nil
}

func updateMessage(u tgbotapi.Update) *tgbotapi.Message {
	switch {
	case u.Message != nil:
		return u.Message
	case u.ChannelPost != nil:
		return u.ChannelPost
	case u.EditedMessage != nil:
		return u.EditedMessage
	case u.EditedChannelPost != nil:
		return u.EditedChannelPost
	}
	return nil
}

func (s *Session) History(ctx context.Context, chatID int64, limit int) ([]domain.RemoteMessage, error) {
	msgs, err := s.db.history(ctx, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("read session history: %w", err)
	}
	return msgs, nil
}

// Download fetches a file by id and writes it to destPath via a temp file.
func (s *Session) Download(ctx context.Context, media domain.RemoteMedia, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	file, err := s.bot.GetFile(tgbotapi.FileConfig{FileID: media.FileID})
	if err != nil {
		return mapError("telegram getFile", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(s.fileEndpoint, s.token, file.FilePath), nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return mapError("telegram file download", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram file download: HTTP %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".download-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return mapError("telegram file download", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *Session) SendText(ctx context.Context, chatID int64, text string) (domain.RemoteMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.RemoteMessage{}, err
	}
	sent, err := s.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return domain.RemoteMessage{}, mapError("telegram sendMessage", err)
	}
	return s.recordSent(ctx, &sent), nil
}

func (s *Session) SendMedia(ctx context.Context, chatID int64, file domain.OutboundFile, caption string) (domain.RemoteMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.RemoteMessage{}, err
	}
	c, err := mediaConfig(chatID, file, caption)
	if err != nil {
		return domain.RemoteMessage{}, err
	}
	sent, err := s.bot.Send(c)
	if err != nil {
		return domain.RemoteMessage{}, mapError("telegram send "+string(file.Kind), err)
	}
	return s.recordSent(ctx, &sent), nil
}

func (s *Session) SendMediaGroup(ctx context.Context, chatID int64, files []domain.OutboundFile, caption string) ([]domain.RemoteMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items := make([]interface{}, 0, len(files))
	for i, f := range files {
		item, err := inputMedia(f, caption, i == 0)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	sent, err := s.bot.SendMediaGroup(tgbotapi.NewMediaGroup(chatID, items))
	if err != nil {
		return nil, mapError("telegram sendMediaGroup", err)
	}
	out := make([]domain.RemoteMessage, 0, len(sent))
	for i := range sent {
		out = append(out, s.recordSent(ctx, &sent[i]))
	}
	return out, nil
}

func mediaConfig(chatID int64, file domain.OutboundFile, caption string) (tgbotapi.Chattable, error) {
	data := tgbotapi.FilePath(file.Path)
	switch file.Kind {
	case domain.MediaPhoto:
		c := tgbotapi.NewPhoto(chatID, data)
		c.Caption = caption
		return c, nil
	case domain.MediaVideo:
		c := tgbotapi.NewVideo(chatID, data)
		c.Caption = caption
		return c, nil
	case domain.MediaVoice:
		c := tgbotapi.NewVoice(chatID, data)
		c.Caption = caption
		return c, nil
	case domain.MediaVideoNote:
		// Video notes carry no caption.
		return tgbotapi.NewVideoNote(chatID, 0, data), nil
	case domain.MediaDocument:
		c := tgbotapi.NewDocument(chatID, data)
		c.Caption = caption
		return c, nil
	}
	return nil, fmt.Errorf("unsupported media kind %q", file.Kind)
}

func inputMedia(file domain.OutboundFile, caption string, first bool) (interface{}, error) {
	data := tgbotapi.FilePath(file.Path)
	switch file.Kind {
	case domain.MediaPhoto:
		m := tgbotapi.NewInputMediaPhoto(data)
		if first {
			m.Caption = caption
		}
		return m, nil
	case domain.MediaVideo:
		m := tgbotapi.NewInputMediaVideo(data)
		if first {
			m.Caption = caption
		}
		return m, nil
	}
	return nil, fmt.Errorf("media kind %q cannot be sent in an album", file.Kind)
}

// recordSent stores an outgoing message in the window as self-authored.
func (s *Session) recordSent(ctx context.Context, sent *tgbotapi.Message) domain.RemoteMessage {
	rm := toRemote(sent, s.SelfID())
	rm.IsSelf = true
	title := ""
	if sent.Chat != nil {
		title = chatTitle(sent.Chat)
	}
	if err := s.db.record(ctx, rm, title); err != nil {
		s.logger.Warn("cannot record sent message", "chat_id", rm.ChatID, "message_id", rm.ID, "err", err)
	}
	return rm
}

func (s *Session) Close() error {
	return s.db.Close()
}
