package engine

import (
	"context"
	"errors"
	"sort"
	"strings"

	"tgsync/internal/domain"
)

// errNothingToSend leaves a message undelivered when none of its content
// could be prepared.
var errNothingToSend = errors.New("no sendable content")

// deliver transmits the undelivered locally-authored messages of one dialog in
// date order and marks each delivered together with its provider id. It stops
// at the first rate limit, which is returned; other failures leave the
// message for the next tick.
func (w *Worker) deliver(ctx context.Context, dialog *domain.Dialog, pending []domain.Message) error {
	msgs := append([]domain.Message(nil), pending...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Date.Before(msgs[j].Date) })

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := w.logger.With("message_id", msg.ID, "chat_id", dialog.ChatID)

		// Sent earlier but not yet recorded: only the bookkeeping is retried.
		if ext, ok := w.unconfirmed[msg.ID]; ok {
			if err := w.cfg.Store.MarkDelivered(ctx, msg.ID, ext); err != nil {
				log.Warn("mark delivered failed again", "err", err)
				continue
			}
			delete(w.unconfirmed, msg.ID)
			w.metrics.Delivered.Inc()
			continue
		}

		sent, err := w.transmit(ctx, dialog, msg)
		for _, s := range sent {
			w.seen.Add(seenKey{chatID: dialog.ChatID, externalID: s.ID})
		}
		if err != nil {
			if w.backoff.Handle(ctx, err) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("delivery failed, will retry next tick", "err", err)
			continue
		}

		var ext *int64
		if len(sent) > 0 {
			ext = domain.Int64Ptr(sent[0].ID)
		}
		if err := w.cfg.Store.MarkDelivered(ctx, msg.ID, ext); err != nil {
			w.unconfirmed[msg.ID] = ext
			log.Error("message sent but not marked delivered", "err", err)
			continue
		}
		w.metrics.Delivered.Inc()
		log.Debug("message delivered", "parts", len(sent))
	}
	return nil
}

// transmit sends one message as text, a single media item, or partitioned
// albums. Media items that can never be sent are dropped; if nothing is left
// the text goes alone.
func (w *Worker) transmit(ctx context.Context, dialog *domain.Dialog, msg domain.Message) ([]domain.RemoteMessage, error) {
	if len(msg.MediaItems) == 0 {
		if strings.TrimSpace(msg.Text) == "" {
			w.logger.Warn("empty message marked delivered without sending", "message_id", msg.ID)
			return nil, nil
		}
		m, err := w.sess.SendText(ctx, dialog.ChatID, msg.Text)
		if err != nil {
			return nil, err
		}
		return []domain.RemoteMessage{m}, nil
	}

	staged, skipped, err := w.cfg.Media.Resolve(ctx, msg.MediaItems)
	if err != nil {
		w.metrics.MediaFailures.Inc()
		return nil, err
	}
	defer staged.Cleanup()
	for _, serr := range skipped {
		w.metrics.MediaFailures.Inc()
		w.logger.Warn("media item dropped", "message_id", msg.ID, "err", serr)
	}

	caption := msg.Text
	if strings.TrimSpace(caption) == "" {
		caption = msg.MediaItems[0].Caption
	}
	if len(staged.Files) == 0 {
		if strings.TrimSpace(caption) == "" {
			return nil, errNothingToSend
		}
		m, err := w.sess.SendText(ctx, dialog.ChatID, caption)
		if err != nil {
			return nil, err
		}
		return []domain.RemoteMessage{m}, nil
	}
	return w.cfg.Media.SendGroup(ctx, w.sess, dialog.ChatID, staged.Files, caption)
}
