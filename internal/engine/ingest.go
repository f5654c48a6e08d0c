package engine

import (
	"context"

	"tgsync/internal/domain"
)

// ingest writes the provider messages of one dialog's history window to the
// Store, once each. Self-authored messages and service events are skipped.
// Per-message failures are logged and skipped; only a rate limit or
// cancellation is returned.
func (w *Worker) ingest(ctx context.Context, dialog *domain.Dialog, groups []remoteGroup) error {
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		lead := g.lead()
		if lead.IsSelf || !g.hasContent() {
			continue
		}

		key := seenKey{chatID: dialog.ChatID, externalID: lead.ID}
		if w.seen.Has(key) {
			w.metrics.Duplicates.Inc()
			continue
		}
		existing, err := w.cfg.Store.FindMessage(ctx, dialog.ID, lead.ID)
		if err != nil {
			w.logger.Warn("existence check failed, skipping message", "external_id", lead.ID, "err", err)
			continue
		}
		if existing != nil {
			w.seen.Add(key)
			w.metrics.Duplicates.Inc()
			continue
		}

		items, caption, failed, err := w.cfg.Media.FetchAlbum(ctx, w.sess, g)
		w.metrics.MediaFailures.Add(int64(failed))
		if err != nil {
			w.backoff.Handle(ctx, err)
			return err
		}

		text := lead.Text
		if len(g) > 1 {
			text = caption
		}
		msg := domain.Message{
			DialogID:   dialog.ID,
			ExternalID: domain.Int64Ptr(lead.ID),
			SenderName: lead.SenderName,
			Text:       text,
			Date:       lead.Date,
			Delivered:  true,
			MediaItems: items,
		}
		created, err := w.cfg.Store.CreateMessage(ctx, msg)
		if err != nil {
			w.logger.Warn("store write failed, will retry next tick", "external_id", lead.ID, "err", err)
			continue
		}

		w.seen.Add(key)
		w.metrics.Ingested.Inc()
		w.logger.Debug("message ingested",
			"message_id", created.ID, "external_id", lead.ID, "media", len(items))
	}
	return nil
}
