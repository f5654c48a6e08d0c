package engine

import (
	"context"
	"strings"
	"time"

	"tgsync/internal/domain"
)

// sameLogicalSend reports whether the locally-authored placeholder and a
// self-authored provider message are the same send: same dialog, same
// non-blank text once trimmed, dates at most tolerance apart. Blank texts never
// match because they cannot tell two sends apart.
func sameLogicalSend(local domain.Message, dialogID int64, remoteText string, remoteDate time.Time, tolerance time.Duration) bool {
	if local.DialogID != dialogID {
		return false
	}
	text := strings.TrimSpace(local.Text)
	if text == "" || text != strings.TrimSpace(remoteText) {
		return false
	}
	return local.Date.Sub(remoteDate).Abs() <= tolerance
}

// providerCopy reports whether a Store record was written by ingestion for
// remote rather than confirmed from a local send. Ingested records carry the
// provider's own date and sender; a confirmed placeholder keeps its local ones.
func providerCopy(existing domain.Message, remote domain.RemoteMessage) bool {
	return existing.Date.Equal(remote.Date) && existing.SenderName == remote.SenderName
}

// reconcile confirms pending placeholders that already reached the provider
// and returns the ones still to be sent. A self-authored provider message that
// matches a placeholder and is unknown to the Store marks the placeholder
// delivered with that id; if the Store already holds a provider copy of it,
// the placeholder is superseded by that copy.
func (w *Worker) reconcile(ctx context.Context, dialog *domain.Dialog, groups []remoteGroup, pending []domain.Message) []domain.Message {
	if len(pending) == 0 {
		return pending
	}
	pending = append([]domain.Message(nil), pending...)

	for _, g := range groups {
		if len(pending) == 0 || ctx.Err() != nil {
			break
		}
		lead := g.lead()
		if !lead.IsSelf {
			continue
		}
		key := seenKey{chatID: dialog.ChatID, externalID: lead.ID}
		if w.seen.Has(key) {
			continue
		}

		idx := -1
		for i, p := range pending {
			if _, held := w.unconfirmed[p.ID]; held {
				continue
			}
			if sameLogicalSend(p, dialog.ID, g.text(), lead.Date, w.cfg.MergeTolerance) {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		placeholder := pending[idx]
		log := w.logger.With("message_id", placeholder.ID, "external_id", lead.ID)

		existing, err := w.cfg.Store.FindMessage(ctx, dialog.ID, lead.ID)
		if err != nil {
			log.Warn("reconcile lookup failed", "err", err)
			continue
		}
		switch {
		case existing == nil || existing.ID == placeholder.ID:
			if err := w.cfg.Store.MarkDelivered(ctx, placeholder.ID, domain.Int64Ptr(lead.ID)); err != nil {
				log.Warn("confirm placeholder failed", "err", err)
				continue
			}
			log.Info("placeholder confirmed from provider history")
		case providerCopy(*existing, lead):
			if err := w.cfg.Store.Supersede(ctx, placeholder.ID, existing.ID); err != nil {
				log.Warn("supersede placeholder failed", "survivor_id", existing.ID, "err", err)
				continue
			}
			log.Info("placeholder superseded by provider copy", "survivor_id", existing.ID)
		default:
			// Another local send already owns this provider message.
			w.seen.Add(key)
			continue
		}

		w.seen.Add(key)
		w.metrics.Delivered.Inc()
		pending = append(pending[:idx], pending[idx+1:]...)
	}
	return pending
}
