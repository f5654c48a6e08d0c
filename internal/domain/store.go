package domain

import "context"

// MessageStore is the subset of the Message Store API the engine depends on.
type MessageStore interface {
	FindDialog(ctx context.Context, accountID string, chatID int64) (*Dialog, error)
	GetDialog(ctx context.Context, id int64) (*Dialog, error)
	// EnsureDialog returns the existing dialog for (accountID, chatID) or creates it.
	EnsureDialog(ctx context.Context, accountID string, chatID int64, title string) (*Dialog, error)

	ListMessages(ctx context.Context, dialogID int64) ([]Message, error)
	FindMessage(ctx context.Context, dialogID, externalID int64) (*Message, error)
	// ListUndelivered returns undelivered messages. The Store may ignore accountID.
	ListUndelivered(ctx context.Context, accountID string) ([]Message, error)
	CreateMessage(ctx context.Context, msg Message) (*Message, error)
	// MarkDelivered sets delivered=true and, when externalID is non-nil, records it in the same request.
	MarkDelivered(ctx context.Context, id int64, externalID *int64) error
	// Supersede deletes the placeholder message, moving its media onto survivorID.
	Supersede(ctx context.Context, placeholderID, survivorID int64) error

	Ping(ctx context.Context) error
}
