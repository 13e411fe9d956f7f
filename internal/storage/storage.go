package storage

import (
	"context"

	"github.com/xaenox/lexrelay/internal/models"
)

// Storage is an append-only transcript of exchanged messages. It is an audit
// trail only; live conversation state is held by the session store.
type Storage interface {
	SaveMessage(ctx context.Context, msg *models.Message) error
	// GetUserMessages returns a user's messages, newest first.
	GetUserMessages(ctx context.Context, userID string, limit, offset int) ([]*models.Message, error)
	Close() error
}
