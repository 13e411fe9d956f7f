package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/lexrelay/internal/models"
)

type MemoryStorage struct {
	mu       sync.RWMutex
	messages map[string][]*models.Message // by user, oldest first
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages: make(map[string][]*models.Message),
	}
}

func (s *MemoryStorage) SaveMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	stored := *msg
	s.messages[msg.UserID] = append(s.messages[msg.UserID], &stored)
	return nil
}

func (s *MemoryStorage) GetUserMessages(ctx context.Context, userID string, limit, offset int) ([]*models.Message, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("invalid pagination: limit=%d offset=%d", limit, offset)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[userID]
	result := make([]*models.Message, 0, limit)
	for i := len(all) - 1 - offset; i >= 0 && len(result) < limit; i-- {
		m := *all[i]
		result = append(result, &m)
	}
	return result, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
