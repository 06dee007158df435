package services

import (
	"context"

	"github.com/markdave123-py/contexta-rag/internal/core"
	"github.com/markdave123-py/contexta-rag/internal/models"
)

type ConversationService struct {
	db core.DbClient
}

func NewConversationService(db core.DbClient) *ConversationService {
	return &ConversationService{db: db}
}

// Turns returns every turn of a session owned by userID in order.
func (s *ConversationService) Turns(ctx context.Context, userID, sessionID string) (*models.Conversation, []models.Turn, error) {
	conv, err := s.db.GetConversation(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if conv.UserID != userID {
		return nil, nil, core.ErrNotFound
	}
	turns, err := s.db.ListTurns(ctx, sessionID, 0)
	if err != nil {
		return nil, nil, err
	}
	return conv, turns, nil
}
