// Package chat sends user messages to the assistant and records the exchange.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/leonardotrapani/voxchat/internal/conversation"
)

var ErrEmptyMessage = errors.New("message is empty")

// Assistant produces a reply to a conversation history.
type Assistant interface {
	SendChat(ctx context.Context, history []conversation.Message) (string, error)
}

type Service struct {
	store     *conversation.Store
	assistant Assistant
}

func NewService(store *conversation.Store, assistant Assistant) *Service {
	return &Service{store: store, assistant: assistant}
}

// Exchange is one completed user/assistant turn.
type Exchange struct {
	ConversationID string
	User           conversation.Message
	Reply          conversation.Message
}

// Send posts text to the conversation named by ref ("" or "active" for the
// active one, created if needed). The user message and the reply are appended
// together only after the assistant answers; on failure the conversation is
// left unchanged.
func (s *Service) Send(ctx context.Context, ref, text string) (Exchange, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Exchange{}, ErrEmptyMessage
	}

	var conv conversation.Conversation
	if ref == "" || ref == "active" {
		conv = s.store.EnsureActive()
	} else {
		c, err := s.store.Resolve(ref)
		if err != nil {
			return Exchange{}, err
		}
		conv = c
	}

	user := conversation.NewMessage(conversation.RoleUser, text)
	history := append(conv.Messages, user)

	log.Printf("chat: sending %d messages for conversation %s", len(history), conv.ShortID())
	reply, err := s.assistant.SendChat(ctx, history)
	if err != nil {
		return Exchange{}, fmt.Errorf("send message: %w", err)
	}

	assistantMsg := conversation.NewMessage(conversation.RoleAssistant, reply)
	if err := s.store.Append(conv.ID, user, assistantMsg); err != nil {
		return Exchange{}, fmt.Errorf("record exchange: %w", err)
	}

	return Exchange{ConversationID: conv.ID, User: user, Reply: assistantMsg}, nil
}
