package conversation

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is immutable once appended to a conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC().Round(0),
	}
}

type Conversation struct {
	ID        string    `json:"id"` // UUID v4
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

func newConversation(title string) Conversation {
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	return Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		Messages:  []Message{},
		CreatedAt: time.Now().UTC().Round(0),
	}
}

// ShortID returns the first 8 characters of the ID.
func (c Conversation) ShortID() string {
	if len(c.ID) >= 8 {
		return c.ID[:8]
	}
	return c.ID
}

func (c Conversation) clone() Conversation {
	c.Messages = slices.Clone(c.Messages)
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	return c
}

// Snapshot is an immutable view of every conversation and the active one.
// A new Snapshot is built for each change; compare pointers to detect changes.
type Snapshot struct {
	conversations map[string]Conversation
	order         []string
	activeID      string
}

func emptySnapshot() *Snapshot {
	return &Snapshot{conversations: map[string]Conversation{}}
}

// with returns a copy of s; the caller may replace entries of the copy.
func (s *Snapshot) with() *Snapshot {
	next := &Snapshot{
		conversations: make(map[string]Conversation, len(s.conversations)+1),
		order:         slices.Clone(s.order),
		activeID:      s.activeID,
	}
	for id, c := range s.conversations {
		next.conversations[id] = c
	}
	return next
}

func (s *Snapshot) Len() int { return len(s.order) }

// List returns conversations in creation order.
func (s *Snapshot) List() []Conversation {
	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.conversations[id].clone())
	}
	return out
}

func (s *Snapshot) Get(id string) (Conversation, bool) {
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

func (s *Snapshot) ActiveID() string { return s.activeID }

func (s *Snapshot) Active() (Conversation, bool) {
	if s.activeID == "" {
		return Conversation{}, false
	}
	return s.Get(s.activeID)
}

// AmbiguousIDError is returned when several conversations match a prefix.
type AmbiguousIDError struct {
	Prefix  string
	Matches []Conversation
}

func (e *AmbiguousIDError) Error() string {
	lines := []string{fmt.Sprintf("ambiguous conversation ID %q, matches:", e.Prefix)}
	for _, m := range e.Matches {
		lines = append(lines, fmt.Sprintf("- %s (%s, %d messages)", m.ShortID(), m.Title, len(m.Messages)))
	}
	return strings.Join(lines, "\n")
}
