// Package conversation holds the chat history. Every change produces a new
// immutable Snapshot which is written through to the durable store.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/leonardotrapani/voxchat/internal/storage"
)

const (
	// EntryName is the durable store entry holding the serialized mapping.
	EntryName    = "conversations"
	DefaultTitle = "New Conversation"

	minPrefixLen = 4
)

var (
	ErrNotFound       = errors.New("conversation not found")
	ErrInvalidMessage = errors.New("invalid message")
)

type Store struct {
	entries storage.Entries
	onError func(error)

	mu   sync.Mutex
	snap *Snapshot

	// loadErr is set when the stored mapping exists but could not be read.
	// The store then keeps changes in memory only so the durable copy is
	// never overwritten by a partial one.
	loadErr error
}

// NewStore loads the persisted mapping from entries. Missing or corrupt data
// starts an empty store. onError receives persistence failures, is called with
// the store locked, and may be nil.
func NewStore(entries storage.Entries, onError func(error)) *Store {
	s := &Store{
		entries: entries,
		onError: onError,
		snap:    emptySnapshot(),
	}
	s.load()
	return s
}

func (s *Store) load() {
	if s.entries == nil {
		return
	}
	data, err := s.entries.Get(EntryName)
	if err != nil {
		s.loadErr = err
		s.report(fmt.Errorf("load conversations, changes will not be saved: %w", err))
		return
	}
	if len(data) == 0 {
		return
	}

	var mapping map[string]Conversation
	if err := json.Unmarshal(data, &mapping); err != nil {
		log.Printf("conversation: stored conversations are corrupt, starting empty: %v", err)
		return
	}

	snap := emptySnapshot()
	for id, c := range mapping {
		if c.ID == "" {
			c.ID = id
		}
		if c.Messages == nil {
			c.Messages = []Message{}
		}
		snap.conversations[c.ID] = c
		snap.order = append(snap.order, c.ID)
	}
	sort.SliceStable(snap.order, func(i, j int) bool {
		a, b := snap.conversations[snap.order[i]], snap.conversations[snap.order[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	s.snap = snap
	log.Printf("conversation: loaded %d conversations", snap.Len())
}

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Store) List() []Conversation {
	return s.Snapshot().List()
}

func (s *Store) Get(id string) (Conversation, bool) {
	return s.Snapshot().Get(id)
}

func (s *Store) Active() (Conversation, bool) {
	return s.Snapshot().Active()
}

// Create adds an empty conversation. An empty title becomes DefaultTitle.
func (s *Store) Create(title string) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := newConversation(title)
	next := s.snap.with()
	next.conversations[c.ID] = c
	next.order = append(next.order, c.ID)
	s.commitLocked(next, true)
	return c.clone()
}

func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snap.conversations[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := s.snap.with()
	next.activeID = id
	s.commitLocked(next, false)
	return nil
}

// EnsureActive returns the active conversation, creating and activating a
// new one when none is active.
func (s *Store) EnsureActive() Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.snap.Active(); ok {
		return c
	}
	c := newConversation(DefaultTitle)
	next := s.snap.with()
	next.conversations[c.ID] = c
	next.order = append(next.order, c.ID)
	next.activeID = c.ID
	s.commitLocked(next, true)
	log.Printf("conversation: started %s", c.ShortID())
	return c.clone()
}

// Append adds msgs, in order, to the conversation. Either all are appended or none.
func (s *Store) Append(id string, msgs ...Message) error {
	for _, m := range msgs {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: role %q", ErrInvalidMessage, m.Role)
		}
		if m.ID == "" {
			return fmt.Errorf("%w: missing id", ErrInvalidMessage)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.snap.conversations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if len(msgs) == 0 {
		return nil
	}

	messages := make([]Message, 0, len(c.Messages)+len(msgs))
	messages = append(messages, c.Messages...)
	messages = append(messages, msgs...)
	c.Messages = messages

	next := s.snap.with()
	next.conversations[id] = c
	s.commitLocked(next, true)
	return nil
}

// Resolve finds a conversation by full ID or unique prefix. "active" names the
// active conversation.
func (s *Store) Resolve(ref string) (Conversation, error) {
	snap := s.Snapshot()

	if ref == "active" {
		if c, ok := snap.Active(); ok {
			return c, nil
		}
		return Conversation{}, fmt.Errorf("%w: no active conversation", ErrNotFound)
	}
	if c, ok := snap.Get(ref); ok {
		return c, nil
	}
	if len(ref) < minPrefixLen {
		return Conversation{}, fmt.Errorf("conversation ID prefix must be at least %d characters (got %d)", minPrefixLen, len(ref))
	}

	var matches []Conversation
	for _, c := range snap.List() {
		if strings.HasPrefix(c.ID, ref) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return Conversation{}, &AmbiguousIDError{Prefix: ref, Matches: matches}
	}
}

// commitLocked swaps in next and, when the mapping changed, writes it through.
// A failed write is reported and never undoes the in-memory change.
func (s *Store) commitLocked(next *Snapshot, persist bool) {
	s.snap = next
	if !persist || s.entries == nil {
		return
	}
	if s.loadErr != nil {
		s.report(fmt.Errorf("%w: conversations not saved, stored data was unreadable: %v", storage.ErrStorage, s.loadErr))
		return
	}

	data, err := json.Marshal(next.conversations)
	if err != nil {
		s.report(fmt.Errorf("%w: encode conversations: %v", storage.ErrStorage, err))
		return
	}
	if err := s.entries.Put(EntryName, data); err != nil {
		s.report(fmt.Errorf("conversations not saved: %w", err))
	}
}

func (s *Store) report(err error) {
	log.Printf("conversation: %v", err)
	if s.onError != nil {
		s.onError(err)
	}
}
