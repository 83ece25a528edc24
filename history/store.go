// Package history maintains the bounded, ordered message log backing the
// chat transcript, with O(1) lookup by message ID and durable persistence
// after every mutation.
package history

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatlink/message"
)

// ErrNotFound indicates the requested message is not retained in the store.
var ErrNotFound = errors.New("message not found in history")

// DefaultMaxSize is the number of messages retained before the oldest are
// evicted.
const DefaultMaxSize = 100

// epochOrigin is the timestamp reported for an empty history. Using the Unix
// epoch rather than Go's zero time keeps the value stable across JSON
// round-trips.
var epochOrigin = time.Unix(0, 0).UTC()

// Store is an append-only, size-bounded ordered log of messages. All methods
// are safe for concurrent use: the store keeps its own copies of added
// messages and hands out detached copies, so readers never observe an
// in-place status transition.
type Store struct {
	mu        sync.Mutex
	maxSize   int
	messages  []*message.Message
	index     map[string]*message.Message
	persister Persister
	generator message.IDGenerator
}

// NewStore creates a store bounded at maxSize (DefaultMaxSize when <= 0),
// persisting through the given Persister. Previously persisted messages are
// loaded and re-indexed; a corrupt or missing blob yields an empty history.
func NewStore(maxSize int, persister Persister, generator message.IDGenerator) *Store {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if persister == nil {
		persister = NopPersister{}
	}
	if generator == nil {
		generator = message.DefaultGenerator()
	}

	s := &Store{
		maxSize:   maxSize,
		messages:  make([]*message.Message, 0, maxSize),
		index:     make(map[string]*message.Message),
		persister: persister,
		generator: generator,
	}
	s.load()
	return s
}

// load restores the persisted sequence. Failures are logged and treated as
// an empty history so a corrupt blob never prevents startup.
func (s *Store) load() {
	msgs, err := s.persister.Load()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Store.load",
			"error":    err.Error(),
		}).Warn("Failed to load persisted history, starting empty")
		return
	}

	// Trim to the newest maxSize entries in case the cap was lowered
	// between runs.
	if len(msgs) > s.maxSize {
		msgs = msgs[len(msgs)-s.maxSize:]
	}

	for _, msg := range msgs {
		s.messages = append(s.messages, msg)
		s.index[msg.ID] = msg
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Store.load",
		"message_count": len(s.messages),
	}).Debug("Restored persisted message history")
}

// Add appends a message to the log, assigning an ID if absent, evicting the
// oldest entry beyond the size bound, and persisting the full sequence. The
// store keeps its own copy; later status updates never touch the caller's
// value.
func (s *Store) Add(msg *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = s.generator.NextID()
	}

	stored := *msg
	s.messages = append(s.messages, &stored)
	s.index[stored.ID] = &stored

	if len(s.messages) > s.maxSize {
		evicted := s.messages[0]
		s.messages = s.messages[1:]
		delete(s.index, evicted.ID)
		logrus.WithFields(logrus.Fields{
			"function":   "Store.Add",
			"evicted_id": evicted.ID,
			"max_size":   s.maxSize,
		}).Debug("Evicted oldest message from history")
	}

	s.persist()
}

// GetByID returns a copy of the message with the given ID, or false if it is
// not retained.
func (s *Store) GetByID(id string) (*message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.index[id]
	if !ok {
		return nil, false
	}
	cp := *msg
	return &cp, true
}

// UpdateStatus transitions the status of a retained message and persists the
// change. Returns ErrNotFound for evicted or unknown IDs and
// message.ErrInvalidTransition for a disallowed transition.
func (s *Store) UpdateStatus(id string, to message.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := msg.Transition(to); err != nil {
		return err
	}
	s.persist()
	return nil
}

// Clear empties the log and persists the empty state.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = s.messages[:0]
	s.index = make(map[string]*message.Message)
	s.persist()
}

// Len returns the number of retained messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Messages returns an ordered snapshot of the retained messages. Each entry
// is a copy detached from the store's internal state.
func (s *Store) Messages() []*message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]*message.Message, len(s.messages))
	for i, msg := range s.messages {
		cp := *msg
		snapshot[i] = &cp
	}
	return snapshot
}

// LastMessageTime returns the timestamp of the newest retained message, or
// the Unix epoch origin when the history is empty. Callers use it to filter
// duplicate re-deliveries when reloading server history.
func (s *Store) LastMessageTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) == 0 {
		return epochOrigin
	}
	return s.messages[len(s.messages)-1].Timestamp
}

// Persist writes the current sequence through the persister. It exists for
// teardown paths that mutate messages in place (status updates) without
// going through Add.
func (s *Store) Persist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist()
}

// persist writes the full sequence. Persistence failures are logged only;
// the in-memory log remains authoritative (fail soft).
func (s *Store) persist() {
	if err := s.persister.Save(s.messages); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "Store.persist",
			"message_count": len(s.messages),
			"error":         err.Error(),
		}).Error("Failed to persist message history")
	}
}
