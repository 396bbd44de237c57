package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"expertchat/internal/domain"
)

// MemoryStore is an in-memory implementation of the conversation, message and
// subscription interfaces with the same semantics as the PostgreSQL
// repositories, including pair uniqueness and the guarded counter increment.
// Safe for concurrent use.
type MemoryStore struct {
	mu sync.Mutex

	conversations map[string]*domain.Conversation
	pairs         map[string]string // "clientID|expertID" -> conversation id
	messages      []*domain.Message

	// UnlimitedUsers marks user ids whose subscription grants unlimited
	// messaging.
	UnlimitedUsers map[string]bool

	nextConvID int
	nextMsgID  int64
	clock      time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations:  make(map[string]*domain.Conversation),
		pairs:          make(map[string]string),
		UnlimitedUsers: make(map[string]bool),
		clock:          time.Now().UTC(),
	}
}

func pairKey(clientID, expertID string) string {
	return clientID + "|" + expertID
}

// tick returns a strictly increasing timestamp so insertion order and
// chronological order always agree in tests.
func (s *MemoryStore) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func (s *MemoryStore) Create(ctx context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(conv.ClientID, conv.ExpertID)
	if _, exists := s.pairs[key]; exists {
		return domain.ErrConversationExists
	}

	s.nextConvID++
	conv.ID = fmt.Sprintf("conv-%d", s.nextConvID)
	conv.ClientMessageCount = 0
	conv.CreatedAt = s.tick()
	conv.LastMessageAt = conv.CreatedAt

	copied := *conv
	s.conversations[conv.ID] = &copied
	s.pairs[key] = conv.ID
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *MemoryStore) getLocked(id string) (*domain.Conversation, error) {
	conv, ok := s.conversations[id]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	copied := *conv
	return &copied, nil
}

func (s *MemoryStore) GetByPair(ctx context.Context, clientID, expertID string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.pairs[pairKey(clientID, expertID)]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	return s.getLocked(id)
}

func (s *MemoryStore) ListForUser(ctx context.Context, userID string, role domain.Role, limit, offset int) ([]*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*domain.Conversation
	for _, conv := range s.conversations {
		if conv.ParticipantID(role) != userID {
			continue
		}
		copied := *conv
		copied.UnreadCount = s.unreadLocked(conv.ID, role)
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].LastMessageAt.After(result[j].LastMessageAt)
	})

	if offset >= len(result) {
		return []*domain.Conversation{}, nil
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) Append(ctx context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return domain.ErrConversationNotFound
	}

	s.appendLocked(conv, msg)
	return nil
}

func (s *MemoryStore) AppendCounted(ctx context.Context, msg *domain.Message, maxCount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return 0, domain.ErrConversationNotFound
	}
	if maxCount >= 0 && conv.ClientMessageCount >= maxCount {
		return 0, domain.ErrMessageLimitReached
	}

	conv.ClientMessageCount++
	s.appendLocked(conv, msg)
	return conv.ClientMessageCount, nil
}

func (s *MemoryStore) appendLocked(conv *domain.Conversation, msg *domain.Message) {
	s.nextMsgID++
	msg.ID = s.nextMsgID
	msg.CreatedAt = s.tick()
	conv.LastMessageAt = msg.CreatedAt

	copied := *msg
	s.messages = append(s.messages, &copied)
}

func (s *MemoryStore) ListByConversation(ctx context.Context, conversationID string, limit, page int) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*domain.Message
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			copied := *msg
			all = append(all, &copied)
		}
	}

	// Page zero is the most recent page; within a page order is chronological.
	end := len(all) - page*limit
	if end <= 0 {
		return []*domain.Message{}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return all[start:end], nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, conversationID string, reader domain.Role, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stamped int64
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID && msg.SenderRole != reader && msg.ReadAt == nil {
			t := at
			msg.ReadAt = &t
			stamped++
		}
	}
	return stamped, nil
}

func (s *MemoryStore) UnreadCount(ctx context.Context, conversationID string, reader domain.Role) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked(conversationID, reader), nil
}

func (s *MemoryStore) unreadLocked(conversationID string, reader domain.Role) int {
	count := 0
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID && msg.SenderRole != reader && msg.ReadAt == nil {
			count++
		}
	}
	return count
}

func (s *MemoryStore) UnreadTotal(ctx context.Context, userID string, reader domain.Role) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, conv := range s.conversations {
		if conv.ParticipantID(reader) != userID {
			continue
		}
		total += s.unreadLocked(conv.ID, reader)
	}
	return total, nil
}

func (s *MemoryStore) HasUnlimitedMessaging(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.UnlimitedUsers[userID], nil
}

// RecordingPublisher captures published events for assertions
type RecordingPublisher struct {
	mu sync.Mutex

	MessageEvents      []PublishedMessage
	ConversationEvents []string

	// Err, when set, is returned from every publish call.
	Err error
}

// PublishedMessage is one captured message.created event
type PublishedMessage struct {
	MessageID   int64
	RecipientID string
}

func (p *RecordingPublisher) MessageCreated(ctx context.Context, msg *domain.Message, recipientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.MessageEvents = append(p.MessageEvents, PublishedMessage{MessageID: msg.ID, RecipientID: recipientID})
	return nil
}

func (p *RecordingPublisher) ConversationStarted(ctx context.Context, conv *domain.Conversation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.ConversationEvents = append(p.ConversationEvents, conv.ID)
	return nil
}
