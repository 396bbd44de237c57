package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"expertchat/internal/domain"
	"expertchat/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(store *testutil.MemoryStore, events EventPublisher) *MessagingService {
	policy := NewAccessPolicy(3, store)
	return NewMessagingService(store, store, policy, events, DefaultLimits())
}

func TestMessagingService_StartConversation(t *testing.T) {
	ctx := context.Background()
	client := domain.Identity{UserID: "client-1", Role: domain.RoleClient}

	t.Run("creates_on_first_contact", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		events := &testutil.RecordingPublisher{}
		svc := newTestService(store, events)

		conv, err := svc.StartConversation(ctx, client, "expert-1")

		require.NoError(t, err)
		assert.NotEmpty(t, conv.ID)
		assert.Equal(t, "client-1", conv.ClientID)
		assert.Equal(t, "expert-1", conv.ExpertID)
		assert.Zero(t, conv.ClientMessageCount)
		assert.Equal(t, []string{conv.ID}, events.ConversationEvents)
	})

	t.Run("repeated_calls_return_same_conversation", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		svc := newTestService(store, nil)

		first, err := svc.StartConversation(ctx, client, "expert-1")
		require.NoError(t, err)

		second, err := svc.StartConversation(ctx, client, "expert-1")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("distinct_pairs_get_distinct_conversations", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		svc := newTestService(store, nil)

		a, err := svc.StartConversation(ctx, client, "expert-1")
		require.NoError(t, err)
		b, err := svc.StartConversation(ctx, client, "expert-2")
		require.NoError(t, err)

		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("expert_cannot_initiate", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		svc := newTestService(store, nil)

		_, err := svc.StartConversation(ctx, domain.Identity{UserID: "expert-1", Role: domain.RoleExpert}, "client-1")

		assert.ErrorIs(t, err, domain.ErrClientRoleRequired)
	})

	t.Run("missing_expert_id_rejected", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		svc := newTestService(store, nil)

		_, err := svc.StartConversation(ctx, client, "")

		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("concurrent_first_contact_yields_one_conversation", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		svc := newTestService(store, nil)

		const contenders = 16
		ids := make([]string, contenders)
		errs := make([]error, contenders)
		var wg sync.WaitGroup
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				conv, err := svc.StartConversation(ctx, client, "expert-1")
				if err != nil {
					errs[i] = err
					return
				}
				ids[i] = conv.ID
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		for _, id := range ids {
			assert.Equal(t, ids[0], id, "all concurrent starts must resolve to one conversation")
		}
	})
}

func TestMessagingService_SendMessage_QuotaEnforcement(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	svc := newTestService(store, nil)
	client := domain.Identity{UserID: "client-1", Role: domain.RoleClient}

	conv, err := svc.StartConversation(ctx, client, "expert-1")
	require.NoError(t, err)

	// Exactly three free sends succeed, with remaining counting down.
	for i, wantRemaining := range []int{2, 1, 0} {
		result, err := svc.SendMessage(ctx, client, conv.ID, "message")
		require.NoError(t, err, "send %d should pass", i+1)
		assert.Equal(t, i+1, result.ClientMessageCount)
		assert.Equal(t, wantRemaining, result.Remaining)
		assert.False(t, result.Unbounded)
	}

	// The fourth send hits the paywall and mutates nothing.
	_, err = svc.SendMessage(ctx, client, conv.ID, "one more")
	assert.ErrorIs(t, err, domain.ErrMessageLimitReached)

	after, err := store.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, after.ClientMessageCount, "counter must not move past the limit")

	messages, err := store.ListByConversation(ctx, conv.ID, 50, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 3, "rejected send must not append a message")
}

func TestMessagingService_SendMessage_ExpertExemptFromQuota(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	svc := newTestService(store, nil)
	client := domain.Identity{UserID: "client-1", Role: domain.RoleClient}
	expert := domain.Identity{UserID: "expert-1", Role: domain.RoleExpert}

	conv, err := svc.StartConversation(ctx, client, "expert-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.SendMessage(ctx, client, conv.ID, "question")
		require.NoError(t, err)
	}

	// Client is paywalled, expert keeps replying.
	for i := 0; i < 5; i++ {
		result, err := svc.SendMessage(ctx, expert, conv.ID, "answer")
		require.NoError(t, err)
		assert.True(t, result.Unbounded)
		assert.Equal(t, 3, result.ClientMessageCount, "expert sends must not move the client counter")
	}
}

func TestMessagingService_SendMessage_UnlimitedTier(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	store.UnlimitedUsers["client-1"] = true
	svc := newTestService(store, nil)
	client := domain.Identity{UserID: "client-1", Role: domain.RoleClient}

	conv, err := svc.StartConversation(ctx, client, "expert-1")
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		result, err := svc.SendMessage(ctx, client, conv.ID, "message")
		require.NoError(t, err)
		assert.True(t, result.Unbounded)
		assert.Equal(t, i, result.ClientMessageCount, "counter still tracks client messages on paid plans")
	}
}

func TestMessagingService_SendMessage_ContentValidation(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	svc := newTestService(store, nil)
	client := domain.Identity{UserID: "client-1", Role: domain.RoleClient}

	conv, err := svc.StartConversation(ctx, client, "expert-1")
	require.NoError(t, err)

	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{name: "empty", content: "", wantErr: domain.ErrInvalidContent},
		{name: "single_char", content: "x"},
		{name: "max_length", content: strings.Repeat("a", 2000)},
		{name: "over_max", content: strings.Repeat("a", 2001), wantErr: domain.ErrInvalidContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SendMessage(ctx, client, conv.ID, tt.content)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMessagingService_SendMessage_AccessChecks(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	svc := newTestService(store, nil)
	client := domain.Identity{UserID: "client-1", Role: domain.RoleClient}

	conv, err := svc.StartConversation(ctx, client, "expert-1")
	require.NoError(t, err)

	t.Run("unknown_conversation", func(t *testing.T) {
		_, err := svc.SendMessage(ctx, client, "conv-unknown", "hello")
		assert.ErrorIs(t, err, domain.ErrConversationNotFound)
	})

	t.Run("stranger_is_forbidden", func(t *testing.T) {
		stranger := domain.Identity{UserID: "client-2", Role: domain.RoleClient}
		_, err := svc.SendMessage(ctx, stranger, conv.ID, "hello")
		assert.ErrorIs(t, err, domain.ErrNotParticipant)
	})

	t.Run("participant_with_wrong_role_is_forbidden", func(t *testing.T) {
		impostor := domain.Identity{UserID: "client-1", Role: domain.RoleExpert}
		_, err := svc.SendMessage(ctx, impostor, conv.ID, "hello")
		assert.ErrorIs(t, err, domain.ErrNotParticipant)
	})
}

func TestMessagingService_SendMessage_PublishesEvent(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	events := &testutil.RecordingPublisher{}
	svc := newTestService(store, events)
	client := domain.Identity{UserID: "client-1", Role: domain.RoleClient}
	expert := domain.Identity{UserID: "expert-1", Role: domain.RoleExpert}

	conv, err := svc.StartConversation(ctx, client, "expert-1")
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, client, conv.ID, "question")
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, expert, conv.ID, "answer")
	require.NoError(t, err)

	require.Len(t, events.MessageEvents, 2)
	assert.Equal(t, "expert-1", events.MessageEvents[0].RecipientID)
	assert.Equal(t, "client-1", events.MessageEvents[1].RecipientID)
}

func TestMessagingService_SendMessage_PublishFailureDoesNotFailSend(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	events := &testutil.RecordingPublisher{Err: context.DeadlineExceeded}
	svc := newTestService(store, events)
	client := domain.Identity{UserID: "client-1", Role: domain.RoleClient}

	conv, err := svc.StartConversation(ctx, client, "expert-1")
	require.NoError(t, err)

	result, err := svc.SendMessage(ctx, client, conv.ID, "question")

	require.NoError(t, err)
	assert.Equal(t, 1, result.ClientMessageCount)
}

func TestMessagingService_MarkRead(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	svc := newTestService(store, nil)
	client := domain.Identity{UserID: "client-1", Role: domain.RoleClient}
	expert := domain.Identity{UserID: "expert-1", Role: domain.RoleExpert}

	conv, err := svc.StartConversation(ctx, client, "expert-1")
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, client, conv.ID, "question one")
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, client, conv.ID, "question two")
	require.NoError(t, err)

	unread, err := store.UnreadCount(ctx, conv.ID, domain.RoleExpert)
	require.NoError(t, err)
	assert.Equal(t, 2, unread)

	require.NoError(t, svc.MarkRead(ctx, expert, conv.ID))

	unread, err = store.UnreadCount(ctx, conv.ID, domain.RoleExpert)
	require.NoError(t, err)
	assert.Zero(t, unread)

	// Idempotent: a second call changes nothing and returns no error.
	require.NoError(t, svc.MarkRead(ctx, expert, conv.ID))
	unread, err = store.UnreadCount(ctx, conv.ID, domain.RoleExpert)
	require.NoError(t, err)
	assert.Zero(t, unread)

	t.Run("non_participant_is_forbidden", func(t *testing.T) {
		stranger := domain.Identity{UserID: "expert-9", Role: domain.RoleExpert}
		assert.ErrorIs(t, svc.MarkRead(ctx, stranger, conv.ID), domain.ErrNotParticipant)
	})

	t.Run("unknown_conversation", func(t *testing.T) {
		assert.ErrorIs(t, svc.MarkRead(ctx, expert, "conv-unknown"), domain.ErrConversationNotFound)
	})
}

func TestMessagingService_MarkRead_OnlyCounterpartMessages(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	svc := newTestService(store, nil)
	client := domain.Identity{UserID: "client-1", Role: domain.RoleClient}
	expert := domain.Identity{UserID: "expert-1", Role: domain.RoleExpert}

	conv, err := svc.StartConversation(ctx, client, "expert-1")
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, client, conv.ID, "question")
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, expert, conv.ID, "answer")
	require.NoError(t, err)

	// The client reading the thread must not consume the expert's unread.
	require.NoError(t, svc.MarkRead(ctx, client, conv.ID))

	expertUnread, err := store.UnreadCount(ctx, conv.ID, domain.RoleExpert)
	require.NoError(t, err)
	assert.Equal(t, 1, expertUnread)

	clientUnread, err := store.UnreadCount(ctx, conv.ID, domain.RoleClient)
	require.NoError(t, err)
	assert.Zero(t, clientUnread)
}

func TestMessagingService_ListConversations(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	svc := newTestService(store, nil)
	client := domain.Identity{UserID: "client-1", Role: domain.RoleClient}

	first, err := svc.StartConversation(ctx, client, "expert-1")
	require.NoError(t, err)
	second, err := svc.StartConversation(ctx, client, "expert-2")
	require.NoError(t, err)

	// Activity on the first conversation moves it back to the top.
	_, err = svc.SendMessage(ctx, client, first.ID, "hello again")
	require.NoError(t, err)

	list, err := svc.ListConversations(ctx, client, 0)
	require.NoError(t, err)

	require.Len(t, list.Conversations, 2)
	assert.Equal(t, first.ID, list.Conversations[0].ID)
	assert.Equal(t, second.ID, list.Conversations[1].ID)
	assert.Zero(t, list.UnreadTotal, "own messages never count as unread")

	// The expert sees the unread badge instead.
	expert := domain.Identity{UserID: "expert-1", Role: domain.RoleExpert}
	expertList, err := svc.ListConversations(ctx, expert, 0)
	require.NoError(t, err)
	require.Len(t, expertList.Conversations, 1)
	assert.Equal(t, 1, expertList.UnreadTotal)
	assert.Equal(t, 1, expertList.Conversations[0].UnreadCount)
}

func TestMessagingService_GetThread(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	svc := newTestService(store, nil)
	client := domain.Identity{UserID: "client-1", Role: domain.RoleClient}
	expert := domain.Identity{UserID: "expert-1", Role: domain.RoleExpert}

	conv, err := svc.StartConversation(ctx, client, "expert-1")
	require.NoError(t, err)

	for _, content := range []string{"first", "second"} {
		_, err = svc.SendMessage(ctx, client, conv.ID, content)
		require.NoError(t, err)
	}
	_, err = svc.SendMessage(ctx, expert, conv.ID, "third")
	require.NoError(t, err)

	thread, err := svc.GetThread(ctx, client, conv.ID, 0)
	require.NoError(t, err)

	require.Len(t, thread.Messages, 3)
	assert.Equal(t, "first", thread.Messages[0].Content)
	assert.Equal(t, "second", thread.Messages[1].Content)
	assert.Equal(t, "third", thread.Messages[2].Content)
	assert.Equal(t, 1, thread.Conversation.UnreadCount)

	t.Run("non_participant_is_forbidden", func(t *testing.T) {
		stranger := domain.Identity{UserID: "client-9", Role: domain.RoleClient}
		_, err := svc.GetThread(ctx, stranger, conv.ID, 0)
		assert.ErrorIs(t, err, domain.ErrNotParticipant)
	})
}

func TestMessagingService_GetThread_Pagination(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	limits := DefaultLimits()
	limits.MessagesPageSize = 2
	svc := NewMessagingService(store, store, NewAccessPolicy(3, store), nil, limits)

	client := domain.Identity{UserID: "client-1", Role: domain.RoleClient}
	store.UnlimitedUsers[client.UserID] = true

	conv, err := svc.StartConversation(ctx, client, "expert-1")
	require.NoError(t, err)

	for _, content := range []string{"one", "two", "three", "four", "five"} {
		_, err = svc.SendMessage(ctx, client, conv.ID, content)
		require.NoError(t, err)
	}

	// Page zero holds the newest messages, later pages walk backwards.
	page0, err := svc.GetThread(ctx, client, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, page0.Messages, 2)
	assert.Equal(t, "four", page0.Messages[0].Content)
	assert.Equal(t, "five", page0.Messages[1].Content)

	page1, err := svc.GetThread(ctx, client, conv.ID, 1)
	require.NoError(t, err)
	require.Len(t, page1.Messages, 2)
	assert.Equal(t, "two", page1.Messages[0].Content)

	page2, err := svc.GetThread(ctx, client, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, page2.Messages, 1)
	assert.Equal(t, "one", page2.Messages[0].Content)
}

func TestMessagingService_ConcurrentClientSends_NeverExceedLimit(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	svc := newTestService(store, nil)
	client := domain.Identity{UserID: "client-1", Role: domain.RoleClient}

	conv, err := svc.StartConversation(ctx, client, "expert-1")
	require.NoError(t, err)

	const attempts = 20
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.SendMessage(ctx, client, conv.ID, "racing")
		}()
	}
	wg.Wait()

	after, err := store.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, after.ClientMessageCount, "guarded increment must cap the counter at the limit")

	messages, err := store.ListByConversation(ctx, conv.ID, 50, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 3)
}
