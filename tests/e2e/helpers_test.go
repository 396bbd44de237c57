//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"expertchat/internal/domain"
	"expertchat/internal/middleware"

	"github.com/google/uuid"
)

// TestUser wraps an authenticated participant for request helpers
type TestUser struct {
	t        *testing.T
	identity domain.Identity
	token    string
}

// NewTestClientUser mints a client identity with a signed token
func NewTestClientUser(t *testing.T) *TestUser {
	return newTestUser(t, "client-"+uuid.NewString(), domain.RoleClient)
}

// NewTestExpertUser mints an expert identity with a signed token
func NewTestExpertUser(t *testing.T) *TestUser {
	return newTestUser(t, "expert-"+uuid.NewString(), domain.RoleExpert)
}

func newTestUser(t *testing.T, userID string, role domain.Role) *TestUser {
	t.Helper()

	identity := domain.Identity{UserID: userID, Role: role}
	token, err := middleware.IssueToken([]byte(testAuthSecret), identity, time.Hour)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	return &TestUser{t: t, identity: identity, token: token}
}

// Do performs an authenticated request and decodes the JSON response
func (u *TestUser) Do(method, path string, body interface{}) (int, map[string]interface{}) {
	u.t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			u.t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, baseURL+path, reader)
	if err != nil {
		u.t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+u.token)

	resp, err := testClient.Do(req)
	if err != nil {
		u.t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		u.t.Fatalf("failed to read response: %v", err)
	}

	var decoded map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			u.t.Fatalf("failed to decode response %q: %v", string(raw), err)
		}
	}
	return resp.StatusCode, decoded
}

// StartConversation starts a conversation with the expert, failing on error
func (u *TestUser) StartConversation(expertID string) string {
	u.t.Helper()

	status, body := u.Do(http.MethodPost, "/api/v1/conversations", map[string]interface{}{
		"startNew": true,
		"expertId": expertID,
	})
	if status != http.StatusCreated {
		u.t.Fatalf("start conversation failed with status %d: %v", status, body)
	}

	conv, ok := body["conversation"].(map[string]interface{})
	if !ok {
		u.t.Fatalf("missing conversation in response: %v", body)
	}
	return conv["id"].(string)
}

// SendMessage sends a message and returns status and body
func (u *TestUser) SendMessage(conversationID, content string) (int, map[string]interface{}) {
	u.t.Helper()
	return u.Do(http.MethodPost, "/api/v1/conversations", map[string]interface{}{
		"conversationId": conversationID,
		"content":        content,
	})
}

// MarkRead marks the conversation read for this user
func (u *TestUser) MarkRead(conversationID string) {
	u.t.Helper()
	status, body := u.Do(http.MethodPost, fmt.Sprintf("/api/v1/conversations/%s/read", conversationID), nil)
	if status != http.StatusOK {
		u.t.Fatalf("mark read failed with status %d: %v", status, body)
	}
}

// UnreadCount fetches the total unread badge from the listing endpoint
func (u *TestUser) UnreadCount() int {
	u.t.Helper()
	status, body := u.Do(http.MethodGet, "/api/v1/conversations", nil)
	if status != http.StatusOK {
		u.t.Fatalf("list conversations failed with status %d: %v", status, body)
	}
	return int(body["unreadCount"].(float64))
}

// doRaw performs an authenticated request without touching testing.T, so it
// is safe to call from spawned goroutines in concurrency tests.
func doRaw(u *TestUser, method, path string, body interface{}) (int, map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+u.token)

	resp, err := testClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}

	var decoded map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return 0, nil, fmt.Errorf("decode %q: %w", string(raw), err)
		}
	}
	return resp.StatusCode, decoded, nil
}

func startConversationRaw(u *TestUser, expertID string) (string, error) {
	status, body, err := doRaw(u, http.MethodPost, "/api/v1/conversations", map[string]interface{}{
		"startNew": true,
		"expertId": expertID,
	})
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("start conversation failed with status %d: %v", status, body)
	}
	conv, ok := body["conversation"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("missing conversation in response: %v", body)
	}
	return conv["id"].(string), nil
}

func sendMessageRaw(u *TestUser, conversationID, content string) (int, error) {
	status, _, err := doRaw(u, http.MethodPost, "/api/v1/conversations", map[string]interface{}{
		"conversationId": conversationID,
		"content":        content,
	})
	return status, err
}

// GrantUnlimited flags the user with an active pro subscription
func (u *TestUser) GrantUnlimited() {
	u.t.Helper()
	_, err := testDB.Exec(
		`INSERT INTO subscriptions (user_id, plan, active) VALUES ($1, 'pro', TRUE)
		 ON CONFLICT (user_id) DO UPDATE SET plan = 'pro', active = TRUE`,
		u.identity.UserID,
	)
	if err != nil {
		u.t.Fatalf("failed to grant subscription: %v", err)
	}
}
