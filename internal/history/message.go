package history

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// DefaultSessionID is used when the host does not track sessions.
const DefaultSessionID = "default"

// AllSessions selects every session in ListAll, Pages and Count.
const AllSessions = ""

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleUser, RoleAssistant, RoleSystem:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Valid reports whether r is one of the three allowed roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single immutable conversation entry.
// ID is zero until the message has been written to the store.
type Message struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Durable reports whether the message has a store-assigned id.
func (m Message) Durable() bool { return m.ID > 0 }

// AppendResult is returned by Append. Inserted is false for duplicates, in
// which case ID is the id of the row that already held the hash. Pending is
// set by callers that kept the message in memory after a failed write.
type AppendResult struct {
	ID       int64 `json:"id"`
	Inserted bool  `json:"inserted"`
	Pending  bool  `json:"pending,omitempty"`
}

// NewMessage validates its input and builds an unsaved message with its hash.
func NewMessage(role Role, content, sessionID string, at time.Time, bucket time.Duration) (Message, error) {
	if !role.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	return Message{
		SessionID:   sessionID,
		Role:        role,
		Content:     content,
		ContentHash: ContentHash(role, content, at, bucket),
		CreatedAt:   at,
	}, nil
}

// ContentHash fingerprints (role, content). With a positive bucket the
// timestamp's bucket index is mixed in, so identical text sent in different
// buckets hashes differently.
func ContentHash(role Role, content string, at time.Time, bucket time.Duration) string {
	h := sha256.New()
	h.Write([]byte(role))
	h.Write([]byte{0})
	h.Write([]byte(content))
	if bucket > 0 {
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(at.UnixNano()/int64(bucket), 10)))
	}
	return hex.EncodeToString(h.Sum(nil))
}
