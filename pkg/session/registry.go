package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/sharethings/internal/logger"
)

// tokenBytes is the entropy of a per-connection session token (256 bits).
const tokenBytes = 32

// clientToken binds an issued token to the session it authorizes.
type clientToken struct {
	sessionID string
	token     string
}

// member is an in-memory session membership entry.
type member struct {
	client   Client
	joinedAt time.Time
}

// Registry owns durable session records and the in-memory active-session
// state: membership maps and per-connection tokens.
//
// Durable records outlive connections so that a client holding the right
// passphrase can always rejoin. Tokens and membership live only as long as
// the process and the connection.
type Registry struct {
	store   *Store
	timeout time.Duration

	mu      sync.RWMutex
	members map[string]map[string]member // sessionID -> clientID -> member
	tokens  map[string]clientToken       // clientID -> issued token
}

// NewRegistry creates a registry over the given durable store.
// timeout is the inactivity window after which sessions expire.
func NewRegistry(store *Store, timeout time.Duration) *Registry {
	return &Registry{
		store:   store,
		timeout: timeout,
		members: make(map[string]map[string]member),
		tokens:  make(map[string]clientToken),
	}
}

// Timeout returns the configured inactivity timeout.
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// Join authenticates a client into a session and issues a fresh token.
//
// If no record exists for sessionID, one is created from the presented
// fingerprint (first join defines the session's passphrase). If a record
// exists, the fingerprint must byte-match it or ErrInvalidPassphrase is
// returned; a failed verification does not update last activity.
func (r *Registry) Join(ctx context.Context, sessionID string, fp Fingerprint, clientID, clientName string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session ID is required")
	}
	if !fp.Valid() {
		return "", ErrInvalidPassphrase
	}

	now := time.Now()

	existing, err := r.store.Get(ctx, sessionID)
	switch {
	case err == nil:
		stored := Fingerprint{IV: existing.FingerprintIV, Data: existing.FingerprintData}
		if !stored.Equal(fp) {
			return "", ErrInvalidPassphrase
		}
		if err := r.store.Touch(ctx, sessionID, now); err != nil {
			return "", fmt.Errorf("failed to update session activity: %w", err)
		}
	case errors.Is(err, ErrSessionNotFound):
		sess := &Session{
			SessionID:       sessionID,
			FingerprintIV:   fp.IV,
			FingerprintData: fp.Data,
			CreatedAt:       now,
			LastActivity:    now,
		}
		if err := r.store.Create(ctx, sess); err != nil {
			return "", fmt.Errorf("failed to create session: %w", err)
		}
		logger.Info("session created", logger.KeySessionID, sessionID)
	default:
		return "", fmt.Errorf("failed to look up session: %w", err)
	}

	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("failed to issue token: %w", err)
	}

	r.mu.Lock()
	if r.members[sessionID] == nil {
		r.members[sessionID] = make(map[string]member)
	}
	r.members[sessionID][clientID] = member{
		client:   Client{ClientID: clientID, ClientName: clientName},
		joinedAt: now,
	}
	r.tokens[clientID] = clientToken{sessionID: sessionID, token: token}
	r.mu.Unlock()

	return token, nil
}

// newToken returns a 256-bit CSPRNG token in hex.
func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ValidateToken reports whether token is the token currently issued to
// clientID. Comparison is constant-time.
func (r *Registry) ValidateToken(clientID, token string) bool {
	if token == "" {
		return false
	}

	r.mu.RLock()
	issued, ok := r.tokens[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(issued.token), []byte(token)) == 1
}

// SessionForToken returns the session a bare token authorizes. Used by the
// HTTP download path, where only the token is presented. Comparison is
// constant-time per candidate.
func (r *Registry) SessionForToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, issued := range r.tokens {
		if subtle.ConstantTimeCompare([]byte(issued.token), []byte(token)) == 1 {
			return issued.sessionID, true
		}
	}
	return "", false
}

// TokenSession returns the session the client's current token is bound to.
func (r *Registry) TokenSession(clientID string) (string, bool) {
	r.mu.RLock()
	issued, ok := r.tokens[clientID]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	return issued.sessionID, true
}

// Has reports whether a durable record exists for sessionID.
func (r *Registry) Has(ctx context.Context, sessionID string) bool {
	_, err := r.store.Get(ctx, sessionID)
	return err == nil
}

// Touch updates the session's last-activity timestamp. Called on every
// authorized event from the session.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	return r.store.Touch(ctx, sessionID, time.Now())
}

// Clients returns the current member roster of a session, deduplicated by
// client ID.
func (r *Registry) Clients(sessionID string) []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roster := make([]Client, 0, len(r.members[sessionID]))
	for _, m := range r.members[sessionID] {
		roster = append(roster, m.client)
	}
	return roster
}

// MemberIDs returns the connection IDs of the session's current members.
func (r *Registry) MemberIDs(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.members[sessionID]))
	for id := range r.members[sessionID] {
		ids = append(ids, id)
	}
	return ids
}

// IsMember reports whether clientID is currently a member of sessionID.
func (r *Registry) IsMember(sessionID, clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.members[sessionID][clientID]
	return ok
}

// RemoveClient drops a client's membership and token. The durable session
// record is untouched.
func (r *Registry) RemoveClient(sessionID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.members[sessionID]; ok {
		delete(m, clientID)
		if len(m) == 0 {
			delete(r.members, sessionID)
		}
	}
	if issued, ok := r.tokens[clientID]; ok && issued.sessionID == sessionID {
		delete(r.tokens, clientID)
	}
}

// Remove deletes the session record, all membership, and all member tokens.
// Returns the connection IDs that were members so callers can notify them.
func (r *Registry) Remove(ctx context.Context, sessionID string) ([]string, error) {
	r.mu.Lock()
	memberIDs := make([]string, 0, len(r.members[sessionID]))
	for id := range r.members[sessionID] {
		memberIDs = append(memberIDs, id)
		delete(r.tokens, id)
	}
	delete(r.members, sessionID)
	r.mu.Unlock()

	if err := r.store.Delete(ctx, sessionID); err != nil {
		return memberIDs, fmt.Errorf("failed to delete session record: %w", err)
	}
	return memberIDs, nil
}

// FindExpired returns sessions with no activity within the timeout as of now.
func (r *Registry) FindExpired(ctx context.Context, now time.Time) ([]string, error) {
	return r.store.FindExpired(ctx, now, r.timeout)
}

// ActiveSessions returns the number of sessions with at least one member.
func (r *Registry) ActiveSessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// ConnectedClients returns the total number of connected members.
func (r *Registry) ConnectedClients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, m := range r.members {
		total += len(m)
	}
	return total
}

// Healthcheck verifies the durable store responds.
func (r *Registry) Healthcheck(ctx context.Context) error {
	return r.store.Healthcheck(ctx)
}
