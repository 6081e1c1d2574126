package session

import (
	"context"
	"crypto/sha256"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fingerprintFor derives a deterministic test fingerprint from a passphrase.
// The real construction is client-side; the server only compares bytes.
func fingerprintFor(passphrase string) Fingerprint {
	sum := sha256.Sum256([]byte(passphrase))
	return Fingerprint{IV: sum[:16], Data: sum[16:]}
}

func newTestRegistry(t *testing.T, timeout time.Duration) *Registry {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewRegistry(store, timeout)
}

func TestJoin_CreatesSessionAndIssuesToken(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	token, err := r.Join(ctx, "s1", fingerprintFor("secret"), "c1", "alice")
	require.NoError(t, err)
	assert.Len(t, token, 64) // 256 bits hex-encoded

	assert.True(t, r.Has(ctx, "s1"))
	assert.True(t, r.ValidateToken("c1", token))
	assert.True(t, r.IsMember("s1", "c1"))

	sess, ok := r.TokenSession("c1")
	require.True(t, ok)
	assert.Equal(t, "s1", sess)
}

func TestJoin_SameFingerprintSameSession(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	_, err := r.Join(ctx, "s1", fingerprintFor("secret"), "c1", "alice")
	require.NoError(t, err)

	token2, err := r.Join(ctx, "s1", fingerprintFor("secret"), "c2", "bob")
	require.NoError(t, err)
	assert.True(t, r.ValidateToken("c2", token2))

	roster := r.Clients("s1")
	assert.Len(t, roster, 2)
}

func TestJoin_WrongPassphrase(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	_, err := r.Join(ctx, "s1", fingerprintFor("secret"), "c1", "alice")
	require.NoError(t, err)

	before, err := r.store.Get(ctx, "s1")
	require.NoError(t, err)

	_, err = r.Join(ctx, "s1", fingerprintFor("wrong"), "c2", "mallory")
	assert.ErrorIs(t, err, ErrInvalidPassphrase)

	// Failed verification must not bump last activity
	after, err := r.store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, before.LastActivity.UnixNano(), after.LastActivity.UnixNano())

	// Membership unchanged
	assert.False(t, r.IsMember("s1", "c2"))
	assert.Len(t, r.Clients("s1"), 1)
}

func TestJoin_EmptyFingerprintRejected(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	_, err := r.Join(context.Background(), "s1", Fingerprint{}, "c1", "alice")
	assert.ErrorIs(t, err, ErrInvalidPassphrase)
}

func TestValidateToken(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	token, err := r.Join(context.Background(), "s1", fingerprintFor("secret"), "c1", "alice")
	require.NoError(t, err)

	assert.True(t, r.ValidateToken("c1", token))
	assert.False(t, r.ValidateToken("c1", "deadbeef"))
	assert.False(t, r.ValidateToken("c1", ""))
	assert.False(t, r.ValidateToken("unknown", token))
}

func TestRejoin_IssuesFreshToken(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	token1, err := r.Join(ctx, "s1", fingerprintFor("secret"), "c1", "alice")
	require.NoError(t, err)
	token2, err := r.Join(ctx, "s1", fingerprintFor("secret"), "c1", "alice")
	require.NoError(t, err)

	assert.NotEqual(t, token1, token2)
	assert.False(t, r.ValidateToken("c1", token1))
	assert.True(t, r.ValidateToken("c1", token2))
}

func TestRemoveClient_KeepsRecord(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	token, err := r.Join(ctx, "s1", fingerprintFor("secret"), "c1", "alice")
	require.NoError(t, err)

	r.RemoveClient("s1", "c1")

	assert.False(t, r.ValidateToken("c1", token))
	assert.False(t, r.IsMember("s1", "c1"))
	assert.True(t, r.Has(ctx, "s1"), "durable record must outlive membership")
}

func TestRemove_DropsEverything(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	tokenA, err := r.Join(ctx, "s1", fingerprintFor("secret"), "c1", "alice")
	require.NoError(t, err)
	_, err = r.Join(ctx, "s1", fingerprintFor("secret"), "c2", "bob")
	require.NoError(t, err)

	memberIDs, err := r.Remove(ctx, "s1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, memberIDs)

	assert.False(t, r.Has(ctx, "s1"))
	assert.False(t, r.ValidateToken("c1", tokenA))
	assert.Empty(t, r.Clients("s1"))
}

func TestFingerprint_Equal(t *testing.T) {
	a := fingerprintFor("secret")
	b := fingerprintFor("secret")
	c := fingerprintFor("other")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(Fingerprint{IV: a.IV, Data: a.Data[:15]}))
}

func TestExpiry_RemovesAndAllowsFreshRejoin(t *testing.T) {
	r := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	_, err := r.Join(ctx, "s2", fingerprintFor("secret"), "c1", "alice")
	require.NoError(t, err)

	var notifiedSession string
	var notifiedMembers []string
	expirer, err := NewExpirer(r, time.Hour, func(sessionID string, memberIDs []string) {
		notifiedSession = sessionID
		notifiedMembers = memberIDs
	})
	require.NoError(t, err)

	// Not yet expired
	expired, err := expirer.ExpireNow(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, expired)

	// Past the timeout
	expired, err = expirer.ExpireNow(ctx, time.Now().Add(100*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, expired)
	assert.Equal(t, "s2", notifiedSession)
	assert.Equal(t, []string{"c1"}, notifiedMembers)

	assert.False(t, r.Has(ctx, "s2"), "fingerprint record must be deleted")

	// Rejoin with the same passphrase creates a fresh session
	_, err = r.Join(ctx, "s2", fingerprintFor("secret"), "c1", "alice")
	require.NoError(t, err)
	assert.True(t, r.Has(ctx, "s2"))
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.db")

	store, err := NewStore(path)
	require.NoError(t, err)
	r := NewRegistry(store, time.Minute)

	_, err = r.Join(context.Background(), "s1", fingerprintFor("secret"), "c1", "alice")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	sessions, err := reopened.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)

	// Fingerprint survives byte-exact; a verify join succeeds
	r2 := NewRegistry(reopened, time.Minute)
	_, err = r2.Join(context.Background(), "s1", fingerprintFor("secret"), "c9", "carol")
	require.NoError(t, err)
	_, err = r2.Join(context.Background(), "s1", fingerprintFor("wrong"), "c8", "dave")
	assert.ErrorIs(t, err, ErrInvalidPassphrase)
}
