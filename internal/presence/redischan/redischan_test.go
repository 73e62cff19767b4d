package redischan

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/coedit/internal/presence"
)

// compile-time check
var _ presence.Channel = (*Conn)(nil)

func TestKeysFor(t *testing.T) {
	k := KeysFor("team-a")
	assert.Equal(t, "team-a:presence:claims", k.Claims)
	assert.Equal(t, "team-a:presence:seen", k.Seen)
	assert.Equal(t, "team-a:presence:events", k.Events)
	assert.Equal(t, "coedit:presence:claims", KeysFor("").Claims)
}

func TestClaimRoundTrip(t *testing.T) {
	in := presence.Claim{
		ConnID:    "c-1",
		RecordID:  "task-1",
		ActorID:   "ana",
		ActorName: "Ana",
		Mode:      presence.ModeEdit,
		SeenAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	raw, err := EncodeClaim(in)
	require.NoError(t, err)
	out, err := DecodeClaim(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeClaim("{")
	assert.Error(t, err)
}

// TestConn_Redis runs against a real server when COEDIT_TEST_REDIS_URL is
// set, e.g. redis://localhost:6379/15.
func TestConn_Redis(t *testing.T) {
	url := os.Getenv("COEDIT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("COEDIT_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	prefix := "coedit-test-" + time.Now().Format("150405.000")

	a, err := Dial(ctx, url, WithPrefix(prefix), WithTimeout(time.Second), WithSyncInterval(50*time.Millisecond))
	require.NoError(t, err)
	defer a.client.Close()
	b, err := Dial(ctx, url, WithPrefix(prefix), WithTimeout(time.Second), WithSyncInterval(50*time.Millisecond))
	require.NoError(t, err)
	defer b.Close()

	bo := presence.NewTracker(b, "bo", "Bo", presence.WithHeartbeat(100*time.Millisecond))
	defer bo.Close()
	require.NoError(t, bo.Track(ctx, "task-1", presence.ModeView))

	require.NoError(t, a.Join(ctx, presence.Claim{RecordID: "task-1", ActorID: "ana", ActorName: "Ana", Mode: presence.ModeEdit}))
	require.Eventually(t, func() bool { return len(bo.Editors("task-1")) == 1 }, 2*time.Second, 20*time.Millisecond)

	// ana never heartbeats again, as if her process died; the timeout and
	// sweep remove her
	require.Eventually(t, func() bool { return len(bo.Editors("task-1")) == 0 }, 3*time.Second, 50*time.Millisecond)
}
