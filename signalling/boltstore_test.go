package signalling

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBoltStorePublishPull(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "rendezvous.db")
	store, err := OpenBoltStore(dbPath)
	require.NoError(t, err)
	defer store.Close()
	store.pollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	key := Key{SessionId: "s1", From: "alice", To: "bob"}
	require.NoError(t, store.Publish(ctx, key, KindCapabilities, []byte("caps"), time.Minute))

	msg, err := store.Pull(ctx, key, 0)
	require.NoError(t, err)
	require.Equal(t, "caps", string(msg.Body))

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer shortCancel()
	_, err = store.Pull(shortCtx, key, msg.Seq)
	require.Error(t, err) // no newer message before the short deadline
}

func TestBoltStoreExpiresMessages(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "rendezvous.db")
	store, err := OpenBoltStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	key := Key{SessionId: "s1", From: "alice", To: "bob"}
	require.NoError(t, store.Publish(context.Background(), key, KindCapabilities, []byte("stale"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, found, err := store.pullOnce(key, 0)
	require.NoError(t, err)
	require.False(t, found)
}
