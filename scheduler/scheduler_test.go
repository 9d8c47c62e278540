package scheduler

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"

	"github.com/DIG-Network/dig-nat-tools/chunktransfer"
	"github.com/DIG-Network/dig-nat-tools/identity"
	"github.com/DIG-Network/dig-nat-tools/storage"
	"github.com/DIG-Network/dig-nat-tools/transport"
)

type fixedResolver struct{ digest identity.ContentDigest }

func (r fixedResolver) DigestFor(identity.ContentId) (identity.ContentDigest, bool) {
	return r.digest, true
}

func digestOf(chunks [][]byte) identity.ContentDigest {
	h := blake3.New(32, nil)
	for _, c := range chunks {
		h.Write(c)
	}
	var d identity.ContentDigest
	copy(d[:], h.Sum(nil))
	return d
}

func startServerPeer(t *testing.T, chunks [][]byte, chunkSize int32, digest identity.ContentDigest) *chunktransfer.Client {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	serverCh := transport.NewTCPChannel(serverConn, log.Default)
	clientCh := transport.NewTCPChannel(clientConn, log.Default)

	source := func(contentId identity.ContentId, chunkIndex int32, size int32) ([]byte, bool, error) {
		if int(chunkIndex) >= len(chunks) {
			return nil, false, nil
		}
		return chunks[chunkIndex], true, nil
	}
	server := &chunktransfer.Server{Source: source, Digests: fixedResolver{digest: digest}, Logger: log.Default}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.ServeChannel(ctx, serverCh, "server", chunkSize)

	return chunktransfer.NewClient(clientCh)
}

func TestSchedulerCompletesDownloadFromSinglePeer(t *testing.T) {
	chunks := [][]byte{[]byte("0123"), []byte("4567"), []byte("89ab"), []byte("cdef"), []byte("ghij")}
	digest := digestOf(chunks)
	var chunkSize int32 = 4
	totalBytes := int64(4 * len(chunks))

	client := startServerPeer(t, chunks, chunkSize, digest)

	meta := chunktransfer.FileMetadata{
		ContentId:   "content-1",
		Digest:      digest,
		TotalBytes:  totalBytes,
		ChunkSize:   chunkSize,
		TotalChunks: int32(len(chunks)),
	}

	sched := New(meta, nil, Options{Logger: log.Default, ChunkDeadline: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sched.AddPeer(ctx, "peer-1", client)

	err := sched.Run(ctx)
	require.NoError(t, err)
	require.True(t, sched.state.Done())
	require.Equal(t, len(chunks), sched.state.ReceivedCount())
}

func TestSchedulerResumeSkipsPresentChunks(t *testing.T) {
	chunks := [][]byte{[]byte("0123"), []byte("4567"), []byte("89ab")}
	digest := digestOf(chunks)
	var chunkSize int32 = 4
	totalBytes := int64(4 * len(chunks))

	client := startServerPeer(t, chunks, chunkSize, digest)
	meta := chunktransfer.FileMetadata{
		ContentId:   "content-1",
		Digest:      digest,
		TotalBytes:  totalBytes,
		ChunkSize:   chunkSize,
		TotalChunks: int32(len(chunks)),
	}

	// Chunks 0 and 1 are already on disk from a prior run; the scheduler
	// must read them back and feed them to the hasher, since they'll never
	// arrive as a ChunkResp this time around.
	output, err := storage.OpenMMapFile(filepath.Join(t.TempDir(), "resume.bin"), totalBytes)
	require.NoError(t, err)
	defer output.Close()
	_, err = output.WriteAt(chunks[0], 0)
	require.NoError(t, err)
	_, err = output.WriteAt(chunks[1], int64(chunkSize))
	require.NoError(t, err)

	sched := New(meta, []int32{0, 1}, Options{Logger: log.Default, ChunkDeadline: 2 * time.Second, Output: output})
	require.Equal(t, 2, sched.state.ReceivedCount())
	require.Equal(t, 1, sched.state.MissingCount())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sched.AddPeer(ctx, "peer-1", client)
	require.NoError(t, sched.Run(ctx))
}

func TestSchedulerEmptyContentCompletesImmediately(t *testing.T) {
	digest := digestOf(nil)
	meta := chunktransfer.FileMetadata{ContentId: "content-1", Digest: digest, TotalBytes: 0, ChunkSize: 4, TotalChunks: 0}

	sched := New(meta, nil, Options{Logger: log.Default})
	require.True(t, sched.state.Done())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sched.Run(ctx))
}

func TestSchedulerDropsPeerAfterThreeFailures(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	serverCh := transport.NewTCPChannel(serverConn, log.Default)
	clientCh := transport.NewTCPChannel(clientConn, log.Default)

	digest := identity.ContentDigest{1}
	server := &chunktransfer.Server{
		Source: func(identity.ContentId, int32, int32) ([]byte, bool, error) { return nil, false, nil }, // always "not found"
		Digests: fixedResolver{digest: digest},
		Logger:  log.Default,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go server.ServeChannel(ctx, serverCh, "server", 4)

	client := chunktransfer.NewClient(clientCh)
	meta := chunktransfer.FileMetadata{ContentId: "content-1", Digest: digest, TotalBytes: 8, ChunkSize: 4, TotalChunks: 2}

	sched := New(meta, nil, Options{Logger: log.Default, ChunkDeadline: 200 * time.Millisecond, MaxFailures: 3})
	sched.AddPeer(ctx, "peer-1", client)

	err := sched.Run(ctx)
	require.ErrorIs(t, err, ErrNoPeers)
}
