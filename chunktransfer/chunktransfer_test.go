package chunktransfer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/DIG-Network/dig-nat-tools/identity"
	"github.com/DIG-Network/dig-nat-tools/transport"
)

func channelPair(t *testing.T) (transport.Channel, transport.Channel) {
	t.Helper()
	a, b := net.Pipe()
	return transport.NewTCPChannel(a, log.Default), transport.NewTCPChannel(b, log.Default)
}

func TestFrameRoundTrip(t *testing.T) {
	cases := []any{
		MetadataReq{ContentId: "content-1"},
		MetadataResp{Digest: identity.ContentDigest{1, 2, 3}, TotalBytes: 100, ChunkSize: 10, TotalChunks: 10, Err: RespErrNone},
		ChunkReq{ContentId: "content-1", ChunkIndex: 4},
		ChunkResp{ChunkIndex: 4, Payload: []byte("hello"), Err: RespErrNone},
		Cancel{ContentId: "content-1", ChunkIndex: 4},
		Choke{},
		Unchoke{},
		Have{ChunkIndexes: []int32{1, 2, 3}},
	}
	for _, c := range cases {
		body, err := Encode(c)
		require.NoError(t, err)
		got, err := Decode(body)
		require.NoError(t, err)
		require.Equal(t, c, got)
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	body, err := Encode(Choke{})
	require.NoError(t, err)
	body[0] = 99
	_, err = Decode(body)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestOrderedHasherMatchesRegardlessOfArrivalOrder(t *testing.T) {
	chunks := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc")}

	inOrder := NewOrderedHasher("content-1", 3)
	for i, c := range chunks {
		inOrder.Feed(int32(i), c)
	}
	require.True(t, inOrder.Complete())

	outOfOrder := NewOrderedHasher("content-1", 3)
	outOfOrder.Feed(2, chunks[2])
	outOfOrder.Feed(0, chunks[0])
	outOfOrder.Feed(1, chunks[1])
	require.True(t, outOfOrder.Complete())

	require.Equal(t, inOrder.Sum(), outOfOrder.Sum())
	require.NoError(t, inOrder.Finalize(inOrder.Sum()))
}

func TestOrderedHasherIntegrityMismatch(t *testing.T) {
	h := NewOrderedHasher("content-1", 1)
	h.Feed(0, []byte("data"))
	require.True(t, h.Complete())
	err := h.Finalize(identity.ContentDigest{})
	require.Error(t, err)
	var integrityErr *IntegrityError
	require.ErrorAs(t, err, &integrityErr)
}

type fakeSource struct {
	chunks [][]byte
}

func (s fakeSource) Source(contentId identity.ContentId, chunkIndex int32, chunkSize int32) ([]byte, bool, error) {
	if int(chunkIndex) >= len(s.chunks) {
		return nil, false, nil
	}
	return s.chunks[chunkIndex], true, nil
}

type fakeResolver struct {
	digest identity.ContentDigest
}

func (r fakeResolver) DigestFor(identity.ContentId) (identity.ContentDigest, bool) {
	return r.digest, true
}

func TestServerRespondsToMetadataAndChunkReq(t *testing.T) {
	serverCh, clientCh := channelPair(t)
	defer serverCh.Close()
	defer clientCh.Close()

	src := fakeSource{chunks: [][]byte{[]byte("0123456789"), []byte("abcdefghij")}}
	server := &Server{Source: src.Source, Digests: fakeResolver{digest: identity.ContentDigest{9}}, Logger: log.Default}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.ServeChannel(ctx, serverCh, "peer-1", 10)

	client := NewClient(clientCh)
	meta, err := FetchMetadata(ctx, client, MetadataReq{ContentId: "content-1"})
	require.NoError(t, err)
	require.Equal(t, int64(20), meta.TotalBytes)
	require.Equal(t, int32(2), meta.TotalChunks)

	require.NoError(t, client.SendChunkReq(ctx, ChunkReq{ContentId: "content-1", ChunkIndex: 1}))
	msg, err := client.Recv(ctx)
	require.NoError(t, err)
	resp, ok := msg.(ChunkResp)
	require.True(t, ok)
	require.Equal(t, RespErrNone, resp.Err)
	require.Equal(t, []byte("abcdefghij"), resp.Payload)
}

type chokeAll struct{}

func (chokeAll) IsChoked(identity.PeerIdentity) bool { return true }

func TestServerRespectsChoke(t *testing.T) {
	serverCh, clientCh := channelPair(t)
	defer serverCh.Close()
	defer clientCh.Close()

	src := fakeSource{chunks: [][]byte{[]byte("0123456789")}}
	server := &Server{Source: src.Source, Digests: fakeResolver{digest: identity.ContentDigest{1}}, Choke: chokeAll{}, Logger: log.Default}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go server.ServeChannel(ctx, serverCh, "peer-1", 10)

	client := NewClient(clientCh)
	require.NoError(t, client.SendChunkReq(ctx, ChunkReq{ContentId: "content-1", ChunkIndex: 0}))
	msg, err := client.Recv(ctx)
	require.NoError(t, err)
	resp := msg.(ChunkResp)
	require.Equal(t, RespErrChoked, resp.Err)
}
