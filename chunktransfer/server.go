package chunktransfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/anacrolix/log"

	"github.com/DIG-Network/dig-nat-tools/identity"
	"github.com/DIG-Network/dig-nat-tools/transport"
)

// ChunkSource is the embedder-supplied file-serving callback (spec §6):
// "serveChunk(contentId, chunkIndex, chunkSize, digest?) -> Option<bytes>".
// ok is false to indicate end-of-file or unknown content.
type ChunkSource func(contentId identity.ContentId, chunkIndex int32, chunkSize int32) (data []byte, ok bool, err error)

// Sizer is an optional fast path a ChunkSource's owner can also implement to
// report TotalBytes directly instead of making the server enumerate chunks
// one at a time to find the end (spec §6: "an implementation may add a
// content->digest cache to short-circuit").
type Sizer interface {
	TotalBytes(contentId identity.ContentId) (int64, bool)
}

// DigestResolver maps a contentId to the digest clients use for integrity
// verification. Satisfied structurally by discovery.ContentMap without this
// package importing discovery.
type DigestResolver interface {
	DigestFor(contentId identity.ContentId) (identity.ContentDigest, bool)
}

// ChokeQuery reports whether a peer is currently choked (spec §4.7 /
// §4.9), satisfied structurally by choke.Controller.
type ChokeQuery interface {
	IsChoked(peer identity.PeerIdentity) bool
}

// Server drives the server-side algorithm of the Chunk Transfer Protocol
// for one Channel bound to one peer.
type Server struct {
	Source ChunkSource
	// SizeHint, when non-nil, short-circuits the probe-by-enumeration
	// fallback for computing TotalBytes (spec §6's "content->digest cache
	// to short-circuit").
	SizeHint Sizer
	Digests  DigestResolver
	Choke    ChokeQuery
	Logger   log.Logger
	// OnChunkServed, when non-nil, is called after every successfully
	// served ChunkResp for the choke controller's bytesServed tracking.
	OnChunkServed func(peer identity.PeerIdentity, chunkIndex int32, n int)
}

// ErrUnknownContent is returned (and mapped to RespErrNotFound) when the
// requested contentId has no registered digest.
var ErrUnknownContent = errors.New("chunktransfer: unknown content")

// ServeChannel runs the server read loop for ch until it closes or ctx is
// cancelled, responding to MetadataReq/ChunkReq/Cancel frames from peer.
func (s *Server) ServeChannel(ctx context.Context, ch transport.Channel, peer identity.PeerIdentity, chunkSize int32) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	inflight := map[int32]context.CancelFunc{}
	defer func() {
		for _, cancel := range inflight {
			cancel()
		}
	}()

	for {
		frame, err := ch.Recv(ctx)
		if err != nil {
			return err
		}
		msg, err := Decode(frame)
		if err != nil {
			s.Logger.Levelf(log.Debug, "chunktransfer: server malformed frame from %s: %v", peer, err)
			continue
		}

		switch m := msg.(type) {
		case MetadataReq:
			resp := s.buildMetadataResp(m.ContentId, chunkSize)
			if err := s.send(ctx, ch, resp); err != nil {
				return err
			}
		case ChunkReq:
			reqCtx, cancel := context.WithCancel(ctx)
			inflight[m.ChunkIndex] = cancel
			resp := s.serveChunkReq(reqCtx, peer, m, chunkSize)
			delete(inflight, m.ChunkIndex)
			cancel()
			if err := s.send(ctx, ch, resp); err != nil {
				return err
			}
			if resp.Err == RespErrNone && s.OnChunkServed != nil {
				s.OnChunkServed(peer, m.ChunkIndex, len(resp.Payload))
			}
		case Cancel:
			if cancel, ok := inflight[m.ChunkIndex]; ok {
				cancel()
				delete(inflight, m.ChunkIndex)
			}
		default:
			s.Logger.Levelf(log.Debug, "chunktransfer: server ignoring unexpected frame %T from %s", msg, peer)
		}
	}
}

func (s *Server) send(ctx context.Context, ch transport.Channel, v any) error {
	body, err := Encode(v)
	if err != nil {
		return fmt.Errorf("chunktransfer: encode: %w", err)
	}
	return ch.Send(ctx, transport.Frame(body))
}

func (s *Server) buildMetadataResp(contentId identity.ContentId, chunkSize int32) MetadataResp {
	digest, ok := s.Digests.DigestFor(contentId)
	if !ok {
		return MetadataResp{Err: RespErrNotFound}
	}

	var totalBytes int64
	if n, ok := s.hintedTotalBytes(contentId); ok {
		totalBytes = n
	} else {
		totalBytes = s.probeTotalBytes(contentId, chunkSize)
	}

	return MetadataResp{
		Digest:      digest,
		TotalBytes:  totalBytes,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunksFor(totalBytes, chunkSize),
		Err:         RespErrNone,
	}
}

func (s *Server) hintedTotalBytes(contentId identity.ContentId) (int64, bool) {
	if s.SizeHint == nil {
		return 0, false
	}
	return s.SizeHint.TotalBytes(contentId)
}

// probeTotalBytes enumerates chunks until the source returns "no more",
// per spec §6's fallback sizing strategy.
func (s *Server) probeTotalBytes(contentId identity.ContentId, chunkSize int32) int64 {
	var total int64
	var idx int32
	for {
		data, ok, err := s.Source(contentId, idx, chunkSize)
		if err != nil || !ok {
			return total
		}
		total += int64(len(data))
		idx++
	}
}

func (s *Server) serveChunkReq(ctx context.Context, peer identity.PeerIdentity, req ChunkReq, chunkSize int32) ChunkResp {
	if s.Choke != nil && s.Choke.IsChoked(peer) {
		return ChunkResp{ChunkIndex: req.ChunkIndex, Err: RespErrChoked}
	}
	if ctx.Err() != nil {
		return ChunkResp{ChunkIndex: req.ChunkIndex, Err: RespErrBadRequest}
	}
	data, ok, err := s.Source(req.ContentId, req.ChunkIndex, chunkSize)
	if err != nil || !ok {
		return ChunkResp{ChunkIndex: req.ChunkIndex, Err: RespErrNotFound}
	}
	return ChunkResp{ChunkIndex: req.ChunkIndex, Payload: data, Err: RespErrNone}
}
