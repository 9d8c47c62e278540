// Package chunktransfer implements the Chunk Transfer Protocol (C7, spec
// §4.7): a tagged-union wire format for metadata and chunk request/response
// frames carried over any transport.Channel, plus the client and server
// algorithms that drive it.
package chunktransfer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/DIG-Network/dig-nat-tools/identity"
	"github.com/DIG-Network/dig-nat-tools/version"
)

// ProtocolVersion is the first byte of every encoded frame (spec §6: "first
// byte = protocol version"). A peer that doesn't recognise the version
// closes the channel rather than guessing at the layout. It mirrors
// version.WireProtocolVersion rather than redeclaring it, so a single bump
// covers both the signalling handshake and the chunk transfer wire format.
const ProtocolVersion = version.WireProtocolVersion

// ErrUnsupportedVersion is returned by Decode when a frame's version byte
// doesn't match a version this build understands.
var ErrUnsupportedVersion = errors.New("chunktransfer: unsupported protocol version")

// ErrMalformedFrame is returned by Decode for any frame too short or
// inconsistent to interpret (spec §7's ProtocolError).
var ErrMalformedFrame = errors.New("chunktransfer: malformed frame")

// Tag identifies which variant of the tagged union a frame carries.
type Tag byte

const (
	TagMetadataReq Tag = iota + 1
	TagMetadataResp
	TagChunkReq
	TagChunkResp
	TagCancel
	TagChoke
	TagUnchoke
	TagHave
)

// RespErr enumerates the small set of error codes a server can carry inline
// in a MetadataResp/ChunkResp instead of tearing down the channel.
type RespErr byte

const (
	RespErrNone RespErr = iota
	RespErrChoked
	RespErrNotFound
	RespErrBadRequest
)

func (e RespErr) String() string {
	switch e {
	case RespErrNone:
		return "none"
	case RespErrChoked:
		return "choked"
	case RespErrNotFound:
		return "not-found"
	case RespErrBadRequest:
		return "bad-request"
	default:
		return "unknown"
	}
}

// MetadataReq is C→S: "tell me about this content" (spec §4.7).
type MetadataReq struct {
	ContentId identity.ContentId
}

// MetadataResp is S→C. Err is RespErrNone on success.
type MetadataResp struct {
	Digest       identity.ContentDigest
	TotalBytes   int64
	ChunkSize    int32
	TotalChunks  int32
	Err          RespErr
	DeclaredTotal int64 // open question resolution: explicit total, see DESIGN.md
}

// ChunkReq is C→S: request one chunk by index.
type ChunkReq struct {
	ContentId  identity.ContentId
	ChunkIndex int32
}

// ChunkResp is S→C. Payload is nil when Err != RespErrNone.
type ChunkResp struct {
	ChunkIndex int32
	Payload    []byte
	Err        RespErr
}

// Cancel is C→S: abandon an in-flight ChunkReq.
type Cancel struct {
	ContentId  identity.ContentId
	ChunkIndex int32
}

// Choke and Unchoke are S→C with no fields.
type Choke struct{}
type Unchoke struct{}

// Have is S→C, optional: a delta of newly-available chunk indexes (spec
// §4.7, used by the scheduler's rarest-first mode).
type Have struct {
	ChunkIndexes []int32
}

// Encode serialises v (one of the frame types above) into a
// version-prefixed, tagged, self-describing byte body. The 4-byte
// big-endian length prefix required by spec §6's wire framing is added by
// the transport layer, not here — Encode produces exactly the body.
func Encode(v any) ([]byte, error) {
	var tag Tag
	var payload []byte
	var err error

	switch m := v.(type) {
	case MetadataReq:
		tag = TagMetadataReq
		payload = encodeMetadataReq(m)
	case MetadataResp:
		tag = TagMetadataResp
		payload = encodeMetadataResp(m)
	case ChunkReq:
		tag = TagChunkReq
		payload = encodeChunkReq(m)
	case ChunkResp:
		tag = TagChunkResp
		payload = encodeChunkResp(m)
	case Cancel:
		tag = TagCancel
		payload = encodeCancel(m)
	case Choke:
		tag = TagChoke
	case Unchoke:
		tag = TagUnchoke
	case Have:
		tag = TagHave
		payload = encodeHave(m)
	default:
		return nil, fmt.Errorf("chunktransfer: unknown frame type %T", v)
	}
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 2+len(payload))
	out = append(out, ProtocolVersion, byte(tag))
	out = append(out, payload...)
	return out, nil
}

// Decode parses a frame body produced by Encode, returning one of the frame
// types above as an `any`.
func Decode(body []byte) (any, error) {
	if len(body) < 2 {
		return nil, ErrMalformedFrame
	}
	if body[0] != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}
	tag := Tag(body[1])
	rest := body[2:]

	switch tag {
	case TagMetadataReq:
		return decodeMetadataReq(rest)
	case TagMetadataResp:
		return decodeMetadataResp(rest)
	case TagChunkReq:
		return decodeChunkReq(rest)
	case TagChunkResp:
		return decodeChunkResp(rest)
	case TagCancel:
		return decodeCancel(rest)
	case TagChoke:
		return Choke{}, nil
	case TagUnchoke:
		return Unchoke{}, nil
	case TagHave:
		return decodeHave(rest)
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformedFrame, tag)
	}
}

func putString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func takeString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, ErrMalformedFrame
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return "", nil, ErrMalformedFrame
	}
	return string(b[:n]), b[n:], nil
}

func encodeMetadataReq(m MetadataReq) []byte {
	return putString(nil, string(m.ContentId))
}

func decodeMetadataReq(b []byte) (MetadataReq, error) {
	s, _, err := takeString(b)
	if err != nil {
		return MetadataReq{}, err
	}
	return MetadataReq{ContentId: identity.ContentId(s)}, nil
}

func encodeMetadataResp(m MetadataResp) []byte {
	buf := make([]byte, 0, 32+len(m.Digest))
	buf = append(buf, m.Digest[:]...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(m.TotalBytes))
	buf = append(buf, tmp[:]...)
	var tmp4 [4]byte
	binary.BigEndian.PutUint32(tmp4[:], uint32(m.ChunkSize))
	buf = append(buf, tmp4[:]...)
	binary.BigEndian.PutUint32(tmp4[:], uint32(m.TotalChunks))
	buf = append(buf, tmp4[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(m.DeclaredTotal))
	buf = append(buf, tmp[:]...)
	buf = append(buf, byte(m.Err))
	return buf
}

func decodeMetadataResp(b []byte) (MetadataResp, error) {
	if len(b) < 32+8+4+4+8+1 {
		return MetadataResp{}, ErrMalformedFrame
	}
	var m MetadataResp
	copy(m.Digest[:], b[:32])
	b = b[32:]
	m.TotalBytes = int64(binary.BigEndian.Uint64(b[:8]))
	b = b[8:]
	m.ChunkSize = int32(binary.BigEndian.Uint32(b[:4]))
	b = b[4:]
	m.TotalChunks = int32(binary.BigEndian.Uint32(b[:4]))
	b = b[4:]
	m.DeclaredTotal = int64(binary.BigEndian.Uint64(b[:8]))
	b = b[8:]
	m.Err = RespErr(b[0])
	return m, nil
}

func encodeChunkReq(m ChunkReq) []byte {
	buf := putString(nil, string(m.ContentId))
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(m.ChunkIndex))
	return append(buf, tmp[:]...)
}

func decodeChunkReq(b []byte) (ChunkReq, error) {
	s, rest, err := takeString(b)
	if err != nil {
		return ChunkReq{}, err
	}
	if len(rest) < 4 {
		return ChunkReq{}, ErrMalformedFrame
	}
	idx := int32(binary.BigEndian.Uint32(rest[:4]))
	return ChunkReq{ContentId: identity.ContentId(s), ChunkIndex: idx}, nil
}

func encodeChunkResp(m ChunkResp) []byte {
	buf := make([]byte, 0, 9+len(m.Payload))
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(m.ChunkIndex))
	buf = append(buf, tmp[:]...)
	buf = append(buf, byte(m.Err))
	binary.BigEndian.PutUint32(tmp[:], uint32(len(m.Payload)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, m.Payload...)
	return buf
}

func decodeChunkResp(b []byte) (ChunkResp, error) {
	if len(b) < 9 {
		return ChunkResp{}, ErrMalformedFrame
	}
	var m ChunkResp
	m.ChunkIndex = int32(binary.BigEndian.Uint32(b[:4]))
	b = b[4:]
	m.Err = RespErr(b[0])
	b = b[1:]
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return ChunkResp{}, ErrMalformedFrame
	}
	if n > 0 {
		m.Payload = append([]byte(nil), b[:n]...)
	}
	return m, nil
}

func encodeCancel(m Cancel) []byte {
	buf := putString(nil, string(m.ContentId))
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(m.ChunkIndex))
	return append(buf, tmp[:]...)
}

func decodeCancel(b []byte) (Cancel, error) {
	s, rest, err := takeString(b)
	if err != nil {
		return Cancel{}, err
	}
	if len(rest) < 4 {
		return Cancel{}, ErrMalformedFrame
	}
	idx := int32(binary.BigEndian.Uint32(rest[:4]))
	return Cancel{ContentId: identity.ContentId(s), ChunkIndex: idx}, nil
}

func encodeHave(m Have) []byte {
	buf := make([]byte, 0, 4+4*len(m.ChunkIndexes))
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(m.ChunkIndexes)))
	buf = append(buf, tmp[:]...)
	for _, idx := range m.ChunkIndexes {
		binary.BigEndian.PutUint32(tmp[:], uint32(idx))
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func decodeHave(b []byte) (Have, error) {
	if len(b) < 4 {
		return Have{}, ErrMalformedFrame
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n*4 {
		return Have{}, ErrMalformedFrame
	}
	out := Have{ChunkIndexes: make([]int32, n)}
	for i := uint32(0); i < n; i++ {
		out.ChunkIndexes[i] = int32(binary.BigEndian.Uint32(b[:4]))
		b = b[4:]
	}
	return out, nil
}
