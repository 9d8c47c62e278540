package chunktransfer

import (
	"context"
	"fmt"

	"github.com/DIG-Network/dig-nat-tools/transport"
)

// Client is a thin typed wrapper over one transport.Channel: it encodes
// outgoing protocol frames and decodes incoming ones, leaving request
// pipelining, resume detection, and output-file ownership to the caller
// (the scheduler, C8, which owns the output file per spec §5's resource
// policy).
type Client struct {
	Channel transport.Channel
}

func NewClient(ch transport.Channel) *Client {
	return &Client{Channel: ch}
}

func (c *Client) send(ctx context.Context, v any) error {
	body, err := Encode(v)
	if err != nil {
		return fmt.Errorf("chunktransfer: encode: %w", err)
	}
	return c.Channel.Send(ctx, transport.Frame(body))
}

// SendMetadataReq issues a MetadataReq; the matching MetadataResp arrives
// through Recv like any other frame.
func (c *Client) SendMetadataReq(ctx context.Context, req MetadataReq) error {
	return c.send(ctx, req)
}

// SendChunkReq issues a ChunkReq.
func (c *Client) SendChunkReq(ctx context.Context, req ChunkReq) error {
	return c.send(ctx, req)
}

// SendCancel abandons a previously-sent ChunkReq (spec §4.7 per-chunk
// deadline / reassignment path).
func (c *Client) SendCancel(ctx context.Context, cancel Cancel) error {
	return c.send(ctx, cancel)
}

// Recv blocks for the next decoded frame from the channel: one of
// MetadataResp, ChunkResp, Choke, Unchoke, or Have.
func (c *Client) Recv(ctx context.Context) (any, error) {
	frame, err := c.Channel.Recv(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := Decode(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return msg, nil
}

// FetchMetadata issues MetadataReq and blocks for the matching
// MetadataResp, ignoring any Choke/Unchoke/Have frames that arrive first
// (a server may speak those unprompted at any time).
func FetchMetadata(ctx context.Context, c *Client, contentId MetadataReq) (FileMetadata, error) {
	if err := c.SendMetadataReq(ctx, contentId); err != nil {
		return FileMetadata{}, err
	}
	for {
		msg, err := c.Recv(ctx)
		if err != nil {
			return FileMetadata{}, err
		}
		resp, ok := msg.(MetadataResp)
		if !ok {
			continue
		}
		if resp.Err != RespErrNone {
			return FileMetadata{}, fmt.Errorf("chunktransfer: metadata request failed: %s", resp.Err)
		}
		return metadataFromResp(contentId.ContentId, resp), nil
	}
}
