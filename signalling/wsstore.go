package signalling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSStore is a Store client for a networked coordination service reachable
// over a single persistent WebSocket connection — the deployment spec §4.3
// calls out for peers that don't share a filesystem or process: a small
// relay service multiplexes Publish/Pull requests from many peers over one
// socket per client. The wire service itself is out of scope here (it's the
// "eventually-consistent shared store" spec §4.3 treats as pluggable); this
// type is the client half only.
type WSStore struct {
	conn *websocket.Conn

	mu      sync.Mutex
	nextId  uint64
	pending map[uint64]chan wsResponse
	closed  bool
}

type wsRequest struct {
	Id       uint64      `json:"id"`
	Op       string      `json:"op"` // "publish" or "pull"
	Key      Key         `json:"key"`
	Kind     MessageKind `json:"kind,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	TTL      int64       `json:"ttlMs,omitempty"`
	AfterSeq uint64      `json:"afterSeq,omitempty"`
}

type wsResponse struct {
	Id      uint64  `json:"id"`
	Error   string  `json:"error,omitempty"`
	Message Message `json:"message,omitempty"`
}

func DialWSStore(ctx context.Context, url string) (*WSStore, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("signalling: dial %s: %w", url, err)
	}
	s := &WSStore{conn: conn, pending: map[uint64]chan wsResponse{}}
	go s.readLoop()
	return s, nil
}

func (s *WSStore) readLoop() {
	for {
		var resp wsResponse
		if err := s.conn.ReadJSON(&resp); err != nil {
			s.failAllPending(err)
			return
		}
		s.mu.Lock()
		ch, ok := s.pending[resp.Id]
		if ok {
			delete(s.pending, resp.Id)
		}
		s.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (s *WSStore) failAllPending(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.pending {
		ch <- wsResponse{Id: id, Error: err.Error()}
	}
	s.pending = map[uint64]chan wsResponse{}
}

func (s *WSStore) roundTrip(ctx context.Context, req wsRequest) (wsResponse, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wsResponse{}, ErrClosedStore
	}
	s.nextId++
	req.Id = s.nextId
	replyCh := make(chan wsResponse, 1)
	s.pending[req.Id] = replyCh
	s.mu.Unlock()

	if err := s.conn.WriteJSON(req); err != nil {
		s.mu.Lock()
		delete(s.pending, req.Id)
		s.mu.Unlock()
		return wsResponse{}, err
	}

	select {
	case resp := <-replyCh:
		if resp.Error != "" {
			return wsResponse{}, fmt.Errorf("signalling: %s", resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, req.Id)
		s.mu.Unlock()
		return wsResponse{}, ctx.Err()
	}
}

func (s *WSStore) Publish(ctx context.Context, key Key, kind MessageKind, body []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	_, err := s.roundTrip(ctx, wsRequest{Op: "publish", Key: key, Kind: kind, Body: body, TTL: ttl.Milliseconds()})
	return err
}

func (s *WSStore) Pull(ctx context.Context, key Key, afterSeq uint64) (Message, error) {
	resp, err := s.roundTrip(ctx, wsRequest{Op: "pull", Key: key, AfterSeq: afterSeq})
	if err != nil {
		return Message{}, err
	}
	return resp.Message, nil
}

func (s *WSStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

var ErrClosedStore = fmt.Errorf("signalling: store closed")
