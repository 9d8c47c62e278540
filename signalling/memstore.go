package signalling

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-process Store, useful for tests and for a single-host
// deployment where both peers share a process (spec §4.3 allows "any
// eventually-consistent shared store"; a process-local map trivially
// satisfies the consistency requirement). Grounded on the same
// sync.Cond-per-queue shape as transport's relay_test.go fake queue.
type MemStore struct {
	mu     sync.Mutex
	queues map[Key]*memQueue
}

type memQueue struct {
	cond     *sync.Cond
	messages []Message
	nextSeq  uint64
}

func NewMemStore() *MemStore {
	return &MemStore{queues: map[Key]*memQueue{}}
}

func (s *MemStore) queueFor(key Key) *memQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[key]
	if !ok {
		q = &memQueue{}
		q.cond = sync.NewCond(&s.mu)
		s.queues[key] = q
	}
	return q
}

func (s *MemStore) Publish(ctx context.Context, key Key, kind MessageKind, body []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	q := s.queueFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	q.nextSeq++
	now := time.Now()
	msg := Message{
		ID:          uuid.NewString(),
		Seq:         q.nextSeq,
		Kind:        kind,
		Body:        append([]byte(nil), body...),
		PublishedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	q.messages = gcExpired(q.messages, now)
	q.messages = append(q.messages, msg)
	q.cond.Broadcast()
	return nil
}

func (s *MemStore) Pull(ctx context.Context, key Key, afterSeq uint64) (Message, error) {
	q := s.queueFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		now := time.Now()
		q.messages = gcExpired(q.messages, now)
		for _, m := range q.messages {
			if m.Seq > afterSeq {
				return m, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		waitErr := waitWithContext(ctx, &s.mu, q.cond)
		if waitErr != nil {
			return Message{}, waitErr
		}
	}
}

func (s *MemStore) Close() error { return nil }

func gcExpired(msgs []Message, now time.Time) []Message {
	out := msgs[:0]
	for _, m := range msgs {
		if now.Before(m.ExpiresAt) {
			out = append(out, m)
		}
	}
	return out
}

// waitWithContext calls cond.Wait but also returns early if ctx is done,
// since sync.Cond has no native context support. A canceller goroutine
// broadcasts on cond when ctx ends; after Wait returns, mu is briefly
// unlocked so that goroutine can finish a Broadcast it has already begun,
// and mu is held again on return, as sync.Cond.Wait expects.
func waitWithContext(ctx context.Context, mu *sync.Mutex, cond *sync.Cond) error {
	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			mu.Lock()
			cond.Broadcast()
			mu.Unlock()
		case <-stop:
		}
		close(done)
	}()
	cond.Wait()
	close(stop)
	mu.Unlock()
	<-done
	mu.Lock()
	return ctx.Err()
}
