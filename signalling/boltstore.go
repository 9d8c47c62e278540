package signalling

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// BoltStore persists rendezvous queues to a local bbolt database, for a
// coordination-store deployment where the two peers don't share a process
// but do share a filesystem (e.g. a NAS-backed signalling directory, or a
// single relay host serving many sessions). Every queue is a bucket keyed
// "sessionId|from|to"; messages are stored under their big-endian sequence
// number so Cursor iteration returns them in publish order.
//
// BoltStore has no native blocking wait, so Pull polls at pollInterval,
// which satisfies spec §4.3's "within roughly 2x RTT" requirement as long
// as pollInterval is tuned well below the caller's patience.
type BoltStore struct {
	db           *bolt.DB
	pollInterval time.Duration
}

const DefaultBoltPollInterval = 200 * time.Millisecond

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("signalling: open bolt store %s: %w", path, err)
	}
	return &BoltStore{db: db, pollInterval: DefaultBoltPollInterval}, nil
}

type boltMessage struct {
	ID          string
	Kind        MessageKind
	Body        []byte
	PublishedAt time.Time
	ExpiresAt   time.Time
}

func bucketName(key Key) []byte {
	return []byte(key.SessionId + "|" + string(key.From) + "|" + string(key.To))
}

func (s *BoltStore) Publish(ctx context.Context, key Key, kind MessageKind, body []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	now := time.Now()
	rec := boltMessage{ID: uuid.NewString(), Kind: kind, Body: body, PublishedAt: now, ExpiresAt: now.Add(ttl)}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(key))
		if err != nil {
			return err
		}
		if err := gcExpiredBucket(b, now); err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), encoded)
	})
}

func (s *BoltStore) Pull(ctx context.Context, key Key, afterSeq uint64) (Message, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		msg, ok, err := s.pullOnce(key, afterSeq)
		if err != nil {
			return Message{}, err
		}
		if ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *BoltStore) pullOnce(key Key, afterSeq uint64) (Message, bool, error) {
	var result Message
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(key))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(seqKey(afterSeq + 1)); k != nil; k, v = c.Next() {
			var rec boltMessage
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if time.Now().After(rec.ExpiresAt) {
				continue
			}
			result = Message{
				ID:          rec.ID,
				Seq:         binary.BigEndian.Uint64(k),
				Kind:        rec.Kind,
				Body:        rec.Body,
				PublishedAt: rec.PublishedAt,
				ExpiresAt:   rec.ExpiresAt,
			}
			found = true
			return nil
		}
		return nil
	})
	return result, found, err
}

func gcExpiredBucket(b *bolt.Bucket, now time.Time) error {
	c := b.Cursor()
	var stale [][]byte
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var rec boltMessage
		if err := json.Unmarshal(v, &rec); err != nil {
			continue
		}
		if now.After(rec.ExpiresAt) {
			stale = append(stale, append([]byte(nil), k...))
		}
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
