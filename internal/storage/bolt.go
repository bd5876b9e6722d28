package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"chat-engine/internal/message"
)

var ErrNotFound = errors.New("storage: not found")

const bucketMessages = "messages"

// BoltStore keeps finalized messages in one nested bucket per conversation,
// keyed by insertion sequence so load order matches finalize order.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	s := &BoltStore{db: db}
	if err := s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) ensureBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketMessages))
		return err
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) SaveMessage(_ context.Context, m message.Message) error {
	if m.ConversationID == "" {
		return errors.New("storage: conversation id required")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket([]byte(bucketMessages)).CreateBucketIfNotExists([]byte(m.ConversationID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), raw)
	})
}

func (s *BoltStore) LoadMessages(_ context.Context, conversationID string) ([]message.Message, error) {
	var out []message.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketMessages)).Bucket([]byte(conversationID))
		if b == nil {
			return ErrNotFound
		}
		return b.ForEach(func(_, v []byte) error {
			var m message.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListConversationIDs(_ context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	out := make([]string, 0, limit)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketMessages)).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			if v == nil { // nested buckets only
				out = append(out, string(k))
			}
		}
		return nil
	})
	return out, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
