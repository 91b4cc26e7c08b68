package storage

import (
	"fmt"
	"sort"
	"time"

	"parley/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers    = []byte("users")
	bucketMessages = []byte("messages")
	bucketMsgIndex = []byte("msg_index")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUsers); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMsgIndex); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// pairKey gives a deterministic conversation key for an unordered user pair.
func pairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "|" + ids[1]
}

// SaveMessage persists a new message and returns its assigned ID.
func (s *BboltStorage) SaveMessage(msg models.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}
	if msg.Status == "" {
		msg.Status = models.StatusSent
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		pair := pairKey(msg.Sender, msg.Receiver)
		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(pair))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		seq, err := convBucket.NextSequence()
		if err != nil {
			return err
		}

		dbMsg := DBMessage{
			Seq:       seq,
			ID:        msg.ID,
			Sender:    msg.Sender,
			Receiver:  msg.Receiver,
			Body:      msg.Body,
			CreatedAt: msg.CreatedAt,
			Status:    string(msg.Status),
		}
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := convBucket.Put(dbMsg.Key(), data); err != nil {
			return err
		}

		ref := DBMessageRef{ID: msg.ID, Pair: pair, Seq: seq}
		refData, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMsgIndex).Put(ref.Key(), refData)
	})
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (s *BboltStorage) getRef(tx *bbolt.Tx, id string) (*DBMessageRef, *bbolt.Bucket, []byte, error) {
	refData := tx.Bucket(bucketMsgIndex).Get([]byte(id))
	if refData == nil {
		return nil, nil, nil, models.ErrNotFound
	}
	var ref DBMessageRef
	if err := ref.UnmarshalBinary(refData); err != nil {
		return nil, nil, nil, err
	}
	convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.Pair))
	if convBucket == nil {
		return nil, nil, nil, models.ErrNotFound
	}
	msgData := convBucket.Get((&DBMessage{Seq: ref.Seq}).Key())
	if msgData == nil {
		return nil, nil, nil, models.ErrNotFound
	}
	return &ref, convBucket, msgData, nil
}

// GetMessage returns one message by ID.
func (s *BboltStorage) GetMessage(id string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, _, data, err := s.getRef(tx, id)
		if err != nil {
			return err
		}
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(data); err != nil {
			return err
		}
		msg = dbMsg.toModel()
		return nil
	})
	return msg, err
}

// UpdateStatus advances a message's delivery status. The progression is
// monotonic: a downgrade or a repeat is a no-op and reports changed=false.
func (s *BboltStorage) UpdateStatus(id string, status models.MessageStatus) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, convBucket, data, err := s.getRef(tx, id)
		if err != nil {
			return err
		}
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(data); err != nil {
			return err
		}
		if status.Rank() <= models.MessageStatus(dbMsg.Status).Rank() {
			return nil
		}
		dbMsg.Status = string(status)
		newData, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		if err := convBucket.Put(dbMsg.Key(), newData); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// FindMessagesBetween returns the conversation between a and b in send order.
func (s *BboltStorage) FindMessagesBetween(a, b string) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(pairKey(a, b)))
		if convBucket == nil {
			return nil // no conversation yet
		}
		return convBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
			return nil
		})
	})
	return messages, err
}

// DeleteMessages removes the given messages and returns what was actually
// removed. IDs that no longer exist are skipped.
func (s *BboltStorage) DeleteMessages(ids []string) ([]models.DeletedMessage, error) {
	var deleted []models.DeletedMessage
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			ref, convBucket, data, err := s.getRef(tx, id)
			if err == models.ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(data); err != nil {
				return err
			}
			if err := convBucket.Delete((&DBMessage{Seq: ref.Seq}).Key()); err != nil {
				return err
			}
			if err := tx.Bucket(bucketMsgIndex).Delete([]byte(id)); err != nil {
				return err
			}
			deleted = append(deleted, models.DeletedMessage{
				ID:       dbMsg.ID,
				Sender:   dbMsg.Sender,
				Receiver: dbMsg.Receiver,
			})
		}
		return nil
	})
	return deleted, err
}

// DeleteBetween removes all messages from sender to receiver (one direction
// only) and returns the removed set.
func (s *BboltStorage) DeleteBetween(sender, receiver string) ([]models.DeletedMessage, error) {
	var deleted []models.DeletedMessage
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(pairKey(sender, receiver)))
		if convBucket == nil {
			return nil
		}

		var victims []DBMessage
		err := convBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.Sender == sender {
				victims = append(victims, dbMsg)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, dbMsg := range victims {
			if err := convBucket.Delete(dbMsg.Key()); err != nil {
				return err
			}
			if err := tx.Bucket(bucketMsgIndex).Delete([]byte(dbMsg.ID)); err != nil {
				return err
			}
			deleted = append(deleted, models.DeletedMessage{
				ID:       dbMsg.ID,
				Sender:   dbMsg.Sender,
				Receiver: dbMsg.Receiver,
			})
		}
		return nil
	})
	return deleted, err
}

// UpsertUser stores a user record.
func (s *BboltStorage) UpsertUser(user models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbUser := &DBUser{Handle: user.Handle, LastSeen: user.LastSeen}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put(dbUser.Key(), data)
	})
}

// GetUser returns a user by handle.
func (s *BboltStorage) GetUser(handle string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(handle))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = models.User{Handle: dbUser.Handle, LastSeen: dbUser.LastSeen}
		return nil
	})
	return user, err
}

// ListUsers returns all known users.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, models.User{Handle: dbUser.Handle, LastSeen: dbUser.LastSeen})
			return nil
		})
	})
	return users, err
}

// TouchLastSeen records when a user was last connected.
func (s *BboltStorage) TouchLastSeen(handle string, lastSeen int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(handle))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		dbUser.LastSeen = lastSeen
		newData, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), newData)
	})
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
		Status:    models.MessageStatus(m.Status),
	}
}
