package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/samber/lo"
)

// Keys:
//
//	room:{id}                     -> staticRoom JSON
//	msg:{room}:{unixnano}:{seq}   -> encoded envelope
//
// Room ids never contain ':' so prefixes do not overlap. The timestamp
// keeps order across room restarts, where seq starts over.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

type staticRoom struct {
	Owner     domain.UserID   `json:"owner"`
	Members   []domain.UserID `json:"members"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewBadgerStore opens path; an empty path keeps everything in memory.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

func roomKey(room domain.RoomID) []byte { return []byte("room:" + string(room)) }

func msgPrefix(room domain.RoomID) []byte { return []byte("msg:" + string(room) + ":") }

func msgKey(room domain.RoomID, env core.Envelope) []byte {
	return fmt.Appendf(msgPrefix(room), "%019d:%020d", env.SentAt().UnixNano(), env.Seq())
}

func (s *BadgerStore) PersistMessage(ctx context.Context, room domain.RoomID, env core.Envelope) error {
	body, err := core.Encode(env)
	if err != nil {
		return storageErr("encode message", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(msgKey(room, env), body)
	})
	if err != nil {
		return storageErr("store message", err)
	}
	return nil
}

// ListHistory scans newest to oldest and returns oldest first.
func (s *BadgerStore) ListHistory(ctx context.Context, room domain.RoomID, limit int) ([]core.Envelope, error) {
	limit = clampLimit(limit)
	var bodies [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := msgPrefix(room)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// 0xff sorts after every digit, so the seek lands on the newest key
		for it.Seek(append(prefix, 0xff)); it.ValidForPrefix(prefix) && len(bodies) < limit; it.Next() {
			body, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			bodies = append(bodies, body)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list messages", err)
	}

	out := make([]core.Envelope, 0, len(bodies))
	for _, b := range lo.Reverse(bodies) {
		env, err := core.Decode(b)
		if err != nil {
			return nil, storageErr("decode message", err)
		}
		out = append(out, env)
	}
	return out, nil
}

func (s *BadgerStore) loadRoom(txn *badger.Txn, room domain.RoomID) (staticRoom, error) {
	item, err := txn.Get(roomKey(room))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return staticRoom{}, ErrNotFound
	}
	if err != nil {
		return staticRoom{}, err
	}
	var r staticRoom
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &r) })
	return r, err
}

func (s *BadgerStore) AuthorizeJoin(ctx context.Context, user domain.PublicUser, room domain.RoomID) (bool, error) {
	var allowed bool
	err := s.db.View(func(txn *badger.Txn) error {
		r, err := s.loadRoom(txn, room)
		if errors.Is(err, ErrNotFound) {
			allowed = true
			return nil
		}
		if err != nil {
			return err
		}
		allowed = r.Owner == user.ID || lo.Contains(r.Members, user.ID)
		return nil
	})
	if err != nil {
		return false, storageErr("lookup room", err)
	}
	return allowed, nil
}

func (s *BadgerStore) IsPersistent(ctx context.Context, room domain.RoomID) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(roomKey(room))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return false, storageErr("lookup room", err)
	}
	return found, nil
}

func (s *BadgerStore) CreateStaticRoom(ctx context.Context, room domain.RoomID, owner domain.UserID) error {
	if err := room.Validate(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := s.loadRoom(txn, room)
		if err == nil {
			return fmt.Errorf("room %s: %w", room, ErrExists)
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		body, err := json.Marshal(staticRoom{Owner: owner, Members: []domain.UserID{}, CreatedAt: s.now().UTC()})
		if err != nil {
			return err
		}
		return txn.Set(roomKey(room), body)
	})
	if errors.Is(err, ErrExists) {
		return err
	}
	if err != nil {
		return storageErr("create room", err)
	}
	return nil
}

func (s *BadgerStore) AddMember(ctx context.Context, room domain.RoomID, user domain.UserID) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		r, err := s.loadRoom(txn, room)
		if err != nil {
			return err
		}
		if r.Owner == user || lo.Contains(r.Members, user) {
			return nil
		}
		r.Members = append(r.Members, user)
		body, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return txn.Set(roomKey(room), body)
	})
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("room %s: %w", room, ErrNotFound)
	}
	if err != nil {
		return storageErr("add member", err)
	}
	return nil
}

// Migrate is a no-op: badger has no schema.
func (s *BadgerStore) Migrate(_ context.Context) error {
	return nil
}

func (s *BadgerStore) Close(_ context.Context) error {
	return s.db.Close()
}
