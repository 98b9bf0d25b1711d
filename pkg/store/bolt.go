package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cgast/clearinghouse/pkg/escrow"
)

// Top-level buckets. Events and submissions hold one nested bucket per
// contract, keyed by big-endian sequence so cursor order is append order.
var (
	bucketContracts   = []byte("contracts")
	bucketEvents      = []byte("events")
	bucketSubmissions = []byte("submissions")
)

// Bolt is a bbolt-backed Store. bbolt serializes write transactions, so the
// version check and the write happen under one db.Update.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBolt opens (or creates) a bbolt database at path.
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketContracts, bucketEvents, bucketSubmissions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &Bolt{db: db, now: time.Now}, nil
}

func (s *Bolt) Create(_ context.Context, c escrow.Contract, events []escrow.Event) (Committed, error) {
	c.Version = 1
	if err := c.CheckInvariants(); err != nil {
		return Committed{}, err
	}

	var out Committed
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContracts)
		if b.Get([]byte(c.ID)) != nil {
			return fmt.Errorf("contract %s already exists", c.ID)
		}
		if err := putJSON(b, []byte(c.ID), c); err != nil {
			return err
		}
		sealed, err := appendEvents(tx, c.ID, events, s.now())
		if err != nil {
			return err
		}
		out = Committed{Contract: c, Events: sealed}
		return nil
	})
	if err != nil {
		return Committed{}, fmt.Errorf("create contract: %w", err)
	}
	return out, nil
}

func (s *Bolt) Load(_ context.Context, id string) (escrow.Contract, error) {
	var c escrow.Contract
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContracts).Get([]byte(id))
		if data == nil {
			return notFound(id)
		}
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("unmarshal contract %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return escrow.Contract{}, err
	}
	if err := c.CheckInvariants(); err != nil {
		return escrow.Contract{}, err
	}
	return c, nil
}

func (s *Bolt) Commit(_ context.Context, m Mutation) (Committed, error) {
	next, err := prepare(m)
	if err != nil {
		return Committed{}, err
	}

	var out Committed
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContracts)
		data := b.Get([]byte(next.ID))
		if data == nil {
			return notFound(next.ID)
		}
		var cur escrow.Contract
		if err := json.Unmarshal(data, &cur); err != nil {
			return fmt.Errorf("unmarshal contract %s: %w", next.ID, err)
		}
		if cur.Version != m.ExpectedVersion {
			return conflict(next.ID, m.ExpectedVersion)
		}

		if err := putJSON(b, []byte(next.ID), next); err != nil {
			return err
		}
		if m.Submission != nil {
			subs, err := tx.Bucket(bucketSubmissions).CreateBucketIfNotExists([]byte(next.ID))
			if err != nil {
				return fmt.Errorf("create submission bucket: %w", err)
			}
			seq, err := subs.NextSequence()
			if err != nil {
				return fmt.Errorf("next submission sequence: %w", err)
			}
			if err := putJSON(subs, itob(seq), m.Submission); err != nil {
				return err
			}
		}
		sealed, err := appendEvents(tx, next.ID, m.Events, s.now())
		if err != nil {
			return err
		}
		out = Committed{Contract: next, Events: sealed}
		return nil
	})
	if err != nil {
		return Committed{}, err
	}
	return out, nil
}

func (s *Bolt) ListEvents(_ context.Context, contractID string) ([]escrow.Event, error) {
	var out []escrow.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents).Bucket([]byte(contractID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var ev escrow.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("unmarshal event %s/%d: %w", contractID, btoi(k), err)
			}
			out = append(out, ev)
			return nil
		})
	})
	return out, err
}

func (s *Bolt) ListSubmissions(_ context.Context, contractID string) ([]escrow.Submission, error) {
	var out []escrow.Submission
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubmissions).Bucket([]byte(contractID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var sub escrow.Submission
			if err := json.Unmarshal(v, &sub); err != nil {
				return fmt.Errorf("unmarshal submission %s/%d: %w", contractID, btoi(k), err)
			}
			out = append(out, sub)
			return nil
		})
	})
	return out, err
}

// Ping fails once the database is closed or its buckets are missing.
func (s *Bolt) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketContracts) == nil {
			return fmt.Errorf("bucket %s missing", bucketContracts)
		}
		return nil
	})
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

func appendEvents(tx *bolt.Tx, contractID string, evs []escrow.Event, now time.Time) ([]escrow.Event, error) {
	if len(evs) == 0 {
		return nil, nil
	}
	b, err := tx.Bucket(bucketEvents).CreateBucketIfNotExists([]byte(contractID))
	if err != nil {
		return nil, fmt.Errorf("create event bucket: %w", err)
	}

	var prev *escrow.Event
	if _, v := b.Cursor().Last(); v != nil {
		var last escrow.Event
		if err := json.Unmarshal(v, &last); err != nil {
			return nil, fmt.Errorf("unmarshal last event: %w", err)
		}
		prev = &last
	}

	sealed, err := sealAll(prev, evs, now)
	if err != nil {
		return nil, err
	}
	for _, ev := range sealed {
		if err := putJSON(b, itob(ev.Sequence), ev); err != nil {
			return nil, err
		}
	}
	return sealed, nil
}

func putJSON(b *bolt.Bucket, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	return b.Put(key, data)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
