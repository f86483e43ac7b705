// Package journal keeps a bounded on-disk log of endpoint health
// transitions. The gateway's resilience state is deliberately in-memory
// only; the journal exists so operators can reconstruct why endpoints
// were benched without scraping logs.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/buyve/rpcgate/pkg/endpoints"
)

var bucketEvents = []byte("health_events")

// DefaultMaxEntries bounds how many events are retained.
const DefaultMaxEntries = 1000

// Event is one endpoint health transition.
type Event struct {
	Endpoint    string                `json:"endpoint"`
	Blocked     bool                  `json:"blocked"`
	FailureType endpoints.FailureType `json:"failureType,omitempty"`
	At          time.Time             `json:"at"`
}

// Journal is an append-only, size-bounded event log backed by bbolt.
type Journal struct {
	db  *bolt.DB
	max int
	seq atomic.Uint64
}

// Open opens or creates the journal file at path.
func Open(path string) (*Journal, error) {
	opts := &bolt.Options{Timeout: time.Second}
	db, err := bolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &Journal{db: db, max: DefaultMaxEntries}, nil
}

// Record appends ev, trimming oldest entries past the retention cap.
func (j *Journal) Record(ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	// Keys order by time with a sequence suffix to keep same-nanosecond
	// events distinct.
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(ev.At.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], j.seq.Add(1))

	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if err := b.Put(key, value); err != nil {
			return err
		}

		n := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		for n > j.max {
			k, _ := c.First()
			if k == nil {
				break
			}
			if err := b.Delete(k); err != nil {
				return err
			}
			n--
		}
		return nil
	})
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	var events []Event
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(events) < limit; k, v = c.Prev() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("unmarshal event: %w", err)
			}
			events = append(events, ev)
		}
		return nil
	})
	return events, err
}

// Recorder returns a blacklist onChange hook that appends to the journal.
func (j *Journal) Recorder() func(url string, ft endpoints.FailureType, blocked bool) {
	return func(url string, ft endpoints.FailureType, blocked bool) {
		ev := Event{Endpoint: url, Blocked: blocked, At: time.Now()}
		if blocked {
			ev.FailureType = ft
		}
		// A full disk must not take the request path down with it.
		_ = j.Record(ev)
	}
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
