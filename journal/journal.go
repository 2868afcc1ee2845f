// Package journal is a flight recorder for harness runs. Every lifecycle and
// chain changing action of a node is appended to a bbolt database so a
// failing scenario can print what the harness did before it broke.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var EVENTS_BUCKET = []byte("harness-events")

type Event struct {
	Seq    uint64         `json:"seq"`
	Time   time.Time      `json:"time"`
	Source string         `json:"source"`
	Kind   string         `json:"kind"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (e Event) String() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %04d %-14s %s", e.Time.Format("15:04:05.000"), e.Seq, e.Source, e.Kind)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, e.Fields[k])
	}
	return sb.String()
}

type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens or creates the journal database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, os.FileMode(0600), &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bbolt.Open() %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewStore(db *bbolt.DB) (*Store, error) {
	tx, err := db.Begin(true)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	_, err = tx.CreateBucketIfNotExists(EVENTS_BUCKET)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends an event. Events keep the order they were recorded in.
func (s *Store) Record(source, kind string, fields map[string]any) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(EVENTS_BUCKET)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		eventBytes, err := json.Marshal(Event{
			Seq:    seq,
			Time:   s.now(),
			Source: source,
			Kind:   kind,
			Fields: fields,
		})
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), eventBytes)
	})
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Events returns all recorded events, oldest first.
func (s *Store) Events() ([]Event, error) {
	var events []Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(EVENTS_BUCKET).ForEach(func(k, v []byte) error {
			var e Event
			err := json.Unmarshal(v, &e)
			if err != nil {
				return err
			}
			events = append(events, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Tail returns the last n events, oldest first.
func (s *Store) Tail(n int) ([]Event, error) {
	var events []Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(EVENTS_BUCKET).Cursor()
		for k, v := c.Last(); k != nil && len(events) < n; k, v = c.Prev() {
			var e Event
			err := json.Unmarshal(v, &e)
			if err != nil {
				return err
			}
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (s *Store) BySource(source string) ([]Event, error) {
	events, err := s.Events()
	if err != nil {
		return nil, err
	}
	var filtered []Event
	for _, e := range events {
		if e.Source == source {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// Dump writes the last n events to w, one per line.
func (s *Store) Dump(w io.Writer, n int) error {
	events, err := s.Tail(n)
	if err != nil {
		return err
	}
	for _, e := range events {
		_, err = fmt.Fprintln(w, e.String())
		if err != nil {
			return err
		}
	}
	return nil
}
