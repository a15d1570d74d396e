// Package journal persists broker lifecycle events (registrations, removals,
// expired calls) in a Badger database so they can be inspected after the
// fact, including across broker restarts.
//
// Writes are asynchronous: Record never blocks the broker loop. Events are
// queued and written in batches by a background goroutine; when the queue is
// full the event is dropped and counted.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tenzoki/agen/dcop/internal/logging"
)

var ErrClosed = errors.New("journal is closed")

// Kind classifies an event.
type Kind string

const (
	KindRegistered Kind = "registered"
	KindRemoved    Kind = "removed"
	KindRenamed    Kind = "renamed"
	KindExpired    Kind = "call_expired"
	KindProtocol   Kind = "protocol_error"
	KindStarted    Kind = "broker_started"
	KindStopped    Kind = "broker_stopped"
)

// Event is one journal entry.
type Event struct {
	ID     string    `msgpack:"id" yaml:"id"`
	Kind   Kind      `msgpack:"kind" yaml:"kind"`
	App    string    `msgpack:"app,omitempty" yaml:"app,omitempty"`
	Handle uint64    `msgpack:"handle,omitempty" yaml:"handle,omitempty"`
	Detail string    `msgpack:"detail,omitempty" yaml:"detail,omitempty"`
	At     time.Time `msgpack:"at" yaml:"at"`
}

// Config configures the journal database.
type Config struct {
	Dir string
	// Retention bounds how long events are kept; zero keeps them forever.
	Retention  time.Duration
	QueueSize  int
	SyncWrites bool
	// Logger receives Badger's warnings and errors; nil sends them to stderr.
	Logger *logging.Logger
}

// DefaultConfig returns the defaults for dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:       dir,
		Retention: 7 * 24 * time.Hour,
		QueueSize: 1024,
	}
}

var eventPrefix = []byte("event/")

// Journal is safe for concurrent use. A nil *Journal records nothing.
type Journal struct {
	db     *badger.DB
	config *Config

	queue   chan item
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the journal database in config.Dir and starts the
// background writer.
func Open(config *Config) (*Journal, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := os.MkdirAll(config.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	opts := badger.DefaultOptions(config.Dir)
	opts.SyncWrites = config.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.ValueLogFileSize = 1 << 26
	opts.Logger = &badgerLogger{log: config.Logger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	size := config.QueueSize
	if size <= 0 {
		size = 1024
	}
	j := &Journal{
		db:     db,
		config: config,
		queue:  make(chan item, size),
		done:   make(chan struct{}),
	}
	go j.writer()
	return j, nil
}

// Record queues ev for writing. It fills in ID and At when unset.
func (j *Journal) Record(ev Event) {
	if j == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- item{event: ev}:
	default:
		j.dropped.Add(1)
	}
}

// item is either an event or, when flushed is set, a flush marker.
type item struct {
	event   Event
	flushed chan struct{}
}

// Dropped returns how many events were discarded because the queue was full.
func (j *Journal) Dropped() uint64 {
	if j == nil {
		return 0
	}
	return j.dropped.Load()
}

func (j *Journal) writer() {
	defer close(j.done)
	for it := range j.queue {
		var batch []Event
		var markers []chan struct{}
		collect := func(it item) {
			if it.flushed != nil {
				markers = append(markers, it.flushed)
				return
			}
			batch = append(batch, it.event)
		}
		collect(it)
	drain:
		for len(batch) < 128 {
			select {
			case next, ok := <-j.queue:
				if !ok {
					break drain
				}
				collect(next)
			default:
				break drain
			}
		}
		if len(batch) > 0 {
			if err := j.write(batch); err != nil && j.config.Logger != nil {
				j.config.Logger.Warn("journal write failed: %v", err)
			}
		}
		for _, m := range markers {
			close(m)
		}
	}
}

func (j *Journal) write(batch []Event) error {
	wb := j.db.NewWriteBatch()
	defer wb.Cancel()

	for _, ev := range batch {
		value, err := msgpack.Marshal(&ev)
		if err != nil {
			return err
		}
		e := badger.NewEntry(eventKey(ev), value)
		if j.config.Retention > 0 {
			e = e.WithTTL(j.config.Retention)
		}
		if err := wb.SetEntry(e); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// eventKey orders events by time: prefix, big-endian nanoseconds, id.
func eventKey(ev Event) []byte {
	key := make([]byte, 0, len(eventPrefix)+8+len(ev.ID))
	key = append(key, eventPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(ev.At.UnixNano()))
	return append(key, ev.ID...)
}

// Recent returns up to limit of the newest events, newest first. Events
// still queued are not visible until written; Flush forces that.
func (j *Journal) Recent(limit int) ([]Event, error) {
	return j.scan(limit, func(Event) bool { return true })
}

// ForApp returns up to limit of the newest events concerning app.
func (j *Journal) ForApp(app string, limit int) ([]Event, error) {
	return j.scan(limit, func(ev Event) bool { return ev.App == app })
}

func (j *Journal) scan(limit int, keep func(Event) bool) ([]Event, error) {
	if j == nil {
		return nil, nil
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	var events []Event
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = eventPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts from the largest key under the prefix.
		seek := append(append([]byte{}, eventPrefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(eventPrefix); it.Next() {
			if limit > 0 && len(events) >= limit {
				break
			}
			var ev Event
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &ev)
			})
			if err != nil {
				return err
			}
			if keep(ev) {
				events = append(events, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return events, nil
}

// Flush blocks until every event recorded before the call has been written,
// or timeout elapses.
func (j *Journal) Flush(timeout time.Duration) error {
	if j == nil {
		return nil
	}
	marker := make(chan struct{})
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case j.queue <- item{flushed: marker}:
	case <-timer.C:
		j.mu.RUnlock()
		return fmt.Errorf("journal flush timed out")
	}
	j.mu.RUnlock()

	select {
	case <-marker:
		return nil
	case <-timer.C:
		return fmt.Errorf("journal flush timed out")
	}
}

// Close flushes queued events and closes the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}

type badgerLogger struct {
	log *logging.Logger
}

func (bl *badgerLogger) Errorf(format string, args ...interface{}) {
	if bl.log != nil {
		bl.log.Error("badger: "+strings.TrimSpace(format), args...)
		return
	}
	fmt.Fprintf(os.Stderr, "BADGER ERROR: "+format+"\n", args...)
}

func (bl *badgerLogger) Warningf(format string, args ...interface{}) {
	if bl.log != nil {
		bl.log.Warn("badger: "+strings.TrimSpace(format), args...)
		return
	}
	fmt.Fprintf(os.Stderr, "BADGER WARNING: "+format+"\n", args...)
}

func (bl *badgerLogger) Infof(format string, args ...interface{}) {
}

func (bl *badgerLogger) Debugf(format string, args ...interface{}) {
}
