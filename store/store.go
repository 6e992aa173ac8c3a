// Package store implements KernelStore (spec §4.1): the sole mutator of
// durable kernel state. Every mutation happens inside a crank — a
// transactional scope bounded by StartCrank/CreateCrankSavepoint/EndCrank,
// optionally unwound early by RollbackCrank — backed by
// github.com/tidwall/buntdb, the teacher's embedded ordered-map store.
//
// buntdb's own transactions commit-or-abort as a whole; they don't expose
// the partial, labeled savepoints a crank needs (a crank may establish
// several savepoints and roll back to any of them without ending the
// crank). So a crank's mutations are first appended to an in-memory
// overlay log; CreateCrankSavepoint/RollbackCrank operate purely on that
// log, and EndCrank is the one point where the log is replayed into a
// single buntdb.Update transaction.
package store

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/klog"
)

var log = klog.Named("store")

type opKind int

const (
	opPut opKind = iota
	opDel
)

type op struct {
	kind opKind
	key  string
	val  string
}

type savepoint struct {
	opsLen int
	bufLen int
	resLen int
}

// crankState is the in-progress overlay for the currently open crank. Only
// one may be open at a time (spec §4.3: single-threaded cooperative
// scheduling).
type crankState struct {
	ops         []op
	overlay     map[string]*string // nil value == deleted
	savepoints  map[string]savepoint
	buffer      []RunQueueItem
	resolutions []PendingResolution
}

func newCrankState() *crankState {
	return &crankState{
		overlay:    make(map[string]*string),
		savepoints: make(map[string]savepoint),
	}
}

func (c *crankState) put(key, val string) {
	c.ops = append(c.ops, op{kind: opPut, key: key, val: val})
	v := val
	c.overlay[key] = &v
}

func (c *crankState) del(key string) {
	c.ops = append(c.ops, op{kind: opDel, key: key})
	c.overlay[key] = nil
}

func (c *crankState) get(key string) (string, bool) {
	if v, ok := c.overlay[key]; ok {
		if v == nil {
			return "", false
		}
		return *v, true
	}
	return "", false
}

func (c *crankState) rebuildFrom(ops []op) {
	overlay := make(map[string]*string, len(ops))
	for _, o := range ops {
		switch o.kind {
		case opPut:
			v := o.val
			overlay[o.key] = &v
		case opDel:
			overlay[o.key] = nil
		}
	}
	c.ops = ops
	c.overlay = overlay
}

// Store is the concrete KernelStore.
//
// Scheduling model (spec §5): only one crank executes at any moment. That
// mutual exclusion is implemented here as a single-slot token channel
// rather than a plain error-on-reentry check, so that both the crank loop
// (KernelQueue) and ad hoc control-plane mutations (Kernel façade calls
// like launchVat, which need their own crank bracket but don't run on the
// loop's goroutine) can each call StartCrank and simply block until
// whichever crank is in flight finishes — which is exactly what
// WaitForCrank needs too.
type Store struct {
	mu                 sync.Mutex
	db                 *buntdb.DB
	crank              *crankState
	pendingBuffer      []RunQueueItem      // buffered output from the crank just committed, awaiting FlushCrankBuffer
	pendingResolutions []PendingResolution // buffered subscription firings from the crank just committed
	crankTok           chan struct{}
}

func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s", path)
	}
	tok := make(chan struct{}, 1)
	tok <- struct{}{}
	return &Store{db: db, crankTok: tok}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- crank lifecycle -------------------------------------------------

// StartCrank blocks until no other crank is in flight, then opens a new
// one.
func (s *Store) StartCrank() error {
	<-s.crankTok
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.crank != nil {
		s.crankTok <- struct{}{}
		return kerr.New(kerr.InvariantViolation, "store: crank already open", nil)
	}
	s.crank = newCrankState()
	return nil
}

// WaitForCrank blocks until the crank currently in flight (if any)
// finishes, then returns immediately — it does not itself hold the token,
// so a fresh crank may begin the instant it returns. Callers that need to
// serialize a teardown behind "no crank is touching this state right now"
// (spec §5: terminateVat, terminateAll) call this once before proceeding.
func (s *Store) WaitForCrank() {
	<-s.crankTok
	s.crankTok <- struct{}{}
}

func (s *Store) CreateCrankSavepoint(label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.crank == nil {
		return kerr.New(kerr.InvariantViolation, "store: no open crank", nil)
	}
	s.crank.savepoints[label] = savepoint{
		opsLen: len(s.crank.ops),
		bufLen: len(s.crank.buffer),
		resLen: len(s.crank.resolutions),
	}
	return nil
}

func (s *Store) RollbackCrank(label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.crank == nil {
		return kerr.New(kerr.InvariantViolation, "store: no open crank", nil)
	}
	sp, ok := s.crank.savepoints[label]
	if !ok {
		return kerr.New(kerr.NotFound, fmt.Sprintf("store: no savepoint %q", label), nil)
	}
	s.crank.rebuildFrom(s.crank.ops[:sp.opsLen])
	s.crank.buffer = s.crank.buffer[:sp.bufLen]
	s.crank.resolutions = s.crank.resolutions[:sp.resLen]
	log.Debugw("crank rolled back", "label", label)
	return nil
}

// EndCrank commits every mutation buffered since StartCrank as a single
// buntdb transaction. If the crank was rolled back to its "start"
// savepoint, this is a no-op commit.
func (s *Store) EndCrank() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.crank == nil {
		return kerr.New(kerr.InvariantViolation, "store: no open crank", nil)
	}
	defer func() { s.crankTok <- struct{}{} }()
	ops := s.crank.ops
	err := s.db.Update(func(tx *buntdb.Tx) error {
		for _, o := range ops {
			switch o.kind {
			case opPut:
				if _, _, err := tx.Set(o.key, o.val, nil); err != nil {
					return err
				}
			case opDel:
				if _, err := tx.Delete(o.key); err != nil && err != buntdb.ErrNotFound {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "store: commit crank")
	}
	s.pendingBuffer = s.crank.buffer
	s.pendingResolutions = s.crank.resolutions
	s.crank = nil
	return nil
}

// FlushCrankBuffer drains the items staged via BufferCrankOutput during the
// crank just committed by EndCrank, appends them to the durable run queue,
// and returns them (the queue uses them to tell whether the run queue
// gained work and needs a wake signal). Must be called after EndCrank and
// before the next StartCrank.
func (s *Store) FlushCrankBuffer() ([]RunQueueItem, error) {
	s.mu.Lock()
	buffered := s.pendingBuffer
	s.pendingBuffer = nil
	s.mu.Unlock()

	for _, item := range buffered {
		if err := s.EnqueueRun(item); err != nil {
			return nil, err
		}
	}
	return buffered, nil
}

// --- key/value primitives used by every other file in this package ----

func (s *Store) readKey(key string) (string, bool, error) {
	if s.crank != nil {
		if v, ok := s.crank.get(key); ok {
			return v, true, nil
		}
		if _, overlaid := s.crank.overlay[key]; overlaid {
			return "", false, nil // explicit tombstone
		}
	}
	var val string
	var found bool
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

func (s *Store) writeKey(key, val string) error {
	if s.crank == nil {
		return kerr.New(kerr.InvariantViolation, "store: write outside crank: "+key, nil)
	}
	s.crank.put(key, val)
	return nil
}

func (s *Store) deleteKey(key string) error {
	if s.crank == nil {
		return kerr.New(kerr.InvariantViolation, "store: delete outside crank: "+key, nil)
	}
	s.crank.del(key)
	return nil
}

func (s *Store) bufferOutput(item RunQueueItem) error {
	if s.crank == nil {
		return kerr.New(kerr.InvariantViolation, "store: buffer output outside crank", nil)
	}
	s.crank.buffer = append(s.crank.buffer, item)
	return nil
}

// BufferCrankOutput stages item so it lands on the run queue only if the
// current crank commits successfully.
func (s *Store) BufferCrankOutput(item RunQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferOutput(item)
}
