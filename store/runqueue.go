package store

import (
	"strconv"

	"github.com/ocapkernel/kernel/ids"
)

const (
	keyRunQueueHead = "runQueue.head"
	keyRunQueueTail = "runQueue.tail"
)

func runQueueItemKey(i uint64) string { return "runQueue." + strconv.FormatUint(i, 10) }

func (s *Store) readCounter(key string) (uint64, error) {
	s.mu.Lock()
	raw, found, err := s.readKey(key)
	s.mu.Unlock()
	if err != nil || !found {
		return 0, err
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (s *Store) writeCounterLocked(key string, v uint64) error {
	return s.writeKey(key, strconv.FormatUint(v, 10))
}

// EnqueueRun appends item to the tail of the durable run queue (spec §4.1).
func (s *Store) EnqueueRun(item RunQueueItem) error {
	tail, err := s.readCounter(keyRunQueueTail)
	if err != nil {
		return err
	}
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeKey(runQueueItemKey(tail), string(b)); err != nil {
		return err
	}
	return s.writeCounterLocked(keyRunQueueTail, tail+1)
}

// DequeueRun pops the head of the run queue, or returns (nil, nil) if empty
// (spec §4.3 step 4).
func (s *Store) DequeueRun() (*RunQueueItem, error) {
	head, err := s.readCounter(keyRunQueueHead)
	if err != nil {
		return nil, err
	}
	tail, err := s.readCounter(keyRunQueueTail)
	if err != nil {
		return nil, err
	}
	if head >= tail {
		return nil, nil
	}
	s.mu.Lock()
	raw, found, err := s.readKey(runQueueItemKey(head))
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !found {
		s.mu.Unlock()
		return nil, nil
	}
	var item RunQueueItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.deleteKey(runQueueItemKey(head)); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.writeCounterLocked(keyRunQueueHead, head+1); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()
	return &item, nil
}

// RunQueueLength reports the number of items currently queued.
func (s *Store) RunQueueLength() (int, error) {
	head, err := s.readCounter(keyRunQueueHead)
	if err != nil {
		return 0, err
	}
	tail, err := s.readCounter(keyRunQueueTail)
	if err != nil {
		return 0, err
	}
	return int(tail - head), nil
}

// --- GC / reap pending queues -------------------------------------------

const keyGCOrder = "gc.pending.order"

func gcPendingKey(endpoint ids.EndpointId, kind GCActionKind) string {
	return "gc.pending." + string(endpoint) + "." + kind.String()
}

type gcPendingEntry struct {
	Endpoint ids.EndpointId `json:"endpoint"`
	Kind     GCActionKind   `json:"kind"`
	Krefs    []ids.KRef     `json:"krefs"`
}

func (s *Store) readGCOrder() ([]string, error) {
	s.mu.Lock()
	raw, found, err := s.readKey(keyGCOrder)
	s.mu.Unlock()
	if err != nil || !found {
		return nil, err
	}
	var order []string
	if err := json.Unmarshal([]byte(raw), &order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) writeGCOrder(order []string) error {
	b, err := json.Marshal(order)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeKey(keyGCOrder, string(b))
}

// AddPendingGC coalesces krefs into the pending batch for (endpoint, kind),
// per spec §4.4 ("GC actions are coalesced per (endpoint, kind)").
func (s *Store) AddPendingGC(endpoint ids.EndpointId, kind GCActionKind, krefs []ids.KRef) error {
	if len(krefs) == 0 {
		return nil
	}
	key := gcPendingKey(endpoint, kind)
	s.mu.Lock()
	raw, found, err := s.readKey(key)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	entry := gcPendingEntry{Endpoint: endpoint, Kind: kind}
	if found {
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return err
		}
	}
	entry.Krefs = append(entry.Krefs, krefs...)
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.writeKey(key, string(b)); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	if !found {
		order, err := s.readGCOrder()
		if err != nil {
			return err
		}
		order = append(order, key)
		return s.writeGCOrder(order)
	}
	return nil
}

// NextGCAction pops one coalesced GC batch, or returns (nil, nil) if none
// is pending.
func (s *Store) NextGCAction() (*RunQueueItem, error) {
	order, err := s.readGCOrder()
	if err != nil || len(order) == 0 {
		return nil, err
	}
	key := order[0]
	s.mu.Lock()
	raw, found, err := s.readKey(key)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if found {
		if err := s.deleteKey(key); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Unlock()
	if err := s.writeGCOrder(order[1:]); err != nil {
		return nil, err
	}
	if !found {
		return s.NextGCAction()
	}
	var entry gcPendingEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, err
	}
	item := GCActionItem(entry.Kind, entry.Endpoint, entry.Krefs)
	return &item, nil
}

const keyReapOrder = "reap.pending"

// AddPendingReap schedules vat for its next local-GC sweep, if not already
// scheduled.
func (s *Store) AddPendingReap(vat ids.VatId) error {
	s.mu.Lock()
	raw, found, err := s.readKey(keyReapOrder)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	var order []ids.VatId
	if found {
		if err := json.Unmarshal([]byte(raw), &order); err != nil {
			return err
		}
	}
	for _, v := range order {
		if v == vat {
			return nil
		}
	}
	order = append(order, vat)
	b, err := json.Marshal(order)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeKey(keyReapOrder, string(b))
}

// NextReapAction pops the next vat scheduled for a reap sweep, or returns
// (nil, nil) if none is pending.
func (s *Store) NextReapAction() (*RunQueueItem, error) {
	s.mu.Lock()
	raw, found, err := s.readKey(keyReapOrder)
	if err != nil || !found {
		s.mu.Unlock()
		return nil, err
	}
	var order []ids.VatId
	if err := json.Unmarshal([]byte(raw), &order); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if len(order) == 0 {
		s.mu.Unlock()
		return nil, nil
	}
	head := order[0]
	rest := order[1:]
	b, err := json.Marshal(rest)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	err = s.writeKey(keyReapOrder, string(b))
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	item := ReapItem(head)
	return &item, nil
}
