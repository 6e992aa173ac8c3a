package store

import (
	"strconv"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
)

// kpQueueKey addresses one pipelined message on kpid's promise queue (spec
// §3/§6 "kp.<n>.q.<i>"), mirroring runqueue.go's runQueue.<i> scheme.
func kpQueueKey(kpid ids.KRef, i uint64) string {
	return kpKey(kpid) + ".q." + strconv.FormatUint(i, 10)
}

// EnqueuePromiseMessage appends a pipelined message to kpid's queue (spec
// §3 Pipelining): sending to an unresolved promise queues the message for
// delivery once the promise's resolution target is known. Each entry is
// stored as its own msgp-encoded record — the one place in the store where
// the hand-written capdata codec pays for itself, since a promise queue can
// grow arbitrarily long under heavy pipelining.
func (s *Store) EnqueuePromiseMessage(kpid ids.KRef, target ids.KRef, msg capdata.Message) error {
	p, err := s.GetKernelPromise(kpid)
	if err != nil {
		return err
	}
	if p.State != Unresolved {
		return kerr.New(kerr.InvariantViolation,
			"store: enqueue onto already-resolved promise "+string(kpid), nil)
	}
	b, err := (capdata.QueuedMessage{Target: target, Message: msg}).MarshalMsg(nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	err = s.writeKey(kpQueueKey(kpid, p.QueueTail), string(b))
	s.mu.Unlock()
	if err != nil {
		return err
	}
	p.QueueTail++
	return s.putPromise(kpid, p)
}

// readPromiseQueue decodes the msgp-encoded queue entries in [head, tail).
func (s *Store) readPromiseQueue(kpid ids.KRef, head, tail uint64) ([]capdata.QueuedMessage, error) {
	out := make([]capdata.QueuedMessage, 0, tail-head)
	for i := head; i < tail; i++ {
		s.mu.Lock()
		raw, found, err := s.readKey(kpQueueKey(kpid, i))
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		var qm capdata.QueuedMessage
		if _, err := qm.UnmarshalMsg([]byte(raw)); err != nil {
			return nil, err
		}
		out = append(out, qm)
	}
	return out, nil
}

// GetKernelPromiseMessageQueue returns the currently-queued pipelined
// messages for kpid without draining them.
func (s *Store) GetKernelPromiseMessageQueue(kpid ids.KRef) ([]capdata.QueuedMessage, error) {
	p, err := s.GetKernelPromise(kpid)
	if err != nil {
		return nil, err
	}
	return s.readPromiseQueue(kpid, p.QueueHead, p.QueueTail)
}

// AddSubscriber records that endpoint wants a notify when kpid resolves.
func (s *Store) AddSubscriber(kpid ids.KRef, endpoint ids.EndpointId) error {
	p, err := s.GetKernelPromise(kpid)
	if err != nil {
		return err
	}
	if p.Subscribers == nil {
		p.Subscribers = make(map[ids.EndpointId]bool)
	}
	p.Subscribers[endpoint] = true
	return s.putPromise(kpid, p)
}

// ResolveKernelPromise marks kpid fulfilled/rejected with data, empties its
// pipelined-message queue, and returns the drained (target, message) pairs
// for the caller to re-enqueue onto the run queue (spec §3/§4.1). The
// promise record itself survives — it is deleted only once its refcount
// reaches zero — so late-arriving erefs still resolve against Value.
func (s *Store) ResolveKernelPromise(kpid ids.KRef, rejected bool, data capdata.CapData) ([]capdata.QueuedMessage, error) {
	p, err := s.GetKernelPromise(kpid)
	if err != nil {
		return nil, err
	}
	if p.State != Unresolved {
		return nil, kerr.New(kerr.InvariantViolation,
			"store: double-resolve of "+string(kpid), nil)
	}
	if rejected {
		p.State = Rejected
	} else {
		p.State = Fulfilled
	}
	p.Value = &data
	drained, err := s.readPromiseQueue(kpid, p.QueueHead, p.QueueTail)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for i := p.QueueHead; i < p.QueueTail; i++ {
		if err := s.deleteKey(kpQueueKey(kpid, i)); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Unlock()
	p.QueueHead = p.QueueTail
	if err := s.putPromise(kpid, p); err != nil {
		return nil, err
	}
	if p.Decider != nil {
		if err := s.removeDecided(*p.Decider, kpid); err != nil {
			return nil, err
		}
	}
	return drained, nil
}

// DeleteKernelRecord removes a kernel object or promise record once its
// refcount has reached zero and (for objects) it is no longer recognizable
// by any endpoint.
func (s *Store) DeleteKernelRecord(kref ids.KRef) error {
	if kref.IsObject() {
		return s.deleteObject(kref)
	}
	return s.deletePromise(kref)
}
