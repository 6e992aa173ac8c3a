package store

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func koKey(kref ids.KRef) string      { return "ko." + string(kref) }
func kpKey(kref ids.KRef) string      { return "kp." + string(kref) }
func refTagsKey(kref ids.KRef) string { return "refc." + string(kref) }

// InitKernelObject allocates a fresh kref for a just-exported object.
func (s *Store) InitKernelObject(owner ids.EndpointId) (ids.KRef, *KernelObject, error) {
	kref, err := s.nextKoId()
	if err != nil {
		return "", nil, err
	}
	// Recognizable starts at 1: the owner itself recognizes its own fresh
	// export until it issues its own retireExports syscall (spec §8
	// scenario 3 — dropExports fires first, retireExports/deletion later).
	obj := &KernelObject{Owner: owner, Reachable: true, Recognizable: 1}
	if err := s.putObject(kref, obj); err != nil {
		return "", nil, err
	}
	return kref, obj, nil
}

func (s *Store) putObject(kref ids.KRef, obj *KernelObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return s.writeKey(koKey(kref), string(b))
}

// GetKernelObject fails with kerr.NotFound if kref is unknown.
func (s *Store) GetKernelObject(kref ids.KRef) (*KernelObject, error) {
	s.mu.Lock()
	raw, found, err := s.readKey(koKey(kref))
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, kerr.NotFoundf("store: unknown kernel object %s", kref)
	}
	var obj KernelObject
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

func (s *Store) deleteObject(kref ids.KRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteKey(koKey(kref))
}

// InitKernelPromise allocates a fresh kref for a new promise.
func (s *Store) InitKernelPromise(decider *ids.EndpointId) (ids.KRef, *KernelPromise, error) {
	kref, err := s.nextKpId()
	if err != nil {
		return "", nil, err
	}
	p := &KernelPromise{
		Decider:     decider,
		State:       Unresolved,
		Subscribers: make(map[ids.EndpointId]bool),
	}
	if err := s.putPromise(kref, p); err != nil {
		return "", nil, err
	}
	if decider != nil {
		if err := s.addDecided(*decider, kref); err != nil {
			return "", nil, err
		}
	}
	return kref, p, nil
}

func (s *Store) putPromise(kref ids.KRef, p *KernelPromise) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.writeKey(kpKey(kref), string(b))
}

// GetKernelPromise fails with kerr.NotFound if kref is unknown.
func (s *Store) GetKernelPromise(kref ids.KRef) (*KernelPromise, error) {
	s.mu.Lock()
	raw, found, err := s.readKey(kpKey(kref))
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, kerr.NotFoundf("store: unknown kernel promise %s", kref)
	}
	var p KernelPromise
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	if p.Subscribers == nil {
		p.Subscribers = make(map[ids.EndpointId]bool)
	}
	return &p, nil
}

func (s *Store) deletePromise(kref ids.KRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteKey(kpKey(kref))
}

// --- refcounts ---------------------------------------------------------

type refTagCounts map[RefTag]uint64

func (s *Store) readRefTags(kref ids.KRef) (refTagCounts, error) {
	s.mu.Lock()
	raw, found, err := s.readKey(refTagsKey(kref))
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	counts := refTagCounts{}
	if found {
		if err := json.Unmarshal([]byte(raw), &counts); err != nil {
			return nil, err
		}
	}
	return counts, nil
}

func (s *Store) writeRefTags(kref ids.KRef, counts refTagCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	return s.writeKey(refTagsKey(kref), string(b))
}

// IncrementRefCount bumps kref's refcount by one, tagged with why (spec
// §4.1). The tag multiset is kept alongside the count so property-based
// tests can assert it balances to zero by the time the object/promise is
// deleted (spec §8 invariant 1); it also backs DecrementRefCount's
// per-tag underflow check and is the whole refcount for promises.
func (s *Store) IncrementRefCount(kref ids.KRef, tag RefTag) error {
	counts, err := s.readRefTags(kref)
	if err != nil {
		return err
	}
	counts[tag]++
	if err := s.writeRefTags(kref, counts); err != nil {
		return err
	}
	return s.bumpRefCount(kref, 1)
}

// DecrementRefCount drops kref's refcount by one, returning the new count.
// Underflow is an invariant violation (spec §4.1).
func (s *Store) DecrementRefCount(kref ids.KRef, tag RefTag) (uint64, error) {
	counts, err := s.readRefTags(kref)
	if err != nil {
		return 0, err
	}
	if counts[tag] == 0 {
		return 0, kerr.New(kerr.InvariantViolation,
			fmt.Sprintf("store: refcount underflow for tag %q on %s", tag, kref), nil)
	}
	counts[tag]--
	if err := s.writeRefTags(kref, counts); err != nil {
		return 0, err
	}
	return s.bumpRefCount(kref, -1)
}

// DecrementRecognizable drops kref's Recognizable counter by one, returning
// the new count. Only meaningful for objects (spec §4.4's retireExports
// path); underflow is an invariant violation, matching DecrementRefCount's
// contract.
func (s *Store) DecrementRecognizable(kref ids.KRef) (uint64, error) {
	obj, err := s.GetKernelObject(kref)
	if err != nil {
		return 0, err
	}
	if obj.Recognizable == 0 {
		return 0, kerr.New(kerr.InvariantViolation,
			"store: recognizable underflow on "+string(kref), nil)
	}
	obj.Recognizable--
	if err := s.putObject(kref, obj); err != nil {
		return 0, err
	}
	return obj.Recognizable, nil
}

func (s *Store) bumpRefCount(kref ids.KRef, delta int64) (uint64, error) {
	if kref.IsObject() {
		obj, err := s.GetKernelObject(kref)
		if err != nil {
			return 0, err
		}
		newCount, err := applyDelta(obj.RefCount, delta)
		if err != nil {
			return 0, kerr.Wrap(err, kerr.InvariantViolation,
				fmt.Sprintf("store: refcount underflow on %s", kref), nil)
		}
		obj.RefCount = newCount
		if err := s.putObject(kref, obj); err != nil {
			return 0, err
		}
		return newCount, nil
	}
	// Promises don't carry an explicit RefCount field in spec §3's value
	// shape; the kernel tracks their liveness purely via the tag multiset,
	// which readRefTags/writeRefTags already persists. Recompute the total
	// from the multiset so callers have a single number to compare to zero.
	counts, err := s.readRefTags(kref)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, c := range counts {
		total += c
	}
	return total, nil
}

func applyDelta(cur uint64, delta int64) (uint64, error) {
	if delta < 0 && cur == 0 {
		return 0, fmt.Errorf("refcount already zero")
	}
	if delta < 0 {
		return cur - 1, nil
	}
	return cur + 1, nil
}

// RefCountOf reports the live refcount for kref (objects: stored field;
// promises: sum of the tag multiset), without mutating anything.
func (s *Store) RefCountOf(kref ids.KRef) (uint64, error) {
	if kref.IsObject() {
		obj, err := s.GetKernelObject(kref)
		if err != nil {
			return 0, err
		}
		return obj.RefCount, nil
	}
	counts, err := s.readRefTags(kref)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, c := range counts {
		total += c
	}
	return total, nil
}
