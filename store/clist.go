package store

import (
	"github.com/ocapkernel/kernel/ids"
)

func k2eKey(endpoint ids.EndpointId, kref ids.KRef) string {
	return "clist." + string(endpoint) + ".k2e." + string(kref)
}

func e2kKey(endpoint ids.EndpointId, eref ids.ERef) string {
	return "clist." + string(endpoint) + ".e2k." + string(eref)
}

// AddClistEntry installs the (kref, eref) pairing for endpoint in both
// directions. Does not itself touch refcounts — callers maintain refcount
// discipline as messages are enqueued/dequeued (spec §4.1/§4.2).
func (s *Store) AddClistEntry(endpoint ids.EndpointId, kref ids.KRef, eref ids.ERef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeKey(k2eKey(endpoint, kref), string(eref)); err != nil {
		return err
	}
	return s.writeKey(e2kKey(endpoint, eref), string(kref))
}

// KrefToEref looks up the eref bound to kref in endpoint's c-list.
func (s *Store) KrefToEref(endpoint ids.EndpointId, kref ids.KRef) (ids.ERef, bool, error) {
	s.mu.Lock()
	raw, found, err := s.readKey(k2eKey(endpoint, kref))
	s.mu.Unlock()
	if err != nil || !found {
		return "", false, err
	}
	return ids.ERef(raw), true, nil
}

// ErefToKref looks up the kref bound to eref in endpoint's c-list.
func (s *Store) ErefToKref(endpoint ids.EndpointId, eref ids.ERef) (ids.KRef, bool, error) {
	s.mu.Lock()
	raw, found, err := s.readKey(e2kKey(endpoint, eref))
	s.mu.Unlock()
	if err != nil || !found {
		return "", false, err
	}
	return ids.KRef(raw), true, nil
}

// ForgetKref removes endpoint's c-list entry for kref, and its dual eref
// entry, if present, releasing the "clist" refcount hold the pairing held
// (spec §4.2: "decremented on forget"). Safe to call when no entry exists —
// ok reports whether an entry was actually found and released.
func (s *Store) ForgetKref(endpoint ids.EndpointId, kref ids.KRef) (remaining uint64, ok bool, err error) {
	eref, found, err := s.KrefToEref(endpoint, kref)
	if err != nil || !found {
		return 0, false, err
	}
	s.mu.Lock()
	if err := s.deleteKey(k2eKey(endpoint, kref)); err != nil {
		s.mu.Unlock()
		return 0, false, err
	}
	if err := s.deleteKey(e2kKey(endpoint, eref)); err != nil {
		s.mu.Unlock()
		return 0, false, err
	}
	s.mu.Unlock()
	remaining, err = s.DecrementRefCount(kref, TagClist)
	if err != nil {
		return 0, false, err
	}
	return remaining, true, nil
}

// ForgetEref removes endpoint's c-list entry for eref, and its dual kref
// entry, if present, releasing the "clist" refcount hold the same way
// ForgetKref does.
func (s *Store) ForgetEref(endpoint ids.EndpointId, eref ids.ERef) (remaining uint64, ok bool, err error) {
	kref, found, err := s.ErefToKref(endpoint, eref)
	if err != nil || !found {
		return 0, false, err
	}
	s.mu.Lock()
	if err := s.deleteKey(e2kKey(endpoint, eref)); err != nil {
		s.mu.Unlock()
		return 0, false, err
	}
	if err := s.deleteKey(k2eKey(endpoint, kref)); err != nil {
		s.mu.Unlock()
		return 0, false, err
	}
	s.mu.Unlock()
	remaining, err = s.DecrementRefCount(kref, TagClist)
	if err != nil {
		return 0, false, err
	}
	return remaining, true, nil
}
