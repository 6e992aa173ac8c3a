package store

import (
	"strconv"

	"github.com/ocapkernel/kernel/ids"
)

const (
	keyNextVatId    = "nextVatId"
	keyNextRemoteId = "nextRemoteId"
	keyNextKoId     = "nextKoId"
	keyNextKpId     = "nextKpId"
)

func (s *Store) nextCounter(key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, found, err := s.readKey(key)
	if err != nil {
		return 0, err
	}
	var n uint64
	if found {
		n, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, err
		}
	}
	next := n + 1
	if err := s.writeKey(key, strconv.FormatUint(next, 10)); err != nil {
		return 0, err
	}
	return n, nil
}

// GetNextVatId returns a fresh, persisted, monotone VatId.
func (s *Store) GetNextVatId() (ids.VatId, error) {
	n, err := s.nextCounter(keyNextVatId)
	if err != nil {
		return "", err
	}
	return ids.NewVatId(n), nil
}

// GetNextRemoteId returns a fresh, persisted, monotone RemoteId.
func (s *Store) GetNextRemoteId() (ids.RemoteId, error) {
	n, err := s.nextCounter(keyNextRemoteId)
	if err != nil {
		return "", err
	}
	return ids.NewRemoteId(n), nil
}

func (s *Store) nextKoId() (ids.KRef, error) {
	n, err := s.nextCounter(keyNextKoId)
	if err != nil {
		return "", err
	}
	return ids.NewKObj(n), nil
}

func (s *Store) nextKpId() (ids.KRef, error) {
	n, err := s.nextCounter(keyNextKpId)
	if err != nil {
		return "", err
	}
	return ids.NewKProm(n), nil
}
