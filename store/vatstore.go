package store

import "github.com/ocapkernel/kernel/ids"

// vatstore.<vat>.<key> is a private per-vat key-value area (spec §6
// vatstoreGet|Set|Delete), distinct from the kernel-scoped area the façade
// exposes to system vats via kvGet/kvSet.
func vatstoreKey(vat ids.VatId, key string) string {
	return "vatstore." + string(vat) + "." + key
}

func (s *Store) VatStoreGet(vat ids.VatId, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readKey(vatstoreKey(vat, key))
}

func (s *Store) VatStoreSet(vat ids.VatId, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeKey(vatstoreKey(vat, key), value)
}

func (s *Store) VatStoreDelete(vat ids.VatId, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteKey(vatstoreKey(vat, key))
}
