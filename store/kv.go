package store

// kv.<key> is the kernel-scoped key-value area the façade exposes to
// system vats via kvGet/kvSet (spec §4.7), and which it also uses itself to
// persist each subcluster as one JSON record (config, vats, result) under
// the key subcluster.<id>.
func kvKey(key string) string {
	return "kv." + key
}

func (s *Store) KVGet(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readKey(kvKey(key))
}

func (s *Store) KVSet(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeKey(kvKey(key), value)
}

func (s *Store) KVDelete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteKey(kvKey(key))
}
