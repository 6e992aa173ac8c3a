package store

import "github.com/ocapkernel/kernel/ids"

// decided.<endpoint> indexes the promises endpoint currently decides, so
// VatHandle.terminate can reject every promise a dying vat still owed an
// answer for without a full table scan.
func decidedKey(endpoint ids.EndpointId) string { return "decided." + string(endpoint) }

func (s *Store) readDecided(endpoint ids.EndpointId) ([]ids.KRef, error) {
	s.mu.Lock()
	raw, found, err := s.readKey(decidedKey(endpoint))
	s.mu.Unlock()
	if err != nil || !found {
		return nil, err
	}
	var krefs []ids.KRef
	if err := json.Unmarshal([]byte(raw), &krefs); err != nil {
		return nil, err
	}
	return krefs, nil
}

func (s *Store) writeDecided(endpoint ids.EndpointId, krefs []ids.KRef) error {
	b, err := json.Marshal(krefs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeKey(decidedKey(endpoint), string(b))
}

func (s *Store) addDecided(endpoint ids.EndpointId, kref ids.KRef) error {
	krefs, err := s.readDecided(endpoint)
	if err != nil {
		return err
	}
	krefs = append(krefs, kref)
	return s.writeDecided(endpoint, krefs)
}

func (s *Store) removeDecided(endpoint ids.EndpointId, kref ids.KRef) error {
	krefs, err := s.readDecided(endpoint)
	if err != nil || krefs == nil {
		return err
	}
	out := krefs[:0]
	for _, k := range krefs {
		if k != kref {
			out = append(out, k)
		}
	}
	return s.writeDecided(endpoint, out)
}

// DecidedPromises lists the unresolved promises endpoint currently decides.
func (s *Store) DecidedPromises(endpoint ids.EndpointId) ([]ids.KRef, error) {
	return s.readDecided(endpoint)
}
