package store

import (
	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
)

// PendingResolution is one kernel-internal subscription firing staged
// during a crank (spec §4.3 step 6: subscription callbacks only fire once
// flushCrankBuffer runs, i.e. after the crank that resolved the promise
// actually commits — not while it is still open and might roll back).
type PendingResolution struct {
	Kpid     ids.KRef
	Rejected bool
	Data     capdata.CapData
}

// BufferResolution stages a subscription firing so it only happens if the
// crank currently open commits (the counterpart to BufferCrankOutput for
// ordinary run-queue output).
func (s *Store) BufferResolution(r PendingResolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.crank == nil {
		return kerr.New(kerr.InvariantViolation, "store: buffer resolution outside crank", nil)
	}
	s.crank.resolutions = append(s.crank.resolutions, r)
	return nil
}

// FlushPendingResolutions drains the subscription firings staged during the
// crank just committed by EndCrank. Must be called after EndCrank and
// before the next StartCrank, same discipline as FlushCrankBuffer.
func (s *Store) FlushPendingResolutions() []PendingResolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.pendingResolutions
	s.pendingResolutions = nil
	return drained
}
