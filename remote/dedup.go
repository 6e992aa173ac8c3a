package remote

import (
	"fmt"
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/ocapkernel/kernel/ids"
)

const dedupFilterCapacity = 4096

// dedup keeps a per-peer cuckoo filter of recently-seen inbound frame ids,
// making at-most-once delivery per byte-stream (spec §4.6) cheap to enforce
// without an unbounded seen-set: a false positive only costs an occasional
// spuriously-dropped retransmit of a frame already applied, never a replay.
type dedup struct {
	mu      sync.Mutex
	filters map[ids.RemoteId]*cuckoo.Filter
}

func newDedup() *dedup {
	return &dedup{filters: make(map[ids.RemoteId]*cuckoo.Filter)}
}

func frameKey(peer ids.RemoteId, frameID uint64) []byte {
	return []byte(fmt.Sprintf("%s:%d", peer, frameID))
}

// seen reports whether (peer, frameID) was already observed, recording it
// if not.
func (d *dedup) seen(peer ids.RemoteId, frameID uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.filters[peer]
	if !ok {
		f = cuckoo.NewFilter(dedupFilterCapacity)
		d.filters[peer] = f
	}
	key := frameKey(peer, frameID)
	if f.Lookup(key) {
		return true
	}
	f.InsertUnique(key)
	return false
}

// reset discards peer's filter — called on an incarnation change, since the
// new incarnation's frame ids restart from zero and must not be mistaken
// for replays of the old incarnation's.
func (d *dedup) reset(peer ids.RemoteId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.filters, peer)
}
