// Package gc implements the GCEngine (spec §4.4): computes drop/retire
// signals from refcount transitions and coalesces them into batched
// GCAction run-queue items.
package gc

import (
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/klog"
	"github.com/ocapkernel/kernel/store"
)

var log = klog.Named("gc")

// MetricsSink receives GC-action counts (kernel/metrics.go's gcActions
// counter). Implementations must tolerate a nil receiver the way kernel's
// own metrics type does; Engine also tolerates a nil MetricsSink outright,
// so passing nil from a test or a metrics-less caller is always safe.
type MetricsSink interface {
	IncGCAction()
}

// Engine observes refcount transitions reported by the crank loop and
// schedules the resulting cross-endpoint GC signals.
type Engine struct {
	store   *store.Store
	metrics MetricsSink
	// terminated endpoints never receive GC actions (spec §4.4).
	terminated map[ids.EndpointId]bool
}

func New(s *store.Store, m MetricsSink) *Engine {
	return &Engine{store: s, metrics: m, terminated: make(map[ids.EndpointId]bool)}
}

func (e *Engine) incMetric() {
	if e.metrics != nil {
		e.metrics.IncGCAction()
	}
}

func (e *Engine) MarkTerminated(endpoint ids.EndpointId) { e.terminated[endpoint] = true }

func (e *Engine) MarkLive(endpoint ids.EndpointId) { delete(e.terminated, endpoint) }

// ObjectRefDropped must be called every time a kernel object's refcount
// transitions to zero. It computes and schedules dropExports/retireExports
// against the object's owner only; importers are signalled separately, via
// ImporterDroppedLastRef.
//
// Ordering invariant (spec §4.4): dropExports always precedes
// retireExports for the same kref, and neither is interleaved with further
// sends using that kref — callers achieve this simply by calling this
// method exactly once, synchronously, at the refcount-zero transition
// inside the same crank that caused it.
func (e *Engine) ObjectRefDropped(kref ids.KRef, obj *store.KernelObject) error {
	if e.terminated[obj.Owner] {
		log.Debugw("gc: skipping actions for terminated endpoint", "endpoint", obj.Owner, "kref", kref)
		return nil
	}
	e.incMetric()
	if obj.Recognizable > 0 {
		return e.store.AddPendingGC(obj.Owner, store.GCDropExports, []ids.KRef{kref})
	}
	return e.store.AddPendingGC(obj.Owner, store.GCRetireExports, []ids.KRef{kref})
}

// ObjectRetireRecognized must be called when an object's Recognizable
// count itself reaches zero after its refcount was already zero (the
// exporter had already been sent dropExports and is now told it may
// delete the object entirely).
func (e *Engine) ObjectRetireRecognized(kref ids.KRef, owner ids.EndpointId) error {
	if e.terminated[owner] {
		return nil
	}
	e.incMetric()
	return e.store.AddPendingGC(owner, store.GCRetireExports, []ids.KRef{kref})
}

// ImporterDroppedLastRef notifies importer that it should clear its own
// strong hold on kref (mirrors dropExports, but addressed to an importer
// rather than the owner — used when one importer's own local refcount for
// an imported object falls to zero while other importers remain live).
func (e *Engine) ImporterDroppedLastRef(kref ids.KRef, importer ids.EndpointId, recognizable bool) error {
	if e.terminated[importer] {
		return nil
	}
	kind := store.GCDropImports
	if !recognizable {
		kind = store.GCRetireImports
	}
	e.incMetric()
	return e.store.AddPendingGC(importer, kind, []ids.KRef{kref})
}

// AfterRelease must be called every time a caller releases a refcount hold
// on kref (clist.Translator.Forget, a vat's splat of its own syscall-held
// tags, or the remote equivalent), passing the refcount remaining after the
// release and the endpoint that released it ("" if the release has no
// single releasing endpoint, e.g. a GC-batch cleanup).
//
// Promises carry no GCAction in spec §4.4 (GC actions are objects-only);
// reaching zero just deletes the record. For objects, reaching zero fires
// ObjectRefDropped against the owner (spec §8 scenario 3). The store only
// tracks one aggregate refcount per kref rather than per-importer counts,
// so the case of one importer among several releasing its own hold while
// the kref survives is handled best-effort: if the releasing endpoint is
// not the owner, it is told via ImporterDroppedLastRef that it may drop its
// own local strong hold, even though other importers keep the kref alive.
func (e *Engine) AfterRelease(kref ids.KRef, remaining uint64, origin ids.EndpointId) error {
	if kref.IsPromise() {
		if remaining == 0 {
			return e.store.DeleteKernelRecord(kref)
		}
		return nil
	}
	obj, err := e.store.GetKernelObject(kref)
	if err != nil {
		return err
	}
	if remaining == 0 {
		if err := e.ObjectRefDropped(kref, obj); err != nil {
			return err
		}
		if obj.Recognizable == 0 {
			return e.store.DeleteKernelRecord(kref)
		}
		return nil
	}
	if origin != "" && origin != obj.Owner {
		if err := e.ImporterDroppedLastRef(kref, origin, obj.Recognizable > 0); err != nil {
			return err
		}
	}
	return nil
}

// RetireRecognition must be called after an owner's retireExports syscall
// (or the remote equivalent) drops kref's Recognizable counter to
// recognizable. If the refcount had already reached zero (spec §8 scenario
// 3: dropExports already sent, owner now confirming), this is the final
// GC step: ObjectRetireRecognized tells the owner it may finalize its own
// local export-table entry, and the kernel record is deleted.
func (e *Engine) RetireRecognition(kref ids.KRef, recognizable uint64) error {
	if recognizable > 0 {
		return nil
	}
	obj, err := e.store.GetKernelObject(kref)
	if err != nil {
		return err
	}
	if obj.RefCount != 0 {
		return nil
	}
	if err := e.ObjectRetireRecognized(kref, obj.Owner); err != nil {
		return err
	}
	return e.store.DeleteKernelRecord(kref)
}

// Pending reports whether at least one coalesced GC batch is ready to be
// dequeued by the crank loop (spec §4.3 step 2: GC has priority over
// ordinary run-queue messages).
func (e *Engine) Pending() (bool, error) {
	// NextGCAction pops, so we peek by popping and immediately pushing
	// back if non-nil. The push-back appends the batch to the end of the
	// pending order, so a probe moves the head batch to the back. The
	// crank loop does not call Pending; Step consumes GC batches through
	// store.NextGCAction directly.
	item, err := e.store.NextGCAction()
	if err != nil || item == nil {
		return false, err
	}
	if err := e.store.AddPendingGC(item.Endpoint, item.GCKind, item.Krefs); err != nil {
		return false, err
	}
	return true, nil
}
