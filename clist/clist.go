// Package clist implements the CListTranslator (spec §4.2): a thin layer
// over the KernelStore c-list operations that additionally allocates krefs
// for newly-exported objects, mints erefs for newly-imported references,
// and keeps refcount discipline ("clist" tag) as slots move across the
// eref/kref boundary.
package clist

import (
	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/gc"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/klog"
	"github.com/ocapkernel/kernel/store"
)

var log = klog.Named("clist")

// Translator wraps one KernelStore for c-list translation, shared by every
// endpoint (the store's keys are already per-endpoint namespaced).
type Translator struct {
	store *store.Store
	gc    *gc.Engine
	// erefCounters tracks the next o+/o-/p+/p- counter per endpoint, so
	// minted erefs are unique within that endpoint regardless of which
	// direction allocated them.
	erefCounters map[ids.EndpointId]uint64
}

func New(s *store.Store, g *gc.Engine) *Translator {
	return &Translator{store: s, gc: g, erefCounters: make(map[ids.EndpointId]uint64)}
}

func (t *Translator) nextEref(endpoint ids.EndpointId) uint64 {
	n := t.erefCounters[endpoint]
	t.erefCounters[endpoint] = n + 1
	return n
}

// ToKrefInbound translates one eref arriving from endpoint (a syscall
// argument or slot) into a kref, allocating a fresh kref if this is the
// endpoint's first export of that eref, and incrementing the "clist" tag
// when the pairing is newly introduced (spec §4.2).
func (t *Translator) ToKrefInbound(endpoint ids.EndpointId, eref ids.ERef) (ids.KRef, error) {
	if kref, ok, err := t.store.ErefToKref(endpoint, eref); err != nil {
		return "", err
	} else if ok {
		return kref, nil
	}

	var (
		kref ids.KRef
		err  error
	)
	if eref.IsPromise() {
		owner := endpoint
		kref, _, err = t.store.InitKernelPromise(&owner)
	} else {
		kref, _, err = t.store.InitKernelObject(endpoint)
	}
	if err != nil {
		return "", err
	}
	if err := t.store.AddClistEntry(endpoint, kref, eref); err != nil {
		return "", err
	}
	if err := t.store.IncrementRefCount(kref, store.TagClist); err != nil {
		return "", err
	}
	log.Debugw("clist: allocated kref for inbound eref", "endpoint", endpoint, "eref", eref, "kref", kref)
	return kref, nil
}

// ToErefOutbound translates kref for delivery to endpoint, minting a new
// eref (with import polarity, since the delivery target did not originate
// the reference) if this is the first time endpoint has seen kref, and
// transferring the refcount hold named by heldTag to "clist" (spec §4.2).
// heldTag is whichever tag the run-queue item was holding kref under while
// queued — "queue|target" for a Send's target, "queue|slot" for one of its
// methargs slots, "queue|result" for its result promise, "notify" for a
// Notify item's promise. Pass "" when the item carries no such hold (GC
// action krefs: the object's refcount already reached zero before the
// action was scheduled, so there is nothing left to transfer).
func (t *Translator) ToErefOutbound(endpoint ids.EndpointId, kref ids.KRef, heldTag store.RefTag) (ids.ERef, error) {
	if eref, ok, err := t.store.KrefToEref(endpoint, kref); err != nil {
		return "", err
	} else if ok {
		return eref, nil
	}

	n := t.nextEref(endpoint)
	var eref ids.ERef
	if kref.IsPromise() {
		eref = ids.NewRemoteProm(n)
	} else {
		eref = ids.NewImportedObj(n)
	}
	if err := t.store.AddClistEntry(endpoint, kref, eref); err != nil {
		return "", err
	}
	if heldTag != "" {
		if _, err := t.store.DecrementRefCount(kref, heldTag); err != nil {
			return "", err
		}
	}
	if err := t.store.IncrementRefCount(kref, store.TagClist); err != nil {
		return "", err
	}
	log.Debugw("clist: minted eref for outbound kref", "endpoint", endpoint, "kref", kref, "eref", eref)
	return eref, nil
}

// TranslateSlotsInbound converts every slot in data from endpoint's erefs
// to krefs.
func (t *Translator) TranslateSlotsInbound(endpoint ids.EndpointId, data capdata.CapData, erefs []ids.ERef) (capdata.CapData, error) {
	out := data
	out.Slots = make([]ids.KRef, len(erefs))
	for i, e := range erefs {
		kref, err := t.ToKrefInbound(endpoint, e)
		if err != nil {
			return capdata.CapData{}, err
		}
		out.Slots[i] = kref
	}
	return out, nil
}

// TranslateSlotsOutbound converts every slot in data into endpoint's erefs.
func (t *Translator) TranslateSlotsOutbound(endpoint ids.EndpointId, data capdata.CapData) ([]ids.ERef, error) {
	out := make([]ids.ERef, len(data.Slots))
	for i, k := range data.Slots {
		e, err := t.ToErefOutbound(endpoint, k, store.TagQueueSlot)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// Forget drops endpoint's c-list entry for kref, releasing the "clist"
// refcount hold it carried and running the resulting GC-signal wiring
// (mirrors store.ForgetKref plus gc.Engine.AfterRelease, exposed here so
// callers only need the one package for translation and teardown).
func (t *Translator) Forget(endpoint ids.EndpointId, kref ids.KRef) error {
	remaining, ok, err := t.store.ForgetKref(endpoint, kref)
	if err != nil || !ok {
		return err
	}
	return t.gc.AfterRelease(kref, remaining, endpoint)
}
