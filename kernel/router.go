package kernel

import (
	"strings"

	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/queue"
	"github.com/ocapkernel/kernel/store"
)

// router is the Kernel façade's concrete queue.Router: it is the only
// component that knows about both the vat and remote packages, so it picks
// the right Deliverer for a run-queue item's owning endpoint (spec §4.7).
type router struct {
	k *Kernel
}

func (r router) DelivererFor(item store.RunQueueItem) (queue.Deliverer, error) {
	endpoint, err := r.k.endpointFor(item)
	if err != nil {
		return nil, err
	}
	if endpoint == ids.KernelEndpoint {
		return nil, kerr.New(kerr.Protocol, "kernel: run-queue item addressed to the kernel endpoint itself", nil)
	}
	if strings.HasPrefix(string(endpoint), "v") {
		r.k.mu.Lock()
		ve, ok := r.k.vats[ids.VatId(endpoint)]
		r.k.mu.Unlock()
		if !ok {
			return nil, kerr.New(kerr.NotFound, "kernel: no running vat for endpoint "+string(endpoint), nil)
		}
		return ve.handle, nil
	}
	r.k.mu.Lock()
	rn := r.k.remote
	r.k.mu.Unlock()
	if rn == nil {
		return nil, kerr.New(kerr.NotFound, "kernel: no remote network configured for endpoint "+string(endpoint), nil)
	}
	return rn, nil
}

// endpointFor resolves which endpoint owns a run-queue item, exactly the
// way remote.RemoteNetwork.peerFor/ownerOf resolve it on the other side of
// the wire: an ItemSend only carries its target kref, so the owning
// endpoint has to be looked up; ItemNotify/ItemGCAction/ItemReap carry it
// directly.
func (k *Kernel) endpointFor(item store.RunQueueItem) (ids.EndpointId, error) {
	switch item.Kind {
	case store.ItemSend:
		return k.ownerOf(item.Target)
	case store.ItemNotify, store.ItemGCAction:
		return item.Endpoint, nil
	case store.ItemReap:
		return item.Vat.Endpoint(), nil
	default:
		return "", kerr.New(kerr.Protocol, "kernel: unroutable run-queue item kind", nil)
	}
}

func (k *Kernel) ownerOf(kref ids.KRef) (ids.EndpointId, error) {
	if kref.IsPromise() {
		p, err := k.store.GetKernelPromise(kref)
		if err != nil {
			return "", err
		}
		if p.Decider == nil {
			return "", kerr.New(kerr.NotFound, "kernel: promise has no decider", nil)
		}
		return *p.Decider, nil
	}
	obj, err := k.store.GetKernelObject(kref)
	if err != nil {
		return "", err
	}
	return obj.Owner, nil
}
