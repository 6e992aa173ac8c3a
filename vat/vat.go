// Package vat implements VatHandle (spec §4.5): per-vat dispatch, syscall
// handling, and the bidirectional JSON-RPC framing to a vat's worker
// process, hosted externally behind the platform.Worker interface.
package vat

import (
	"context"
	"encoding/json"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/clist"
	"github.com/ocapkernel/kernel/gc"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/klog"
	"github.com/ocapkernel/kernel/platform"
	"github.com/ocapkernel/kernel/queue"
	"github.com/ocapkernel/kernel/store"
)

var log = klog.Named("vat")
var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// State is the vat lifecycle state machine (spec §4.5).
type State int

const (
	Launching State = iota
	Running
	Terminating
	Terminated
)

func (s State) String() string {
	switch s {
	case Launching:
		return "launching"
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	default:
		return "?"
	}
}

// Config mirrors the worker-facing initSupervisor parameters.
type Config struct {
	BundleSpec string          `json:"bundleSpec,omitempty"`
	BundleName string          `json:"bundleName,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Handle is the concrete VatHandle. It satisfies queue.Deliverer, so the
// Kernel façade's Router hands it run-queue items addressed to its vat
// directly.
type Handle struct {
	id     ids.VatId
	worker platform.Worker
	store  *store.Store
	clist  *clist.Translator
	queue  *queue.Queue
	gc     *gc.Engine

	mu    sync.Mutex
	state State
}

func New(id ids.VatId, worker platform.Worker, s *store.Store, tr *clist.Translator, q *queue.Queue, g *gc.Engine) *Handle {
	return &Handle{id: id, worker: worker, store: s, clist: tr, queue: q, gc: g, state: Launching}
}

func (h *Handle) ID() ids.VatId { return h.id }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Init sends initSupervisor and, on success, moves the vat to Running (spec
// §4.5). Bootstrap delivery (for the subcluster's designated bootstrap vat)
// is a separate Deliver call made by the Kernel façade once every sibling
// vat has also acked Init.
func (h *Handle) Init(ctx context.Context, cfg Config) error {
	params, err := wireJSON.Marshal(struct {
		VatId  ids.VatId `json:"vatId"`
		Config Config    `json:"config"`
	}{VatId: h.id, Config: cfg})
	if err != nil {
		return err
	}
	resp, err := h.worker.Call(ctx, platform.Request{Method: "initSupervisor", Params: params})
	if err != nil {
		return kerr.Wrap(err, kerr.StreamWrite, "vat: initSupervisor", map[string]any{"vat": string(h.id)})
	}
	if resp.Error != nil {
		return kerr.New(kerr.Protocol, "vat: initSupervisor rejected: "+resp.Error.Message,
			map[string]any{"vat": string(h.id)})
	}
	h.setState(Running)
	log.Infow("vat running", "vat", h.id)
	return nil
}

// --- deliver: kernel -> vat ------------------------------------------

type deliverParams struct {
	Item json.RawMessage `json:"item"`
}

// wireCapData is CapData as seen by a worker: slots are this vat's own
// erefs, never kernel-global krefs.
type wireCapData struct {
	Body  string     `json:"body"`
	Slots []ids.ERef `json:"slots"`
}

type wireSend struct {
	Kind     string      `json:"kind"`
	Target   ids.ERef    `json:"target"`
	Methargs wireCapData `json:"methargs"`
	Result   *ids.ERef   `json:"result,omitempty"`
}

type wireNotify struct {
	Kind string   `json:"kind"`
	Ref  ids.ERef `json:"ref"`
}

type wireRefs struct {
	Kind string     `json:"kind"`
	Refs []ids.ERef `json:"refs"`
}

// Deliver implements queue.Deliverer: translate the item's krefs into this
// vat's c-list erefs, send it to the worker, and drain any syscalls the
// worker emits while it's thinking (spec §4.5 "same channel, reverse
// direction") before returning the worker's CrankResults.
func (h *Handle) Deliver(item store.RunQueueItem) (queue.CrankResults, error) {
	if h.State() != Running {
		// Splat: silently drop, after releasing the queue-held refcount
		// the item was carrying (spec §4.5 "become splat").
		return queue.CrankResults{}, h.splat(item)
	}
	if item.Kind == store.ItemReap {
		if _, err := h.BringOutYourDead(context.Background()); err != nil {
			return queue.CrankResults{}, err
		}
		return queue.CrankResults{}, nil
	}

	raw, err := h.encodeItem(item)
	if err != nil {
		return queue.CrankResults{}, err
	}
	params, err := wireJSON.Marshal(deliverParams{Item: raw})
	if err != nil {
		return queue.CrankResults{}, err
	}

	type callResult struct {
		resp platform.Response
		err  error
	}
	done := make(chan callResult, 1)
	go func() {
		resp, err := h.worker.Call(context.Background(), platform.Request{Method: "deliver", Params: params})
		done <- callResult{resp, err}
	}()

	for {
		select {
		case sc := <-h.worker.Syscalls():
			if err := h.handleSyscall(sc); err != nil {
				return queue.CrankResults{}, err
			}
		case r := <-done:
			if r.err != nil {
				return queue.CrankResults{}, kerr.Wrap(r.err, kerr.StreamRead, "vat: deliver", nil)
			}
			if r.resp.Error != nil {
				return queue.CrankResults{}, kerr.New(kerr.Protocol, "vat: deliver rejected: "+r.resp.Error.Message, nil)
			}
			var results queue.CrankResults
			if len(r.resp.Result) > 0 {
				if err := wireJSON.Unmarshal(r.resp.Result, &results); err != nil {
					return queue.CrankResults{}, kerr.Wrap(err, kerr.Protocol, "vat: decode CrankResults", nil)
				}
			}
			return results, nil
		}
	}
}

// splat drops a delivery to a vat that is no longer Running, releasing the
// refcount the run-queue item was holding on its target/slots.
func (h *Handle) splat(item store.RunQueueItem) error {
	log.Debugw("vat: splat", "vat", h.id, "kind", item.Kind)
	endpoint := h.id.Endpoint()
	switch item.Kind {
	case store.ItemSend:
		remaining, err := h.store.DecrementRefCount(item.Target, store.TagQueueTarget)
		if err != nil {
			return err
		}
		if err := h.gc.AfterRelease(item.Target, remaining, endpoint); err != nil {
			return err
		}
		for _, slot := range item.Message.Methargs.Slots {
			remaining, err := h.store.DecrementRefCount(slot, store.TagQueueSlot)
			if err != nil {
				return err
			}
			if err := h.gc.AfterRelease(slot, remaining, endpoint); err != nil {
				return err
			}
		}
	case store.ItemNotify:
		remaining, err := h.store.DecrementRefCount(item.Kpid, store.TagNotify)
		if err != nil {
			return err
		}
		if err := h.gc.AfterRelease(item.Kpid, remaining, endpoint); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) encodeItem(item store.RunQueueItem) (json.RawMessage, error) {
	switch item.Kind {
	case store.ItemSend:
		target, err := h.clist.ToErefOutbound(h.id.Endpoint(), item.Target, store.TagQueueTarget)
		if err != nil {
			return nil, err
		}
		slots, err := h.clist.TranslateSlotsOutbound(h.id.Endpoint(), item.Message.Methargs)
		if err != nil {
			return nil, err
		}
		var resultEref *ids.ERef
		if item.Message.Result != nil {
			e, err := h.clist.ToErefOutbound(h.id.Endpoint(), *item.Message.Result, store.TagQueueResult)
			if err != nil {
				return nil, err
			}
			resultEref = &e
		}
		methargs := wireCapData{Body: item.Message.Methargs.Body, Slots: slots}
		return wireJSON.Marshal(wireSend{Kind: "send", Target: target, Methargs: methargs, Result: resultEref})
	case store.ItemNotify:
		ref, err := h.clist.ToErefOutbound(h.id.Endpoint(), item.Kpid, store.TagNotify)
		if err != nil {
			return nil, err
		}
		return wireJSON.Marshal(wireNotify{Kind: "notify", Ref: ref})
	case store.ItemGCAction:
		erefs := make([]ids.ERef, len(item.Krefs))
		for i, k := range item.Krefs {
			e, err := h.clist.ToErefOutbound(h.id.Endpoint(), k, "")
			if err != nil {
				return nil, err
			}
			erefs[i] = e
		}
		kind := map[store.GCActionKind]string{
			store.GCDropExports:    "dropExports",
			store.GCRetireExports:  "retireExports",
			store.GCDropImports:    "dropImports",
			store.GCRetireImports:  "retireImports",
		}[item.GCKind]
		return wireJSON.Marshal(wireRefs{Kind: kind, Refs: erefs})
	default:
		return nil, kerr.New(kerr.Protocol, "vat: item kind not deliverable to a vat", nil)
	}
}

// --- syscalls: vat -> kernel -----------------------------------------

type sendSyscall struct {
	Target   ids.ERef    `json:"target"`
	Methargs wireCapData `json:"methargs"`
	Result   *ids.ERef   `json:"result,omitempty"`
}

type subscribeSyscall struct {
	Ref ids.ERef `json:"ref"`
}

type resolveSyscall struct {
	Resolutions [][3]json.RawMessage `json:"resolutions"`
}

type refsSyscall struct {
	Refs []ids.ERef `json:"refs"`
}

type exitSyscall struct {
	IsFailure bool            `json:"isFailure"`
	Info      capdata.CapData `json:"info"`
}

type vatstoreSyscall struct {
	Key   string  `json:"key"`
	Value *string `json:"value,omitempty"`
}

// handleSyscall applies one vat-originated effect (spec §4.5, §6). Must be
// called from inside the open crank the triggering Deliver call is part of.
func (h *Handle) handleSyscall(sc platform.Syscall) error {
	endpoint := h.id.Endpoint()
	switch sc.Method {
	case "send":
		var p sendSyscall
		if err := wireJSON.Unmarshal(sc.Params, &p); err != nil {
			return kerr.Wrap(err, kerr.Protocol, "vat: malformed send syscall", nil)
		}
		target, err := h.clist.ToKrefInbound(endpoint, p.Target)
		if err != nil {
			return err
		}
		methargs, err := h.clist.TranslateSlotsInbound(endpoint, capdata.CapData{Body: p.Methargs.Body}, p.Methargs.Slots)
		if err != nil {
			return err
		}
		msg := capdata.Message{Methargs: methargs}
		if p.Result != nil {
			kpid, err := h.clist.ToKrefInbound(endpoint, *p.Result)
			if err != nil {
				return err
			}
			msg.Result = &kpid
			if err := h.store.IncrementRefCount(kpid, store.TagQueueResult); err != nil {
				return err
			}
		}
		if err := h.store.IncrementRefCount(target, store.TagQueueTarget); err != nil {
			return err
		}
		for _, slot := range methargs.Slots {
			if err := h.store.IncrementRefCount(slot, store.TagQueueSlot); err != nil {
				return err
			}
		}
		if target.IsPromise() {
			if p, perr := h.store.GetKernelPromise(target); perr == nil && p.State == store.Unresolved {
				return h.store.EnqueuePromiseMessage(target, target, msg)
			}
		}
		return h.store.BufferCrankOutput(store.SendItem(target, msg))

	case "subscribe":
		var p subscribeSyscall
		if err := wireJSON.Unmarshal(sc.Params, &p); err != nil {
			return kerr.Wrap(err, kerr.Protocol, "vat: malformed subscribe syscall", nil)
		}
		kpid, err := h.clist.ToKrefInbound(endpoint, p.Ref)
		if err != nil {
			return err
		}
		if err := h.store.IncrementRefCount(kpid, store.TagSubscribe); err != nil {
			return err
		}
		return h.store.AddSubscriber(kpid, endpoint)

	case "resolve":
		var p resolveSyscall
		if err := wireJSON.Unmarshal(sc.Params, &p); err != nil {
			return kerr.Wrap(err, kerr.Protocol, "vat: malformed resolve syscall", nil)
		}
		resolutions := make([]queue.VatOneResolution, 0, len(p.Resolutions))
		for _, triple := range p.Resolutions {
			var eref ids.ERef
			var rejected bool
			var wireData wireCapData
			if err := wireJSON.Unmarshal(triple[0], &eref); err != nil {
				return kerr.Wrap(err, kerr.Protocol, "vat: malformed resolution ref", nil)
			}
			if err := wireJSON.Unmarshal(triple[1], &rejected); err != nil {
				return kerr.Wrap(err, kerr.Protocol, "vat: malformed resolution flag", nil)
			}
			if err := wireJSON.Unmarshal(triple[2], &wireData); err != nil {
				return kerr.Wrap(err, kerr.Protocol, "vat: malformed resolution data", nil)
			}
			kpid, err := h.clist.ToKrefInbound(endpoint, eref)
			if err != nil {
				return err
			}
			data, err := h.clist.TranslateSlotsInbound(endpoint, capdata.CapData{Body: wireData.Body}, wireData.Slots)
			if err != nil {
				return err
			}
			resolutions = append(resolutions, queue.VatOneResolution{Kpid: kpid, Rejected: rejected, Data: data})
		}
		return h.queue.ProcessResolutions(endpoint, resolutions)

	case "dropImports", "retireImports":
		var p refsSyscall
		if err := wireJSON.Unmarshal(sc.Params, &p); err != nil {
			return kerr.Wrap(err, kerr.Protocol, "vat: malformed "+sc.Method+" syscall", nil)
		}
		for _, eref := range p.Refs {
			kref, ok, err := h.store.ErefToKref(endpoint, eref)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := h.clist.Forget(endpoint, kref); err != nil {
				return err
			}
		}
		return nil

	case "retireExports":
		// Distinct from dropImports/retireImports: this vat is the owner of
		// each ref, confirming it no longer recognizes its own export (spec
		// §8 scenario 3's final step), not merely dropping an import.
		var p refsSyscall
		if err := wireJSON.Unmarshal(sc.Params, &p); err != nil {
			return kerr.Wrap(err, kerr.Protocol, "vat: malformed "+sc.Method+" syscall", nil)
		}
		for _, eref := range p.Refs {
			kref, ok, err := h.store.ErefToKref(endpoint, eref)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := h.clist.Forget(endpoint, kref); err != nil {
				return err
			}
			if !kref.IsObject() {
				continue
			}
			recognizable, err := h.store.DecrementRecognizable(kref)
			if err != nil {
				return err
			}
			if err := h.gc.RetireRecognition(kref, recognizable); err != nil {
				return err
			}
		}
		return nil

	case "exit":
		var p exitSyscall
		if err := wireJSON.Unmarshal(sc.Params, &p); err != nil {
			return kerr.Wrap(err, kerr.Protocol, "vat: malformed exit syscall", nil)
		}
		if p.IsFailure {
			log.Warnw("vat: exit with failure", "vat", h.id, "info", p.Info.Body)
		}
		return h.store.BufferCrankOutput(store.ReapItem(h.id))

	case "vatstoreGet":
		var p vatstoreSyscall
		if err := wireJSON.Unmarshal(sc.Params, &p); err != nil {
			return kerr.Wrap(err, kerr.Protocol, "vat: malformed vatstoreGet syscall", nil)
		}
		value, found, err := h.store.VatStoreGet(h.id, p.Key)
		if sc.Reply != nil {
			switch {
			case err != nil:
				sc.Reply(nil, err)
			case !found:
				sc.Reply(json.RawMessage("null"), nil)
			default:
				raw, _ := wireJSON.Marshal(value)
				sc.Reply(raw, nil)
			}
		}
		return err

	case "vatstoreSet":
		var p vatstoreSyscall
		if err := wireJSON.Unmarshal(sc.Params, &p); err != nil {
			return kerr.Wrap(err, kerr.Protocol, "vat: malformed vatstoreSet syscall", nil)
		}
		if p.Value == nil {
			return kerr.New(kerr.Protocol, "vat: vatstoreSet missing value", nil)
		}
		return h.store.VatStoreSet(h.id, p.Key, *p.Value)

	case "vatstoreDelete":
		var p vatstoreSyscall
		if err := wireJSON.Unmarshal(sc.Params, &p); err != nil {
			return kerr.Wrap(err, kerr.Protocol, "vat: malformed vatstoreDelete syscall", nil)
		}
		return h.store.VatStoreDelete(h.id, p.Key)

	default:
		return kerr.New(kerr.Protocol, "vat: unknown syscall "+sc.Method, nil)
	}
}

// bringOutYourDead asks the worker for its possibly-dead set, the local
// reap sweep the crank loop schedules via store.AddPendingReap (spec §4.3
// step 3, §6 "bringOutYourDead").
func (h *Handle) BringOutYourDead(ctx context.Context) ([]ids.KRef, error) {
	resp, err := h.worker.Call(ctx, platform.Request{Method: "bringOutYourDead"})
	if err != nil {
		return nil, kerr.Wrap(err, kerr.StreamWrite, "vat: bringOutYourDead", nil)
	}
	var out struct {
		PossiblyDeadSet []ids.ERef `json:"possiblyDeadSet"`
	}
	if err := wireJSON.Unmarshal(resp.Result, &out); err != nil {
		return nil, err
	}
	krefs := make([]ids.KRef, 0, len(out.PossiblyDeadSet))
	for _, eref := range out.PossiblyDeadSet {
		if kref, ok, err := h.store.ErefToKref(h.id.Endpoint(), eref); err == nil && ok {
			krefs = append(krefs, kref)
		}
	}
	return krefs, nil
}

// Terminate implements spec §4.5 terminate(): flush pending deliveries,
// instruct the platform to stop the worker, and reject every promise this
// vat still decides with reason. The vat's c-list entries are left in the
// store; Terminate does not remove them. The rejections run inside their
// own crank bracket so they are atomic with the rest of kernel state.
func (h *Handle) Terminate(ctx context.Context, reason string) error {
	h.setState(Terminating)
	h.gc.MarkTerminated(h.id.Endpoint())

	if err := h.store.StartCrank(); err != nil {
		return err
	}
	if err := h.store.CreateCrankSavepoint("start"); err != nil {
		_ = h.store.EndCrank()
		return err
	}

	decided, err := h.store.DecidedPromises(h.id.Endpoint())
	if err != nil {
		_ = h.store.RollbackCrank("start")
		_ = h.store.EndCrank()
		return err
	}
	for _, kpid := range decided {
		reasonData := capdata.CapData{Body: `"` + reason + `"`}
		if _, err := h.store.ResolveKernelPromise(kpid, true, reasonData); err != nil {
			_ = h.store.RollbackCrank("start")
			_ = h.store.EndCrank()
			return err
		}
	}

	if err := h.store.EndCrank(); err != nil {
		return err
	}
	if _, err := h.store.FlushCrankBuffer(); err != nil {
		return err
	}

	if err := h.worker.Close(); err != nil {
		log.Warnw("vat: worker close error during terminate", "vat", h.id, "err", err)
	}
	h.setState(Terminated)
	log.Infow("vat terminated", "vat", h.id, "reason", reason)
	return nil
}
