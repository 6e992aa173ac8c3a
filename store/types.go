package store

import (
	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/ids"
)

// KernelObject is the durable record for one kernel-global object reference
// (spec §3).
type KernelObject struct {
	Owner        ids.EndpointId `json:"owner"`
	RefCount     uint64         `json:"refCount"`
	Reachable    bool           `json:"reachable"`
	Recognizable uint64         `json:"recognizable"`
}

// PromiseState is the lifecycle of a KernelPromise.
type PromiseState int

const (
	Unresolved PromiseState = iota
	Fulfilled
	Rejected
)

func (s PromiseState) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	default:
		return "?"
	}
}

// KernelPromise is the durable record for one kernel-global promise. Its
// pipelined message queue is not inlined here: each queued message is its
// own msgp-encoded kp.<n>.q.<i> entry (store/promises.go), addressed by the
// QueueHead/QueueTail counters the same way the run queue addresses
// runQueue.<i> (spec §3 "kp.<n> ... queueHead, queueTail").
type KernelPromise struct {
	Decider     *ids.EndpointId         `json:"decider,omitempty"`
	State       PromiseState            `json:"state"`
	Value       *capdata.CapData        `json:"value,omitempty"`
	Subscribers map[ids.EndpointId]bool `json:"subscribers,omitempty"`
	QueueHead   uint64                  `json:"queueHead"`
	QueueTail   uint64                  `json:"queueTail"`
}

// RunQueueItemKind tags the union in RunQueueItem.
type RunQueueItemKind int

const (
	ItemSend RunQueueItemKind = iota
	ItemNotify
	ItemGCAction
	ItemReap
)

// GCActionKind distinguishes the four GC signal kinds from spec §4.4.
type GCActionKind int

const (
	GCDropExports GCActionKind = iota
	GCRetireExports
	GCDropImports
	GCRetireImports
)

func (k GCActionKind) String() string {
	switch k {
	case GCDropExports:
		return "dropExports"
	case GCRetireExports:
		return "retireExports"
	case GCDropImports:
		return "dropImports"
	case GCRetireImports:
		return "retireImports"
	default:
		return "?"
	}
}

// RunQueueItem is the tagged union spec §3 calls RunQueueItem: exactly one
// of the typed fields is populated, matching Kind.
type RunQueueItem struct {
	Kind RunQueueItemKind `json:"kind"`

	// ItemSend
	Target  ids.KRef        `json:"target,omitempty"`
	Message capdata.Message `json:"message,omitempty"`

	// ItemNotify
	Endpoint ids.EndpointId `json:"endpoint,omitempty"`
	Kpid     ids.KRef       `json:"kpid,omitempty"`

	// ItemGCAction
	GCKind GCActionKind `json:"gcKind,omitempty"`
	Krefs  []ids.KRef   `json:"krefs,omitempty"`

	// ItemReap
	Vat ids.VatId `json:"vat,omitempty"`
}

func SendItem(target ids.KRef, msg capdata.Message) RunQueueItem {
	return RunQueueItem{Kind: ItemSend, Target: target, Message: msg}
}

func NotifyItem(endpoint ids.EndpointId, kpid ids.KRef) RunQueueItem {
	return RunQueueItem{Kind: ItemNotify, Endpoint: endpoint, Kpid: kpid}
}

func GCActionItem(kind GCActionKind, endpoint ids.EndpointId, krefs []ids.KRef) RunQueueItem {
	return RunQueueItem{Kind: ItemGCAction, GCKind: kind, Endpoint: endpoint, Krefs: krefs}
}

func ReapItem(vat ids.VatId) RunQueueItem {
	return RunQueueItem{Kind: ItemReap, Vat: vat}
}

// RefTag is the diagnostic label on every refcount increment/decrement
// (spec §4.1).
type RefTag string

const (
	TagQueueTarget RefTag = "queue|target"
	TagQueueSlot   RefTag = "queue|slot"
	TagQueueResult RefTag = "queue|result"
	TagResolveKpid RefTag = "resolve|kpid"
	TagResolveSlot RefTag = "resolve|slot"
	TagNotify      RefTag = "notify"
	TagClist       RefTag = "clist"
	TagSubscribe   RefTag = "subscribe"
)
