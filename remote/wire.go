package remote

import "github.com/ocapkernel/kernel/ids"

// remoteDeliverParams is the payload of a "remoteDeliver" frame (spec §6):
// message is an opaque, already-marshalled wireSend/wireNotify/wireResolve
// envelope, mirroring how CapData.Body carries an opaque marshalled value.
type remoteDeliverParams struct {
	From    ids.RemoteId `json:"from"`
	Message string       `json:"message"`
}

// remoteDeliverResult is the reply to a "remoteDeliver" call: a non-empty
// string is a further frame to post back to the sender, empty/absent means
// none (spec §6 "string | null").
type remoteDeliverResult struct {
	Reply string `json:"reply,omitempty"`
}

type remoteGiveUpParams struct {
	PeerId ids.RemoteId `json:"peerId"`
}

type remoteIncarnationChangeParams struct {
	PeerId         ids.RemoteId `json:"peerId"`
	OldIncarnation uint64       `json:"oldIncarnation"`
	NewIncarnation uint64       `json:"newIncarnation"`
}

type helloParams struct {
	Token string `json:"token"`
}

// envelopeKind peeks at a remoteDeliver message's "kind" tag before
// deciding which of wireSend/wireResolve to unmarshal it as.
type envelopeKind struct {
	Kind string `json:"kind"`
}

// wireCapData/wireSend/wireNotify mirror the vat package's wire-level
// shapes: slots are the remote peer's own erefs, never kernel krefs. They
// are duplicated here rather than imported from vat — vat and remote are
// sibling queue.Deliverer implementations at the same layer, neither should
// import the other.
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

// wireResolve mirrors vat.go's "resolve" syscall shape: a batch of
// (eref, rejected, data) triples a peer is resolving promises it decides.
// Each resolution is decoded as a [3]json.RawMessage triple in remote.go,
// the same way vat.go's "resolve" syscall handler does — a heterogeneous
// (ERef, bool, CapData) tuple has no single static Go array element type.
type wireResolve struct {
	Kind string `json:"kind"`
}
