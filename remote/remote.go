package remote

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/clist"
	"github.com/ocapkernel/kernel/gc"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/klog"
	"github.com/ocapkernel/kernel/queue"
	"github.com/ocapkernel/kernel/store"
)

var log = klog.Named("remote")

// MetricsSink receives reconnection-attempt counts (kernel/metrics.go's
// reconnectTries counter). A nil MetricsSink is always safe to pass.
type MetricsSink interface {
	IncReconnectAttempt()
}

const (
	// MaxQueue bounds each peer's pending-frame queue (spec §4.6, §8
	// property 7).
	MaxQueue = 200
	// DefaultBackoffBase/DefaultBackoffCap are the reference reconnection
	// backoff parameters (spec §4.6, §8 scenario 6).
	DefaultBackoffBase = 100 * time.Millisecond
	DefaultBackoffCap  = 30 * time.Second
	helloTTL           = 30 * time.Second
)

type peerConn struct {
	channel     Channel
	hints       []string
	incarnation uint64
}

// RemoteNetwork implements spec §4.6. It satisfies queue.Deliverer so the
// Kernel façade's Router can hand it run-queue items addressed to a remote
// peer's endpoint, the same way it hands vat-addressed items to
// vat.Handle.
type RemoteNetwork struct {
	localId ids.RemoteId
	secret  []byte
	dialer  Dialer
	store   *store.Store
	clist   *clist.Translator
	queue   *queue.Queue
	gc      *gc.Engine
	metrics MetricsSink

	mu          sync.Mutex
	peers       map[ids.RemoteId]*peerConn
	queues      map[ids.RemoteId]*MessageQueue
	nextFrameID map[ids.RemoteId]uint64

	reconn      *ReconnectionManager
	dedup       *dedup
	dialGroup   singleflight.Group
	maxAttempts int // 0 = infinite (spec §4.6 "shouldRetry")
	maxQueue    int

	abortMu sync.Mutex
	aborted bool
	abortCh chan struct{}
}

// New builds a RemoteNetwork with the reference backoff/queue parameters.
// secret is the shared HMAC key peers use to sign/verify the hello
// handshake; maxAttempts is the reconnection loop's retry ceiling (0 =
// infinite).
func New(localId ids.RemoteId, secret []byte, dialer Dialer, s *store.Store, tr *clist.Translator, q *queue.Queue, g *gc.Engine, maxAttempts int, m MetricsSink) *RemoteNetwork {
	return NewConfigured(localId, secret, dialer, s, tr, q, g, maxAttempts, DefaultBackoffBase, DefaultBackoffCap, MaxQueue, m)
}

// NewConfigured is New with every spec §4.6 tunable exposed, so the Kernel
// façade can thread config.Config's reconnect/queue settings through instead
// of always taking the package defaults.
func NewConfigured(localId ids.RemoteId, secret []byte, dialer Dialer, s *store.Store, tr *clist.Translator, q *queue.Queue, g *gc.Engine, maxAttempts int, backoffBase, backoffCap time.Duration, maxQueue int, m MetricsSink) *RemoteNetwork {
	return &RemoteNetwork{
		localId:     localId,
		secret:      secret,
		dialer:      dialer,
		store:       s,
		clist:       tr,
		queue:       q,
		gc:          g,
		metrics:     m,
		peers:       make(map[ids.RemoteId]*peerConn),
		queues:      make(map[ids.RemoteId]*MessageQueue),
		nextFrameID: make(map[ids.RemoteId]uint64),
		reconn:      NewReconnectionManager(backoffBase, backoffCap),
		dedup:       newDedup(),
		maxAttempts: maxAttempts,
		maxQueue:    maxQueue,
		abortCh:     make(chan struct{}),
	}
}

func (n *RemoteNetwork) isAborted() bool {
	select {
	case <-n.abortCh:
		return true
	default:
		return false
	}
}

// Stop aborts all delays and pending dials via the shared cancellation
// signal and clears every peer's state (spec §5 "stop() on the remote
// network").
func (n *RemoteNetwork) Stop() {
	n.abortMu.Lock()
	if n.aborted {
		n.abortMu.Unlock()
		return
	}
	n.aborted = true
	close(n.abortCh)
	n.abortMu.Unlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		_ = p.channel.Close()
	}
	n.peers = make(map[ids.RemoteId]*peerConn)
	n.queues = make(map[ids.RemoteId]*MessageQueue)
}

func (n *RemoteNetwork) nextFrameIDFor(peer ids.RemoteId) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextFrameID[peer]
	n.nextFrameID[peer] = id + 1
	return id
}

func (n *RemoteNetwork) queueFor(peer ids.RemoteId) *MessageQueue {
	n.mu.Lock()
	defer n.mu.Unlock()
	q, ok := n.queues[peer]
	if !ok {
		q = NewMessageQueue(n.maxQueue)
		n.queues[peer] = q
	}
	return q
}

func (n *RemoteNetwork) enqueue(peer ids.RemoteId, f Frame) {
	if dropped := n.queueFor(peer).Enqueue(f); dropped {
		log.Warnw("remote: message queue full, dropping newest frame", "peer", peer)
	}
}

// --- dialing --------------------------------------------------------------

// dialIdempotent reuses peer's live channel if one exists; otherwise it
// dials, handshakes, and installs a new one. Concurrent callers for the
// same peer collapse onto a single dial attempt via singleflight (spec
// §4.6, §8 "dialing a peer that is currently reconnecting must not start a
// parallel dial").
func (n *RemoteNetwork) dialIdempotent(ctx context.Context, peer ids.RemoteId, hints []string) (Channel, error) {
	n.mu.Lock()
	if p, ok := n.peers[peer]; ok {
		n.mu.Unlock()
		return p.channel, nil
	}
	n.mu.Unlock()

	v, err, _ := n.dialGroup.Do(string(peer), func() (interface{}, error) {
		n.mu.Lock()
		if p, ok := n.peers[peer]; ok {
			n.mu.Unlock()
			return p.channel, nil
		}
		n.mu.Unlock()

		ch, err := n.dialer.Dial(ctx, peer, hints)
		if err != nil {
			return nil, err
		}
		if err := n.dialHandshake(ctx, peer, ch); err != nil {
			_ = ch.Close()
			return nil, err
		}

		n.mu.Lock()
		n.peers[peer] = &peerConn{channel: ch, hints: hints}
		n.mu.Unlock()

		go n.readLoop(peer, ch)
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Channel), nil
}

// dialHandshake performs the active (dialing) side of the hello exchange:
// sign and send our own identity assertion, then read and verify the
// peer's.
func (n *RemoteNetwork) dialHandshake(ctx context.Context, peer ids.RemoteId, ch Channel) error {
	token, err := signHello(n.localId, n.secret, helloTTL)
	if err != nil {
		return kerr.Wrap(err, kerr.FatalNetwork, "remote: sign hello", nil)
	}
	params, err := json.Marshal(helloParams{Token: token})
	if err != nil {
		return err
	}
	if err := ch.Write(ctx, Frame{ID: n.nextFrameIDFor(peer), Method: "hello", Params: params}); err != nil {
		return kerr.Wrap(err, kerr.RetryableNetwork, "remote: write hello", nil)
	}
	reply, err := ch.Read(ctx)
	if err != nil {
		return kerr.Wrap(err, kerr.RetryableNetwork, "remote: read hello reply", nil)
	}
	var p helloParams
	if err := json.Unmarshal(reply.Params, &p); err != nil {
		return kerr.Wrap(err, kerr.FatalNetwork, "remote: malformed hello reply", nil)
	}
	asserted, err := verifyHello(p.Token, n.secret)
	if err != nil {
		return err
	}
	if asserted != peer {
		return kerr.New(kerr.FatalNetwork, "remote: peer asserted wrong identity",
			map[string]any{"expected": string(peer), "got": string(asserted)})
	}
	return nil
}

// Accept installs an already-open, not-yet-authenticated channel handed to
// RemoteNetwork by whatever accepts inbound connections on its behalf,
// performs the passive side of the hello handshake, and starts its read
// loop.
func (n *RemoteNetwork) Accept(ctx context.Context, peer ids.RemoteId, ch Channel) error {
	frame, err := ch.Read(ctx)
	if err != nil {
		return kerr.Wrap(err, kerr.RetryableNetwork, "remote: read hello", nil)
	}
	if frame.Method != "hello" {
		return kerr.New(kerr.Protocol, "remote: expected hello, got "+frame.Method, nil)
	}
	var p helloParams
	if err := json.Unmarshal(frame.Params, &p); err != nil {
		return kerr.Wrap(err, kerr.FatalNetwork, "remote: malformed hello", nil)
	}
	asserted, err := verifyHello(p.Token, n.secret)
	if err != nil {
		return err
	}
	if asserted != peer {
		return kerr.New(kerr.FatalNetwork, "remote: peer asserted wrong identity",
			map[string]any{"expected": string(peer), "got": string(asserted)})
	}
	token, err := signHello(n.localId, n.secret, helloTTL)
	if err != nil {
		return kerr.Wrap(err, kerr.FatalNetwork, "remote: sign hello", nil)
	}
	replyParams, err := json.Marshal(helloParams{Token: token})
	if err != nil {
		return err
	}
	if err := ch.Write(ctx, Frame{ID: n.nextFrameIDFor(peer), Method: "hello", Params: replyParams}); err != nil {
		return kerr.Wrap(err, kerr.RetryableNetwork, "remote: write hello reply", nil)
	}

	n.mu.Lock()
	n.peers[peer] = &peerConn{channel: ch}
	n.mu.Unlock()
	go n.readLoop(peer, ch)
	return nil
}

// --- sending ---------------------------------------------------------------

// sendRemoteMessage implements spec §4.6 "Sending": drop the frame while
// globally aborted, queue it while the peer is reconnecting, else dial (if needed) and
// write, falling back to connection-loss handling plus queueing on any
// failure.
func (n *RemoteNetwork) sendRemoteMessage(ctx context.Context, to ids.RemoteId, frame Frame, hints []string) {
	if n.isAborted() {
		return
	}
	if n.reconn.IsReconnecting(to) {
		n.enqueue(to, frame)
		return
	}
	ch, err := n.dialIdempotent(ctx, to, hints)
	if err != nil {
		n.handleConnectionLoss(to, hints)
		n.enqueue(to, frame)
		return
	}
	if err := ch.Write(ctx, frame); err != nil {
		n.handleConnectionLoss(to, hints)
		n.enqueue(to, frame)
		return
	}
	n.reconn.ResetBackoff(to)
}

// handleConnectionLoss implements spec §4.6 "Connection loss": remove the
// channel and, if no reconnection loop is already running for peer, start
// one.
func (n *RemoteNetwork) handleConnectionLoss(peer ids.RemoteId, hints []string) {
	n.mu.Lock()
	if p, ok := n.peers[peer]; ok {
		_ = p.channel.Close()
		if len(hints) == 0 {
			hints = p.hints
		}
		delete(n.peers, peer)
	}
	n.mu.Unlock()

	if n.reconn.MarkReconnecting(peer) {
		go n.attemptReconnection(peer, hints)
	}
}

// attemptReconnection implements spec §4.6's reconnection loop.
func (n *RemoteNetwork) attemptReconnection(peer ids.RemoteId, hints []string) {
	for {
		if n.isAborted() || !n.reconn.IsReconnecting(peer) {
			return
		}
		if !n.reconn.ShouldRetry(peer, n.maxAttempts) {
			n.reconn.StopReconnecting(peer)
			n.mu.Lock()
			delete(n.queues, peer)
			n.mu.Unlock()
			log.Warnw("remote: giving up reconnecting", "peer", peer, "attempts", n.reconn.AttemptCount(peer))
			return
		}
		n.reconn.IncrementAttempt(peer)
		if n.metrics != nil {
			n.metrics.IncReconnectAttempt()
		}
		delay := n.reconn.CalculateBackoff(peer)
		if !n.abortableDelay(delay) {
			return
		}

		ch, err := n.dialIdempotent(context.Background(), peer, hints)
		if err != nil {
			if kerr.Is(err, kerr.FatalNetwork) {
				n.reconn.StopReconnecting(peer)
				n.mu.Lock()
				delete(n.queues, peer)
				n.mu.Unlock()
				log.Warnw("remote: reconnection abandoned, fatal error", "peer", peer, "err", err)
				return
			}
			continue // retryable: loop again
		}

		n.reconn.StopReconnecting(peer)
		n.reconn.ResetBackoff(peer)
		if n.flushQueuedMessages(peer, ch) {
			// Flush re-asserted reconnecting (a write failed mid-flush and
			// triggered a fresh connection-loss): continue the SAME loop
			// rather than spawning a nested reconnection (spec §9 open
			// question — avoids duplicate dialers).
			if n.reconn.IsReconnecting(peer) {
				continue
			}
		}
		return
	}
}

// abortableDelay sleeps for d unless the network is stopped first, in which
// case it returns false immediately.
func (n *RemoteNetwork) abortableDelay(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-n.abortCh:
		return false
	}
}

// flushQueuedMessages implements spec §4.6 "Flush": dequeue and send every
// queued frame in order; on a write error, re-queue the failed frame and
// everything still dequeued behind it, then drop the channel and mark the
// peer reconnecting again without starting a second reconnection loop (the
// calling attemptReconnection loop carries on).
// Returns whether a connection-loss was triggered during the flush.
func (n *RemoteNetwork) flushQueuedMessages(peer ids.RemoteId, ch Channel) (triggeredLoss bool) {
	frames := n.queueFor(peer).DrainAll()
	for i, f := range frames {
		if err := ch.Write(context.Background(), f); err != nil {
			n.queueFor(peer).Prepend(frames[i:])
			n.mu.Lock()
			if p, ok := n.peers[peer]; ok {
				_ = p.channel.Close()
				delete(n.peers, peer)
			}
			n.mu.Unlock()
			n.reconn.MarkReconnecting(peer)
			return true
		}
	}
	return false
}

// --- reading / dispatch -----------------------------------------------------

func (n *RemoteNetwork) readLoop(peer ids.RemoteId, ch Channel) {
	for {
		frame, err := ch.Read(context.Background())
		if err != nil {
			if n.isAborted() {
				return
			}
			n.handleConnectionLoss(peer, nil)
			return
		}
		if n.dedup.seen(peer, frame.ID) {
			continue
		}
		if err := n.remoteMessageHandler(peer, frame); err != nil {
			log.Warnw("remote: frame handling error", "peer", peer, "method", frame.Method, "err", err)
		}
	}
}

func (n *RemoteNetwork) remoteMessageHandler(from ids.RemoteId, frame Frame) error {
	switch frame.Method {
	case "remoteDeliver":
		return n.handleRemoteDeliver(from, frame)
	case "remoteGiveUp":
		return n.handleRemoteGiveUp(from, frame)
	case "remoteIncarnationChange":
		return n.handleIncarnationChange(from, frame)
	case "hello":
		// A bare hello outside of Accept's initial read means the peer
		// re-asserted identity on an already-authenticated channel; nothing
		// to do beyond having dedup'd it above.
		return nil
	default:
		return kerr.New(kerr.Protocol, "remote: unknown frame method "+frame.Method, nil)
	}
}

func (n *RemoteNetwork) handleRemoteGiveUp(from ids.RemoteId, frame Frame) error {
	var p remoteGiveUpParams
	if err := json.Unmarshal(frame.Params, &p); err != nil {
		return kerr.Wrap(err, kerr.Protocol, "remote: malformed remoteGiveUp", nil)
	}
	n.dedup.reset(p.PeerId)
	n.mu.Lock()
	delete(n.queues, p.PeerId)
	n.mu.Unlock()
	log.Infow("remote: peer gave up state about us", "from", from, "peerId", p.PeerId)
	return nil
}

func (n *RemoteNetwork) handleIncarnationChange(from ids.RemoteId, frame Frame) error {
	var p remoteIncarnationChangeParams
	if err := json.Unmarshal(frame.Params, &p); err != nil {
		return kerr.Wrap(err, kerr.Protocol, "remote: malformed remoteIncarnationChange", nil)
	}
	n.dedup.reset(p.PeerId)
	n.mu.Lock()
	if pc, ok := n.peers[p.PeerId]; ok {
		pc.incarnation = p.NewIncarnation
	}
	n.mu.Unlock()
	log.Warnw("remote: peer incarnation changed, stale clist bindings must be invalidated",
		"peerId", p.PeerId, "old", p.OldIncarnation, "new", p.NewIncarnation)
	return nil
}

// handleRemoteDeliver applies an inbound send, resolve, dropImports,
// retireImports or retireExports, the way vat.Handle.handleSyscall applies
// the same kinds arriving from a worker, inside its own crank bracket. Any
// other kind (including notify) is rejected as a protocol error.
func (n *RemoteNetwork) handleRemoteDeliver(from ids.RemoteId, frame Frame) error {
	var p remoteDeliverParams
	if err := json.Unmarshal(frame.Params, &p); err != nil {
		return kerr.Wrap(err, kerr.Protocol, "remote: malformed remoteDeliver", nil)
	}
	var env envelopeKind
	if err := json.Unmarshal([]byte(p.Message), &env); err != nil {
		return kerr.Wrap(err, kerr.Protocol, "remote: malformed remoteDeliver message", nil)
	}
	endpoint := from.Endpoint()

	if err := n.store.StartCrank(); err != nil {
		return err
	}
	if err := n.store.CreateCrankSavepoint("start"); err != nil {
		_ = n.store.EndCrank()
		return err
	}

	var applyErr error
	switch env.Kind {
	case "send":
		applyErr = n.applySend(endpoint, p.Message)
	case "resolve":
		applyErr = n.applyResolve(endpoint, p.Message)
	case "dropImports", "retireImports", "retireExports":
		applyErr = n.applyRefs(endpoint, env.Kind, p.Message)
	default:
		applyErr = kerr.New(kerr.Protocol, "remote: remoteDeliver unknown kind "+env.Kind, nil)
	}
	if applyErr != nil {
		_ = n.store.RollbackCrank("start")
		_ = n.store.EndCrank()
		return applyErr
	}
	if err := n.store.EndCrank(); err != nil {
		return err
	}
	// handleRemoteDeliver runs its own crank bracket, outside the crank
	// loop's Step (which does this for every vat/remote delivery it drives
	// itself) — so a "resolve" frame's subscription callbacks need the same
	// commit-before-fire flush here (spec §4.3 step 6, §8 property 4).
	n.queue.FlushResolutions()
	return nil
}

func (n *RemoteNetwork) applySend(endpoint ids.EndpointId, raw string) error {
	var ws wireSend
	if err := json.Unmarshal([]byte(raw), &ws); err != nil {
		return kerr.Wrap(err, kerr.Protocol, "remote: malformed send frame", nil)
	}
	target, err := n.clist.ToKrefInbound(endpoint, ws.Target)
	if err != nil {
		return err
	}
	methargs, err := n.clist.TranslateSlotsInbound(endpoint, capdata.CapData{Body: ws.Methargs.Body}, ws.Methargs.Slots)
	if err != nil {
		return err
	}
	msg := capdata.Message{Methargs: methargs}
	if ws.Result != nil {
		kpid, err := n.clist.ToKrefInbound(endpoint, *ws.Result)
		if err != nil {
			return err
		}
		msg.Result = &kpid
		if err := n.store.IncrementRefCount(kpid, store.TagQueueResult); err != nil {
			return err
		}
	}
	if err := n.store.IncrementRefCount(target, store.TagQueueTarget); err != nil {
		return err
	}
	if target.IsPromise() {
		if pr, perr := n.store.GetKernelPromise(target); perr == nil && pr.State == store.Unresolved {
			return n.store.EnqueuePromiseMessage(target, target, msg)
		}
	}
	return n.store.BufferCrankOutput(store.SendItem(target, msg))
}

// applyRefs mirrors vat.go's dropImports/retireImports/retireExports
// syscall handling: each named eref's clist entry is forgotten (which
// itself runs the gc-signal wiring via clist.Translator.Forget); retireExports
// additionally confirms the owner no longer recognizes its own export (spec
// §8 scenario 3's final step).
func (n *RemoteNetwork) applyRefs(endpoint ids.EndpointId, kind string, raw string) error {
	var wr wireRefs
	if err := json.Unmarshal([]byte(raw), &wr); err != nil {
		return kerr.Wrap(err, kerr.Protocol, "remote: malformed refs frame", nil)
	}
	for _, eref := range wr.Refs {
		kref, ok, err := n.store.ErefToKref(endpoint, eref)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := n.clist.Forget(endpoint, kref); err != nil {
			return err
		}
		if kind != "retireExports" || !kref.IsObject() {
			continue
		}
		recognizable, err := n.store.DecrementRecognizable(kref)
		if err != nil {
			return err
		}
		if err := n.gc.RetireRecognition(kref, recognizable); err != nil {
			return err
		}
	}
	return nil
}

func (n *RemoteNetwork) applyResolve(endpoint ids.EndpointId, raw string) error {
	var p struct {
		Kind        string               `json:"kind"`
		Resolutions [][3]json.RawMessage `json:"resolutions"`
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return kerr.Wrap(err, kerr.Protocol, "remote: malformed resolve frame", nil)
	}
	resolutions := make([]queue.VatOneResolution, 0, len(p.Resolutions))
	for _, triple := range p.Resolutions {
		var eref ids.ERef
		var rejected bool
		var wireData wireCapData
		if err := json.Unmarshal(triple[0], &eref); err != nil {
			return kerr.Wrap(err, kerr.Protocol, "remote: malformed resolution ref", nil)
		}
		if err := json.Unmarshal(triple[1], &rejected); err != nil {
			return kerr.Wrap(err, kerr.Protocol, "remote: malformed resolution flag", nil)
		}
		if err := json.Unmarshal(triple[2], &wireData); err != nil {
			return kerr.Wrap(err, kerr.Protocol, "remote: malformed resolution data", nil)
		}
		kpid, err := n.clist.ToKrefInbound(endpoint, eref)
		if err != nil {
			return err
		}
		data, err := n.clist.TranslateSlotsInbound(endpoint, capdata.CapData{Body: wireData.Body}, wireData.Slots)
		if err != nil {
			return err
		}
		resolutions = append(resolutions, queue.VatOneResolution{Kpid: kpid, Rejected: rejected, Data: data})
	}
	return n.queue.ProcessResolutions(endpoint, resolutions)
}

// --- outbound delivery (queue.Deliverer) -----------------------------------

// Deliver implements queue.Deliverer for run-queue items addressed to a
// remote peer's endpoint. Unlike vat.Handle.Deliver, it does not suspend
// waiting for a reply: RemoteNetwork's at-least-once queueing already
// absorbs transient failures, so handing the frame to sendRemoteMessage
// (which itself may only queue it) is enough to consider the crank step
// complete.
func (n *RemoteNetwork) Deliver(item store.RunQueueItem) (queue.CrankResults, error) {
	peer, ok := n.peerFor(item)
	if !ok {
		return queue.CrankResults{}, kerr.New(kerr.Protocol, "remote: item not addressed to a remote peer", nil)
	}
	raw, err := n.encodeItem(peer, item)
	if err != nil {
		return queue.CrankResults{}, err
	}
	message, err := json.Marshal(remoteDeliverParams{From: n.localId, Message: string(raw)})
	if err != nil {
		return queue.CrankResults{}, err
	}
	n.sendRemoteMessage(context.Background(), peer, Frame{
		ID:     n.nextFrameIDFor(peer),
		Method: "remoteDeliver",
		Params: message,
	}, nil)
	return queue.CrankResults{}, nil
}

// peerFor resolves the remote peer a run-queue item is addressed to. A
// Send item carries only its target kref, so the owning endpoint (an
// object's owner, or a promise's decider) has to be looked up the same way
// the Kernel façade's Router looked it up to choose RemoteNetwork as the
// Deliverer in the first place.
func (n *RemoteNetwork) peerFor(item store.RunQueueItem) (ids.RemoteId, bool) {
	switch item.Kind {
	case store.ItemSend:
		owner, err := n.ownerOf(item.Target)
		if err != nil || owner == "" {
			return "", false
		}
		return ids.RemoteId(owner), true
	case store.ItemNotify, store.ItemGCAction:
		return ids.RemoteId(item.Endpoint), item.Endpoint != ""
	default:
		return "", false
	}
}

func (n *RemoteNetwork) ownerOf(kref ids.KRef) (ids.EndpointId, error) {
	if kref.IsPromise() {
		p, err := n.store.GetKernelPromise(kref)
		if err != nil {
			return "", err
		}
		if p.Decider == nil {
			return "", kerr.New(kerr.NotFound, "remote: promise has no decider", nil)
		}
		return *p.Decider, nil
	}
	obj, err := n.store.GetKernelObject(kref)
	if err != nil {
		return "", err
	}
	return obj.Owner, nil
}

func (n *RemoteNetwork) encodeItem(peer ids.RemoteId, item store.RunQueueItem) (json.RawMessage, error) {
	endpoint := peer.Endpoint()
	switch item.Kind {
	case store.ItemSend:
		target, err := n.clist.ToErefOutbound(endpoint, item.Target, store.TagQueueTarget)
		if err != nil {
			return nil, err
		}
		slots, err := n.clist.TranslateSlotsOutbound(endpoint, item.Message.Methargs)
		if err != nil {
			return nil, err
		}
		var resultEref *ids.ERef
		if item.Message.Result != nil {
			e, err := n.clist.ToErefOutbound(endpoint, *item.Message.Result, store.TagQueueResult)
			if err != nil {
				return nil, err
			}
			resultEref = &e
		}
		methargs := wireCapData{Body: item.Message.Methargs.Body, Slots: slots}
		return json.Marshal(wireSend{Kind: "send", Target: target, Methargs: methargs, Result: resultEref})
	case store.ItemNotify:
		ref, err := n.clist.ToErefOutbound(endpoint, item.Kpid, store.TagNotify)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireNotify{Kind: "notify", Ref: ref})
	case store.ItemGCAction:
		refs := make([]ids.ERef, len(item.Krefs))
		for i, k := range item.Krefs {
			e, err := n.clist.ToErefOutbound(endpoint, k, "")
			if err != nil {
				return nil, err
			}
			refs[i] = e
		}
		kind := map[store.GCActionKind]string{
			store.GCDropExports:   "dropExports",
			store.GCRetireExports: "retireExports",
			store.GCDropImports:   "dropImports",
			store.GCRetireImports: "retireImports",
		}[item.GCKind]
		return json.Marshal(wireRefs{Kind: kind, Refs: refs})
	default:
		return nil, kerr.New(kerr.Protocol, "remote: item kind not deliverable to a peer", nil)
	}
}

// ResetAllBackoffs is the wake-from-sleep detector's entry point (spec §4.6
// "Wake detector").
func (n *RemoteNetwork) ResetAllBackoffs() {
	n.reconn.ResetAllBackoffs()
}

// AttemptCount reports peer's current reconnection attempt count (spec §8
// scenario 5: "attemptCount observed > 0 during the outage, 0 after
// success").
func (n *RemoteNetwork) AttemptCount(peer ids.RemoteId) int {
	return n.reconn.AttemptCount(peer)
}

// IsReconnecting reports whether a reconnection loop is currently running
// for peer.
func (n *RemoteNetwork) IsReconnecting(peer ids.RemoteId) bool {
	return n.reconn.IsReconnecting(peer)
}
