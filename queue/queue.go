// Package queue implements KernelQueue (spec §4.3): the single run queue,
// the crank loop that drains it one item at a time under transactional
// savepoints, and the one-shot subscription callbacks kernel-initiated
// calls register against a result promise.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/gc"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/klog"
	"github.com/ocapkernel/kernel/store"
)

var log = klog.Named("queue")

// MetricsSink receives crank-timing and run-queue-depth observations
// (kernel/metrics.go's crankDuration histogram and runQueueDepth gauge).
// A nil MetricsSink is always safe to pass.
type MetricsSink interface {
	ObserveCrank(seconds float64)
	SetRunQueueDepth(n int)
}

// CrankResults is what a Deliverer hands back after processing one run
// queue item (spec §4.3).
type CrankResults struct {
	Abort     *AbortInfo
	Terminate *TerminateInfo
}

type AbortInfo struct {
	Reason string
}

type TerminateInfo struct {
	VatId  ids.VatId
	Reason string
}

// Deliverer delivers one run-queue item to the endpoint that owns it
// (a vat, via VatHandle, or a remote peer, via RemoteNetwork).
type Deliverer interface {
	Deliver(item store.RunQueueItem) (CrankResults, error)
}

// Router resolves the Deliverer responsible for a run-queue item's target
// endpoint. The Kernel façade is the only component that knows about both
// vat and remote packages, so it builds and owns the concrete Router.
type Router interface {
	DelivererFor(item store.RunQueueItem) (Deliverer, error)
}

// VatOneResolution is one (kpid, rejected, data) triple from a vat's
// `resolve` syscall (spec §4.3).
type VatOneResolution struct {
	Kpid     ids.KRef
	Rejected bool
	Data     capdata.CapData
}

// Subscription is a one-shot resolver fired when the kref it was
// registered against resolves.
type Subscription func(rejected bool, data capdata.CapData)

// Queue is the concrete KernelQueue.
type Queue struct {
	store   *store.Store
	gc      *gc.Engine
	metrics MetricsSink

	subsMu sync.Mutex
	subs   map[ids.KRef]Subscription

	wakeMu sync.Mutex
	wake   chan struct{}

	aborted bool
}

func New(s *store.Store, g *gc.Engine, m MetricsSink) *Queue {
	return &Queue{
		store:   s,
		gc:      g,
		metrics: m,
		subs:    make(map[ids.KRef]Subscription),
		wake:    make(chan struct{}),
	}
}

func (q *Queue) observeRunQueueDepth() {
	if q.metrics == nil {
		return
	}
	if n, err := q.store.RunQueueLength(); err == nil {
		q.metrics.SetRunQueueDepth(n)
	}
}

// --- wake promise --------------------------------------------------------

// signalWake fires (and replaces) the one-shot wake promise, waking every
// Run call parked on it. Must be called whenever the run queue transitions
// 0 -> 1 (spec §4.3 step 5, §9 "single-shot wake promise").
func (q *Queue) signalWake() {
	q.wakeMu.Lock()
	defer q.wakeMu.Unlock()
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) waitChan() chan struct{} {
	q.wakeMu.Lock()
	defer q.wakeMu.Unlock()
	return q.wake
}

// EnqueueRun appends item to the durable run queue outside of any
// already-open crank: it opens its own single-item crank so the token
// discipline in store.Store is honored.
func (q *Queue) EnqueueRun(item store.RunQueueItem) error {
	before, err := q.store.RunQueueLength()
	if err != nil {
		return err
	}
	if err := q.store.StartCrank(); err != nil {
		return err
	}
	if err := q.store.CreateCrankSavepoint("start"); err != nil {
		_ = q.store.EndCrank()
		return err
	}
	if err := q.store.EnqueueRun(item); err != nil {
		_ = q.store.RollbackCrank("start")
		_ = q.store.EndCrank()
		return err
	}
	if err := q.store.EndCrank(); err != nil {
		return err
	}
	q.observeRunQueueDepth()
	if before == 0 {
		q.signalWake()
	}
	return nil
}

// Subscribe registers a one-shot callback fired the next time kpid
// resolves via ProcessResolutions.
func (q *Queue) Subscribe(kpid ids.KRef, cb Subscription) {
	q.subsMu.Lock()
	defer q.subsMu.Unlock()
	q.subs[kpid] = cb
}

// FlushResolutions fires every kernel-internal subscription callback staged
// by a ProcessResolutions call made during the crank most recently
// committed. Step calls this itself right after EndCrank, which covers vat
// syscalls (they run inside Step's crank); exposed so any other caller that
// wraps ProcessResolutions in its own crank bracket (remote's
// handleRemoteDeliver, right after its EndCrank) gets the same
// commit-before-fire guarantee.
func (q *Queue) FlushResolutions() {
	for _, pr := range q.store.FlushPendingResolutions() {
		q.fireSubscription(pr.Kpid, pr.Rejected, pr.Data)
	}
}

func (q *Queue) fireSubscription(kpid ids.KRef, rejected bool, data capdata.CapData) {
	q.subsMu.Lock()
	cb, ok := q.subs[kpid]
	if ok {
		delete(q.subs, kpid)
	}
	q.subsMu.Unlock()
	if ok {
		cb(rejected, data)
	}
}

// EnqueueMessage is the kernel-initiated call path (spec §4.3): allocate a
// fresh result promise, register a one-shot resolver, and enqueue the Send.
// The new SendItem holds target under "queue|target" and the result promise
// under "queue|result", same as a Send arriving via the "send" syscall, so
// clist.ToErefOutbound's tagged decrement finds the hold it expects when the
// item is eventually delivered. Runs in its own crank bracket, same as
// EnqueueRun, since callers invoke it outside of any already-open crank.
func (q *Queue) EnqueueMessage(target ids.KRef, methargs capdata.CapData, decider ids.EndpointId, cb Subscription) (ids.KRef, error) {
	before, err := q.store.RunQueueLength()
	if err != nil {
		return "", err
	}
	if err := q.store.StartCrank(); err != nil {
		return "", err
	}
	if err := q.store.CreateCrankSavepoint("start"); err != nil {
		_ = q.store.EndCrank()
		return "", err
	}

	kpid, _, err := q.store.InitKernelPromise(&decider)
	if err != nil {
		_ = q.store.RollbackCrank("start")
		_ = q.store.EndCrank()
		return "", err
	}
	if err := q.store.IncrementRefCount(kpid, store.TagQueueResult); err != nil {
		_ = q.store.RollbackCrank("start")
		_ = q.store.EndCrank()
		return "", err
	}
	if err := q.store.IncrementRefCount(target, store.TagQueueTarget); err != nil {
		_ = q.store.RollbackCrank("start")
		_ = q.store.EndCrank()
		return "", err
	}
	msg := capdata.Message{Methargs: methargs, Result: &kpid}
	if err := q.store.EnqueueRun(store.SendItem(target, msg)); err != nil {
		_ = q.store.RollbackCrank("start")
		_ = q.store.EndCrank()
		return "", err
	}

	if err := q.store.EndCrank(); err != nil {
		return "", err
	}
	q.observeRunQueueDepth()
	if cb != nil {
		q.Subscribe(kpid, cb)
	}
	if before == 0 {
		q.signalWake()
	}
	return kpid, nil
}

// --- crank loop ----------------------------------------------------------

// Step runs exactly one crank: it picks the single highest-priority item
// (a pending GC action, else a pending reap action, else the head of the
// run queue), delivers it, and commits or rolls back (spec §4.3). It
// reports whether an item was actually available to process.
func (q *Queue) Step(router Router) (didWork bool, err error) {
	if q.aborted {
		return false, nil
	}

	// Picking the next item pops it (GC/reap batches are removed from
	// their pending order list, the run queue head advances), so the pick
	// itself must happen inside the crank it will be delivered under: if
	// the crank later aborts, RollbackCrank restores the item right along
	// with everything else the delivery attempted.
	if err := q.store.StartCrank(); err != nil {
		return false, err
	}
	if err := q.store.CreateCrankSavepoint("start"); err != nil {
		_ = q.store.EndCrank()
		return false, err
	}

	next, err := q.pickNext()
	if err != nil {
		_ = q.store.RollbackCrank("start")
		_ = q.store.EndCrank()
		return false, err
	}
	if next == nil {
		if err := q.store.RollbackCrank("start"); err != nil {
			_ = q.store.EndCrank()
			return false, err
		}
		if err := q.store.EndCrank(); err != nil {
			return false, err
		}
		return false, nil
	}

	deliverer, derr := router.DelivererFor(*next)
	var results CrankResults
	var delivErr error
	start := time.Now()
	if derr != nil {
		delivErr = derr
	} else {
		results, delivErr = deliverer.Deliver(*next)
	}
	if q.metrics != nil {
		q.metrics.ObserveCrank(time.Since(start).Seconds())
	}

	if delivErr != nil || results.Abort != nil {
		reason := ""
		if results.Abort != nil {
			reason = results.Abort.Reason
		} else {
			reason = delivErr.Error()
		}
		log.Warnw("crank aborted", "reason", reason, "item", next.Kind)
		if err := q.store.RollbackCrank("start"); err != nil {
			_ = q.store.EndCrank()
			return true, err
		}
		if err := q.store.EndCrank(); err != nil {
			return true, err
		}
		return true, nil
	}

	if err := q.store.EndCrank(); err != nil {
		return true, err
	}

	flushed, err := q.store.FlushCrankBuffer()
	if err != nil {
		return true, err
	}
	q.observeRunQueueDepth()
	if len(flushed) > 0 {
		q.signalWake()
	}

	// Kernel-internal one-shot subscription callbacks were only staged
	// during ProcessResolutions (store.BufferResolution), exactly like
	// ordinary run-queue output — so they only fire here, once EndCrank
	// above has actually committed, never while the crank that resolved
	// the promise might still roll back (spec §4.3 step 6, §8 property 4).
	q.FlushResolutions()

	if results.Terminate != nil {
		log.Infow("vat terminated by crank", "vat", results.Terminate.VatId, "reason", results.Terminate.Reason)
	}
	return true, nil
}

// pickNext implements spec §4.3 steps 2-4: GC actions first, then reap
// actions, then the ordinary run queue. Each pick pops its item, so Step
// calls this only after opening the crank the item is delivered under.
func (q *Queue) pickNext() (*store.RunQueueItem, error) {
	if item, err := q.store.NextGCAction(); err != nil {
		return nil, err
	} else if item != nil {
		return item, nil
	}
	if item, err := q.store.NextReapAction(); err != nil {
		return nil, err
	} else if item != nil {
		return item, nil
	}
	return q.store.DequeueRun()
}

// Run drives the crank loop until ctx is canceled, parking on the wake
// promise whenever the queue (and GC/reap backlog) is empty (spec §4.3
// step 5, §5 suspension points).
func (q *Queue) Run(ctx context.Context, router Router) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		wake := q.waitChan()
		didWork, err := q.Step(router)
		if err != nil {
			return err
		}
		if didWork {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// ProcessResolutions applies one vat's batch of promise resolutions (spec
// §4.3 "Promise resolution handling"): refcounts kpid and its slots,
// requires the submitter to be the decider of an unresolved promise,
// notifies subscribers, drains the promise's pipelined queue, and stages
// any kernel-internal one-shot subscription (store.BufferResolution) for
// FlushResolutions to fire after commit. Must be called from within an
// open crank (i.e. from inside a Deliverer.Deliver implementation).
func (q *Queue) ProcessResolutions(submitter ids.EndpointId, resolutions []VatOneResolution) error {
	for _, r := range resolutions {
		if err := q.store.IncrementRefCount(r.Kpid, store.TagResolveKpid); err != nil {
			return err
		}
		for _, slot := range r.Data.Slots {
			if err := q.store.IncrementRefCount(slot, store.TagResolveSlot); err != nil {
				return err
			}
		}
		p, err := q.store.GetKernelPromise(r.Kpid)
		if err != nil {
			return err
		}
		if p.State != store.Unresolved {
			return ErrAlreadyResolved(r.Kpid)
		}
		if p.Decider == nil || *p.Decider != submitter {
			return ErrNotDecider(r.Kpid, submitter)
		}
		for endpoint := range p.Subscribers {
			if err := q.store.IncrementRefCount(r.Kpid, store.TagNotify); err != nil {
				return err
			}
			if err := q.store.BufferCrankOutput(store.NotifyItem(endpoint, r.Kpid)); err != nil {
				return err
			}
		}
		drained, err := q.store.ResolveKernelPromise(r.Kpid, r.Rejected, r.Data)
		if err != nil {
			return err
		}
		for _, qm := range drained {
			if err := q.store.BufferCrankOutput(store.SendItem(qm.Target, qm.Message)); err != nil {
				return err
			}
		}
		if err := q.store.BufferResolution(store.PendingResolution{
			Kpid: r.Kpid, Rejected: r.Rejected, Data: r.Data,
		}); err != nil {
			return err
		}
	}
	return nil
}
