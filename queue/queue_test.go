package queue_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/gc"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/queue"
	"github.com/ocapkernel/kernel/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "kernel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type recordingDeliverer struct {
	delivered []store.RunQueueItem
}

func (r *recordingDeliverer) Deliver(item store.RunQueueItem) (queue.CrankResults, error) {
	r.delivered = append(r.delivered, item)
	return queue.CrankResults{}, nil
}

type staticRouter struct {
	d queue.Deliverer
}

func (r staticRouter) DelivererFor(store.RunQueueItem) (queue.Deliverer, error) { return r.d, nil }

func TestStepDeliversInFIFOOrder(t *testing.T) {
	s := openTestStore(t)
	q := queue.New(s, gc.New(s, nil), nil)

	target := ids.NewKObj(1)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.EnqueueRun(store.SendItem(target, capdata.Message{Methargs: capdata.CapData{Body: "m"}})))
	}

	d := &recordingDeliverer{}
	router := staticRouter{d: d}

	for i := 0; i < 3; i++ {
		didWork, err := q.Step(router)
		require.NoError(t, err)
		require.True(t, didWork)
	}
	didWork, err := q.Step(router)
	require.NoError(t, err)
	require.False(t, didWork)
	require.Len(t, d.delivered, 3)
}

func TestStepPrioritizesGCOverSend(t *testing.T) {
	s := openTestStore(t)
	q := queue.New(s, gc.New(s, nil), nil)

	target := ids.NewKObj(1)
	require.NoError(t, q.EnqueueRun(store.SendItem(target, capdata.Message{Methargs: capdata.CapData{Body: "m"}})))
	require.NoError(t, s.StartCrank())
	require.NoError(t, s.AddPendingGC(ids.EndpointId("v1"), store.GCDropExports, []ids.KRef{target}))
	require.NoError(t, s.EndCrank())

	d := &recordingDeliverer{}
	router := staticRouter{d: d}

	didWork, err := q.Step(router)
	require.NoError(t, err)
	require.True(t, didWork)
	require.Len(t, d.delivered, 1)
	require.Equal(t, store.ItemGCAction, d.delivered[0].Kind)
}

type abortingDeliverer struct{}

func (abortingDeliverer) Deliver(store.RunQueueItem) (queue.CrankResults, error) {
	return queue.CrankResults{Abort: &queue.AbortInfo{Reason: "boom"}}, nil
}

func TestStepRollsBackOnAbort(t *testing.T) {
	s := openTestStore(t)
	q := queue.New(s, gc.New(s, nil), nil)

	target := ids.NewKObj(1)
	require.NoError(t, q.EnqueueRun(store.SendItem(target, capdata.Message{Methargs: capdata.CapData{Body: "m"}})))

	router := staticRouter{d: abortingDeliverer{}}
	didWork, err := q.Step(router)
	require.NoError(t, err)
	require.True(t, didWork)

	n, err := s.RunQueueLength()
	require.NoError(t, err)
	require.Equal(t, 1, n, "aborted crank must roll back the pop, leaving the item queued for a retry")
}

func TestEnqueueMessageFiresSubscriptionOnResolve(t *testing.T) {
	s := openTestStore(t)
	q := queue.New(s, gc.New(s, nil), nil)

	require.NoError(t, s.StartCrank())
	target, _, err := s.InitKernelObject(ids.EndpointId("v1"))
	require.NoError(t, err)
	require.NoError(t, s.EndCrank())
	decider := ids.EndpointId("v1")

	var gotRejected bool
	var gotBody string
	kpid, err := q.EnqueueMessage(target, capdata.CapData{Body: "args"}, decider, func(rejected bool, data capdata.CapData) {
		gotRejected = rejected
		gotBody = data.Body
	})
	require.NoError(t, err)

	require.NoError(t, s.StartCrank())
	require.NoError(t, q.ProcessResolutions(decider, []queue.VatOneResolution{
		{Kpid: kpid, Rejected: false, Data: capdata.CapData{Body: "result"}},
	}))
	require.NoError(t, s.EndCrank())
	q.FlushResolutions()

	require.False(t, gotRejected)
	require.Equal(t, "result", gotBody)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := openTestStore(t)
	q := queue.New(s, gc.New(s, nil), nil)
	router := staticRouter{d: &recordingDeliverer{}}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := q.Run(ctx, router)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
