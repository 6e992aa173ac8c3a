package vat_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/clist"
	"github.com/ocapkernel/kernel/gc"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/platform"
	"github.com/ocapkernel/kernel/queue"
	"github.com/ocapkernel/kernel/store"
	"github.com/ocapkernel/kernel/vat"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// fakeWorker is a synchronous in-process stand-in for platform.Worker.
// syscallCh is unbuffered: scripted syscalls queued for the next "deliver"
// Call are sent on it one at a time, which blocks until VatHandle's select
// loop actually consumes each one — so a test can rely on every scripted
// syscall having been handled before Call (and therefore Deliver) returns,
// with no sleeps or polling.
type fakeWorker struct {
	syscallCh   chan platform.Syscall
	scripted    []platform.Syscall
	response    platform.Response
	closed      bool
	lastRequest platform.Request
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{syscallCh: make(chan platform.Syscall)}
}

func (w *fakeWorker) Call(ctx context.Context, req platform.Request) (platform.Response, error) {
	w.lastRequest = req
	if req.Method == "deliver" {
		for _, sc := range w.scripted {
			w.syscallCh <- sc
		}
		w.scripted = nil
	}
	return w.response, nil
}

func (w *fakeWorker) Syscalls() <-chan platform.Syscall { return w.syscallCh }

func (w *fakeWorker) Close() error { w.closed = true; return nil }

func setup(t *testing.T) (*store.Store, *clist.Translator, *queue.Queue, *gc.Engine) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "kernel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	g := gc.New(s, nil)
	return s, clist.New(s, g), queue.New(s, g, nil), g
}

func TestInitMovesToRunning(t *testing.T) {
	s, tr, q, g := setup(t)
	w := newFakeWorker()
	h := vat.New(ids.NewVatId(1), w, s, tr, q, g)
	require.Equal(t, vat.Launching, h.State())

	require.NoError(t, h.Init(context.Background(), vat.Config{BundleName: "test"}))
	require.Equal(t, vat.Running, h.State())
	require.Equal(t, "initSupervisor", w.lastRequest.Method)
}

func TestDeliverAppliesSendSyscallInsideCrank(t *testing.T) {
	s, tr, q, g := setup(t)
	w := newFakeWorker()
	h := vat.New(ids.NewVatId(1), w, s, tr, q, g)
	require.NoError(t, h.Init(context.Background(), vat.Config{}))

	require.NoError(t, s.StartCrank())
	target, _, err := s.InitKernelObject(ids.EndpointId("v2"))
	require.NoError(t, err)
	require.NoError(t, s.IncrementRefCount(target, store.TagQueueTarget))
	eref, err := tr.ToErefOutbound(ids.NewVatId(1).Endpoint(), target, store.TagQueueTarget)
	require.NoError(t, err)
	require.NoError(t, s.EndCrank())

	params, err := wireJSON.Marshal(map[string]any{
		"target":   eref,
		"methargs": map[string]any{"body": `"hi"`, "slots": []string{}},
	})
	require.NoError(t, err)

	w.scripted = []platform.Syscall{{Method: "send", Params: params}}
	w.response = platform.Response{Result: json.RawMessage(`{}`)}

	notifyKpid := ids.NewKProm(0)
	require.NoError(t, s.StartCrank())
	require.NoError(t, s.IncrementRefCount(notifyKpid, store.TagNotify))
	require.NoError(t, s.EndCrank())

	require.NoError(t, s.StartCrank())
	require.NoError(t, s.CreateCrankSavepoint("start"))
	_, err = h.Deliver(store.NotifyItem(ids.NewVatId(1).Endpoint(), notifyKpid))
	require.NoError(t, err)
	require.NoError(t, s.EndCrank())

	flushed, err := s.FlushCrankBuffer()
	require.NoError(t, err)
	require.Len(t, flushed, 1)
	require.Equal(t, store.ItemSend, flushed[0].Kind)
}

func TestTerminateRejectsDecidedPromises(t *testing.T) {
	s, tr, q, g := setup(t)
	w := newFakeWorker()
	vatId := ids.NewVatId(1)
	h := vat.New(vatId, w, s, tr, q, g)
	require.NoError(t, h.Init(context.Background(), vat.Config{}))

	require.NoError(t, s.StartCrank())
	decider := vatId.Endpoint()
	kpid, _, err := s.InitKernelPromise(&decider)
	require.NoError(t, err)
	require.NoError(t, s.EndCrank())

	require.NoError(t, h.Terminate(context.Background(), "shutting down"))
	require.Equal(t, vat.Terminated, h.State())
	require.True(t, w.closed)

	p, err := s.GetKernelPromise(kpid)
	require.NoError(t, err)
	require.Equal(t, store.Rejected, p.State)
}

func TestSplatDropsDeliveryToTerminatedVat(t *testing.T) {
	s, tr, q, g := setup(t)
	w := newFakeWorker()
	vatId := ids.NewVatId(1)
	h := vat.New(vatId, w, s, tr, q, g)
	require.NoError(t, h.Init(context.Background(), vat.Config{}))
	require.NoError(t, h.Terminate(context.Background(), "bye"))

	require.NoError(t, s.StartCrank())
	target, _, err := s.InitKernelObject(ids.EndpointId("someone"))
	require.NoError(t, err)
	require.NoError(t, s.IncrementRefCount(target, store.TagQueueTarget))
	require.NoError(t, s.EndCrank())

	require.NoError(t, s.StartCrank())
	_, err = h.Deliver(store.SendItem(target, capdata.Message{}))
	require.NoError(t, err)
	require.NoError(t, s.EndCrank())

	count, err := s.RefCountOf(target)
	require.NoError(t, err)
	require.EqualValues(t, 0, count, "splat must release the queue-held refcount")
}
