package clist_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/clist"
	"github.com/ocapkernel/kernel/gc"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "kernel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestToKrefInboundIsIdempotent(t *testing.T) {
	s := openStore(t)
	tr := clist.New(s, gc.New(s, nil))
	vat := ids.EndpointId("v1")

	require.NoError(t, s.StartCrank())
	eref := ids.NewExportedObj(0)
	kref1, err := tr.ToKrefInbound(vat, eref)
	require.NoError(t, err)
	kref2, err := tr.ToKrefInbound(vat, eref)
	require.NoError(t, err)
	require.NoError(t, s.EndCrank())

	require.Equal(t, kref1, kref2, "the same eref must always translate to the same kref")
}

func TestToErefOutboundIsIdempotentAndBijective(t *testing.T) {
	s := openStore(t)
	tr := clist.New(s, gc.New(s, nil))
	vat1 := ids.EndpointId("v1")
	vat2 := ids.EndpointId("v2")

	require.NoError(t, s.StartCrank())
	kref, _, err := s.InitKernelObject(vat1)
	require.NoError(t, err)
	require.NoError(t, s.IncrementRefCount(kref, store.TagQueueSlot))

	eref1, err := tr.ToErefOutbound(vat2, kref, store.TagQueueSlot)
	require.NoError(t, err)
	eref1Again, err := tr.ToErefOutbound(vat2, kref, store.TagQueueSlot)
	require.NoError(t, err)
	require.NoError(t, s.EndCrank())

	require.Equal(t, eref1, eref1Again)

	back, found, err := s.ErefToKref(vat2, eref1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, kref, back)
}

func TestTranslateSlotsRoundTrip(t *testing.T) {
	s := openStore(t)
	tr := clist.New(s, gc.New(s, nil))
	vat := ids.EndpointId("v1")

	require.NoError(t, s.StartCrank())
	e1 := ids.NewExportedObj(0)
	e2 := ids.NewExportedObj(1)
	data, err := tr.TranslateSlotsInbound(vat, capdata.CapData{Body: "args"}, []ids.ERef{e1, e2})
	require.NoError(t, err)
	require.NoError(t, s.EndCrank())

	require.Len(t, data.Slots, 2)
	require.NotEqual(t, data.Slots[0], data.Slots[1])
}

func TestForgetRemovesBothDirections(t *testing.T) {
	s := openStore(t)
	tr := clist.New(s, gc.New(s, nil))
	vat := ids.EndpointId("v1")

	require.NoError(t, s.StartCrank())
	eref := ids.NewExportedObj(0)
	kref, err := tr.ToKrefInbound(vat, eref)
	require.NoError(t, err)
	require.NoError(t, tr.Forget(vat, kref))
	require.NoError(t, s.EndCrank())

	_, found, err := s.KrefToEref(vat, kref)
	require.NoError(t, err)
	require.False(t, found)
	_, found, err = s.ErefToKref(vat, eref)
	require.NoError(t, err)
	require.False(t, found)

	count, err := s.RefCountOf(kref)
	require.NoError(t, err)
	require.Zero(t, count, "Forget must release the clist tag's refcount hold, not just the map rows")
}
