package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/store"
)

func open(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "kernel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCrankCommitsAtomically(t *testing.T) {
	s := open(t)
	require.NoError(t, s.StartCrank())
	kref, _, err := s.InitKernelObject(ids.EndpointId("v1"))
	require.NoError(t, err)
	require.NoError(t, s.EnqueueRun(store.SendItem(kref, capdata.Message{Methargs: capdata.CapData{Body: "x"}})))
	require.NoError(t, s.EndCrank())

	obj, err := s.GetKernelObject(kref)
	require.NoError(t, err)
	require.Equal(t, ids.EndpointId("v1"), obj.Owner)

	n, err := s.RunQueueLength()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCrankRollbackDiscardsMutations(t *testing.T) {
	s := open(t)
	require.NoError(t, s.StartCrank())
	require.NoError(t, s.CreateCrankSavepoint("start"))
	kref, _, err := s.InitKernelObject(ids.EndpointId("v1"))
	require.NoError(t, err)
	require.NoError(t, s.RollbackCrank("start"))
	require.NoError(t, s.EndCrank())

	_, err = s.GetKernelObject(kref)
	require.Error(t, err, "object allocated before a rollback to its savepoint must not survive")
}

func TestCrankPartialRollbackKeepsEarlierWrites(t *testing.T) {
	s := open(t)
	require.NoError(t, s.StartCrank())
	kref1, _, err := s.InitKernelObject(ids.EndpointId("v1"))
	require.NoError(t, err)
	require.NoError(t, s.CreateCrankSavepoint("mid"))
	_, _, err = s.InitKernelObject(ids.EndpointId("v1"))
	require.NoError(t, err)
	require.NoError(t, s.RollbackCrank("mid"))
	require.NoError(t, s.EndCrank())

	_, err = s.GetKernelObject(kref1)
	require.NoError(t, err, "writes staged before the savepoint survive a rollback to it")
}

func TestWritesRequireOpenCrank(t *testing.T) {
	s := open(t)
	_, _, err := s.InitKernelObject(ids.EndpointId("v1"))
	require.Error(t, err)
}

func TestWaitForCrankBlocksWhileCrankOpen(t *testing.T) {
	s := open(t)
	require.NoError(t, s.StartCrank())

	done := make(chan struct{})
	go func() {
		s.WaitForCrank()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForCrank returned while a crank was still open")
	default:
	}

	require.NoError(t, s.EndCrank())
	<-done
}

func TestRefCountBalancesToZero(t *testing.T) {
	s := open(t)
	require.NoError(t, s.StartCrank())
	kref, _, err := s.InitKernelObject(ids.EndpointId("v1"))
	require.NoError(t, err)
	require.NoError(t, s.IncrementRefCount(kref, store.TagClist))
	require.NoError(t, s.IncrementRefCount(kref, store.TagQueueSlot))
	require.NoError(t, s.EndCrank())

	count, err := s.RefCountOf(kref)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	require.NoError(t, s.StartCrank())
	_, err = s.DecrementRefCount(kref, store.TagClist)
	require.NoError(t, err)
	_, err = s.DecrementRefCount(kref, store.TagQueueSlot)
	require.NoError(t, err)
	require.NoError(t, s.EndCrank())

	count, err = s.RefCountOf(kref)
	require.NoError(t, err)
	require.EqualValues(t, 0, count)
}

func TestDecrementUnderflowIsInvariantViolation(t *testing.T) {
	s := open(t)
	require.NoError(t, s.StartCrank())
	kref, _, err := s.InitKernelObject(ids.EndpointId("v1"))
	require.NoError(t, err)
	_, err = s.DecrementRefCount(kref, store.TagClist)
	require.Error(t, err)
	require.NoError(t, s.EndCrank())
}

func TestRunQueueIsFIFO(t *testing.T) {
	s := open(t)
	require.NoError(t, s.StartCrank())
	for i := 0; i < 3; i++ {
		kref := ids.NewKObj(uint64(i))
		require.NoError(t, s.EnqueueRun(store.SendItem(kref, capdata.Message{})))
	}
	require.NoError(t, s.EndCrank())

	require.NoError(t, s.StartCrank())
	for i := 0; i < 3; i++ {
		item, err := s.DequeueRun()
		require.NoError(t, err)
		require.NotNil(t, item)
		require.Equal(t, ids.NewKObj(uint64(i)), item.Target)
	}
	item, err := s.DequeueRun()
	require.NoError(t, err)
	require.Nil(t, item)
	require.NoError(t, s.EndCrank())
}

func TestGCActionsCoalescePerEndpointAndKind(t *testing.T) {
	s := open(t)
	endpoint := ids.EndpointId("v1")
	require.NoError(t, s.StartCrank())
	require.NoError(t, s.AddPendingGC(endpoint, store.GCDropExports, []ids.KRef{ids.NewKObj(1)}))
	require.NoError(t, s.AddPendingGC(endpoint, store.GCDropExports, []ids.KRef{ids.NewKObj(2)}))

	item, err := s.NextGCAction()
	require.NoError(t, err)
	require.NotNil(t, item)
	require.ElementsMatch(t, []ids.KRef{ids.NewKObj(1), ids.NewKObj(2)}, item.Krefs)

	item, err = s.NextGCAction()
	require.NoError(t, err)
	require.Nil(t, item)
	require.NoError(t, s.EndCrank())
}
