package remote_test

import (
	"path/filepath"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/clist"
	"github.com/ocapkernel/kernel/gc"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/queue"
	"github.com/ocapkernel/kernel/remote"
	"github.com/ocapkernel/kernel/store"
)

// Spec §8 scenario 5: "Peer P is connected, send 3 frames. Sever the
// channel. While reconnecting, submit 2 more frames. Bring P back. Expected:
// all 5 frames delivered, in order, exactly once each. attemptCount observed
// > 0 during the outage, 0 after success."
var _ = Describe("reconnection", func() {
	var (
		s   *store.Store
		tr  *clist.Translator
		dlr *scriptedDialer
		net *remote.RemoteNetwork
	)

	sendItem := func(n int) store.RunQueueItem {
		target, _, err := s.InitKernelObject(testPeerId.Endpoint())
		Expect(err).NotTo(HaveOccurred())
		Expect(s.IncrementRefCount(target, store.TagQueueTarget)).To(Succeed())
		return store.SendItem(target, capdata.Message{Methargs: capdata.CapData{Body: `{"n":` + strconv.Itoa(n) + `}`}})
	}

	BeforeEach(func() {
		var err error
		s, err = store.Open(filepath.Join(GinkgoT().TempDir(), "kernel.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = s.Close() })
		g := gc.New(s, nil)
		tr = clist.New(s, g)
		q := queue.New(s, g, nil)
		dlr = &scriptedDialer{secret: testSecret}
		net = remote.New(ids.NewRemoteId(0), testSecret, dlr, s, tr, q, g, 0, nil)
		DeferCleanup(func() { net.Stop() })
	})

	It("delivers all 5 frames in order exactly once and clears attemptCount after recovery", func() {
		Expect(s.StartCrank()).To(Succeed())
		item1 := sendItem(1)
		item2 := sendItem(2)
		item3 := sendItem(3)

		_, err := net.Deliver(item1)
		Expect(err).NotTo(HaveOccurred())
		_, err = net.Deliver(item2)
		Expect(err).NotTo(HaveOccurred())
		_, err = net.Deliver(item3)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.EndCrank()).To(Succeed())

		firstChannel := dlr.lastChannel()
		Expect(firstChannel).NotTo(BeNil())
		Eventually(func() int { return len(firstChannel.Written()) }).Should(Equal(4)) // hello + 3 deliver

		// Sever the channel: the next write on it fails, which
		// sendRemoteMessage turns into a connection-loss plus re-queue.
		firstChannel.failNext = true

		Expect(s.StartCrank()).To(Succeed())
		item4 := sendItem(4)
		item5 := sendItem(5)

		_, err = net.Deliver(item4) // write fails -> connection loss, frame queued
		Expect(err).NotTo(HaveOccurred())
		_, err = net.Deliver(item5) // already reconnecting -> queued directly
		Expect(err).NotTo(HaveOccurred())
		Expect(s.EndCrank()).To(Succeed())

		Eventually(func() bool { return net.IsReconnecting(testPeerId) }).Should(BeTrue())
		Eventually(func() int { return net.AttemptCount(testPeerId) }).Should(BeNumerically(">", 0))

		Eventually(func() int { return dlr.dialCount }, time.Second, 5*time.Millisecond).Should(Equal(2))
		secondChannel := dlr.lastChannel()
		Expect(secondChannel).NotTo(Equal(firstChannel))

		Eventually(func() int { return len(secondChannel.Written()) }, time.Second, 5*time.Millisecond).
			Should(Equal(3)) // hello + frames 4, 5

		Eventually(func() bool { return net.IsReconnecting(testPeerId) }).Should(BeFalse())
		Eventually(func() int { return net.AttemptCount(testPeerId) }).Should(Equal(0))

		firstWire := firstChannel.Written()
		secondWire := secondChannel.Written()
		Expect(firstWire[1].Method).To(Equal("remoteDeliver"))
		Expect(firstWire[2].Method).To(Equal("remoteDeliver"))
		Expect(firstWire[3].Method).To(Equal("remoteDeliver"))
		Expect(secondWire[1].Method).To(Equal("remoteDeliver"))
		Expect(secondWire[2].Method).To(Equal("remoteDeliver"))
		Expect(secondWire[1].ID < secondWire[2].ID).To(BeTrue(), "frame 4 must precede frame 5")
	})
})
