package remote_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ocapkernel/kernel/remote"
)

// Spec §8 scenario 6: "With base=100ms, cap=30s, 20 consecutive retry
// failures, the i-th delay equals min(100*2^(i-1), 30000) ms."
var _ = Describe("reconnection backoff", func() {
	const base = 100 * time.Millisecond
	const cap = 30 * time.Second

	DescribeTable("matches the reference formula for 20 consecutive attempts",
		func(attempt int, want time.Duration) {
			Expect(remote.BackoffDelay(attempt, base, cap)).To(Equal(want))
		},
		Entry("attempt 1", 1, 100*time.Millisecond),
		Entry("attempt 2", 2, 200*time.Millisecond),
		Entry("attempt 3", 3, 400*time.Millisecond),
		Entry("attempt 4", 4, 800*time.Millisecond),
		Entry("attempt 5", 5, 1600*time.Millisecond),
		Entry("attempt 6", 6, 3200*time.Millisecond),
		Entry("attempt 7", 7, 6400*time.Millisecond),
		Entry("attempt 8", 8, 12800*time.Millisecond),
		Entry("attempt 9", 9, 25600*time.Millisecond),
		Entry("attempt 10, first to hit the cap", 10, 30*time.Second),
		Entry("attempt 11", 11, 30*time.Second),
		Entry("attempt 15", 15, 30*time.Second),
		Entry("attempt 20", 20, 30*time.Second),
	)

	It("reports zero attempts as attempt 1", func() {
		Expect(remote.BackoffDelay(0, base, cap)).To(Equal(100 * time.Millisecond))
	})

	It("drives a ReconnectionManager's CalculateBackoff the same way", func() {
		m := remote.NewReconnectionManager(base, cap)
		peer := testPeerId
		for i := 1; i <= 9; i++ {
			m.IncrementAttempt(peer)
		}
		Expect(m.CalculateBackoff(peer)).To(Equal(25600 * time.Millisecond))
		m.IncrementAttempt(peer)
		Expect(m.CalculateBackoff(peer)).To(Equal(30 * time.Second))
	})
})
