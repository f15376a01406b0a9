package policy_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Naiiiiixiang/linkerd2-proxy/internal/policy"
)

var _ = Describe("Watch", func() {
	var w *policy.Watch

	BeforeEach(func() {
		w = policy.NewWatch(policy.Default("a:80"))
	})

	It("should expose the initial value at version 1", func() {
		p, version := w.Current()
		Expect(version).To(Equal(uint64(1)))
		Expect(p.Protocol).NotTo(BeNil())
	})

	It("should only ever expose the latest value", func() {
		w.Replace(policy.Default("b:80"))
		w.Replace(policy.Default("c:80"))

		p, version := w.Current()
		Expect(version).To(Equal(uint64(3)))

		detect := p.Protocol.(policy.Detect)
		ref := detect.HTTP1Routes[0].Rules[0].Backends.(policy.FirstAvailable).Backends[0].Ref
		Expect(ref).To(Equal(policy.BackendRef("c:80")), "intermediate snapshots are never observed")
	})

	Describe("Changed", func() {
		It("should return immediately for a stale version", func() {
			w.Replace(policy.Default("b:80"))
			_, version := w.Current()

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			Expect(w.Changed(ctx, version-1)).To(Succeed())
		})

		It("should wake when a new snapshot is published", func() {
			_, version := w.Current()

			done := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				done <- w.Changed(ctx, version)
			}()

			Consistently(done, 50*time.Millisecond).ShouldNot(Receive())
			w.Replace(policy.Default("b:80"))
			Eventually(done).Should(Receive(BeNil()))
		})

		It("should respect context cancellation", func() {
			_, version := w.Current()
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			Expect(w.Changed(ctx, version)).To(MatchError(context.Canceled))
		})
	})
})
