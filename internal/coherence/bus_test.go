package coherence_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/archlab/cachesim/internal/cache"
	"github.com/archlab/cachesim/internal/cacheline"
	"github.com/archlab/cachesim/internal/coherence"
	"github.com/archlab/cachesim/internal/memory"
)

func TestCoherence(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Coherence Suite")
}

func newSharedL1(bus *coherence.Bus, mem *memory.Memory) *cache.Cache {
	c, err := cache.New(cache.Config{
		SizeBytes: 8 * 1024, Associativity: 2, BlockSize: 16,
		Replacement: cache.LRU, Write: cache.WriteBack, Level: cache.L1,
		Memory: mem, Bus: bus,
	})
	Expect(err).NotTo(HaveOccurred())
	bus.Register(c)
	return c
}

var _ = Describe("Bus", func() {
	var (
		mem        *memory.Memory
		bus        *coherence.Bus
		c0, c1, c2 *cache.Cache
	)

	BeforeEach(func() {
		mem = memory.New(64 * 1024)
		bus = coherence.New()
		c0 = newSharedL1(bus, mem)
		c1 = newSharedL1(bus, mem)
		c2 = newSharedL1(bus, mem)
	})

	Describe("S5 - a write invalidates every other holder", func() {
		It("invalidates peers that hold the line Shared", func() {
			// A re-read of an already-cached line always downgrades to
			// Shared (§4.5's read-hit rule), which is how two readers end
			// up Shared rather than each independently Exclusive.
			for _, c := range []*cache.Cache{c0, c1} {
				_, err := c.Read(memory.Base)
				Expect(err).NotTo(HaveOccurred())
				_, err = c.Read(memory.Base)
				Expect(err).NotTo(HaveOccurred())

				state, ok := c.MesiState(memory.Base)
				Expect(ok).To(BeTrue())
				Expect(state).To(Equal(cacheline.Shared))
			}

			Expect(c2.Write(memory.Base, 99)).To(Succeed())

			_, ok := c0.MesiState(memory.Base)
			Expect(ok).To(BeFalse(), "c0's line should have been invalidated and freed")
			_, ok = c1.MesiState(memory.Base)
			Expect(ok).To(BeFalse(), "c1's line should have been invalidated and freed")

			state, ok := c2.MesiState(memory.Base)
			Expect(ok).To(BeTrue())
			Expect(state).To(Equal(cacheline.Modified))
		})
	})

	Describe("invariant 5 - at most one Modified holder, never Modified+Shared", func() {
		It("downgrades a Modified holder to Shared on a peer's read hit", func() {
			Expect(c0.Write(memory.Base, 7)).To(Succeed())
			state, ok := c0.MesiState(memory.Base)
			Expect(ok).To(BeTrue())
			Expect(state).To(Equal(cacheline.Modified))

			// c1's first touch is a miss (no coherence effect on c0); the
			// second is a hit, which is where the read-hit rule downgrades
			// any Modified peer to Shared.
			_, err := c1.Read(memory.Base)
			Expect(err).NotTo(HaveOccurred())
			_, err = c1.Read(memory.Base)
			Expect(err).NotTo(HaveOccurred())

			state, ok = c0.MesiState(memory.Base)
			Expect(ok).To(BeTrue())
			Expect(state).To(Equal(cacheline.Shared), "former Modified holder must downgrade, never coexist with a reader as Modified")

			state, ok = c1.MesiState(memory.Base)
			Expect(ok).To(BeTrue())
			Expect(state).To(Equal(cacheline.Shared))
		})

		It("writes back a peer's Modified line before invalidating it on a write-write race", func() {
			Expect(c0.Write(memory.Base, 7)).To(Succeed())

			// c1 needs a cached line of its own before its write can be a
			// hit (only a hit triggers write_back_before_invalidation).
			_, err := c1.Read(memory.Base)
			Expect(err).NotTo(HaveOccurred())

			Expect(c1.Write(memory.Base, 42)).To(Succeed())

			v, err := mem.Read(memory.Base)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(int32(7)), "c0's dirty line must be written back before c1 takes ownership")

			_, ok := c0.MesiState(memory.Base)
			Expect(ok).To(BeFalse())

			state, ok := c1.MesiState(memory.Base)
			Expect(ok).To(BeTrue())
			Expect(state).To(Equal(cacheline.Modified))
		})
	})

	Describe("an address never cached anywhere", func() {
		It("is a no-op broadcast", func() {
			bus.InvalidateOthers(memory.Base+0x9000, c0)
			bus.DowngradeModifiedToShared(memory.Base+0x9000, c0)
			bus.WriteBackBeforeInvalidation(memory.Base+0x9000, c0)
		})
	})
})
