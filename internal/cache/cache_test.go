package cache_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/archlab/cachesim/internal/cache"
	"github.com/archlab/cachesim/internal/memory"
)

func TestCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cache Suite")
}

var _ = Describe("Cache", func() {
	var mem *memory.Memory

	BeforeEach(func() {
		mem = memory.New(64 * 1024)
	})

	Describe("read/write round trip", func() {
		It("observes its own write with no intervening writers (invariant 1)", func() {
			c, err := cache.New(cache.Config{
				SizeBytes: 8 * 1024, Associativity: 2, BlockSize: 16,
				Replacement: cache.LRU, Write: cache.WriteBack, Level: cache.L1, Memory: mem,
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(c.Write(memory.Base, 42)).To(Succeed())
			got, err := c.Read(memory.Base)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(int32(42)))
		})

		It("rejects unaligned addresses without mutating state", func() {
			c, err := cache.New(cache.Config{
				SizeBytes: 8 * 1024, Associativity: 2, BlockSize: 16,
				Replacement: cache.LRU, Write: cache.WriteBack, Level: cache.L1, Memory: mem,
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = c.Read(memory.Base + 1)
			Expect(err).To(HaveOccurred())
			Expect(c.Stats().Hits + c.Stats().Misses).To(Equal(uint64(0)))
		})
	})

	Describe("S1 - write-back delays memory update", func() {
		It("defers the memory write until eviction", func() {
			c, err := cache.New(cache.Config{
				SizeBytes: 8 * 1024, Associativity: 2, BlockSize: 16,
				Replacement: cache.LRU, Write: cache.WriteBack, Level: cache.L1, Memory: mem,
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(c.Write(memory.Base, 42)).To(Succeed())
			v, _ := mem.Read(memory.Base)
			Expect(v).To(Equal(int32(0)))

			Expect(c.Write(memory.Base+0x1000, 99)).To(Succeed())
			Expect(c.Write(memory.Base+0x2000, 88)).To(Succeed())
			Expect(c.Write(memory.Base+0x3000, 77)).To(Succeed())
			Expect(c.Write(memory.Base+0x4000, 66)).To(Succeed())

			v, _ = mem.Read(memory.Base)
			Expect(v).To(Equal(int32(42)))
		})
	})

	Describe("S2 - write-through propagates immediately", func() {
		It("updates memory on every write", func() {
			c, err := cache.New(cache.Config{
				SizeBytes: 8 * 1024, Associativity: 2, BlockSize: 16,
				Replacement: cache.LRU, Write: cache.WriteThrough, Level: cache.L1, Memory: mem,
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(c.Write(memory.Base, 42)).To(Succeed())
			v, err := mem.Read(memory.Base)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(int32(42)))
		})
	})

	Describe("S3 - direct-mapped conflict", func() {
		It("evicts the prior occupant of the same set", func() {
			c, err := cache.New(cache.Config{
				SizeBytes: 8 * 1024, Associativity: 1, BlockSize: 16,
				Replacement: cache.LRU, Write: cache.WriteBack, Level: cache.L1, Memory: mem,
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(c.Write(memory.Base, 42)).To(Succeed())
			before := c.Stats().Hits
			_, err = c.Read(memory.Base)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Stats().Hits).To(Equal(before + 1))

			Expect(c.Write(memory.Base+8192, 99)).To(Succeed())

			missesBefore := c.Stats().Misses
			_, err = c.Read(memory.Base)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Stats().Misses).To(Equal(missesBefore + 1))
		})
	})

	Describe("S4 - FIFO order across a 2-way set", func() {
		It("evicts slot 0 first regardless of intervening reads", func() {
			c, err := cache.New(cache.Config{
				SizeBytes: 32, Associativity: 2, BlockSize: 16,
				Replacement: cache.FIFO, Write: cache.WriteBack, Level: cache.L1, Memory: mem,
			})
			Expect(err).NotTo(HaveOccurred())

			// One set (32/(2*16)=1): 0x1000 and 0x2000 fill both ways.
			Expect(c.Write(memory.Base, 1)).To(Succeed())
			Expect(c.Write(memory.Base+0x1000, 2)).To(Succeed())

			// Touch the first line repeatedly; FIFO must ignore recency.
			_, _ = c.Read(memory.Base)
			_, _ = c.Read(memory.Base)

			Expect(c.Write(memory.Base+0x2000, 3)).To(Succeed())

			missesBefore := c.Stats().Misses
			_, err = c.Read(memory.Base)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Stats().Misses).To(Equal(missesBefore + 1), "slot 0 (0x1000) should have been evicted first")
		})
	})

	Describe("LFU (invariant 8)", func() {
		It("evicts the coldest line, ties favoring the lowest slot index", func() {
			c, err := cache.New(cache.Config{
				SizeBytes: 64, Associativity: 4, BlockSize: 16,
				Replacement: cache.LFU, Write: cache.WriteBack, Level: cache.L1, Memory: mem,
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(c.Write(memory.Base, 1)).To(Succeed())
			Expect(c.Write(memory.Base+0x1000, 2)).To(Succeed())
			Expect(c.Write(memory.Base+0x2000, 3)).To(Succeed())
			Expect(c.Write(memory.Base+0x3000, 4)).To(Succeed())

			// Touch everything but the first line to keep it coldest.
			_, _ = c.Read(memory.Base + 0x1000)
			_, _ = c.Read(memory.Base + 0x2000)
			_, _ = c.Read(memory.Base + 0x3000)

			Expect(c.Write(memory.Base+0x4000, 5)).To(Succeed())

			missesBefore := c.Stats().Misses
			_, err = c.Read(memory.Base)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Stats().Misses).To(Equal(missesBefore+1), "coldest line (0x1000) should have been evicted")
		})
	})

	Describe("Flush (S6)", func() {
		It("drains every dirty line to memory", func() {
			c, err := cache.New(cache.Config{
				SizeBytes: 8 * 1024, Associativity: 2, BlockSize: 16,
				Replacement: cache.LRU, Write: cache.WriteBack, Level: cache.L1, Memory: mem,
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(c.Write(memory.Base, 11)).To(Succeed())
			Expect(c.Write(memory.Base+0x1000, 22)).To(Succeed())

			v, _ := mem.Read(memory.Base)
			Expect(v).To(Equal(int32(0)))

			Expect(c.Flush()).To(Succeed())

			v, _ = mem.Read(memory.Base)
			Expect(v).To(Equal(int32(11)))
			v, _ = mem.Read(memory.Base + 0x1000)
			Expect(v).To(Equal(int32(22)))

			// Idempotent: a second flush writes nothing further and does not error.
			Expect(c.Flush()).To(Succeed())
		})
	})

	Describe("multi-level forwarding", func() {
		It("allocates into L1 after a miss propagates to L2 then memory", func() {
			l2, err := cache.New(cache.Config{
				SizeBytes: 8 * 1024, Associativity: 2, BlockSize: 16,
				Replacement: cache.LRU, Write: cache.WriteBack, Level: cache.L2, Memory: mem,
			})
			Expect(err).NotTo(HaveOccurred())

			l1, err := cache.New(cache.Config{
				SizeBytes: 8 * 1024, Associativity: 2, BlockSize: 16,
				Replacement: cache.LRU, Write: cache.WriteBack, Level: cache.L1,
				NextLevel: l2, Memory: mem,
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(mem.Write(memory.Base, 0xBEEF)).To(Succeed())

			got, err := l1.Read(memory.Base)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(int32(0xBEEF)))

			Expect(l1.Stats().Misses).To(Equal(uint64(1)))
			Expect(l2.Stats().Misses).To(Equal(uint64(1)))

			got, err = l1.Read(memory.Base)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(int32(0xBEEF)))
			Expect(l1.Stats().Hits).To(Equal(uint64(1)))
		})
	})

	Describe("address decode round trip (invariant 9)", func() {
		It("reconstructs the original address from tag/index/offset", func() {
			c, err := cache.New(cache.Config{
				SizeBytes: 8 * 1024, Associativity: 2, BlockSize: 16,
				Replacement: cache.LRU, Write: cache.WriteBack, Level: cache.L1, Memory: mem,
			})
			Expect(err).NotTo(HaveOccurred())

			addrs := []uint32{memory.Base, memory.Base + 4, memory.Base + 0x1234}
			for i, addr := range addrs {
				Expect(c.Write(addr, int32(i+1))).To(Succeed())
			}

			// Flush writes each line back to the block address rebuilt from
			// its tag and set index, so every word must land at its own address.
			Expect(c.Flush()).To(Succeed())
			for i, addr := range addrs {
				v, err := mem.Read(addr)
				Expect(err).NotTo(HaveOccurred())
				Expect(v).To(Equal(int32(i + 1)))
			}
		})
	})
})
