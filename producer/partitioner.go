package producer

import (
	"math/rand/v2"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/hugolhafner/go-pubsub/kafka"
)

// Partitioner picks the partition of a record sent with kafka.PartitionAny.
// routable lists the partitions that currently have a leader and may be
// empty. Implementations are called with the producer lock held and must be
// quick.
type Partitioner interface {
	Partition(rec kafka.Record, numPartitions int, routable []int32) int32
}

// BatchObserver is implemented by partitioners that react to a partition's
// batch being closed for appends.
type BatchObserver interface {
	OnBatchSealed(topic string, partition int32)
}

// Hasher maps a record key to a partition hash.
type Hasher func(key []byte) uint32

// Murmur2Hasher is the key hash of the Java client, so keyed records land on
// the same partitions as records produced by it.
func Murmur2Hasher(key []byte) uint32 {
	return murmur2(key)
}

// XXHasher hashes keys with xxhash64 truncated to 32 bits.
func XXHasher(key []byte) uint32 {
	return uint32(xxhash.Sum64(key))
}

var (
	_ Partitioner   = (*hashPartitioner)(nil)
	_ Partitioner   = (*roundRobinPartitioner)(nil)
	_ Partitioner   = (*stickyPartitioner)(nil)
	_ BatchObserver = (*stickyPartitioner)(nil)
)

// DefaultPartitioner hashes keys with murmur2 and spreads keyless records round robin.
func DefaultPartitioner() Partitioner {
	return HashPartitioner(Murmur2Hasher)
}

// HashPartitioner hashes keyed records with h over all partitions, routable
// or not, so a key always maps to the same partition. Keyless records go round
// robin over the routable partitions.
func HashPartitioner(h Hasher) Partitioner {
	return &hashPartitioner{hash: h, keyless: newRoundRobin()}
}

type hashPartitioner struct {
	hash    Hasher
	keyless *roundRobinPartitioner
}

func (p *hashPartitioner) Partition(rec kafka.Record, numPartitions int, routable []int32) int32 {
	if rec.Key == nil {
		return p.keyless.Partition(rec, numPartitions, routable)
	}
	return int32(int(p.hash(rec.Key)&0x7fffffff) % numPartitions)
}

// RoundRobinPartitioner ignores keys and cycles through the routable partitions of each topic.
func RoundRobinPartitioner() Partitioner {
	return newRoundRobin()
}

type roundRobinPartitioner struct {
	mu   sync.Mutex
	next map[string]int
}

func newRoundRobin() *roundRobinPartitioner {
	return &roundRobinPartitioner{next: make(map[string]int)}
}

func (p *roundRobinPartitioner) Partition(rec kafka.Record, numPartitions int, routable []int32) int32 {
	p.mu.Lock()
	n := p.next[rec.Topic]
	p.next[rec.Topic] = n + 1
	p.mu.Unlock()

	if len(routable) > 0 {
		return routable[n%len(routable)]
	}
	return int32(n % numPartitions)
}

// StickyPartitioner hashes keyed records like the default partitioner and
// sends keyless records to one randomly chosen partition until its batch is
// sealed, then moves on to another.
func StickyPartitioner() Partitioner {
	return &stickyPartitioner{
		keyed:   HashPartitioner(Murmur2Hasher),
		current: make(map[string]int32),
		last:    make(map[string]int32),
	}
}

type stickyPartitioner struct {
	keyed Partitioner

	mu      sync.Mutex
	current map[string]int32
	last    map[string]int32
}

func (p *stickyPartitioner) Partition(rec kafka.Record, numPartitions int, routable []int32) int32 {
	if rec.Key != nil {
		return p.keyed.Partition(rec, numPartitions, routable)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.current[rec.Topic]; ok && int(cur) < numPartitions && contains(routable, cur) {
		return cur
	}
	avoid, ok := p.last[rec.Topic]
	if !ok {
		avoid = -1
	}
	cur := pick(numPartitions, routable, avoid)
	p.current[rec.Topic] = cur
	return cur
}

func (p *stickyPartitioner) OnBatchSealed(topic string, partition int32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.current[topic]; ok && cur == partition {
		delete(p.current, topic)
		p.last[topic] = partition
	}
}

func contains(routable []int32, p int32) bool {
	if len(routable) == 0 {
		return true
	}
	for _, r := range routable {
		if r == p {
			return true
		}
	}
	return false
}

// pick chooses a random partition other than avoid when there is a choice.
func pick(numPartitions int, routable []int32, avoid int32) int32 {
	candidates := routable
	if len(candidates) == 0 {
		candidates = make([]int32, numPartitions)
		for i := range candidates {
			candidates[i] = int32(i)
		}
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	for {
		c := candidates[rand.IntN(len(candidates))]
		if c != avoid {
			return c
		}
	}
}

// murmur2 is the 32 bit murmur2 of the Java client's DefaultPartitioner.
func murmur2(b []byte) uint32 {
	const (
		seed uint32 = 0x9747b28c
		m    uint32 = 0x5bd1e995
		r           = 24
	)
	h := seed ^ uint32(len(b))
	for len(b) >= 4 {
		k := uint32(b[3])<<24 | uint32(b[2])<<16 | uint32(b[1])<<8 | uint32(b[0])
		b = b[4:]
		k *= m
		k ^= k >> r
		k *= m

		h *= m
		h ^= k
	}
	switch len(b) {
	case 3:
		h ^= uint32(b[2]) << 16
		fallthrough
	case 2:
		h ^= uint32(b[1]) << 8
		fallthrough
	case 1:
		h ^= uint32(b[0])
		h *= m
	}

	h ^= h >> 13
	h *= m
	h ^= h >> 15
	return h
}
