package metadata

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const stripeCount = 256

// stripes maps URLs onto a fixed pool of mutexes. Multi-URL locks are taken in ascending stripe
// order so concurrent transactions cannot deadlock.
type stripes struct {
	locks [stripeCount]sync.Mutex
}

func newStripes() *stripes {
	return &stripes{}
}

func stripeOf(url string) int {
	return int(xxhash.Sum64String(url) % stripeCount)
}

func (s *stripes) lock(urls ...string) func() {
	seen := make(map[int]struct{}, len(urls))
	idx := make([]int, 0, len(urls))
	for _, url := range urls {
		i := stripeOf(url)
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		s.locks[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.locks[idx[j]].Unlock()
		}
	}
}
