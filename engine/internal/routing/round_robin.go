package routing

import (
	"hash/fnv"
	"strings"
	"sync/atomic"
)

// RoundRobin cycles through the model-filtered, lexicographically-sorted
// endpoint set. The cursor is a single atomic counter so Route never takes a
// lock; when the endpoint set's membership changes (detected by hashing the
// sorted url list) the cursor resets to zero rather than silently skipping
// or repeating entries against a shifted index space.
type RoundRobin struct {
	cursor   atomic.Uint64
	setHash  atomic.Uint64
}

// NewRoundRobin builds an empty round-robin strategy.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (r *RoundRobin) Name() string { return "round_robin" }

func (r *RoundRobin) Route(req Request, rc Context) (string, error) {
	endpoints, err := filterForModel(rc.Endpoints, req.Model)
	if err != nil {
		return "", err
	}
	urls := sortedURLs(endpoints)

	h := hashURLs(urls)
	if r.setHash.Swap(h) != h {
		r.cursor.Store(0)
	}
	idx := r.cursor.Add(1) - 1
	return urls[idx%uint64(len(urls))], nil
}

func hashURLs(urls []string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join(urls, "\x00")))
	return h.Sum64()
}

var _ Strategy = (*RoundRobin)(nil)
