package routing

import (
	"math/rand"
	"sync"
)

// Random picks uniformly among model-filtered endpoints. Useful as a
// baseline to compare the smarter strategies against, and as a router
// config default before any stats have accumulated.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom builds a random strategy with its own seeded PRNG instance
// instead of the package-level source; Route serializes access to it with mu
// because a *rand.Rand is not safe for concurrent use.
func NewRandom(seed int64) *Random {
	return &Random{rng: rand.New(rand.NewSource(seed))}
}

func (r *Random) Name() string { return "random" }

func (r *Random) Route(req Request, rc Context) (string, error) {
	endpoints, err := filterForModel(rc.Endpoints, req.Model)
	if err != nil {
		return "", err
	}
	urls := sortedURLs(endpoints)
	r.mu.Lock()
	idx := r.rng.Intn(len(urls))
	r.mu.Unlock()
	return urls[idx], nil
}

var _ Strategy = (*Random)(nil)
