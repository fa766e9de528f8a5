package tontine

import (
	crand "crypto/rand"
	"math/rand/v2"
	"sort"
	"sync"
)

// WinnerSelector picks the payout recipient from the members who paid the
// cycle. Candidates are never empty.
type WinnerSelector interface {
	Select(candidates []string) string
}

// RandomSelector picks uniformly at random. The source is injectable so
// tests can fix the outcome.
type RandomSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSelector uses src, or a ChaCha8 stream seeded from crypto/rand
// when src is nil.
func NewRandomSelector(src rand.Source) *RandomSelector {
	if src == nil {
		var seed [32]byte
		if _, err := crand.Read(seed[:]); err != nil {
			panic("tontine: seeding winner selector: " + err.Error())
		}
		src = rand.NewChaCha8(seed)
	}
	return &RandomSelector{rng: rand.New(src)}
}

// Select sorts a copy of candidates first so the result depends only on
// the set of paid members and the random stream, not on settlement order.
func (s *RandomSelector) Select(candidates []string) string {
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)

	s.mu.Lock()
	i := s.rng.IntN(len(sorted))
	s.mu.Unlock()

	return sorted[i]
}
