package data

import (
	"math/rand"
)

// Sampler groups sample indices into batches. Plan is called once per pass;
// successive calls may reshuffle.
type Sampler interface {
	Plan() [][]int
	Len() int
}

// BatchSampler groups samples so that the padded size of a batch, the longest
// member's token count times the batch size, stays within MaxToken. A sample
// longer than the budget forms a batch of its own.
type BatchSampler struct {
	tokenNums []int
	maxToken  int
	shuffle   bool
	rng       *rand.Rand
}

// NewBatchSampler creates a token budget sampler. With shuffle set the sample
// order is permuted on every Plan call using a generator seeded with seed.
func NewBatchSampler(tokenNums []int, maxToken int, shuffle bool, seed int64) *BatchSampler {
	return &BatchSampler{
		tokenNums: tokenNums,
		maxToken:  maxToken,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

func (s *BatchSampler) Plan() [][]int {
	order := indices(len(s.tokenNums))
	if s.shuffle {
		s.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	var batches [][]int
	var cur []int
	longest := 0
	for _, idx := range order {
		n := s.tokenNums[idx]
		next := longest
		if n > next {
			next = n
		}
		if len(cur) > 0 && next*(len(cur)+1) > s.maxToken {
			batches = append(batches, cur)
			cur = nil
			next = n
		}
		cur = append(cur, idx)
		longest = next
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// Len is the number of batches of an unshuffled plan. Shuffled plans may
// differ slightly.
func (s *BatchSampler) Len() int {
	shuffle := s.shuffle
	s.shuffle = false
	n := len(s.Plan())
	s.shuffle = shuffle
	return n
}

// FixedSampler yields batches of BatchSize samples; the last one may be short.
type FixedSampler struct {
	n         int
	batchSize int
	shuffle   bool
	rng       *rand.Rand
}

func NewFixedSampler(n, batchSize int, shuffle bool, seed int64) *FixedSampler {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &FixedSampler{n: n, batchSize: batchSize, shuffle: shuffle, rng: rand.New(rand.NewSource(seed))}
}

func (s *FixedSampler) Plan() [][]int {
	order := indices(s.n)
	if s.shuffle {
		s.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	batches := make([][]int, 0, s.Len())
	for start := 0; start < len(order); start += s.batchSize {
		end := start + s.batchSize
		if end > len(order) {
			end = len(order)
		}
		batches = append(batches, order[start:end])
	}
	return batches
}

func (s *FixedSampler) Len() int {
	return (s.n + s.batchSize - 1) / s.batchSize
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
