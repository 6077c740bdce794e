// Package logits turns next-token logits into token ids.
package logits

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"
)

// SamplerConfig configures the behaviour of a Sampler. The zero value is
// greedy decoding.
type SamplerConfig struct {
	Seed        uint64
	DoSample    bool
	Temperature float32
	// TopK keeps the K most likely tokens. Zero disables the filter.
	TopK int
	TopP float32
	MinP float32
	// RepeatPenalty divides positive and multiplies negative logits of
	// tokens already present in the history. Values <= 1 disable it.
	RepeatPenalty float32
	// RepeatLastN limits the penalty to the most recent tokens. Zero means
	// the whole history.
	RepeatLastN int
}

// heapSortThreshold is the K above which topK sorts all candidates instead
// of maintaining an insertion-sorted shortlist.
const heapSortThreshold = 64

type Sampler struct {
	rng       *rand.Rand
	cfg       SamplerConfig
	greedy    bool
	topIdx    []int
	topVal    []float32
	order     []int
	prob      []float64
	seenMark  []uint32
	seenEpoch uint32
	seenList  []int
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := !cfg.DoSample || cfg.Temperature < 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK < 0 {
		cfg.TopK = 0
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1.0
	}
	return &Sampler{
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x6a09e667f3bcc909)),
		cfg:    cfg,
		greedy: greedy,
	}
}

func (s *Sampler) Greedy() bool { return s.greedy }

// Sample picks the next token from logits. The steps are:
//
//  1. Apply the repetition penalty over history if configured.
//  2. Greedy samplers return the argmax.
//  3. Otherwise the logits are scaled by the inverse temperature and the
//     indices of the top k values are selected.
//  4. A softmax over the shortlisted values is computed.
//  5. Min-P and Top-P truncate the shortlist.
//  6. A random value is drawn from [0,1) and used to select an index from the
//     truncated distribution.
//
// logits is modified in place.
func (s *Sampler) Sample(logits []float32, history []int) int {
	if s.cfg.RepeatPenalty != 1.0 && len(history) > 0 {
		s.applyRepeatPenalty(logits, history)
	}

	if s.greedy {
		return argmax(logits)
	}

	invTemp := float32(1.0) / s.cfg.Temperature
	k := len(logits)
	if s.cfg.TopK > 0 {
		k = min(s.cfg.TopK, k)
	}
	topIdx, topVal := s.topK(logits, k, invTemp)
	if len(topVal) == 0 {
		return 0
	}

	maxv := topVal[0]
	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i := range topVal {
		e := math.Exp(float64(topVal[i] - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) {
		return topIdx[0]
	}
	invSum := 1.0 / sum
	for i := range prob {
		prob[i] *= invSum
	}

	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		newLen := 0
		var newSum float64
		for i := range prob {
			if prob[i] >= threshold {
				prob[newLen] = prob[i]
				topIdx[newLen] = topIdx[i]
				newSum += prob[i]
				newLen++
			}
		}
		if newLen < len(prob) {
			prob = prob[:newLen]
			for i := range prob {
				prob[i] /= newSum
			}
		}
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	var mass float64
	for i := range cut {
		mass += prob[i]
	}
	r := s.rng.Float64() * mass
	var c float64
	for i := range cut {
		c += prob[i]
		if r < c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

func (s *Sampler) applyRepeatPenalty(logits []float32, history []int) {
	window := history
	if s.cfg.RepeatLastN > 0 {
		window = history[max(len(history)-s.cfg.RepeatLastN, 0):]
	}
	if len(s.seenMark) < len(logits) {
		s.seenMark = make([]uint32, len(logits))
	}
	s.seenEpoch++
	if s.seenEpoch == 0 {
		clear(s.seenMark)
		s.seenEpoch = 1
	}
	s.seenList = s.seenList[:0]
	for _, id := range window {
		if id >= 0 && id < len(logits) && s.seenMark[id] != s.seenEpoch {
			s.seenMark[id] = s.seenEpoch
			s.seenList = append(s.seenList, id)
		}
	}
	for _, id := range s.seenList {
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepeatPenalty
		} else {
			logits[id] *= s.cfg.RepeatPenalty
		}
	}
}

// argmax returns the index of the maximum value in the slice, preferring
// the lowest index on ties. If the slice is empty it panics.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and values of the k largest elements in logits,
// scaled by invTemp, ordered from largest to smallest.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	if k > heapSortThreshold {
		return s.topKSorted(logits, k, invTemp)
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)

		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}

// topKSorted is O(V log V) and used when k is large.
func (s *Sampler) topKSorted(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(s.order) < len(logits) {
		s.order = make([]int, len(logits))
	}
	order := s.order[:len(logits)]
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(logits[b], logits[a])
	})
	if cap(s.topVal) < k {
		s.topVal = make([]float32, k)
	}
	topVal := s.topVal[:k]
	for i, idx := range order[:k] {
		topVal[i] = logits[idx] * invTemp
	}
	return order[:k], topVal
}
