package entropy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShannon_UniformDistribution(t *testing.T) {
	p := []float32{0.25, 0.25, 0.25, 0.25}
	h := Shannon(p)
	assert.InDelta(t, math.Log(4), h, 1e-6)
}

func TestShannon_SinglePeakIsZeroEntropy(t *testing.T) {
	p := []float32{1.0}
	assert.InDelta(t, 0.0, Shannon(p), 1e-9)
}

func TestShannon_IgnoresZeroProbabilities(t *testing.T) {
	p := []float32{0.5, 0.5, 0}
	assert.InDelta(t, math.Log(2), Shannon(p), 1e-6)
}

func TestWeight_LeavesHighEntropyUnchanged(t *testing.T) {
	// 8-way uniform distribution has H = log(8) ~= 2.08 < 3, so even a
	// fairly flat distribution gets reweighted; use enough bins to clear
	// the threshold.
	n := 64
	p := make([]float32, n)
	for i := range p {
		p[i] = 1.0 / float32(n)
	}
	out := Weight(p)
	assert.Equal(t, p, out, "H >= 3 should return p unchanged (same slice)")
}

func TestWeight_ReweightsLowEntropyAndRenormalizes(t *testing.T) {
	p := []float32{0.9, 0.1}
	out := Weight(p)

	var sum float64
	for _, v := range out {
		sum += float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-6)

	// Reweighting with w<1 pulls small probabilities up relative to large
	// ones, so the ratio out[0]/out[1] should shrink versus the input ratio.
	assert.Less(t, out[0]/out[1], p[0]/p[1])
}

func TestWeight_SinglePeakStaysSingleton(t *testing.T) {
	out := Weight([]float32{1.0})
	assert.InDelta(t, 1.0, out[0], 1e-6)
}

func TestSimilarity_IdenticalValuesGivePositiveContribution(t *testing.T) {
	s := Similarity(0.5, 0.5)
	assert.Greater(t, s, 0.0)
}

func TestSimilarity_ZeroBothIsZero(t *testing.T) {
	assert.Equal(t, 0.0, Similarity(0, 0))
}

func TestPairSimilarity_SelfSimilarityIsOne(t *testing.T) {
	p := Weight([]float32{0.2, 0.3, 0.5})
	s := PairSimilarity(p, p)
	assert.InDelta(t, 1.0, s, 1e-6)
}

func TestPairSimilarity_Symmetric(t *testing.T) {
	a := Weight([]float32{0.6, 0.4})
	b := Weight([]float32{0.1, 0.9})
	assert.InDelta(t, PairSimilarity(a, b), PairSimilarity(b, a), 1e-9)
}

func TestPairSimilarity_Range(t *testing.T) {
	a := Weight([]float32{0.6, 0.4})
	b := Weight([]float32{0.1, 0.9})
	s := PairSimilarity(a, b)
	assert.GreaterOrEqual(t, s, -1e-6)
	assert.LessOrEqual(t, s, 1.0+1e-6)
}
