package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimate_Empty(t *testing.T) {
	assert.Equal(t, int64(0), Estimate(""))
}

func TestEstimate_NonEmpty(t *testing.T) {
	got := Estimate("hello world")
	assert.Greater(t, got, int64(50))
}

func TestEstimate_LongerTextYieldsMoreTokens(t *testing.T) {
	short := Estimate("hi")
	long := Estimate("this is a much longer sentence with many more runes in it")
	assert.Greater(t, long, short)
}

func TestEstimateTotal(t *testing.T) {
	p, c, total := EstimateTotal("prompt text", "completion text")
	assert.Equal(t, p+c, total)
	assert.Greater(t, p, int64(0))
	assert.Greater(t, c, int64(0))
}
