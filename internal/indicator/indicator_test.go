package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	result := SMA(values, 3)
	require.Len(t, result, 5)
	assert.True(t, math.IsNaN(result[0]))
	assert.True(t, math.IsNaN(result[1]))
	assert.InDelta(t, 2.0, result[2], 1e-9)
	assert.InDelta(t, 3.0, result[3], 1e-9)
	assert.InDelta(t, 4.0, result[4], 1e-9)
}

func TestEMA(t *testing.T) {
	values := []float64{10, 10, 10, 10, 20}
	result := EMA(values, 3)
	assert.True(t, math.IsNaN(result[1]))
	assert.InDelta(t, 10.0, result[2], 1e-9)
	// multiplier = 0.5, so the jump to 20 pulls the EMA halfway
	assert.InDelta(t, 15.0, result[4], 1e-9)
}

func TestRSI(t *testing.T) {
	// strictly rising series has no losses, RSI pegs at 100
	values := make([]float64, 20)
	for i := range values {
		values[i] = float64(i + 1)
	}
	result := RSI(values, 14)
	assert.True(t, math.IsNaN(result[13]))
	assert.InDelta(t, 100.0, result[14], 1e-9)
	assert.InDelta(t, 100.0, result[19], 1e-9)
}

func TestMACD(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = 100 + float64(i)*0.5
	}
	macd, signal, histogram := MACD(values, 12, 26, 9)
	assert.True(t, math.IsNaN(macd[24]))
	assert.False(t, math.IsNaN(macd[25]))
	assert.False(t, math.IsNaN(signal[40]))
	assert.InDelta(t, macd[50]-signal[50], histogram[50], 1e-9)
}

func TestBollinger(t *testing.T) {
	values := make([]float64, 25)
	for i := range values {
		values[i] = 100
	}
	upper, middle, lower := Bollinger(values, 20, 2)
	// constant series collapses the bands onto the mean
	assert.InDelta(t, 100.0, middle[24], 1e-9)
	assert.InDelta(t, 100.0, upper[24], 1e-9)
	assert.InDelta(t, 100.0, lower[24], 1e-9)
}

func TestCorrelation(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 1.0, Correlation(x, x), 1e-9)

	inverse := []float64{5, 4, 3, 2, 1}
	assert.InDelta(t, -1.0, Correlation(x, inverse), 1e-9)

	flat := []float64{2, 2, 2, 2, 2}
	assert.Equal(t, 0.0, Correlation(x, flat))
}

func TestRSquared(t *testing.T) {
	perfect := []float64{1, 3, 5, 7, 9}
	assert.InDelta(t, 1.0, RSquared(perfect), 1e-9)

	flat := []float64{4, 4, 4, 4}
	assert.Equal(t, 0.0, RSquared(flat))
}

func TestLinearTrend(t *testing.T) {
	assert.InDelta(t, 2.0, LinearTrend([]float64{1, 3, 5, 7}), 1e-9)
	assert.InDelta(t, 0.0, LinearTrend([]float64{5, 5, 5}), 1e-9)
	assert.Equal(t, 0.0, LinearTrend([]float64{1}))
}

func TestMeanStd(t *testing.T) {
	mean, std := MeanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5.0, mean, 1e-9)
	assert.InDelta(t, 2.0, std, 1e-9)
}

func TestCoefficientOfVariation(t *testing.T) {
	assert.Equal(t, 0.0, CoefficientOfVariation([]float64{1, -1}))
	cv := CoefficientOfVariation([]float64{10, 10, 10})
	assert.Equal(t, 0.0, cv)
}

func TestRollingVolatility(t *testing.T) {
	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = 100
	}
	result := RollingVolatility(prices, 20)
	assert.True(t, math.IsNaN(result[19]))
	assert.InDelta(t, 0.0, result[25], 1e-9)
}
