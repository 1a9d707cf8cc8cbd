// Package indicator provides rolling technical indicators and basic
// statistics over price series. All series functions return a slice the
// same length as the input with NaN for warmup positions.
package indicator

import "math"

// SMA computes the simple moving average over the given period.
func SMA(values []float64, period int) []float64 {
	result := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return result
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			result[i] = sum / float64(period)
		}
	}
	return result
}

// EMA computes the exponential moving average, seeded with the SMA of
// the first period values.
func EMA(values []float64, period int) []float64 {
	result := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return result
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	result[period-1] = sum / float64(period)
	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		result[i] = (values[i]-result[i-1])*multiplier + result[i-1]
	}
	return result
}

// RSI computes the relative strength index using smoothed averages of
// gains and losses.
func RSI(values []float64, period int) []float64 {
	result := nanSlice(len(values))
	if period <= 0 || len(values) <= period {
		return result
	}
	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	result[period] = rsiValue(avgGain, avgLoss)
	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		result[i] = rsiValue(avgGain, avgLoss)
	}
	return result
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACD computes the MACD line, signal line and histogram.
func MACD(values []float64, fast, slow, signal int) (macd, signalLine, histogram []float64) {
	n := len(values)
	macd = nanSlice(n)
	signalLine = nanSlice(n)
	histogram = nanSlice(n)

	emaFast := EMA(values, fast)
	emaSlow := EMA(values, slow)
	for i := 0; i < n; i++ {
		if !math.IsNaN(emaFast[i]) && !math.IsNaN(emaSlow[i]) {
			macd[i] = emaFast[i] - emaSlow[i]
		}
	}

	// EMA of the MACD line, skipping the warmup NaNs.
	start := -1
	for i, v := range macd {
		if !math.IsNaN(v) {
			start = i
			break
		}
	}
	if start < 0 || n-start < signal {
		return macd, signalLine, histogram
	}
	sig := EMA(macd[start:], signal)
	for i := start; i < n; i++ {
		signalLine[i] = sig[i-start]
		if !math.IsNaN(macd[i]) && !math.IsNaN(signalLine[i]) {
			histogram[i] = macd[i] - signalLine[i]
		}
	}
	return macd, signalLine, histogram
}

// Bollinger computes Bollinger bands with the given period and standard
// deviation multiplier.
func Bollinger(values []float64, period int, multiplier float64) (upper, middle, lower []float64) {
	n := len(values)
	upper = nanSlice(n)
	middle = SMA(values, period)
	lower = nanSlice(n)
	if period <= 0 || n < period {
		return upper, middle, lower
	}
	for i := period - 1; i < n; i++ {
		_, std := MeanStd(values[i-period+1 : i+1])
		upper[i] = middle[i] + multiplier*std
		lower[i] = middle[i] - multiplier*std
	}
	return upper, middle, lower
}

// RollingVolatility computes annualized rolling volatility from log
// returns. The window at index i covers returns i-period+1..i.
func RollingVolatility(prices []float64, period int) []float64 {
	n := len(prices)
	result := nanSlice(n)
	if period <= 0 || n <= period {
		return result
	}
	returns := make([]float64, n)
	for i := 1; i < n; i++ {
		if prices[i-1] > 0 && prices[i] > 0 {
			returns[i] = math.Log(prices[i] / prices[i-1])
		}
	}
	for i := period; i < n; i++ {
		window := make([]float64, 0, period)
		for j := i - period + 1; j <= i; j++ {
			if j > 0 {
				window = append(window, returns[j])
			}
		}
		if len(window) == 0 {
			continue
		}
		_, std := MeanStd(window)
		result[i] = std * math.Sqrt(252)
	}
	return result
}

// Correlation computes the Pearson correlation coefficient between two
// equal-length samples. Returns 0 when the denominator is zero.
func Correlation(x, y []float64) float64 {
	n := len(x)
	if n == 0 || n != len(y) {
		return 0
	}
	var sumX, sumY, sumXY, sumX2, sumY2 float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumX2 += x[i] * x[i]
		sumY2 += y[i] * y[i]
	}
	fn := float64(n)
	denom := math.Sqrt((fn*sumX2 - sumX*sumX) * (fn*sumY2 - sumY*sumY))
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}

// RSquared computes the coefficient of determination of a linear fit of
// values against x = 0..n-1.
func RSquared(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	slope, intercept := linearFit(values)
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(n)
	var ssRes, ssTot float64
	for i, v := range values {
		predicted := slope*float64(i) + intercept
		ssRes += (v - predicted) * (v - predicted)
		ssTot += (v - mean) * (v - mean)
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}

// LinearTrend computes the least-squares slope of values against
// x = 0..n-1.
func LinearTrend(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	slope, _ := linearFit(values)
	return slope
}

func linearFit(values []float64) (slope, intercept float64) {
	n := float64(len(values))
	var sumX, sumY, sumXY, sumX2 float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumX2 += x * x
	}
	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

// MeanStd computes the mean and population standard deviation.
func MeanStd(values []float64) (mean, std float64) {
	n := len(values)
	if n == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(n)
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(n)
	return mean, math.Sqrt(variance)
}

// CoefficientOfVariation computes std/|mean|, returning 0 for a zero
// mean.
func CoefficientOfVariation(values []float64) float64 {
	mean, std := MeanStd(values)
	if mean == 0 {
		return 0
	}
	return std / math.Abs(mean)
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}
