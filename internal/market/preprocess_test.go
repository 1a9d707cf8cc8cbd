package market

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"
)

// genBars builds a deterministic daily series starting at basePrice with a
// fixed drift. Weekends are skipped to look like trading dates.
func genBars(symbol string, start string, n int, basePrice float64) []Data {
	bars := make([]Data, 0, n)
	day, _ := time.Parse(DateLayout, start)
	price := basePrice
	for len(bars) < n {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			price *= 1.001
			bars = append(bars, Data{
				Symbol: symbol,
				Date:   day.Format(DateLayout),
				Open:   price * 0.995,
				High:   price * 1.01,
				Low:    price * 0.99,
				Close:  price,
				Volume: 1000000,
			})
		}
		day = day.AddDate(0, 0, 1)
	}
	return bars
}

func TestPreprocessorProcess(t *testing.T) {
	p := NewPreprocessor(DefaultPreprocessConfig())
	ctx := context.Background()

	t.Run("clean data passes through", func(t *testing.T) {
		bars := genBars("600519", "2023-01-02", 60, 100)
		out, err := p.Process(ctx, "600519", bars)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if len(out) != 60 {
			t.Errorf("Expected 60 bars, got %d", len(out))
		}
	})

	t.Run("sorts and dedupes by date", func(t *testing.T) {
		bars := genBars("600519", "2023-01-02", 40, 100)
		// shuffle two bars out of order and duplicate one
		bars[0], bars[10] = bars[10], bars[0]
		dup := bars[5]
		dup.Close = 42
		bars = append(bars, dup)

		out, err := p.Process(ctx, "600519", bars)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if len(out) != 40 {
			t.Errorf("Expected 40 bars after dedupe, got %d", len(out))
		}
		for i := 1; i < len(out); i++ {
			if out[i-1].Date >= out[i].Date {
				t.Fatalf("Bars not sorted: %s >= %s", out[i-1].Date, out[i].Date)
			}
		}
	})

	t.Run("invalid date format rejected", func(t *testing.T) {
		bars := genBars("600519", "2023-01-02", 40, 100)
		bars[3].Date = "2023/01/05"
		if _, err := p.Process(ctx, "600519", bars); err == nil {
			t.Error("Expected error for malformed date")
		}
	})

	t.Run("too few bars rejected", func(t *testing.T) {
		bars := genBars("600519", "2023-01-02", 10, 100)
		if _, err := p.Process(ctx, "600519", bars); err == nil {
			t.Error("Expected insufficient data error")
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		canceled, cancel := context.WithCancel(context.Background())
		cancel()
		bars := genBars("600519", "2023-01-02", 40, 100)
		if _, err := p.Process(canceled, "600519", bars); err == nil {
			t.Error("Expected context error")
		}
	})
}

func TestPreprocessorFillMissing(t *testing.T) {
	ctx := context.Background()

	t.Run("forward fill", func(t *testing.T) {
		p := NewPreprocessor(PreprocessConfig{FillMethod: FillForward, MinDataPoints: 30})
		bars := genBars("600519", "2023-01-02", 40, 100)
		want := bars[19].Close
		bars[20].Close = math.NaN()

		out, err := p.Process(ctx, "600519", bars)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if out[20].Close != want {
			t.Errorf("Expected forward-filled close %f, got %f", want, out[20].Close)
		}
	})

	t.Run("linear fill interpolates", func(t *testing.T) {
		p := NewPreprocessor(PreprocessConfig{FillMethod: FillLinear, MinDataPoints: 30})
		bars := genBars("600519", "2023-01-02", 40, 100)
		before := bars[19].Close
		after := bars[21].Close
		bars[20].Open = math.NaN()
		bars[20].High = math.NaN()
		bars[20].Low = math.NaN()
		bars[20].Close = math.NaN()

		out, err := p.Process(ctx, "600519", bars)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		want := (before + after) / 2
		if math.Abs(out[20].Close-want) > 1e-9 {
			t.Errorf("Expected interpolated close %f, got %f", want, out[20].Close)
		}
	})

	t.Run("volume always forward filled", func(t *testing.T) {
		p := NewPreprocessor(PreprocessConfig{FillMethod: FillLinear, MinDataPoints: 30})
		bars := genBars("600519", "2023-01-02", 40, 100)
		bars[15].Volume = math.NaN()

		out, err := p.Process(ctx, "600519", bars)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if out[15].Volume != out[14].Volume {
			t.Errorf("Expected volume forward fill %f, got %f", out[14].Volume, out[15].Volume)
		}
	})
}

func TestPreprocessorOutliers(t *testing.T) {
	p := NewPreprocessor(DefaultPreprocessConfig())
	bars := genBars("600519", "2023-01-02", 60, 100)
	spikeIdx := 30
	bars[spikeIdx].Close = 100000 // far beyond 3 sigma

	out, err := p.Process(context.Background(), "600519", bars)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	want := (out[spikeIdx-1].Close + out[spikeIdx+1].Close) / 2
	if math.Abs(out[spikeIdx].Close-want) > 1e-6 {
		t.Errorf("Expected outlier replaced with neighbor average %f, got %f", want, out[spikeIdx].Close)
	}
}

func TestPreprocessorSplitAdjustment(t *testing.T) {
	p := NewPreprocessor(DefaultPreprocessConfig())
	bars := genBars("600519", "2023-01-02", 60, 100)

	// Simulate a 2:1 split halfway: halve prices and double volumes from
	// splitIdx onward so the raw series shows a -50% single-day drop.
	splitIdx := 30
	for i := splitIdx; i < len(bars); i++ {
		bars[i].Open /= 2
		bars[i].High /= 2
		bars[i].Low /= 2
		bars[i].Close /= 2
		bars[i].Volume *= 2
	}

	out, err := p.Process(context.Background(), "600519", bars)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// After adjustment the series must be continuous: no day-over-day move
	// beyond a few percent.
	for i := 1; i < len(out); i++ {
		change := math.Abs(out[i].Close/out[i-1].Close - 1)
		if change > 0.05 {
			t.Fatalf("Discontinuity of %.1f%% remains at %s", change*100, out[i].Date)
		}
	}

	// Prior volumes scaled up by the split ratio
	if out[splitIdx-1].Volume < 1900000 {
		t.Errorf("Expected prior volume scaled by split ratio, got %f", out[splitIdx-1].Volume)
	}
}

func TestPreprocessorNormalize(t *testing.T) {
	cfg := DefaultPreprocessConfig()
	cfg.Normalize = true
	p := NewPreprocessor(cfg)

	bars := genBars("600519", "2023-01-02", 60, 100)
	out, err := p.Process(context.Background(), "600519", bars)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	var sum float64
	for _, b := range out {
		sum += b.Close
	}
	mean := sum / float64(len(out))
	if math.Abs(mean) > 1e-9 {
		t.Errorf("Expected normalized closes with zero mean, got %f", mean)
	}
}

func TestQualityReport(t *testing.T) {
	p := NewPreprocessor(DefaultPreprocessConfig())

	bars := genBars("600519", "2023-01-02", 60, 100)
	bars[10].Close = math.NaN()
	bars[40].Close = bars[39].Close * 0.5 // suspected split

	report := p.Report("600519", bars)

	if report.TotalBars != 60 {
		t.Errorf("Expected 60 total bars, got %d", report.TotalBars)
	}
	if report.MissingValues != 1 {
		t.Errorf("Expected 1 missing value, got %d", report.MissingValues)
	}
	if report.SuspectedSplits != 1 {
		t.Errorf("Expected 1 suspected split, got %d", report.SuspectedSplits)
	}
	if report.ValidRatio <= 0.9 {
		t.Errorf("Expected high valid ratio, got %f", report.ValidRatio)
	}

	// Report never mutates its input
	if !math.IsNaN(bars[10].Close) {
		t.Error("Report should not modify input bars")
	}
}

func TestQualityReportEmpty(t *testing.T) {
	p := NewPreprocessor(DefaultPreprocessConfig())
	report := p.Report("600519", nil)
	if report.TotalBars != 0 {
		t.Errorf("Expected empty report, got %+v", report)
	}
}

func ExamplePreprocessor_Process() {
	p := NewPreprocessor(DefaultPreprocessConfig())
	bars := genBars("600519", "2023-01-02", 35, 100)
	out, _ := p.Process(context.Background(), "600519", bars)
	fmt.Println(len(out))
	// Output: 35
}
