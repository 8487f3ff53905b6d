package indengine

import (
	"fmt"
	"time"

	"quantcore/config"
	"quantcore/internal/indicator"
	"quantcore/internal/transform"
)

// Config holds the indicator engine configuration.
type Config struct {
	Tickers    []string
	Convert    transform.Convert
	Indicators []indicator.Indicator
	Workers    int

	// Lookback limits the bars loaded from the store at start-up; zero
	// loads everything.
	Lookback time.Duration

	// BatchDelay is how long incoming bars are collected before the
	// affected datasets are re-evaluated. Default 200ms.
	BatchDelay time.Duration
}

// ConfigFrom builds a Config from the process configuration.
func ConfigFrom(c *config.Config) (Config, error) {
	conv, err := c.DefaultConvert()
	if err != nil {
		return Config{}, err
	}
	tickers := c.ParseTickers()
	if len(tickers) == 0 {
		return Config{}, fmt.Errorf("indengine: no tickers configured")
	}
	return Config{
		Tickers:    tickers,
		Convert:    conv,
		Indicators: c.IndicatorList(),
		Workers:    c.Workers,
		BatchDelay: 200 * time.Millisecond,
	}, nil
}
