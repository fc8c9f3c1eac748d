package binance

import (
	"strings"
	"time"
)

const defaultSpotREST = "https://api.binance.com"

type Config struct {
	RESTBaseURL string
	HTTPTimeout time.Duration

	APIKey    string
	APISecret string

	ProxyURL string

	BreakerThreshold int
	BreakerTimeout   time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimRight(strings.TrimSpace(out.RESTBaseURL), "/")
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = defaultSpotREST
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if out.BreakerThreshold <= 0 {
		out.BreakerThreshold = 5
	}
	if out.BreakerTimeout <= 0 {
		out.BreakerTimeout = 30 * time.Second
	}
	out.APIKey = strings.TrimSpace(out.APIKey)
	out.APISecret = strings.TrimSpace(out.APISecret)
	out.ProxyURL = strings.TrimSpace(out.ProxyURL)
	return out
}
