package gateway

import (
	"fmt"
	"strings"

	"chartsync/internal/config"
	"chartsync/internal/gateway/binance"
	"chartsync/internal/gateway/provider"
)

func NewProviderFromConfig(pc config.ProviderConfig) (provider.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(pc.Name)) {
	case "", "binance":
		return binance.New(binance.Config{
			RESTBaseURL:      pc.RESTBaseURL,
			HTTPTimeout:      pc.HTTPTimeout(),
			APIKey:           pc.APIKey,
			APISecret:        pc.APISecret,
			ProxyURL:         pc.ProxyURL,
			BreakerThreshold: pc.BreakerThreshold,
			BreakerTimeout:   pc.BreakerTimeout(),
		})
	default:
		return nil, fmt.Errorf("unsupported market data provider: %s", pc.Name)
	}
}
