package config

import (
	"fmt"
	"net/url"

	"chartsync/internal/gateway/provider"

	"github.com/robfig/cron/v3"
)

var supportedProviders = map[string]bool{"binance": true}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Provider.validate(); err != nil {
		return err
	}
	if err := c.Sync.validate(); err != nil {
		return err
	}
	return c.Realtime.validate()
}

func (a *AppConfig) validate() error {
	if !logLevels[a.LogLevel] {
		return fmt.Errorf("app.log_level %q is not one of debug, info, warn, error", a.LogLevel)
	}
	return nil
}

func (p *ProviderConfig) validate() error {
	if !supportedProviders[p.Name] {
		return fmt.Errorf("provider.name %q is not supported", p.Name)
	}
	if _, err := url.ParseRequestURI(p.RESTBaseURL); err != nil {
		return fmt.Errorf("provider.rest_base_url: %w", err)
	}
	if p.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("provider.http_timeout_seconds must be > 0")
	}
	if p.ProxyURL != "" {
		if _, err := url.Parse(p.ProxyURL); err != nil {
			return fmt.Errorf("provider.proxy_url: %w", err)
		}
	}
	return nil
}

func (s *SyncConfig) validate() error {
	if s.PageSize <= 0 || s.PageSize > provider.MaxPageSize {
		return fmt.Errorf("sync.page_size must be within 1..%d", provider.MaxPageSize)
	}
	if s.PageDelayMS <= 0 {
		return fmt.Errorf("sync.page_delay_ms must be > 0")
	}
	if s.CheckpointEvery <= 0 {
		return fmt.Errorf("sync.checkpoint_every must be > 0")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must be >= 0")
	}
	if _, err := s.SeriesIDs(); err != nil {
		return fmt.Errorf("sync.series: %w", err)
	}
	return nil
}

func (r *RealtimeConfig) validate() error {
	if !r.Enabled {
		return nil
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(r.Schedule); err != nil {
		return fmt.Errorf("realtime.schedule %q: %w", r.Schedule, err)
	}
	return nil
}
