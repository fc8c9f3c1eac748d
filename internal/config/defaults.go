package config

import "strings"

const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppLogPath        = "logs/chartsync.log"
	defaultAppHTTPAddr       = ":9992"
	defaultProviderName      = "binance"
	defaultProviderREST      = "https://api.binance.com"
	defaultProviderTimeout   = 15
	defaultBreakerThreshold  = 5
	defaultBreakerTimeout    = 30
	defaultSyncDataDir       = "data"
	defaultSyncExchange      = "Binance"
	defaultSyncLedgerPath    = "data/ledger.db"
	defaultSyncPageSize      = 1000
	defaultSyncPageDelayMS   = 100
	defaultSyncCheckpoint    = 10
	defaultSyncMaxRetries    = 5
	defaultSyncRetryBaseMS   = 500
	defaultRealtimeSchedule  = "0 * * * * *"
	defaultSyncAutoSync      = true
	defaultSyncProbeEarliest = true
	defaultSyncScanInternal  = true
	defaultRealtimeEnabled   = true
	defaultRealtimeKeepOpen  = false
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Provider.applyDefaults(keys)
	c.Sync.applyDefaults(keys)
	c.Realtime.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
	a.LogLevel = strings.ToLower(strings.TrimSpace(a.LogLevel))
}

func (p *ProviderConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("provider.name", &p.Name, defaultProviderName),
		stringFieldDefault("provider.rest_base_url", &p.RESTBaseURL, defaultProviderREST),
		intFieldDefault("provider.http_timeout_seconds", &p.HTTPTimeoutSeconds, defaultProviderTimeout),
		intFieldDefault("provider.breaker_threshold", &p.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("provider.breaker_timeout_seconds", &p.BreakerTimeoutSeconds, defaultBreakerTimeout),
	)
	p.Name = strings.ToLower(strings.TrimSpace(p.Name))
	p.RESTBaseURL = strings.TrimRight(strings.TrimSpace(p.RESTBaseURL), "/")
}

func (s *SyncConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("sync.data_dir", &s.DataDir, defaultSyncDataDir),
		stringFieldDefault("sync.exchange", &s.Exchange, defaultSyncExchange),
		stringFieldDefault("sync.ledger_path", &s.LedgerPath, defaultSyncLedgerPath),
		intFieldDefault("sync.page_size", &s.PageSize, defaultSyncPageSize),
		intFieldDefault("sync.page_delay_ms", &s.PageDelayMS, defaultSyncPageDelayMS),
		intFieldDefault("sync.checkpoint_every", &s.CheckpointEvery, defaultSyncCheckpoint),
		intFieldDefault("sync.max_retries", &s.MaxRetries, defaultSyncMaxRetries),
		intFieldDefault("sync.retry_base_ms", &s.RetryBaseMS, defaultSyncRetryBaseMS),
		boolFieldDefault("sync.auto_sync", &s.AutoSync, defaultSyncAutoSync),
		boolFieldDefault("sync.probe_earliest", &s.ProbeEarliest, defaultSyncProbeEarliest),
		boolFieldDefault("sync.scan_internal", &s.ScanInternal, defaultSyncScanInternal),
	)
}

func (r *RealtimeConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("realtime.schedule", &r.Schedule, defaultRealtimeSchedule),
		boolFieldDefault("realtime.enabled", &r.Enabled, defaultRealtimeEnabled),
		boolFieldDefault("realtime.keep_open_candle", &r.KeepOpenCandle, defaultRealtimeKeepOpen),
	)
}

// applyFieldDefaults skips keys present in the file, then applies each default
// whose need check passes.
func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

// boolFieldDefault only applies when the key is absent; false and unset look
// the same after decoding.
func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}
