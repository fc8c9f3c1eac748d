// Package config loads chartsync's configuration file. A file may list other
// files under "include"; they are merged first, in order, so the including
// file wins.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chartsync/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "CHARTSYNC_CONFIG"

const DefaultPath = "configs/config.yaml"

// ResolvePath picks the flag value, then the environment, then the default.
func ResolvePath(flag string) string {
	if p := strings.TrimSpace(flag); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

func Load(path string) (*Config, error) {
	files, err := includeChain(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	for _, file := range files {
		part := viper.New()
		part.SetConfigFile(file)
		if err := part.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
		if err := v.MergeConfigMap(part.AllSettings()); err != nil {
			return nil, fmt.Errorf("merge config %s: %w", file, err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	keys := make(keySet)
	flattenKeys("", v.AllSettings(), keys)
	cfg.applyDefaults(keys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch reloads the file on every change and hands valid configs to fn. An
// invalid edit is logged and the previous config stays in effect.
func Watch(path string, fn func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigFile(abs)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("watch config %s: %w", abs, err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(abs)
		if err != nil {
			logger.Errorf("config reload failed (%s): %v", evt.Name, err)
			return
		}
		logger.Infof("config reloaded from %s", evt.Name)
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}

// includeChain returns path and its includes depth first, each file once,
// dependencies before dependents.
func includeChain(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	var (
		ordered []string
		done    = make(map[string]bool)
		active  = make(map[string]bool)
	)
	var visit func(string) error
	visit = func(file string) error {
		file = filepath.Clean(file)
		if active[file] {
			return fmt.Errorf("include cycle detected: %s", file)
		}
		if done[file] {
			return nil
		}
		active[file] = true
		includes, err := readIncludes(file)
		if err != nil {
			return fmt.Errorf("read includes of %s: %w", file, err)
		}
		for _, inc := range includes {
			if !filepath.IsAbs(inc) {
				inc = filepath.Join(filepath.Dir(file), inc)
			}
			if err := visit(inc); err != nil {
				return err
			}
		}
		delete(active, file)
		done[file] = true
		ordered = append(ordered, file)
		return nil
	}
	if err := visit(abs); err != nil {
		return nil, err
	}
	return ordered, nil
}

func readIncludes(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if !v.IsSet("include") {
		return nil, nil
	}
	raw, ok := v.Get("include").([]any)
	if !ok {
		return nil, fmt.Errorf("include must be a list of paths")
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("include only supports strings")
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func flattenKeys(prefix string, node any, dest keySet) {
	switch val := node.(type) {
	case map[string]any:
		for k, child := range val {
			next := strings.ToLower(strings.TrimSpace(k))
			if next == "" {
				continue
			}
			if prefix != "" {
				next = prefix + "." + next
			}
			flattenKeys(next, child, dest)
		}
	default:
		dest.mark(prefix)
	}
}
