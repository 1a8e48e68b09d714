package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Load builds the runtime configuration in priority order:
// 1. Compiled defaults
// 2. TOML file at path (optional; an empty path skips the file)
// 3. Environment variables with the WATTEXD_ prefix
func Load(path string) (*Config, error) {
	v := viper.New()

	// 1. Set defaults first
	setDefaults(v)

	// 2. Load the configuration file when one is given
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	// 3. Set up environment variable support
	v.SetEnvPrefix("WATTEXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Unmarshal into the config struct
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 5. Store the path for reference
	cfg.configPath = path

	// 6. Validate the complete configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Reload reloads configuration from the same path.
func Reload(existing *Config) (*Config, error) {
	return Load(existing.Path())
}

// decodeHooks recomposes viper's default hooks and adds decimal support.
// Passing a custom DecodeHook replaces viper's defaults, so the duration
// and slice hooks must be composed back in.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalDecodeHook(),
	)
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalDecodeHook decodes decimal.Decimal fields from TOML strings or
// numbers. Rates and prices are written as strings in the example config
// to avoid float rounding, but bare numbers work too.
func decimalDecodeHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			d, err := decimal.NewFromString(val)
			if err != nil {
				return nil, fmt.Errorf("invalid decimal value %q: %w", val, err)
			}
			return d, nil
		case float64:
			return decimal.NewFromFloat(val), nil
		case float32:
			return decimal.NewFromFloat32(val), nil
		case int:
			return decimal.NewFromInt(int64(val)), nil
		case int64:
			return decimal.NewFromInt(val), nil
		case decimal.Decimal:
			return val, nil
		default:
			return data, nil
		}
	}
}

// SaveExample writes an example configuration file to the given path.
func SaveExample(path string) error {
	v := viper.New()

	for key, value := range exampleValues() {
		v.Set(key, value)
	}

	v.SetConfigFile(path)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write example config: %w", err)
	}

	return nil
}

// exampleValues holds the values for a representative starter config.
func exampleValues() map[string]interface{} {
	return map[string]interface{}{
		"server.addr": ":8080",

		"database.driver": "sqlite",
		"database.path":   "/var/lib/wattexd/wattexd.db",

		"kv.backend": "pebble",
		"kv.path":    "/var/lib/wattexd/kv",

		"protocol.mode":    "local",
		"protocol.bap_id":  "wattex-bap",
		"protocol.bap_uri": "local://bap",
		"protocol.bpp_id":  "wattex-bpp",
		"protocol.bpp_uri": "local://bpp",

		"escrow.fee_rate":       "0.0003",
		"escrow.fee_cap":        "20",
		"escrow.block_duration": "72h",

		"verifier.check_interval": "60s",
		"verifier.grid_rate":      "10",

		"agents.enabled":               false,
		"agents.runtime.tick_interval": "30s",

		"feed.enabled": true,
		"feed.channel": "wattex:events",

		"log.level":  "info",
		"log.format": "json",

		"metrics.enabled": true,
		"metrics.addr":    ":9090",
	}
}
