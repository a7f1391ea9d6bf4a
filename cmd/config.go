package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/nuts-foundation/mcsd-federation/cmd/core"
	"github.com/nuts-foundation/mcsd-federation/component/http"
	"github.com/nuts-foundation/mcsd-federation/component/mcsd"
	"github.com/nuts-foundation/mcsd-federation/component/mcsdadmin"
	"github.com/nuts-foundation/mcsd-federation/component/routing"
	"github.com/nuts-foundation/mcsd-federation/component/scheduler"
	"github.com/nuts-foundation/mcsd-federation/component/tracing"
)

type Config struct {
	core.Config `koanf:",squash"`
	MCSD        mcsd.Config      `koanf:"mcsd"`
	MCSDAdmin   mcsdadmin.Config `koanf:"mcsdadmin"`
	HTTP        http.Config      `koanf:"http"`
	Tracing     tracing.Config   `koanf:"tracing"`
	Scheduler   scheduler.Config `koanf:"scheduler"`
	Routing     routing.Config   `koanf:"routing"`
	// ProviderURLs lists directory-list providers the Directory Registry
	// (C7) should poll on top of any manually-added directories.
	ProviderURLs []string `koanf:"providerurls"`
}

func DefaultConfig() Config {
	return Config{
		Config:    core.DefaultConfig(),
		MCSD:      mcsd.DefaultConfig(),
		MCSDAdmin: mcsdadmin.Config{},
		HTTP:      http.DefaultConfig(),
		Tracing:   tracing.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
	}
}

// LoadConfig loads configuration from YAML file and environment variables,
// using the default config file path.
func LoadConfig() (Config, error) {
	return LoadConfigFrom("config/knooppunt.yml")
}

// LoadConfigFrom loads configuration from the given YAML file (if it
// exists) and environment variables. configPath is normally sourced from
// the process's --config flag (see cmd/mcsd-federation/main.go).
func LoadConfigFrom(configPath string) (Config, error) {
	// Initialize koanf instance
	k := koanf.New(".")

	// Load default configuration first
	defaultConfig := DefaultConfig()
	if err := k.Load(structs.Provider(defaultConfig, "koanf"), nil); err != nil {
		return Config{}, err
	}

	configFiles := []string{configPath}

	for _, cf := range configFiles {
		if _, err := os.Stat(cf); err == nil {
			if err := k.Load(file.Provider(cf), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("failed to load config file %s: %w", cf, err)
			}
			break
		}
	}

	// Load environment variables with KNPT_ prefix
	if err := k.Load(env.Provider("KNPT_", ".", func(s string) string {
		// Convert KNPT_MCSD_LOCALDIRECTORY_FHIRBASEURL to mcsd.localdirectory.fhirbaseurl
		// First remove the prefix and convert to lowercase
		key := strings.TrimPrefix(s, "KNPT_")
		parts := strings.Split(key, "_")

		// Convert to lowercase path
		result := make([]string, len(parts))
		for i, part := range parts {
			result[i] = strings.ToLower(part)
		}
		return strings.Join(result, ".")
	}), nil); err != nil {
		return Config{}, err
	}

	// Unmarshal into config struct
	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return config, nil
}
