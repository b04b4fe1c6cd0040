package configs

import (
	"flag"
	"os"

	"github.com/hilthontt/monopoly/internal/infrastructure/env"
)

// DetermineConfigPath resolves the config file from --config, MONOPOLY_CONFIG
// or the usual candidate locations. An empty result means defaults only.
func DetermineConfigPath() string {
	var configPath string

	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	if configPath == "" {
		configPath = env.GetString("MONOPOLY_CONFIG", "")
	}

	if configPath == "" {
		candidates := []string{
			"./config.yaml",
			"./config.yml",
			"./tmp/config.yaml",
			"../../config.yaml", // keep for local dev
			"/etc/monopoly/config.yaml",
			"/app/config.yaml", // common in Docker
		}

		for _, p := range candidates {
			if _, err := os.Stat(p); err == nil {
				configPath = p
				break
			}
		}
	}

	return configPath
}
