package configs

import (
	"fmt"
	"time"

	"github.com/hilthontt/monopoly/internal/infrastructure/env"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	HTTP        HTTPConfig        `koanf:"http"`
	RateLimiter RateLimiterConfig `koanf:"rateLimiter"`
	Logger      LoggerConfig      `koanf:"logger"`
	Storage     StorageConfig     `koanf:"storage"`
	Ledger      LedgerConfig      `koanf:"ledger"`
	Ingest      IngestConfig      `koanf:"ingest"`
	Game        GameConfig        `koanf:"game"`
	Messaging   MessagingConfig   `koanf:"messaging"`
	Tracing     TracingConfig     `koanf:"tracing"`
}

type HTTPConfig struct {
	Host           string        `koanf:"host"`
	Port           uint16        `koanf:"port"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
}

type RateLimiterConfig struct {
	RequestsPerTimeFrame int           `koanf:"requestsPerTimeFrame"`
	TimeFrame            time.Duration `koanf:"timeFrame"`
}

type LoggerConfig struct {
	FilePath string `koanf:"file_path"`
	Encoding string `koanf:"encoding"`
	Level    string `koanf:"level"`
	Logger   string `koanf:"logger"`
}

type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
}

type LedgerConfig struct {
	RPCURL        string        `koanf:"rpc_url"`
	ExecutorURL   string        `koanf:"executor_url"`
	PackageID     string        `koanf:"package_id"`
	Module        string        `koanf:"module"`
	AdminSigner   string        `koanf:"admin_signer"`
	CallTimeout   time.Duration `koanf:"call_timeout"`
	PageLimit     int           `koanf:"page_limit"`
	MultiGetBatch int           `koanf:"multi_get_batch"`
	RatePerSecond float64       `koanf:"rate_per_second"`
	Burst         int           `koanf:"burst"`
	MaxRetries    uint          `koanf:"max_retries"`
}

type IngestConfig struct {
	RunTimeout time.Duration            `koanf:"run_timeout"`
	Intervals  map[string]time.Duration `koanf:"intervals"`
}

func (c IngestConfig) Interval(action string) time.Duration {
	if d, ok := c.Intervals[action]; ok && d > 0 {
		return d
	}
	return 5 * time.Second
}

type GameConfig struct {
	BoardSize  uint64 `koanf:"board_size"`
	RoundLimit int    `koanf:"round_limit"`
}

type MessagingConfig struct {
	URI      string `koanf:"uri"`
	Exchange string `koanf:"exchange"`
}

type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	Environment string `koanf:"environment"`
}

// Load reads the optional YAML file at path, then applies defaults and
// environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	applyDefaults(k)
	applyEnvOverrides(k)

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	// HTTP defaults
	setDefault(k, "http.host", "0.0.0.0")
	setDefault(k, "http.port", 3003)
	setDefault(k, "http.read_timeout", 10*time.Second)
	setDefault(k, "http.write_timeout", 30*time.Second)
	setDefault(k, "http.allowed_origins", []string{"*"})

	// Rate limiter defaults
	setDefault(k, "rateLimiter.requestsPerTimeFrame", 60)
	setDefault(k, "rateLimiter.timeFrame", time.Minute)

	// Logger defaults
	setDefault(k, "logger.file_path", "")
	setDefault(k, "logger.encoding", "json")
	setDefault(k, "logger.level", "info")
	setDefault(k, "logger.logger", "zap")

	// Storage defaults
	setDefault(k, "storage.driver", "sqlite")
	setDefault(k, "storage.path", "data/monopoly.db")

	// Ledger defaults
	setDefault(k, "ledger.rpc_url", "https://fullnode.testnet.sui.io:443")
	setDefault(k, "ledger.executor_url", "http://localhost:9100")
	setDefault(k, "ledger.module", "monopoly")
	setDefault(k, "ledger.admin_signer", "admin")
	setDefault(k, "ledger.call_timeout", 10*time.Second)
	setDefault(k, "ledger.page_limit", 50)
	setDefault(k, "ledger.multi_get_batch", 50)
	setDefault(k, "ledger.rate_per_second", 5.0)
	setDefault(k, "ledger.burst", 5)
	setDefault(k, "ledger.max_retries", 4)

	// Ingest defaults, every task below ten seconds
	setDefault(k, "ingest.run_timeout", 30*time.Second)
	setDefault(k, "ingest.intervals.rollDice", 3*time.Second)
	setDefault(k, "ingest.intervals.changeTurn", 4*time.Second)
	setDefault(k, "ingest.intervals.buy", 4*time.Second)
	setDefault(k, "ingest.intervals.balanceUpdated", 6*time.Second)
	setDefault(k, "ingest.intervals.gameClosed", 6*time.Second)

	// Game defaults
	setDefault(k, "game.board_size", 20)
	setDefault(k, "game.round_limit", 10)

	// Messaging defaults
	setDefault(k, "messaging.uri", "")
	setDefault(k, "messaging.exchange", "monopoly")

	// Tracing defaults
	setDefault(k, "tracing.enabled", false)
	setDefault(k, "tracing.endpoint", "http://localhost:4318/v1/traces")
	setDefault(k, "tracing.environment", "development")
}

func applyEnvOverrides(k *koanf.Koanf) {
	// HTTP config from env
	if host := env.GetString("HTTP_HOST", ""); host != "" {
		k.Set("http.host", host)
	}
	if port := env.GetInt("HTTP_PORT", 0); port > 0 {
		k.Set("http.port", port)
	}

	// Logger config from env
	if level := env.GetString("LOGGER_LEVEL", ""); level != "" {
		k.Set("logger.level", level)
	}
	if encoding := env.GetString("LOGGER_ENCODING", ""); encoding != "" {
		k.Set("logger.encoding", encoding)
	}
	if logger := env.GetString("LOGGER_LOGGER", ""); logger != "" {
		k.Set("logger.logger", logger)
	}
	if filePath := env.GetString("LOGGER_FILE_PATH", ""); filePath != "" {
		k.Set("logger.file_path", filePath)
	}

	// Storage config from env
	if driver := env.GetString("STORAGE_DRIVER", ""); driver != "" {
		k.Set("storage.driver", driver)
	}
	if path := env.GetString("STORAGE_PATH", ""); path != "" {
		k.Set("storage.path", path)
	}

	// Ledger config from env
	if rpcURL := env.GetString("LEDGER_RPC_URL", ""); rpcURL != "" {
		k.Set("ledger.rpc_url", rpcURL)
	}
	if executorURL := env.GetString("LEDGER_EXECUTOR_URL", ""); executorURL != "" {
		k.Set("ledger.executor_url", executorURL)
	}
	if packageID := env.GetString("LEDGER_PACKAGE_ID", ""); packageID != "" {
		k.Set("ledger.package_id", packageID)
	}
	if timeout := env.GetDuration("LEDGER_CALL_TIMEOUT", 0); timeout > 0 {
		k.Set("ledger.call_timeout", timeout)
	}

	// Game config from env
	if limit := env.GetInt("GAME_ROUND_LIMIT", 0); limit > 0 {
		k.Set("game.round_limit", limit)
	}

	// Messaging config from env
	if uri := env.GetString("RABBITMQ_URI", ""); uri != "" {
		k.Set("messaging.uri", uri)
	}

	// Tracing config from env
	if enabled := env.GetString("TRACING_ENABLED", ""); enabled != "" {
		k.Set("tracing.enabled", env.GetBool("TRACING_ENABLED", false))
	}
	if endpoint := env.GetString("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", ""); endpoint != "" {
		k.Set("tracing.enabled", true)
		k.Set("tracing.endpoint", endpoint)
	}
	if environment := env.GetString("ENVIRONMENT", ""); environment != "" {
		k.Set("tracing.environment", environment)
	}
}

// setDefault only sets the value if the key doesn't already exist
func setDefault(k *koanf.Koanf, key string, value interface{}) {
	if !k.Exists(key) {
		k.Set(key, value)
	}
}
