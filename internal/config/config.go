package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/zerosnacks/fuse-v1/internal/logging"
	"github.com/zerosnacks/fuse-v1/internal/registry"
)

// EnvPrefix namespaces environment overrides, e.g. FUSE_NETWORK.
const EnvPrefix = "FUSE"

type GlobalFlags struct {
	ConfigPath     string
	Network        string
	RPCURL         string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	AllowAdmin     bool
	Timeout        string
	MaxStale       string
	NoStale        bool
	NoCache        bool
	LogLevel       string
	MaxConcurrency int
	RateLimit      float64
	MetricsFile    string
	Trace          bool
}

type Settings struct {
	Network         string
	ChainID         int64
	RPCURL          string
	OutputMode      string
	SelectFields    []string
	ResultsOnly     bool
	EnableCommands  []string
	AllowAdmin      bool
	Timeout         time.Duration
	MaxStale        time.Duration
	NoStale         bool
	CacheEnabled    bool
	CachePath       string
	CacheLockPath   string
	ReportStorePath string
	ReportLockPath  string
	LogLevel        string
	MaxConcurrency  int
	RateLimit       float64
	RateBurst       int
	MetricsFile     string
	Trace           bool
}

type fileConfig struct {
	Network    string `yaml:"network"`
	RPCURL     string `yaml:"rpc_url"`
	Output     string `yaml:"output"`
	Timeout    string `yaml:"timeout"`
	LogLevel   string `yaml:"log_level"`
	AllowAdmin *bool  `yaml:"allow_admin"`
	Cache      struct {
		Enabled  *bool  `yaml:"enabled"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Reports struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"reports"`
	FanOut struct {
		MaxConcurrency *int     `yaml:"max_concurrency"`
		RateLimit      *float64 `yaml:"rate_limit"`
		RateBurst      *int     `yaml:"rate_burst"`
	} `yaml:"fanout"`
	Telemetry struct {
		Trace       *bool  `yaml:"trace"`
		MetricsFile string `yaml:"metrics_file"`
	} `yaml:"telemetry"`
}

// envConfig is read with envconfig under EnvPrefix. CHAIN_ID and ETH_RPC_URL
// also fall back to their unprefixed names.
type envConfig struct {
	Network         *string        `split_words:"true"`
	ChainID         *string        `envconfig:"CHAIN_ID"`
	RPCURL          *string        `envconfig:"ETH_RPC_URL"`
	Output          *string        `split_words:"true"`
	Timeout         *time.Duration `split_words:"true"`
	MaxStale        *time.Duration `split_words:"true"`
	NoStale         *bool          `split_words:"true"`
	NoCache         *bool          `split_words:"true"`
	CachePath       *string        `split_words:"true"`
	CacheLockPath   *string        `split_words:"true"`
	ReportsPath     *string        `split_words:"true"`
	ReportsLockPath *string        `split_words:"true"`
	LogLevel        *string        `split_words:"true"`
	AllowAdmin      *bool          `split_words:"true"`
	MaxConcurrency  *int           `split_words:"true"`
	RateLimit       *float64       `split_words:"true"`
	RateBurst       *int           `split_words:"true"`
	MetricsFile     *string        `split_words:"true"`
	Trace           *bool          `split_words:"true"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if err := validate(&settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		Network:         "mainnet",
		OutputMode:      "json",
		Timeout:         15 * time.Second,
		MaxStale:        5 * time.Minute,
		CacheEnabled:    true,
		CachePath:       cachePath,
		CacheLockPath:   lockPath,
		ReportStorePath: filepath.Join(cacheDir, "reports.db"),
		ReportLockPath:  filepath.Join(cacheDir, "reports.lock"),
		LogLevel:        "warn",
		RateBurst:       1,
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "fuse", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "fuse")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Network != "" {
		settings.Network = cfg.Network
	}
	if cfg.RPCURL != "" {
		settings.RPCURL = cfg.RPCURL
	}
	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.LogLevel != "" {
		settings.LogLevel = cfg.LogLevel
	}
	if cfg.AllowAdmin != nil {
		settings.AllowAdmin = *cfg.AllowAdmin
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.MaxStale != "" {
		d, err := time.ParseDuration(cfg.Cache.MaxStale)
		if err != nil {
			return fmt.Errorf("config cache.max_stale: %w", err)
		}
		settings.MaxStale = d
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Reports.Path != "" {
		settings.ReportStorePath = cfg.Reports.Path
	}
	if cfg.Reports.LockPath != "" {
		settings.ReportLockPath = cfg.Reports.LockPath
	}
	if cfg.FanOut.MaxConcurrency != nil {
		settings.MaxConcurrency = *cfg.FanOut.MaxConcurrency
	}
	if cfg.FanOut.RateLimit != nil {
		settings.RateLimit = *cfg.FanOut.RateLimit
	}
	if cfg.FanOut.RateBurst != nil {
		settings.RateBurst = *cfg.FanOut.RateBurst
	}
	if cfg.Telemetry.Trace != nil {
		settings.Trace = *cfg.Telemetry.Trace
	}
	if cfg.Telemetry.MetricsFile != "" {
		settings.MetricsFile = cfg.Telemetry.MetricsFile
	}

	return nil
}

// envOrUnprefixed returns the prefixed value when it is non-empty and
// otherwise the unprefixed variable. envconfig only consults the unprefixed
// name when the prefixed one is unset, so an empty FUSE_CHAIN_ID would hide
// CHAIN_ID.
func envOrUnprefixed(prefixed *string, name string) string {
	if prefixed != nil && strings.TrimSpace(*prefixed) != "" {
		return strings.TrimSpace(*prefixed)
	}
	if v, ok := os.LookupEnv(name); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func applyEnv(settings *Settings) error {
	var env envConfig
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	if v := envOrUnprefixed(env.ChainID, "CHAIN_ID"); v != "" {
		settings.Network = v
	}
	if env.Network != nil && strings.TrimSpace(*env.Network) != "" {
		settings.Network = *env.Network
	}
	if v := envOrUnprefixed(env.RPCURL, "ETH_RPC_URL"); v != "" {
		settings.RPCURL = v
	}
	if env.Output != nil && *env.Output != "" {
		settings.OutputMode = strings.ToLower(*env.Output)
	}
	if env.Timeout != nil {
		settings.Timeout = *env.Timeout
	}
	if env.MaxStale != nil {
		settings.MaxStale = *env.MaxStale
	}
	if env.NoStale != nil {
		settings.NoStale = *env.NoStale
	}
	if env.NoCache != nil {
		settings.CacheEnabled = !*env.NoCache
	}
	if env.CachePath != nil && *env.CachePath != "" {
		settings.CachePath = *env.CachePath
	}
	if env.CacheLockPath != nil && *env.CacheLockPath != "" {
		settings.CacheLockPath = *env.CacheLockPath
	}
	if env.ReportsPath != nil && *env.ReportsPath != "" {
		settings.ReportStorePath = *env.ReportsPath
	}
	if env.ReportsLockPath != nil && *env.ReportsLockPath != "" {
		settings.ReportLockPath = *env.ReportsLockPath
	}
	if env.LogLevel != nil && *env.LogLevel != "" {
		settings.LogLevel = *env.LogLevel
	}
	if env.AllowAdmin != nil {
		settings.AllowAdmin = *env.AllowAdmin
	}
	if env.MaxConcurrency != nil {
		settings.MaxConcurrency = *env.MaxConcurrency
	}
	if env.RateLimit != nil {
		settings.RateLimit = *env.RateLimit
	}
	if env.RateBurst != nil {
		settings.RateBurst = *env.RateBurst
	}
	if env.MetricsFile != nil && *env.MetricsFile != "" {
		settings.MetricsFile = *env.MetricsFile
	}
	if env.Trace != nil {
		settings.Trace = *env.Trace
	}
	return nil
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Network) != "" {
		settings.Network = flags.Network
	}
	if strings.TrimSpace(flags.RPCURL) != "" {
		settings.RPCURL = flags.RPCURL
	}
	if fields := splitList(flags.Select); len(fields) > 0 {
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly
	if allowed := splitList(flags.EnableCommands); len(allowed) > 0 {
		settings.EnableCommands = allowed
	}
	if flags.AllowAdmin {
		settings.AllowAdmin = true
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.NoStale {
		settings.NoStale = true
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.LogLevel != "" {
		settings.LogLevel = flags.LogLevel
	}
	if flags.MaxConcurrency >= 0 {
		settings.MaxConcurrency = flags.MaxConcurrency
	}
	if flags.RateLimit >= 0 {
		settings.RateLimit = flags.RateLimit
	}
	if flags.MetricsFile != "" {
		settings.MetricsFile = flags.MetricsFile
	}
	if flags.Trace {
		settings.Trace = true
	}
	return nil
}

func validate(settings *Settings) error {
	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	chainID, err := registry.ParseNetwork(settings.Network)
	if err != nil {
		return err
	}
	settings.ChainID = chainID
	settings.RPCURL = strings.TrimSpace(settings.RPCURL)
	if settings.RPCURL != "" {
		if err := registry.ValidateRPCURL(settings.RPCURL); err != nil {
			return err
		}
	}
	if settings.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", settings.Timeout)
	}
	if settings.MaxConcurrency < 0 {
		return fmt.Errorf("max concurrency must not be negative")
	}
	if settings.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	if settings.RateBurst <= 0 {
		settings.RateBurst = 1
	}
	if _, err := logging.ParseLevel(settings.LogLevel); err != nil {
		return err
	}
	return nil
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		item := strings.TrimSpace(part)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
