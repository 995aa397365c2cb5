package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"optiondesk/internal/common"
	"optiondesk/internal/stoploss"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	Key, Secret, AccessToken string
	BaseURL                  string
	FeedURL                  string
	Exchange                 string
	Product                  string
	Subscribe                []string
	Ping                     time.Duration

	PaperTrading bool
	PaperBalance float64

	StopLossAlgorithm string
	FixedStopPct      float64
	TrailPct          float64
	ManualTolerance   float64

	CooldownEnabled     bool
	Cooldown            time.Duration
	RequireConfirmation bool
	ConfirmTimeout      time.Duration
	ToggleDebounce      time.Duration
	MaxAutoBuys         int

	DataPath        string
	HTTPPort        int
	SessionInterval time.Duration
	RESTTimeout     time.Duration
	RedisAddr       string
	RedisChannel    string
	LogLevel        string
	LogPretty       bool
}

type ConfigFile struct {
	API struct {
		Key         string `yaml:"key"`
		Secret      string `yaml:"secret"`
		AccessToken string `yaml:"accessToken"`
		BaseURL     string `yaml:"baseURL"`
		FeedURL     string `yaml:"feedURL"`
	} `yaml:"api"`

	Trading struct {
		PaperTrading *bool    `yaml:"paperTrading"`
		PaperBalance float64  `yaml:"paperBalance"`
		Exchange     string   `yaml:"exchange"`
		Product      string   `yaml:"product"`
		Subscribe    []string `yaml:"subscribe"`
	} `yaml:"trading"`

	StopLoss struct {
		Algorithm       string   `yaml:"algorithm"`
		FixedPct        float64  `yaml:"fixedPct"`
		TrailPct        float64  `yaml:"trailPct"`
		ManualTolerance *float64 `yaml:"manualTolerance"`
	} `yaml:"stopLoss"`

	Reentry struct {
		CooldownEnabled     *bool  `yaml:"cooldownEnabled"`
		Cooldown            string `yaml:"cooldown"`
		RequireConfirmation *bool  `yaml:"requireConfirmation"`
		ConfirmTimeout      string `yaml:"confirmTimeout"`
		ToggleDebounce      string `yaml:"toggleDebounce"`
		MaxAutoBuys         *int   `yaml:"maxAutoBuys"`
	} `yaml:"reentry"`

	Redis struct {
		Addr    string `yaml:"addr"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`

	System struct {
		DataPath        string `yaml:"dataPath"`
		HTTPPort        int    `yaml:"httpPort"`
		PingInterval    string `yaml:"pingInterval"`
		SessionInterval string `yaml:"sessionInterval"`
		RESTTimeout     string `yaml:"restTimeout"`
		LogLevel        string `yaml:"logLevel"`
		LogPretty       bool   `yaml:"logPretty"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	// Try to load from YAML file first
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

// defaults is the configuration used when neither a file nor the environment
// says otherwise. Paper trading is on so a fresh install never sends live
// orders.
func defaults() Settings {
	return Settings{
		BaseURL:             common.DefaultBaseURL,
		FeedURL:             common.DefaultFeedURL,
		Exchange:            common.DefaultExchange,
		Product:             common.DefaultProduct,
		Ping:                common.DefaultPingInterval,
		PaperTrading:        true,
		PaperBalance:        common.DefaultPaperBalance,
		StopLossAlgorithm:   common.DefaultStopLossAlgorithm,
		FixedStopPct:        common.DefaultFixedStopPct,
		TrailPct:            common.DefaultTrailPct,
		ManualTolerance:     common.DefaultManualTolerance,
		CooldownEnabled:     true,
		Cooldown:            common.DefaultCooldown,
		RequireConfirmation: true,
		ConfirmTimeout:      common.DefaultConfirmTimeout,
		ToggleDebounce:      common.DefaultToggleDebounce,
		MaxAutoBuys:         common.DefaultMaxAutoBuys,
		HTTPPort:            common.DefaultHTTPPort,
		SessionInterval:     common.DefaultSessionInterval,
		RESTTimeout:         common.DefaultRESTTimeout,
		RedisChannel:        common.DefaultRedisChannel,
		LogLevel:            common.DefaultLogLevel,
	}
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	settings := defaults()
	if err := applyFile(&settings, &config); err != nil {
		return Settings{}, err
	}

	// Environment variables win over the file
	applyEnv(&settings)

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := defaults()
	applyEnv(&settings)

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func applyFile(s *Settings, c *ConfigFile) error {
	s.Key = stringOr(c.API.Key, s.Key)
	s.Secret = stringOr(c.API.Secret, s.Secret)
	s.AccessToken = stringOr(c.API.AccessToken, s.AccessToken)
	s.BaseURL = stringOr(c.API.BaseURL, s.BaseURL)
	s.FeedURL = stringOr(c.API.FeedURL, s.FeedURL)

	if c.Trading.PaperTrading != nil {
		s.PaperTrading = *c.Trading.PaperTrading
	}
	if c.Trading.PaperBalance != 0 {
		s.PaperBalance = c.Trading.PaperBalance
	}
	s.Exchange = stringOr(c.Trading.Exchange, s.Exchange)
	s.Product = stringOr(c.Trading.Product, s.Product)
	if len(c.Trading.Subscribe) > 0 {
		s.Subscribe = c.Trading.Subscribe
	}

	s.StopLossAlgorithm = stringOr(c.StopLoss.Algorithm, s.StopLossAlgorithm)
	if c.StopLoss.FixedPct != 0 {
		s.FixedStopPct = c.StopLoss.FixedPct
	}
	if c.StopLoss.TrailPct != 0 {
		s.TrailPct = c.StopLoss.TrailPct
	}
	if c.StopLoss.ManualTolerance != nil {
		s.ManualTolerance = *c.StopLoss.ManualTolerance
	}

	if c.Reentry.CooldownEnabled != nil {
		s.CooldownEnabled = *c.Reentry.CooldownEnabled
	}
	if c.Reentry.RequireConfirmation != nil {
		s.RequireConfirmation = *c.Reentry.RequireConfirmation
	}
	if c.Reentry.MaxAutoBuys != nil {
		s.MaxAutoBuys = *c.Reentry.MaxAutoBuys
	}

	s.RedisAddr = stringOr(c.Redis.Addr, s.RedisAddr)
	s.RedisChannel = stringOr(c.Redis.Channel, s.RedisChannel)

	s.DataPath = stringOr(c.System.DataPath, s.DataPath)
	if c.System.HTTPPort != 0 {
		s.HTTPPort = c.System.HTTPPort
	}
	s.LogLevel = stringOr(c.System.LogLevel, s.LogLevel)
	s.LogPretty = s.LogPretty || c.System.LogPretty

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"reentry.cooldown", c.Reentry.Cooldown, &s.Cooldown},
		{"reentry.confirmTimeout", c.Reentry.ConfirmTimeout, &s.ConfirmTimeout},
		{"reentry.toggleDebounce", c.Reentry.ToggleDebounce, &s.ToggleDebounce},
		{"system.pingInterval", c.System.PingInterval, &s.Ping},
		{"system.sessionInterval", c.System.SessionInterval, &s.SessionInterval},
		{"system.restTimeout", c.System.RESTTimeout, &s.RESTTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return nil
}

func applyEnv(s *Settings) {
	s.Key = getEnvOrDefault(common.EnvKiteAPIKey, s.Key)
	s.Secret = getEnvOrDefault(common.EnvKiteAPISecret, s.Secret)
	s.AccessToken = getEnvOrDefault(common.EnvKiteAccessToken, s.AccessToken)
	s.BaseURL = getEnvOrDefault(common.EnvBaseURL, s.BaseURL)
	s.FeedURL = getEnvOrDefault(common.EnvFeedURL, s.FeedURL)
	s.Exchange = getEnvOrDefault(common.EnvExchange, s.Exchange)
	s.Product = getEnvOrDefault(common.EnvProduct, s.Product)
	s.Subscribe = splitOrDefault(os.Getenv(common.EnvSubscribe), s.Subscribe)
	s.Ping = getDurationOrDefault(common.EnvPingInterval, s.Ping)

	s.PaperTrading = getBoolOrDefault(common.EnvPaperTrading, s.PaperTrading)
	s.PaperBalance = getFloatOrDefault(common.EnvPaperBalance, s.PaperBalance)

	s.StopLossAlgorithm = getEnvOrDefault(common.EnvStopLossAlgorithm, s.StopLossAlgorithm)
	s.FixedStopPct = getFloatOrDefault(common.EnvFixedStopPct, s.FixedStopPct)
	s.TrailPct = getFloatOrDefault(common.EnvTrailPct, s.TrailPct)
	s.ManualTolerance = getFloatOrDefault(common.EnvManualTolerance, s.ManualTolerance)

	s.CooldownEnabled = getBoolOrDefault(common.EnvCooldownEnabled, s.CooldownEnabled)
	s.Cooldown = getDurationOrDefault(common.EnvCooldown, s.Cooldown)
	s.RequireConfirmation = getBoolOrDefault(common.EnvRequireConfirmation, s.RequireConfirmation)
	s.ConfirmTimeout = getDurationOrDefault(common.EnvConfirmTimeout, s.ConfirmTimeout)
	s.ToggleDebounce = getDurationOrDefault(common.EnvToggleDebounce, s.ToggleDebounce)
	s.MaxAutoBuys = getIntOrDefault(common.EnvMaxAutoBuys, s.MaxAutoBuys)

	s.DataPath = getEnvOrDefault(common.EnvDataPath, s.DataPath)
	s.HTTPPort = getIntOrDefault(common.EnvHTTPPort, s.HTTPPort)
	s.SessionInterval = getDurationOrDefault(common.EnvSessionInterval, s.SessionInterval)
	s.RESTTimeout = getDurationOrDefault(common.EnvRESTTimeout, s.RESTTimeout)
	s.RedisAddr = getEnvOrDefault(common.EnvRedisAddr, s.RedisAddr)
	s.RedisChannel = getEnvOrDefault(common.EnvRedisChannel, s.RedisChannel)
	s.LogLevel = getEnvOrDefault(common.EnvLogLevel, s.LogLevel)
	s.LogPretty = getBoolOrDefault(common.EnvLogPretty, s.LogPretty)
}

func stringOr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validateSettings checks ranges and normalizes the stop-loss algorithm name
func validateSettings(settings *Settings) error {
	// Live trading needs broker credentials, paper trading does not
	if !settings.PaperTrading && (settings.Key == "" || settings.Secret == "") {
		return fmt.Errorf("API key and secret are required for live trading")
	}

	// Validate URLs and venue
	if settings.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	if settings.FeedURL == "" {
		return fmt.Errorf("feed URL cannot be empty")
	}
	if settings.Exchange == "" || settings.Product == "" {
		return fmt.Errorf("exchange and product cannot be empty")
	}

	// Validate time durations
	if settings.Ping < time.Second || settings.Ping > 5*time.Minute {
		return fmt.Errorf("ping interval must be between 1s and 5m, got %v", settings.Ping)
	}
	if settings.RESTTimeout < time.Second || settings.RESTTimeout > time.Minute {
		return fmt.Errorf("REST timeout must be between 1s and 1m, got %v", settings.RESTTimeout)
	}
	if settings.SessionInterval < 10*time.Second || settings.SessionInterval > time.Hour {
		return fmt.Errorf("session interval must be between 10s and 1h, got %v", settings.SessionInterval)
	}
	if settings.Cooldown <= 0 || settings.Cooldown > 24*time.Hour {
		return fmt.Errorf("cooldown must be between 0 and 24h, got %v", settings.Cooldown)
	}
	if settings.ConfirmTimeout < time.Second || settings.ConfirmTimeout > common.MaxConfirmDelay {
		return fmt.Errorf("confirmation timeout must be between 1s and %v, got %v", common.MaxConfirmDelay, settings.ConfirmTimeout)
	}
	if settings.ToggleDebounce < 0 || settings.ToggleDebounce > time.Minute {
		return fmt.Errorf("toggle debounce must be between 0 and 1m, got %v", settings.ToggleDebounce)
	}

	// Validate integer values
	if settings.HTTPPort < common.MinHTTPPort || settings.HTTPPort > common.MaxHTTPPort {
		return fmt.Errorf("HTTP port must be between %d and %d, got %d", common.MinHTTPPort, common.MaxHTTPPort, settings.HTTPPort)
	}
	if settings.MaxAutoBuys < 0 || settings.MaxAutoBuys > common.MaxAutoBuyLimit {
		return fmt.Errorf("max auto buys must be between 0 and %d, got %d", common.MaxAutoBuyLimit, settings.MaxAutoBuys)
	}

	// Validate float values
	if settings.PaperBalance <= 0 {
		return fmt.Errorf("paper balance must be positive, got %f", settings.PaperBalance)
	}
	if settings.FixedStopPct <= 0 || settings.FixedStopPct > common.MaxStopPct {
		return fmt.Errorf("fixed stop percentage must be between 0 and %.2f, got %f", common.MaxStopPct, settings.FixedStopPct)
	}
	if settings.TrailPct <= 0 || settings.TrailPct > common.MaxStopPct {
		return fmt.Errorf("trail percentage must be between 0 and %.2f, got %f", common.MaxStopPct, settings.TrailPct)
	}
	if settings.ManualTolerance < 0 {
		return fmt.Errorf("manual stop-loss tolerance cannot be negative, got %f", settings.ManualTolerance)
	}

	name, err := stoploss.NormalizeName(settings.StopLossAlgorithm)
	if err != nil {
		return err
	}
	settings.StopLossAlgorithm = name

	if _, err := zerolog.ParseLevel(settings.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", settings.LogLevel, err)
	}

	return nil
}
