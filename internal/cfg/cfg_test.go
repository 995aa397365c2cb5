package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		wantErr  bool
		validate func(t *testing.T, settings Settings)
	}{
		{
			name:    "defaults in paper mode",
			envVars: map[string]string{},
			wantErr: false,
			validate: func(t *testing.T, settings Settings) {
				if !settings.PaperTrading {
					t.Error("expected PaperTrading to default to true")
				}
				if settings.PaperBalance != 10000000 {
					t.Errorf("expected PaperBalance 10000000, got %f", settings.PaperBalance)
				}
				if settings.StopLossAlgorithm != "trailing" {
					t.Errorf("expected StopLossAlgorithm 'trailing', got %s", settings.StopLossAlgorithm)
				}
				if settings.FixedStopPct != 0.10 {
					t.Errorf("expected FixedStopPct 0.10, got %f", settings.FixedStopPct)
				}
				if settings.TrailPct != 0.05 {
					t.Errorf("expected TrailPct 0.05, got %f", settings.TrailPct)
				}
				if settings.ManualTolerance != 0.5 {
					t.Errorf("expected ManualTolerance 0.5, got %f", settings.ManualTolerance)
				}
				if !settings.CooldownEnabled {
					t.Error("expected CooldownEnabled to default to true")
				}
				if settings.Cooldown != 60*time.Second {
					t.Errorf("expected Cooldown 60s, got %v", settings.Cooldown)
				}
				if settings.ConfirmTimeout != 30*time.Second {
					t.Errorf("expected ConfirmTimeout 30s, got %v", settings.ConfirmTimeout)
				}
				if settings.HTTPPort != 5000 {
					t.Errorf("expected HTTPPort 5000, got %d", settings.HTTPPort)
				}
				if settings.SessionInterval != 120*time.Second {
					t.Errorf("expected SessionInterval 120s, got %v", settings.SessionInterval)
				}
			},
		},
		{
			name: "overrides from environment",
			envVars: map[string]string{
				"KITE_API_KEY":         "test_key",
				"KITE_API_SECRET":      "test_secret",
				"PAPER_TRADING":        "false",
				"STOP_LOSS_ALGORITHM":  "simple",
				"FIXED_STOP_PCT":       "0.2",
				"COOLDOWN":             "90s",
				"COOLDOWN_ENABLED":     "false",
				"REQUIRE_CONFIRMATION": "false",
				"MAX_AUTO_BUYS":        "0",
				"SUBSCRIBE":            "NFO:NIFTY25JAN24000CE, NFO:NIFTY25JAN24000PE",
				"HTTP_PORT":            "8080",
			},
			wantErr: false,
			validate: func(t *testing.T, settings Settings) {
				if settings.Key != "test_key" {
					t.Errorf("expected Key 'test_key', got %s", settings.Key)
				}
				if settings.PaperTrading {
					t.Error("expected PaperTrading to be false")
				}
				if settings.StopLossAlgorithm != "fixed" {
					t.Errorf("expected 'simple' to normalize to 'fixed', got %s", settings.StopLossAlgorithm)
				}
				if settings.FixedStopPct != 0.2 {
					t.Errorf("expected FixedStopPct 0.2, got %f", settings.FixedStopPct)
				}
				if settings.Cooldown != 90*time.Second {
					t.Errorf("expected Cooldown 90s, got %v", settings.Cooldown)
				}
				if settings.CooldownEnabled || settings.RequireConfirmation {
					t.Error("expected cooldown and confirmation to be disabled")
				}
				if settings.MaxAutoBuys != 0 {
					t.Errorf("expected MaxAutoBuys 0, got %d", settings.MaxAutoBuys)
				}
				if len(settings.Subscribe) != 2 || settings.Subscribe[1] != "NFO:NIFTY25JAN24000PE" {
					t.Errorf("expected 2 trimmed subscriptions, got %v", settings.Subscribe)
				}
				if settings.HTTPPort != 8080 {
					t.Errorf("expected HTTPPort 8080, got %d", settings.HTTPPort)
				}
			},
		},
		{
			name: "live trading without credentials",
			envVars: map[string]string{
				"PAPER_TRADING": "false",
			},
			wantErr: true,
		},
		{
			name: "live trading missing secret",
			envVars: map[string]string{
				"PAPER_TRADING": "false",
				"KITE_API_KEY":  "test_key",
			},
			wantErr: true,
		},
		{
			name: "unknown algorithm",
			envVars: map[string]string{
				"STOP_LOSS_ALGORITHM": "martingale",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearTestEnv(t)

			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			settings, err := loadFromEnv()

			if tt.wantErr && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if !tt.wantErr && tt.validate != nil {
				tt.validate(t, settings)
			}
		})
	}
}

func TestLoadFromYAML(t *testing.T) {
	tests := []struct {
		name         string
		yamlContent  string
		envOverrides map[string]string
		wantErr      bool
		validate     func(t *testing.T, settings Settings)
	}{
		{
			name: "valid YAML config",
			yamlContent: `
api:
  key: "yaml_key"
  secret: "yaml_secret"
  baseURL: "https://api.kite.trade"
  feedURL: "ws://localhost:9000/quotes"

trading:
  paperTrading: false
  exchange: "BFO"
  product: "NRML"
  subscribe:
    - "NFO:NIFTY25JAN24000CE"

stopLoss:
  algorithm: "fixed"
  fixedPct: 0.15
  manualTolerance: 0

reentry:
  cooldownEnabled: false
  cooldown: "45s"
  confirmTimeout: "1m"
  maxAutoBuys: 3

system:
  dataPath: "/custom/data"
  httpPort: 9090
  pingInterval: "20s"
  restTimeout: "10s"
  logLevel: "debug"
`,
			wantErr: false,
			validate: func(t *testing.T, settings Settings) {
				if settings.Key != "yaml_key" || settings.Secret != "yaml_secret" {
					t.Errorf("expected yaml credentials, got %s/%s", settings.Key, settings.Secret)
				}
				if settings.PaperTrading {
					t.Error("expected PaperTrading to be false")
				}
				if settings.Exchange != "BFO" || settings.Product != "NRML" {
					t.Errorf("expected BFO/NRML, got %s/%s", settings.Exchange, settings.Product)
				}
				if settings.FixedStopPct != 0.15 {
					t.Errorf("expected FixedStopPct 0.15, got %f", settings.FixedStopPct)
				}
				if settings.ManualTolerance != 0 {
					t.Errorf("expected explicit zero ManualTolerance, got %f", settings.ManualTolerance)
				}
				if settings.CooldownEnabled {
					t.Error("expected CooldownEnabled to be false")
				}
				if !settings.RequireConfirmation {
					t.Error("expected RequireConfirmation to keep its default")
				}
				if settings.Cooldown != 45*time.Second {
					t.Errorf("expected Cooldown 45s, got %v", settings.Cooldown)
				}
				if settings.ConfirmTimeout != time.Minute {
					t.Errorf("expected ConfirmTimeout 1m, got %v", settings.ConfirmTimeout)
				}
				if settings.MaxAutoBuys != 3 {
					t.Errorf("expected MaxAutoBuys 3, got %d", settings.MaxAutoBuys)
				}
				if settings.HTTPPort != 9090 {
					t.Errorf("expected HTTPPort 9090, got %d", settings.HTTPPort)
				}
				if settings.Ping != 20*time.Second {
					t.Errorf("expected Ping 20s, got %v", settings.Ping)
				}
				if settings.DataPath != "/custom/data" {
					t.Errorf("expected DataPath '/custom/data', got %s", settings.DataPath)
				}
			},
		},
		{
			name: "environment overrides YAML",
			yamlContent: `
api:
  key: "yaml_key"
  secret: "yaml_secret"
trading:
  paperTrading: false
system:
  httpPort: 9090
`,
			envOverrides: map[string]string{
				"KITE_API_KEY": "env_key",
				"HTTP_PORT":    "7070",
			},
			wantErr: false,
			validate: func(t *testing.T, settings Settings) {
				if settings.Key != "env_key" {
					t.Errorf("expected Key 'env_key', got %s", settings.Key)
				}
				if settings.Secret != "yaml_secret" {
					t.Errorf("expected Secret 'yaml_secret', got %s", settings.Secret)
				}
				if settings.HTTPPort != 7070 {
					t.Errorf("expected HTTPPort 7070, got %d", settings.HTTPPort)
				}
			},
		},
		{
			name:        "empty file falls back to defaults",
			yamlContent: "",
			wantErr:     false,
			validate: func(t *testing.T, settings Settings) {
				if !settings.PaperTrading {
					t.Error("expected PaperTrading default")
				}
				if settings.FeedURL != "ws://127.0.0.1:8084/quotes" {
					t.Errorf("unexpected FeedURL %s", settings.FeedURL)
				}
			},
		},
		{
			name: "invalid duration",
			yamlContent: `
reentry:
  cooldown: "soon"
`,
			wantErr: true,
		},
		{
			name:        "invalid YAML",
			yamlContent: "api: [unclosed",
			wantErr:     true,
		},
		{
			name: "live without credentials",
			yamlContent: `
trading:
  paperTrading: false
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearTestEnv(t)

			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yamlContent), 0o600); err != nil {
				t.Fatalf("failed to write config: %v", err)
			}

			for key, value := range tt.envOverrides {
				t.Setenv(key, value)
			}

			settings, err := loadFromYAML(path)

			if tt.wantErr && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if !tt.wantErr && tt.validate != nil {
				tt.validate(t, settings)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("uses CONFIG_FILE when set", func(t *testing.T) {
		clearTestEnv(t)

		path := filepath.Join(t.TempDir(), "config.yaml")
		content := "system:\n  httpPort: 6060\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}
		t.Setenv("CONFIG_FILE", path)

		settings, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if settings.HTTPPort != 6060 {
			t.Errorf("expected HTTPPort 6060, got %d", settings.HTTPPort)
		}
	})

	t.Run("missing CONFIG_FILE is an error", func(t *testing.T) {
		clearTestEnv(t)
		t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

		if _, err := Load(); err == nil {
			t.Error("expected error for missing config file")
		}
	})

	t.Run("falls back to environment", func(t *testing.T) {
		clearTestEnv(t)
		t.Setenv("HTTP_PORT", "6161")

		settings, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if settings.HTTPPort != 6161 {
			t.Errorf("expected HTTPPort 6161, got %d", settings.HTTPPort)
		}
	})
}

// clearTestEnv clears potentially conflicting environment variables
func clearTestEnv(t *testing.T) {
	envVars := []string{
		"CONFIG_FILE", "KITE_API_KEY", "KITE_API_SECRET", "KITE_ACCESS_TOKEN",
		"BASE_URL", "FEED_URL", "EXCHANGE", "PRODUCT", "SUBSCRIBE",
		"PAPER_TRADING", "PAPER_BALANCE", "STOP_LOSS_ALGORITHM", "FIXED_STOP_PCT",
		"TRAIL_PCT", "MANUAL_SL_TOLERANCE", "COOLDOWN_ENABLED",
		"COOLDOWN", "REQUIRE_CONFIRMATION", "CONFIRM_TIMEOUT", "TOGGLE_DEBOUNCE",
		"MAX_AUTO_BUYS", "DATA_PATH", "HTTP_PORT", "SESSION_INTERVAL",
		"REST_TIMEOUT", "PING_INTERVAL", "REDIS_ADDR", "REDIS_CHANNEL",
		"LOG_LEVEL", "LOG_PRETTY",
	}

	for _, env := range envVars {
		if val := os.Getenv(env); val != "" {
			t.Setenv(env, "")
		}
	}
}
