package common

import "time"

// Underlying symbols
const (
	NiftySymbol       = "NIFTY"
	BankNiftySymbol   = "BANKNIFTY"
	MidcapNiftySymbol = "MIDCPNIFTY"
	SensexSymbol      = "SENSEX"
)

// Environment variable keys
const (
	EnvConfigFile          = "CONFIG_FILE"
	EnvKiteAPIKey          = "KITE_API_KEY"
	EnvKiteAPISecret       = "KITE_API_SECRET"
	EnvKiteAccessToken     = "KITE_ACCESS_TOKEN"
	EnvBaseURL             = "BASE_URL"
	EnvFeedURL             = "FEED_URL"
	EnvExchange            = "EXCHANGE"
	EnvProduct             = "PRODUCT"
	EnvSubscribe           = "SUBSCRIBE"
	EnvPaperTrading        = "PAPER_TRADING"
	EnvPaperBalance        = "PAPER_BALANCE"
	EnvStopLossAlgorithm   = "STOP_LOSS_ALGORITHM"
	EnvFixedStopPct        = "FIXED_STOP_PCT"
	EnvTrailPct            = "TRAIL_PCT"
	EnvManualTolerance     = "MANUAL_SL_TOLERANCE"
	EnvCooldownEnabled     = "COOLDOWN_ENABLED"
	EnvCooldown            = "COOLDOWN"
	EnvRequireConfirmation = "REQUIRE_CONFIRMATION"
	EnvConfirmTimeout      = "CONFIRM_TIMEOUT"
	EnvToggleDebounce      = "TOGGLE_DEBOUNCE"
	EnvMaxAutoBuys         = "MAX_AUTO_BUYS"
	EnvDataPath            = "DATA_PATH"
	EnvHTTPPort            = "HTTP_PORT"
	EnvSessionInterval     = "SESSION_INTERVAL"
	EnvRESTTimeout         = "REST_TIMEOUT"
	EnvPingInterval        = "PING_INTERVAL"
	EnvRedisAddr           = "REDIS_ADDR"
	EnvRedisChannel        = "REDIS_CHANNEL"
	EnvLogLevel            = "LOG_LEVEL"
	EnvLogPretty           = "LOG_PRETTY"
)

// Configuration defaults
const (
	DefaultBaseURL           = "https://api.kite.trade"
	DefaultFeedURL           = "ws://127.0.0.1:8084/quotes"
	DefaultExchange          = "NFO"
	DefaultProduct           = "MIS"
	DefaultPaperBalance      = 10000000.0
	DefaultStopLossAlgorithm = "trailing"
	DefaultFixedStopPct      = 0.10
	DefaultTrailPct          = 0.05
	DefaultManualTolerance   = 0.5
	DefaultCooldown          = 60 * time.Second
	DefaultConfirmTimeout    = 30 * time.Second
	DefaultToggleDebounce    = time.Second
	DefaultMaxAutoBuys       = 5
	DefaultHTTPPort          = 5000
	DefaultSessionInterval   = 120 * time.Second
	DefaultRESTTimeout       = 5 * time.Second
	DefaultPingInterval      = 15 * time.Second
	DefaultRedisChannel      = "optiondesk:events"
	DefaultLogLevel          = "info"
)

// DefaultLotSizes maps an underlying to its exchange lot size.
var DefaultLotSizes = map[string]int64{
	NiftySymbol:       75,
	BankNiftySymbol:   35,
	MidcapNiftySymbol: 140,
	SensexSymbol:      20,
	"SBIN":            3400,
	"RELIANCE":        500,
}

// Validation constants
const (
	MaxStopPct      = 0.5
	MinHTTPPort     = 1024
	MaxHTTPPort     = 65535
	MaxConfirmDelay = 10 * time.Minute
	MaxAutoBuyLimit = 100
)
