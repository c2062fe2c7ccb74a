package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/mtlprog/resolver/internal/domain"
)

const (
	NetworkLocal = "local"

	localGatewayURL   = "http://localhost:4943"
	mainnetGatewayURL = "https://ic0.app"
)

// Config holds all application configuration loaded from environment variables
// and the optional asset file.
type Config struct {
	GatewayURL            string
	Network               string
	CoordinatorCanisterID string
	OracleCanisterID      string
	ResolverID            string
	ResolverAccount       string
	ResolverAPIToken      string
	APISecret             string
	HTTPPort              string
	DatabaseURL           string

	FeeBps           int
	BaseGasFee       int
	LiquidityUSD     decimal.Decimal
	VolatilityPct    decimal.Decimal
	AllowFallbackNAV bool

	PriceTTL             time.Duration
	PriceRefreshInterval time.Duration
	HotAssets            []string
	TTLOverrides         map[string]time.Duration

	Settlement        SettlementCurrency
	SettlementTimeout time.Duration
	WatchedAssets     []WatchedAsset

	GatewayRetryMax       int
	GatewayRetryBaseDelay time.Duration
	GatewayRateLimit      float64

	SheetsSpreadsheetID   string
	GoogleCredentialsJSON string
	WalletExportInterval  time.Duration

	LogLevel string
	LogFile  string
}

// SettlementCurrency is the single-token ledger buyers pay in.
type SettlementCurrency struct {
	Ledger   string `yaml:"ledger"`
	Ticker   string `yaml:"ticker"`
	Decimals int    `yaml:"decimals"`
	Fee      uint64 `yaml:"fee"`
	Symbol   string `yaml:"symbol"`
}

// WatchedAsset is an inventory asset included in wallet reports.
// TokenID is the hex sub-token id; empty means a single-token ledger, whose
// Fee and Decimals must be given since such ledgers are not asked for metadata.
type WatchedAsset struct {
	ID       string `yaml:"id"`
	Ledger   string `yaml:"ledger"`
	TokenID  string `yaml:"token_id"`
	Fee      uint64 `yaml:"fee"`
	Decimals int    `yaml:"decimals"`
}

// Location converts the asset to its ledger location.
func (w WatchedAsset) Location() (domain.LedgerLocation, error) {
	if w.TokenID == "" {
		return domain.SingleToken(w.Ledger), nil
	}
	id, err := hex.DecodeString(w.TokenID)
	if err != nil {
		return domain.LedgerLocation{}, fmt.Errorf("asset %s: decoding token id: %w", w.ID, err)
	}
	return domain.MultiToken(w.Ledger, id), nil
}

// SettlementLocation is the settlement currency's ledger location.
func (c Config) SettlementLocation() domain.LedgerLocation {
	return domain.SingleToken(c.Settlement.Ledger)
}

// AssetFile is the YAML document named by ASSETS_FILE.
type AssetFile struct {
	Settlement   *SettlementCurrency      `yaml:"settlement"`
	HotAssets    []string                 `yaml:"hot_assets"`
	TTLOverrides map[string]time.Duration `yaml:"ttl_overrides"`
	Assets       []WatchedAsset           `yaml:"assets"`
}

// Load reads configuration from environment variables with sensible defaults, then merges
// ASSETS_FILE when set. Only an unreadable or invalid asset file is an error.
func Load() (Config, error) {
	network := envOrDefault("NETWORK", NetworkLocal)
	cfg := Config{
		GatewayURL:            envOrDefault("IC_GATEWAY_URL", defaultGatewayURL(network)),
		Network:               network,
		CoordinatorCanisterID: envOrDefaultWarn("COORDINATOR_CANISTER_ID", ""),
		OracleCanisterID:      envOrDefaultWarn("ORACLE_CANISTER_ID", ""),
		ResolverID:            envOrDefault("RESOLVER_ID", "resolver-1"),
		ResolverAccount:       envOrDefaultWarn("RESOLVER_ACCOUNT", ""),
		ResolverAPIToken:      envOrDefault("RESOLVER_API_TOKEN", ""),
		APISecret:             envOrDefaultWarn("API_SECRET", ""),
		HTTPPort:              envOrDefault("HTTP_PORT", "3001"),
		DatabaseURL:           envOrDefault("DATABASE_URL", ""),

		FeeBps:           envOrDefaultInt("RESOLVER_FEE_BPS", 30),
		BaseGasFee:       envOrDefaultInt("BASE_GAS_FEE", 10000),
		LiquidityUSD:     envOrDefaultDecimal("LIQUIDITY_USD", decimal.NewFromInt(1_000_000)),
		VolatilityPct:    envOrDefaultDecimal("VOLATILITY_PCT", decimal.NewFromInt(5)),
		AllowFallbackNAV: envOrDefaultBool("ALLOW_FALLBACK_NAV", false),

		PriceTTL:             envOrDefaultDuration("PRICE_TTL", 10*time.Second),
		PriceRefreshInterval: envOrDefaultDuration("PRICE_REFRESH_INTERVAL", 10*time.Second),
		HotAssets:            envList("HOT_ASSETS"),

		Settlement: SettlementCurrency{
			Ledger:   envOrDefaultWarn("SETTLEMENT_LEDGER_ID", ""),
			Ticker:   envOrDefault("SETTLEMENT_TICKER", "USDC"),
			Decimals: envOrDefaultInt("SETTLEMENT_DECIMALS", 6),
			Fee:      uint64(max(envOrDefaultInt("SETTLEMENT_FEE", 10), 0)),
			Symbol:   "ckUSDC",
		},
		SettlementTimeout: envOrDefaultDuration("SETTLEMENT_TIMEOUT", 2*time.Minute),

		GatewayRetryMax:       envOrDefaultInt("GATEWAY_RETRY_MAX", 3),
		GatewayRetryBaseDelay: envOrDefaultDuration("GATEWAY_RETRY_BASE_DELAY", 500*time.Millisecond),
		GatewayRateLimit:      envOrDefaultFloat("GATEWAY_RATE_LIMIT", 20),

		SheetsSpreadsheetID:   envOrDefault("SHEETS_SPREADSHEET_ID", ""),
		GoogleCredentialsJSON: envOrDefault("GOOGLE_CREDENTIALS_JSON", ""),
		WalletExportInterval:  envOrDefaultDuration("WALLET_EXPORT_INTERVAL", 1*time.Hour),

		LogLevel: envOrDefault("LOG_LEVEL", "info"),
		LogFile:  envOrDefault("LOG_FILE", ""),
	}

	if path := os.Getenv("ASSETS_FILE"); path != "" {
		file, err := LoadAssetFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg.merge(file)
	}
	return cfg, nil
}

// LoadAssetFile parses and validates the YAML asset file.
func LoadAssetFile(path string) (AssetFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AssetFile{}, fmt.Errorf("reading asset file: %w", err)
	}
	return ParseAssetFile(data)
}

// ParseAssetFile decodes an asset file document.
func ParseAssetFile(data []byte) (AssetFile, error) {
	var file AssetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return AssetFile{}, fmt.Errorf("parsing asset file: %w", err)
	}
	for _, a := range file.Assets {
		if a.ID == "" || a.Ledger == "" {
			return AssetFile{}, errors.New("asset file: asset entries need id and ledger")
		}
		loc, err := a.Location()
		if err != nil {
			return AssetFile{}, err
		}
		if err := loc.Validate(); err != nil {
			return AssetFile{}, fmt.Errorf("asset %s: %w", a.ID, err)
		}
	}
	return file, nil
}

// merge applies file values over environment values. Hot assets are the union of both.
func (c *Config) merge(file AssetFile) {
	if s := file.Settlement; s != nil {
		if s.Ledger != "" {
			c.Settlement.Ledger = s.Ledger
		}
		if s.Ticker != "" {
			c.Settlement.Ticker = s.Ticker
		}
		if s.Decimals > 0 {
			c.Settlement.Decimals = s.Decimals
		}
		if s.Fee > 0 {
			c.Settlement.Fee = s.Fee
		}
		if s.Symbol != "" {
			c.Settlement.Symbol = s.Symbol
		}
	}
	c.HotAssets = lo.Uniq(append(c.HotAssets, file.HotAssets...))
	if len(file.TTLOverrides) > 0 {
		c.TTLOverrides = file.TTLOverrides
	}
	c.WatchedAssets = append(c.WatchedAssets, file.Assets...)
}

func defaultGatewayURL(network string) string {
	if network == NetworkLocal {
		return localGatewayURL
	}
	return mainnetGatewayURL
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultWarn(key, defaultVal string) string {
	v := envOrDefault(key, defaultVal)
	if v == "" {
		slog.Warn("required env var not set", "key", key)
	}
	return v
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", defaultVal)
			return defaultVal
		}
		return n
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			slog.Warn("invalid number env var, using default", "key", key, "value", v, "default", defaultVal)
			return defaultVal
		}
		return f
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("invalid boolean env var, using default", "key", key, "value", v, "default", defaultVal)
			return defaultVal
		}
		return b
	}
	return defaultVal
}

func envOrDefaultDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil || d.IsNegative() {
			slog.Warn("invalid decimal env var, using default", "key", key, "value", v, "default", defaultVal)
			return defaultVal
		}
		return d
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("invalid duration env var, using default", "key", key, "value", v, "default", defaultVal)
			return defaultVal
		}
		return d
	}
	return defaultVal
}

// envList splits a comma-separated variable, dropping blanks and duplicates.
func envList(key string) []string {
	parts := strings.Split(os.Getenv(key), ",")
	return lo.Uniq(lo.FilterMap(parts, func(p string, _ int) (string, bool) {
		p = strings.TrimSpace(p)
		return p, p != ""
	}))
}
