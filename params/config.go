package params

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type API struct {
	ListenAddr string
	// AllowedOrigins for browser clients (comma-separated in env).
	AllowedOrigins []string
}

type Storage struct {
	// DBPath is the Pebble database directory. Empty disables persistence
	// and the exchange runs fully in memory.
	DBPath string
}

type Log struct {
	Level string
	// File enables console+file tee logging when non-empty.
	File string
}

type Trading struct {
	// DefaultMarginRate is the fraction of order notional frozen as margin
	// for OPEN orders (margin = price x volume x rate).
	DefaultMarginRate decimal.Decimal
	// DefaultCommissionRate is charged on traded notional for both sides.
	DefaultCommissionRate decimal.Decimal
	// Instruments listed at startup.
	Instruments []string
}

type Config struct {
	API     API
	Storage Storage
	Log     Log
	Trading Trading
}

func Default() Config {
	return Config{
		API: API{
			ListenAddr:     ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Storage: Storage{
			DBPath: "data/qfex",
		},
		Log: Log{
			Level: "info",
			File:  "",
		},
		Trading: Trading{
			DefaultMarginRate:     decimal.NewFromFloat(0.10),
			DefaultCommissionRate: decimal.NewFromFloat(0.0003),
			Instruments:           []string{"IX2401", "IX2406"},
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if addr := os.Getenv("API_ADDR"); addr != "" {
		cfg.API.ListenAddr = addr
	}
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = strings.Split(origins, ",")
	}
	if path, ok := os.LookupEnv("DB_PATH"); ok {
		cfg.Storage.DBPath = path
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		cfg.Log.File = file
	}
	if rate := os.Getenv("MARGIN_RATE"); rate != "" {
		if d, err := decimal.NewFromString(rate); err == nil && d.IsPositive() {
			cfg.Trading.DefaultMarginRate = d
		}
	}
	if rate := os.Getenv("COMMISSION_RATE"); rate != "" {
		if d, err := decimal.NewFromString(rate); err == nil && !d.IsNegative() {
			cfg.Trading.DefaultCommissionRate = d
		}
	}
	if list := os.Getenv("INSTRUMENTS"); list != "" {
		// Example: "IX2401,IX2406"
		cfg.Trading.Instruments = strings.Split(list, ",")
	}

	return cfg
}
