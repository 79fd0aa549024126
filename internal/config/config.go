package config

import (
	"time"

	"github.com/caarlos0/env/v11"

	"log"
)

type Config struct {
	Redis    Redis
	Postgres Postgres
	Lock     Lock
	Timeout  Timeout
}

type Redis struct {
	Addr     string `env:"Redis_Address"`
	Password string `env:"Redis_Password"`
	DB       int    `env:"Redis_DB"`
}

type Postgres struct {
	DSN string `env:"Postgres_DSN"`
}

type Lock struct {
	TTL         time.Duration `env:"Lock_TTL" envDefault:"30s"`
	RetryBudget time.Duration `env:"Lock_RetryBudget" envDefault:"5s"`
	// FailClosed makes lock-store errors surface as lock-unavailable instead
	// of degrading to an unprotected fallback acquisition.
	FailClosed bool `env:"Lock_FailClosed" envDefault:"false"`
}

type Timeout struct {
	OrderMinutes    int           `env:"Timeout_OrderMinutes" envDefault:"15"`
	MaxRetryCount   int           `env:"Timeout_MaxRetryCount" envDefault:"3"`
	StuckAfter      time.Duration `env:"Timeout_StuckAfter" envDefault:"30m"`
	StuckSweep      time.Duration `env:"Timeout_StuckSweep" envDefault:"5m"`
	CleanupSweep    time.Duration `env:"Timeout_CleanupSweep" envDefault:"1h"`
	Retention       time.Duration `env:"Timeout_Retention" envDefault:"168h"`
	ReconcileWindow time.Duration `env:"Timeout_ReconcileWindow" envDefault:"1h"`
	Workers         int           `env:"Timeout_Workers" envDefault:"8"`
	// CancelOnUnknownPayment keeps the legacy behavior of treating an
	// unanswerable payment lookup as unpaid. Set false to hold the order and
	// retry the timeout instead.
	CancelOnUnknownPayment bool `env:"Timeout_CancelOnUnknownPayment" envDefault:"true"`
}

func Load() *Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}

	return &c
}
