package executors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	VerifyInterval  time.Duration `envconfig:"VERIFY_INTERVAL" default:"5s"`
	StartupDelay    time.Duration `envconfig:"VERIFY_STARTUP_DELAY" default:"3s"`
	PendingCooldown time.Duration `envconfig:"VERIFY_PENDING_COOLDOWN" default:"5s"`

	MaxVerificationAttempts int     `envconfig:"VERIFY_MAX_ATTEMPTS" default:"3"`
	EntryPriceTolerance     float64 `envconfig:"VERIFY_ENTRY_PRICE_TOLERANCE" default:"0.5"`

	// OneWayMode mirrors the controller setting so the verifier reads the
	// same position leg the orders were placed on.
	OneWayMode bool `envconfig:"ONE_WAY_MODE" default:"true"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
