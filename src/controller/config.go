package controller

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// OneWayMode is the position mode the safety gate enforces on every
	// active exchange before the first order goes out.
	OneWayMode bool `envconfig:"ONE_WAY_MODE" default:"true"`

	PollAttempts int           `envconfig:"POSITION_POLL_ATTEMPTS" default:"8"`
	PollDelay    time.Duration `envconfig:"POSITION_POLL_DELAY" default:"250ms"`

	CloseReverifyAttempts int           `envconfig:"CLOSE_REVERIFY_ATTEMPTS" default:"5"`
	CloseReverifyDelay    time.Duration `envconfig:"CLOSE_REVERIFY_DELAY" default:"500ms"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
