package scheduler

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	SweepPeriod time.Duration `envconfig:"EXPIRY_SWEEP_PERIOD" default:"60s"`
	BatchSize   int           `envconfig:"EXPIRY_SWEEP_BATCH" default:"100"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
