package matcher

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// PendingTTL is how long a freshly created order may sit in pending
	// before the sweeper expires it.
	PendingTTL time.Duration `envconfig:"ORDER_PENDING_TTL" default:"10m"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
