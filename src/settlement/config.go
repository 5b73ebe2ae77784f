package settlement

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// PaymentTTL is the fiat payment window granted once escrow is
	// locked; the sweeper expires and refunds orders that outlive it.
	PaymentTTL time.Duration `envconfig:"ORDER_PAYMENT_TTL" default:"15m"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
