package escrow

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	logger "github.com/sirupsen/logrus"
)

type Config struct {
	LedgerBaseURL   string `envconfig:"LEDGER_BASE_URL"`
	LedgerAPIKey    string `envconfig:"LEDGER_API_KEY"`
	LedgerAPISecret string `envconfig:"LEDGER_API_SECRET"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// NewLedgerFromEnv returns the REST ledger when an endpoint is
// configured, otherwise the in-process fake for local development.
func NewLedgerFromEnv() Ledger {
	config := GetConfig()
	if config.LedgerBaseURL == "" {
		logger.Warn("[escrow] LEDGER_BASE_URL not set, using in-process fake ledger")
		return NewFakeLedger()
	}
	return NewRestLedger(config.LedgerAPIKey, config.LedgerAPISecret, config.LedgerBaseURL)
}
