package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"

	"stableramp/src/database"
	"stableramp/src/escrow"
	"stableramp/src/matcher"
	"stableramp/src/scheduler"
	"stableramp/src/server"
	"stableramp/src/settlement"
)

var APP_NAME = os.Getenv("APP_NAME")

func SetupLogger() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		level = logger.DebugLevel
	}

	logger.SetLevel(level)
	logger.SetFormatter(&logger.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	SetupLogger()
	defer handlePanic()

	if err := database.InitMainDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	coordinator := escrow.NewCoordinator(escrow.NewLedgerFromEnv())
	sm := settlement.NewStateMachine(coordinator)
	m := matcher.NewMatcher()

	// The sweeper runs beside the API server so order deadlines hold
	// even when no client is connected.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := scheduler.NewSweeper(sm).StartLoop(ctx); err != nil {
			logger.WithError(err).Error("Sweeper exited with error")
		}
	}()

	server.StartServer(server.GetConfig().Port, m, sm)
}

func handlePanic() {
	if r := recover(); r != nil {
		logger.WithError(fmt.Errorf("%+v", r)).Error(fmt.Sprintf("Application %s panic", APP_NAME))
	}
	//nolint
	time.Sleep(time.Second * 5)
}
