package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"stableramp/src/database"
	"stableramp/src/escrow"
	"stableramp/src/model"
	"stableramp/src/poller"
	"stableramp/src/scheduler"
	"stableramp/src/settlement"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "stableramp CMD"
	app.Usage = "The stableramp command line interface"

	app.Commands = []cli.Command{
		sweeperCMD,
		resolveCMD,
		watchCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	sweeperCMD = cli.Command{
		Name:        "sweeper",
		Usage:       "run the order expiry sweeper",
		Action:      sweeperAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the expiry sweep loop standalone, without the API server`,
	}
	resolveCMD = cli.Command{
		Name:      "resolve-dispute",
		Usage:     "manually resolve a disputed order",
		Action:    resolveAction,
		ArgsUsage: "",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "order", Usage: "order id"},
			cli.StringFlag{Name: "outcome", Usage: "release or refund"},
			cli.StringFlag{Name: "reason", Usage: "resolution note for the audit trail"},
		},
		Description: `Resolve a disputed order by releasing custody to the LP or refunding the buyer`,
	}
	watchCMD = cli.Command{
		Name:      "watch",
		Usage:     "poll one order until it settles",
		Action:    watchAction,
		ArgsUsage: "",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "order", Usage: "order id"},
			cli.StringFlag{Name: "api", Usage: "API base URL", Value: "http://localhost:9898"},
			cli.StringFlag{Name: "user", Usage: "acting user id"},
		},
		Description: `Run a reconciliation poll loop against the API for one order`,
	}
)

func newStateMachine() (*settlement.StateMachine, error) {
	if err := database.InitMainDB(); err != nil {
		return nil, err
	}
	coordinator := escrow.NewCoordinator(escrow.NewLedgerFromEnv())
	return settlement.NewStateMachine(coordinator), nil
}

func sweeperAction(_ *cli.Context) error {
	sm, err := newStateMachine()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	return scheduler.NewSweeper(sm).StartLoop(ctx)
}

func resolveAction(c *cli.Context) error {
	orderID := c.String("order")
	outcome := c.String("outcome")
	if orderID == "" || outcome == "" {
		return fmt.Errorf("--order and --outcome are required")
	}

	sm, err := newStateMachine()
	if err != nil {
		return err
	}

	order, err := sm.ResolveDispute(context.Background(), orderID, outcome, c.String("reason"))
	if err != nil {
		return err
	}

	logrus.WithFields(map[string]interface{}{
		"order_id": order.PublicID,
		"status":   order.Status,
	}).Info("Dispute resolved")
	return nil
}

func watchAction(c *cli.Context) error {
	orderID := c.String("order")
	if orderID == "" {
		return fmt.Errorf("--order is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	p := poller.New(poller.NewRestFetcher(c.String("api"), c.String("user")))
	return p.Watch(ctx, orderID, func(order *model.Order) {
		logrus.WithFields(map[string]interface{}{
			"order_id": order.PublicID,
			"status":   order.Status,
		}).Info("Order state")
	})
}
