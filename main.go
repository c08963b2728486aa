package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	logger "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"signalrelay/src/connectors"
	"signalrelay/src/controller"
	"signalrelay/src/database"
	"signalrelay/src/executors"
	"signalrelay/src/handler"
	"signalrelay/src/server"
)

var (
	APP_NAME = os.Getenv("APP_NAME")
)

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

	app := cli.NewApp()
	app.Name = "signalrelay"
	app.Usage = "The signalrelay command line interface"

	app.Commands = []cli.Command{
		serveCMD,
		verifyCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	serveCMD = cli.Command{
		Name:        "serve",
		Usage:       "run the webhook server and the verifier loop",
		Action:      serveAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the webhook server together with the background position verifier`,
	}
	verifyCMD = cli.Command{
		Name:        "verify",
		Usage:       "run the verifier loop only",
		Action:      verifyAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run only the background position verifier, without the webhook server`,
	}
)

func bootstrap() (*connectors.Registry, error) {
	if err := database.InitMainDB(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	registry, err := connectors.BuildRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to build connector registry: %w", err)
	}
	return registry, nil
}

func serveAction(_ *cli.Context) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	registry, err := bootstrap()
	if err != nil {
		logger.WithError(err).Fatal("bootstrap failed")
		return err
	}

	go func() {
		if err := executors.StartLoop(ctx, registry); err != nil {
			logger.WithError(err).Error("verifier loop exited with error")
		}
	}()

	ctrl := controller.NewSignalController(registry)
	config := server.GetConfig()
	server.StartServer(ctx, config.ServerPort, handler.WebhookHandler(ctrl))
	return nil
}

func verifyAction(_ *cli.Context) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	registry, err := bootstrap()
	if err != nil {
		logger.WithError(err).Fatal("bootstrap failed")
		return err
	}

	return executors.StartLoop(ctx, registry)
}

func handlePanic() {
	if r := recover(); r != nil {
		logger.WithError(fmt.Errorf("%+v", r)).Error(fmt.Sprintf("Application %s panic", APP_NAME))
	}
	//nolint
	time.Sleep(time.Second * 5)
}
