// Command fieldsync-devserver serves the reference remote API for local
// development: the sync endpoint, the photo endpoints and realtime pushes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/kimhsiao/fieldsync/internal/devserver"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

func main() {
	app := &cli.App{
		Name:  "fieldsync-devserver",
		Usage: "Reference remote API for fieldsync development",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "listen address",
				Value:   ":8080",
				EnvVars: []string{"DEVSERVER_ADDR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Value:   "info",
				EnvVars: []string{"DEVSERVER_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:    "offline",
				Usage:   "start answering 503 to simulate an outage",
				EnvVars: []string{"DEVSERVER_OFFLINE"},
			},
		},
		Before: func(c *cli.Context) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
		Action: serve,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	level, err := logging.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	logging.Init(os.Stderr, level)
	log := logging.Get().Named("devserver")

	srv := devserver.New(devserver.WithLogger(log))
	defer srv.Close()
	srv.SetOffline(c.Bool("offline"))

	httpServer := &http.Server{
		Addr:              c.String("addr"),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("Dev server listening", map[string]interface{}{"addr": httpServer.Addr})
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info("Dev server shutting down")
	return httpServer.Shutdown(shutdownCtx)
}
