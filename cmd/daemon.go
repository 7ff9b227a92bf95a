package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/urfave/cli"

	"github.com/stephendonner/loads-broker/pkg/config"
	"github.com/stephendonner/loads-broker/pkg/daemon"
	"github.com/stephendonner/loads-broker/pkg/logging"
)

// DaemonCommand is the specification of the `daemon` command.
var DaemonCommand = cli.Command{
	Name:   "daemon",
	Usage:  "start the long-running broker daemon",
	Action: daemonCommand,
}

func daemonCommand(c *cli.Context) error {
	ctx, cancel := context.WithCancel(ProcessContext())
	defer cancel()

	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return err
	}

	b, st, err := setupBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	srv, err := daemon.New(cfg.Listen, b)
	if err != nil {
		return err
	}

	exiting := make(chan struct{})
	defer close(exiting)

	go func() {
		select {
		case <-ctx.Done():
		case <-exiting:
			return
		}

		logging.S().Infow("shutting down daemon")
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logging.S().Errorw("failed to shut down daemon", "err", err)
		}
	}()

	err = srv.Serve()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
