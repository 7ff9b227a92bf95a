package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/stephendonner/loads-broker/pkg/aws"
	"github.com/stephendonner/loads-broker/pkg/broker"
	"github.com/stephendonner/loads-broker/pkg/config"
	"github.com/stephendonner/loads-broker/pkg/extensions"
	"github.com/stephendonner/loads-broker/pkg/logging"
	"github.com/stephendonner/loads-broker/pkg/ping"
	"github.com/stephendonner/loads-broker/pkg/sshx"
	"github.com/stephendonner/loads-broker/pkg/store"
)

// Commands are all the commands of the loads-broker CLI.
var Commands = []cli.Command{
	DaemonCommand,
	RunCommand,
}

// Flags are the global flags.
var Flags = []cli.Flag{
	cli.StringFlag{
		Name:  "config, c",
		Usage: "path to the broker configuration file",
	},
	cli.BoolFlag{
		Name:  "v",
		Usage: "verbose output (debug logging)",
	},
	cli.BoolFlag{
		Name:  "vv",
		Usage: "super verbose output",
	},
}

var (
	processCtxOnce sync.Once
	processCtx     context.Context
)

// ProcessContext returns a context canceled on SIGINT/SIGTERM.
func ProcessContext() context.Context {
	processCtxOnce.Do(func() {
		var cancel context.CancelFunc
		processCtx, cancel = context.WithCancel(context.Background())

		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-ch
			cancel()
		}()
	})
	return processCtx
}

// setupBroker builds the pool, run store and extensions from config and
// initializes the pool (AMI discovery + instance recovery).
func setupBroker(ctx context.Context, cfg *config.Config) (*broker.Broker, *store.Store, error) {
	log := logging.S()

	userData, err := cfg.UserData()
	if err != nil {
		return nil, nil, err
	}

	pool := aws.NewPool(aws.Options{
		BrokerID:   cfg.BrokerID,
		AccessKey:  cfg.AWS.AccessKey,
		SecretKey:  cfg.AWS.SecretKey,
		Endpoint:   cfg.AWS.Endpoint,
		KeyPair:    cfg.AWS.KeyPair,
		Security:   cfg.AWS.SecurityGroup,
		OwnerID:    cfg.AWS.OwnerID,
		UserData:   userData,
		UseFilters: cfg.FiltersEnabled(),
		Regions:    cfg.AWS.Regions,
	}, log)
	if err := pool.Initialize(ctx); err != nil {
		return nil, nil, err
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	sshRunner := sshx.NewRunner(cfg.SSH.User, cfg.SSH.KeyFile)
	dockerExt := extensions.NewDocker(sshRunner, log)

	var hekaOpts *extensions.HekaOptions
	if cfg.Heka != nil {
		hekaOpts = &extensions.HekaOptions{Host: cfg.Heka.Host, Port: cfg.Heka.Port, Secure: cfg.Heka.Secure}
	}
	var influxOpts *extensions.InfluxOptions
	if cfg.Influx != nil {
		influxOpts = &extensions.InfluxOptions{
			Host: cfg.Influx.Host, Port: cfg.Influx.Port,
			User: cfg.Influx.User, Password: cfg.Influx.Password,
			Secure: cfg.Influx.Secure,
		}
	}

	helpers := &broker.RunHelpers{
		Docker:   dockerExt,
		DNSMasq:  extensions.NewDNSMasq(extensions.DNSMasqInfo, dockerExt),
		Heka:     extensions.NewHeka(extensions.HekaInfo, sshRunner, hekaOpts, influxOpts, log),
		CAdvisor: extensions.NewCAdvisor(extensions.CAdvisorInfo, influxOpts, log),
		Watcher:  extensions.NewWatcher(extensions.WatcherInfo, cfg.AWS.AccessKey, cfg.AWS.SecretKey, log),
		SSH:      extensions.NewSSH(sshRunner),
		Ping:     ping.New(),
	}

	b := broker.New(pool, st, helpers, time.Duration(cfg.PollInterval)*time.Second, log)
	return b, st, nil
}
