package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/stephendonner/loads-broker/pkg/api"
	"github.com/stephendonner/loads-broker/pkg/config"
)

// RunCommand runs a single plan to completion without the daemon.
var RunCommand = cli.Command{
	Name:      "run",
	Usage:     "execute a plan document and wait for it to complete",
	ArgsUsage: "<plan.json>",
	Action:    runCommand,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "plan, p",
			Usage: "name of the plan to run (default: first enabled)",
		},
		cli.StringSliceFlag{
			Name:  "env, e",
			Usage: "extra KEY=value substitution bindings for the run",
		},
	},
}

func runCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("run requires exactly one plan document", 1)
	}

	data, err := os.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	project, err := api.ParseProject(data)
	if err != nil {
		return err
	}

	ctx := ProcessContext()
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return err
	}

	b, st, err := setupBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := b.RunPlan(ctx, project, c.String("plan"), c.StringSlice("env"))
	if err != nil {
		return err
	}

	fmt.Printf("run %s started\n", run.UUID)
	b.Wait(run.UUID)

	final, err := b.GetRun(run.UUID)
	if err != nil {
		return err
	}
	fmt.Printf("run %s finished: %s (aborted=%v)\n", final.UUID, api.StatusText(final.State), final.Aborted)
	return nil
}
