package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"yqhp/sysarray/api/rest"
	"yqhp/sysarray/internal/mediator"
	"yqhp/sysarray/pkg/logger"
)

var mediatorCmd = &cobra.Command{
	Use:   "mediator",
	Short: "Run a mediator node",
	Long: `Run a mediator: a slave to its master (configured in the slave section)
and a master to the sub-array accepted on array.listen. Segmented requests
from above are split across the sub-array and their counts summed.`,
	Example: `  sysarray mediator --set array.listen=:7710 --set slave.master_addr=10.0.0.1:7700`,
	RunE:    runMediator,
}

func init() {
	rootCmd.AddCommand(mediatorCmd)
}

func runMediator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	name := nodeName(cfg, "mediator")
	down, err := newParallelArray(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start sub-array: %w", err)
	}

	m := mediator.New(cfg.MediatorOptions(), down)
	m.Upstream().SetNode(name)
	defer m.Close()
	m.SetReducer(ListenerCountPrimes, mediator.SumIntReducer)

	startAPI(ctx, cfg, name, down, rest.WithPending(m))

	printBanner(
		"mediator:  "+name,
		"children:  "+cfg.Array.Listen+" ("+cfg.Array.Transport+")",
		"master:    "+cfg.Slave.Mode+" "+cfg.Slave.MasterAddr,
	)

	return runUpstream(ctx, &cfg.Slave, m.Upstream())
}
