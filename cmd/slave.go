package cmd

import (
	"github.com/spf13/cobra"

	"yqhp/sysarray/internal/slave"
	"yqhp/sysarray/pkg/logger"
)

var slaveCmd = &cobra.Command{
	Use:   "slave",
	Short: "Run a slave node",
	Long: `Run a slave node serving the primes role. In client mode it dials
slave.master_addr and redials after every disconnect; in server mode it waits
on slave.listen_address for the master to connect.`,
	Example: `  sysarray slave --set slave.master_addr=10.0.0.1:7700
  sysarray slave --set slave.mode=server --set slave.listen_address=:7701`,
	RunE: runSlave,
}

func init() {
	rootCmd.AddCommand(slaveCmd)
}

func runSlave(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	name := nodeName(cfg, "slave")
	s := slave.New(cfg.Slave.Roles...)
	s.SetNode(name)
	defer s.Close()
	s.Handle(ListenerCountPrimes, handleCountPrimes)

	target := cfg.Slave.MasterAddr
	if cfg.Slave.Mode == "server" {
		target = cfg.Slave.ListenAddress
	}
	printBanner(
		"slave:     "+name,
		"mode:      "+cfg.Slave.Mode+" "+target+" ("+cfg.Slave.Transport+")",
	)

	return runUpstream(ctx, &cfg.Slave, s)
}
