package commands

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/neopool/jormaster/src/master"
	"github.com/neopool/jormaster/src/pooltool"
	"github.com/neopool/jormaster/src/runner"
	"github.com/neopool/jormaster/src/service"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRunCmd returns the command that starts the master control loop
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run the master control loop",
		PreRunE: loadConfig,
		RunE:    runMaster,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runMaster(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()
	clk := clock.New()

	sup := runner.NewSystemd()

	runners := make([]master.Runner, _config.Runners)
	for i := 0; i < _config.Runners; i++ {
		runners[i] = runner.New(
			i,
			runner.RestAddr(_config.PortPrefix, i),
			fmt.Sprintf(_config.UnitTemplate, i),
			_config.SecretPath(),
			sup,
			clk,
			logger,
		)
	}

	pool := pooltool.New(pooltool.Config{
		TipURL:      _config.TipURL,
		StatsURL:    _config.StatsURL,
		PoolID:      _config.PoolID,
		UserID:      _config.UserID,
		GenesisHash: _config.GenesisHash,
		Interval:    _config.PoolToolWait,
	}, clk, logger)

	m := master.New(_config, runners, pool, clk, logger)

	if !_config.NoService {
		serviceServer := service.NewService(_config.ServiceAddr, m, logger)
		go serviceServer.Serve()
	}

	m.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Directory containing the config file and node secret")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Duplicate the log stream to a file")

	// Fleet
	cmd.Flags().IntP("runners", "n", _config.Runners, "Number of supervised node instances")
	cmd.Flags().Int("port-prefix", _config.PortPrefix, "REST API port without its last digit")
	cmd.Flags().String("unit-template", _config.UnitTemplate, "Supervisor unit name template")
	cmd.Flags().String("secret-file", _config.SecretFile, "Node secret YAML for leader promotion")

	// PoolTool
	cmd.Flags().String("pool-id", _config.PoolID, "Pool ID registered with PoolTool")
	cmd.Flags().String("user-id", _config.UserID, "PoolTool user ID")
	cmd.Flags().String("genesis", _config.GenesisHash, "Genesis block hash")
	cmd.Flags().String("tip-url", _config.TipURL, "PoolTool sharemytip endpoint")
	cmd.Flags().String("stats-url", _config.StatsURL, "PoolTool stats endpoint")
	cmd.Flags().Duration("pooltool-wait", _config.PoolToolWait, "Minimum time between PoolTool requests")

	// Scheduling
	cmd.Flags().Int64("max-height-delay", _config.MaxHeightDelay, "Max height lag before a runner is stuck")
	cmd.Flags().Duration("catchup-grace", _config.CatchUpGrace, "Grace period before stuck detection applies")
	cmd.Flags().Duration("max-boot-time", _config.MaxBootTime, "Max bootstrap duration before restart")
	cmd.Flags().Duration("event-threshold", _config.EventThreshold, "Lead time for event preparation")
	cmd.Flags().Duration("safe-start-lead", _config.SafeStartLead, "Slack before an event required to restart")
	cmd.Flags().Duration("loop-period", _config.LoopPeriod, "Control loop tick period")

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP stats service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for the HTTP stats service")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":        _config.DataDir,
		"LogLevel":       _config.LogLevel,
		"Runners":        _config.Runners,
		"PortPrefix":     _config.PortPrefix,
		"UnitTemplate":   _config.UnitTemplate,
		"SecretFile":     _config.SecretPath(),
		"PoolID":         _config.PoolID,
		"PoolToolWait":   _config.PoolToolWait,
		"MaxHeightDelay": _config.MaxHeightDelay,
		"CatchUpGrace":   _config.CatchUpGrace,
		"MaxBootTime":    _config.MaxBootTime,
		"EventThreshold": _config.EventThreshold,
		"SafeStartLead":  _config.SafeStartLead,
		"LoopPeriod":     _config.LoopPeriod,
		"ServiceAddr":    _config.ServiceAddr,
		"NoService":      _config.NoService,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all
	// other persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/jormaster.toml (.json, .yaml also work)
	viper.SetConfigName("jormaster")
	viper.AddConfigPath(_config.DataDir)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
