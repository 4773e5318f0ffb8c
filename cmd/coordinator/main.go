// Package main defines the mirage coordinator daemon. A coordinator maintains
// the peer directory, work credit ledger and operator group state of the
// overlay network, and answers the overlay routes other nodes probe.
package main

import (
	"fmt"
	"os"
	"runtime"

	joonix "github.com/joonix/log"
	"github.com/miragelabs/mirage/cmd/coordinator/db"
	"github.com/miragelabs/mirage/cmd/coordinator/flags"
	"github.com/miragelabs/mirage/coordinator/node"
	"github.com/miragelabs/mirage/shared/cmd"
	"github.com/miragelabs/mirage/shared/debug"
	"github.com/miragelabs/mirage/shared/featureconfig"
	"github.com/miragelabs/mirage/shared/logutil"
	"github.com/miragelabs/mirage/shared/prereqs"
	"github.com/miragelabs/mirage/shared/version"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var log = logrus.WithField("prefix", "main")

func startCoordinator(cliCtx *cli.Context) error {
	verbosity := cliCtx.String(cmd.VerbosityFlag.Name)
	level, err := logrus.ParseLevel(verbosity)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	coordinator, err := node.New(cliCtx)
	if err != nil {
		return err
	}
	coordinator.Start()
	return nil
}

var appFlags = []cli.Flag{
	cmd.MinimalConfigFlag,
	cmd.APIMaxPageSizeFlag,
	cmd.VerbosityFlag,
	cmd.DataDirFlag,
	cmd.EnableTracingFlag,
	cmd.TracingProcessNameFlag,
	cmd.TracingEndpointFlag,
	cmd.TraceSampleFractionFlag,
	cmd.MonitoringHostFlag,
	flags.MonitoringPortFlag,
	cmd.DisableMonitoringFlag,
	cmd.EnableBackupWebhookFlag,
	cmd.MaxGoroutines,
	cmd.LogFileName,
	cmd.LogFormat,
	cmd.ClearDB,
	cmd.ForceClearDB,
	cmd.ConfigFileFlag,
	cmd.NetworkParamsFileFlag,
	cmd.OverlayConfigFileFlag,
	cmd.BootstrapPeersFlag,
	cmd.SocksProxyFlag,
	cmd.BoltMMapInitialSizeFlag,
	debug.PProfFlag,
	debug.PProfAddrFlag,
	debug.PProfPortFlag,
	debug.MemProfileRateFlag,
	debug.MutexProfileFractionFlag,
	debug.BlockProfileRateFlag,
	debug.CPUProfileFlag,
	debug.TraceFlag,
	flags.OverlayListenAddrFlag,
	flags.OverlayEndpointFlag,
	flags.OperatorIDFlag,
	flags.OperatorRoleFlag,
	flags.TronEndpointFlag,
	flags.TronAPIKeyFlag,
	flags.PayoutWalletFlag,
	flags.EnablePayoutBatchingFlag,
	flags.KeystorePathFlag,
	flags.KeystorePasswordFlag,
}

func init() {
	appFlags = cmd.WrapFlags(append(appFlags, featureconfig.CoordinatorFlags...))
}

func main() {
	app := cli.App{}
	app.Name = "coordinator"
	app.Usage = "launches a mirage coordination node that keeps the overlay network's shared state in sync."
	app.Version = version.GetVersion()
	app.Flags = appFlags
	app.Action = startCoordinator
	app.Commands = []*cli.Command{
		db.DatabaseCommands,
	}
	app.Before = func(ctx *cli.Context) error {
		// Load any flags from file, if specified.
		if ctx.IsSet(cmd.ConfigFileFlag.Name) {
			if err := altsrc.InitInputSourceWithContext(
				appFlags,
				altsrc.NewYamlSourceFromFlagFunc(
					cmd.ConfigFileFlag.Name))(ctx); err != nil {
				return err
			}
		}

		format := ctx.String(cmd.LogFormat.Name)
		switch format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			// If persistent log files are written - we disable the log messages coloring because
			// the colors are ANSI codes and seen as Gibberish in the log files.
			formatter.DisableColors = ctx.String(cmd.LogFileName.Name) != ""
			logrus.SetFormatter(formatter)
		case "fluentd":
			logrus.SetFormatter(joonix.NewFormatter())
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unknown log format %s", format)
		}

		logFileName := ctx.String(cmd.LogFileName.Name)
		if logFileName != "" {
			if err := logutil.ConfigurePersistentLogging(logFileName, format); err != nil {
				log.WithError(err).Error("Failed to configuring logging to disk.")
			}
		}

		prereqs.WarnIfPlatformNotSupported(ctx.Context)
		runtime.GOMAXPROCS(runtime.NumCPU())
		return debug.Setup(ctx)
	}

	app.After = func(ctx *cli.Context) error {
		debug.Exit(ctx)
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
