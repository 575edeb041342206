// lntag-agent provisions NFC tags with single-use Lightning withdraw
// links and runs the daemon that watches a reader for tags presenting
// claims.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/dotside-studios/lntag-agent/buildinfo"
	"github.com/dotside-studios/lntag-agent/config"
	"github.com/dotside-studios/lntag-agent/logging"
)

const usage = `Usage: lntag-agent [global flags] <command> [command flags]

Commands:
  load-tag     Mint a withdraw link and write it to a tag
  read-tag     Read and decode the claim on a tag
  clear-tag    Wipe the claim from a tag
  verify-tag   Compare a tag against a stored withdraw link
  info         Show tag hardware details
  status       Show wallet and reader status
  list-links   List withdraw links on the wallet
  daemon       Watch the reader and process claims continuously
  version      Print the version

Global flags:
  --config PATH       Config file (default lntag-agent.toml)
  --log-level LEVEL   debug, info, warn or error
  --port-kind KIND    NFC backend: pcsc, libnfc or mock
  --device NAME       Specific reader device

Run 'lntag-agent <command> --help' for command flags.`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	global := flag.NewFlagSet("lntag-agent", flag.ContinueOnError)
	global.SetInterspersed(false)
	configPath := global.String("config", "", "config file path")
	logLevel := global.String("log-level", "", "log level override")
	portKind := global.String("port-kind", "", "NFC backend override")
	device := global.String("device", "", "reader device override")
	global.Usage = func() { fmt.Fprintln(os.Stderr, usage) }

	if err := global.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	command, commandArgs := rest[0], rest[1:]

	if command == "version" {
		fmt.Printf("%s %s\n", buildinfo.Name, buildinfo.FullVersion())
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *portKind != "" {
		cfg.NFC.Port = *portKind
	}
	if *device != "" {
		cfg.NFC.Device = *device
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger, err := logging.New(buildinfo.Name, logging.Config{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := newAgent(cfg, logger)
	defer agent.Close()

	if err := agent.Dispatch(ctx, command, commandArgs); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		logger.Error().Err(err).Str("command", command).Msg("command failed")
		return 1
	}
	return 0
}
