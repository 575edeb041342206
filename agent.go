package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dotside-studios/lntag-agent/config"
	"github.com/dotside-studios/lntag-agent/lnbits"
	"github.com/dotside-studios/lntag-agent/lnurl"
	"github.com/dotside-studios/lntag-agent/nfc"
	"github.com/dotside-studios/lntag-agent/service"
)

// Agent holds the wiring every command works from. The reader port and
// the wallet client are opened lazily so commands touch only what they
// need: version never opens a reader, list-links never polls for tags.
type Agent struct {
	cfg   *config.Config
	log   zerolog.Logger
	codec lnurl.Codec

	port   nfc.MemoryPort
	driver *nfc.Driver
	links  *lnbits.Client
}

func newAgent(cfg *config.Config, logger zerolog.Logger) *Agent {
	return &Agent{
		cfg:   cfg,
		log:   logger,
		codec: lnurl.Codec{Bech32: cfg.Defaults.LNURLBech32},
	}
}

// Dispatch runs one subcommand.
func (a *Agent) Dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "load-tag":
		return a.cmdLoadTag(ctx, args)
	case "read-tag":
		return a.cmdReadTag(ctx, args)
	case "clear-tag":
		return a.cmdClearTag(ctx, args)
	case "verify-tag":
		return a.cmdVerifyTag(ctx, args)
	case "info":
		return a.cmdInfo(ctx, args)
	case "status":
		return a.cmdStatus(ctx, args)
	case "list-links":
		return a.cmdListLinks(ctx, args)
	case "daemon":
		return a.cmdDaemon(ctx, args)
	default:
		return fmt.Errorf("unknown command %q, run 'lntag-agent --help'", command)
	}
}

// Driver opens the reader port on first use.
func (a *Agent) Driver() (*nfc.Driver, error) {
	if a.driver != nil {
		return a.driver, nil
	}

	port, err := nfc.OpenPort(a.cfg.NFC.Port, a.cfg.NFC.Device, a.log)
	if err != nil {
		return nil, fmt.Errorf("open NFC port: %w", err)
	}
	a.port = port
	a.driver = nfc.NewDriver(port, a.log, a.cfg.DriverOptions())
	return a.driver, nil
}

// Links builds the wallet client on first use, failing when the
// config lacks the wallet settings.
func (a *Agent) Links() (*lnbits.Client, error) {
	if a.links != nil {
		return a.links, nil
	}
	if err := a.cfg.RequireLNbits(); err != nil {
		return nil, err
	}

	a.links = lnbits.New(lnbits.Config{
		BaseURL: a.cfg.LNbits.URL,
		APIKey:  a.cfg.LNbits.APIKey,
		Timeout: a.cfg.LNbitsTimeout(),
	}, a.log)
	return a.links, nil
}

// Loader wires the provisioning flows over the lazily opened driver
// and wallet client.
func (a *Agent) Loader() (*service.Loader, error) {
	driver, err := a.Driver()
	if err != nil {
		return nil, err
	}
	links, err := a.Links()
	if err != nil {
		return nil, err
	}
	return service.NewLoader(driver, links, a.codec, a.log), nil
}

// ReaderLoader wires the tag flows that never touch the wallet.
func (a *Agent) ReaderLoader() (*service.Loader, error) {
	driver, err := a.Driver()
	if err != nil {
		return nil, err
	}
	return service.NewLoader(driver, nil, a.codec, a.log), nil
}

// Close releases the reader port if one was opened.
func (a *Agent) Close() {
	if a.port != nil {
		if err := a.port.Close(); err != nil {
			a.log.Warn().Err(err).Msg("closing NFC port failed")
		}
		a.port = nil
		a.driver = nil
	}
}
