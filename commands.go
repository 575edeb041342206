package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	flag "github.com/spf13/pflag"

	"github.com/dotside-studios/lntag-agent/buildinfo"
	"github.com/dotside-studios/lntag-agent/lnurl"
	"github.com/dotside-studios/lntag-agent/server"
	"github.com/dotside-studios/lntag-agent/service"
	agenttls "github.com/dotside-studios/lntag-agent/tls"
)

func (a *Agent) cmdLoadTag(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("load-tag", flag.ContinueOnError)
	amount := flags.Int64("amount", 0, "amount in satoshis (required)")
	uses := flags.Int("uses", a.cfg.Defaults.TagUses, "number of claims the link allows")
	title := flags.String("title", a.cfg.Defaults.TagTitle, "link title shown in the wallet")
	waitTime := flags.Int("wait-time", 1, "seconds between allowed claims")
	timeout := flags.Duration("timeout", 10*time.Second, "how long to wait for a tag")
	copyLNURL := flags.Bool("copy", false, "copy the LNURL to the clipboard")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *amount <= 0 {
		return fmt.Errorf("load-tag: --amount is required and must be positive")
	}

	loader, err := a.Loader()
	if err != nil {
		return err
	}

	fmt.Printf("Hold a tag against the reader (waiting up to %s)...\n", *timeout)
	result, err := loader.LoadTag(ctx, service.LoadRequest{
		AmountSats: *amount,
		Title:      *title,
		Uses:       *uses,
		WaitTime:   *waitTime,
		Timeout:    *timeout,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Tag %s loaded with %d sats (%d use(s), link %s)\n",
		result.TagUID, result.AmountSats, result.Uses, result.LinkID)
	fmt.Printf("LNURL: %s\n", lnurl.FormatForDisplay(result.LNURL, 80))
	if !result.Verified {
		fmt.Println("Warning: read-back verification failed; the write was acknowledged but could not be confirmed.")
	}
	if *copyLNURL {
		a.copyToClipboard(result.LNURL)
	}
	return nil
}

func (a *Agent) cmdReadTag(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("read-tag", flag.ContinueOnError)
	timeout := flags.Duration("timeout", 10*time.Second, "how long to wait for a tag")
	copyLNURL := flags.Bool("copy", false, "copy the LNURL to the clipboard")
	if err := flags.Parse(args); err != nil {
		return err
	}

	loader, err := a.ReaderLoader()
	if err != nil {
		return err
	}

	fmt.Printf("Hold a tag against the reader (waiting up to %s)...\n", *timeout)
	result, err := loader.ReadTag(ctx, *timeout)
	if err != nil {
		return err
	}

	fmt.Printf("Tag:      %s\n", result.TagUID)
	fmt.Printf("LNURL:    %s\n", lnurl.FormatForDisplay(result.LNURL, 80))
	if result.Valid {
		fmt.Printf("URL:      %s\n", result.URL)
		fmt.Printf("Withdraw: %v\n", result.Withdraw)
	} else {
		fmt.Println("Content does not decode to a valid URL")
	}
	if *copyLNURL {
		a.copyToClipboard(result.LNURL)
	}
	return nil
}

func (a *Agent) cmdClearTag(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("clear-tag", flag.ContinueOnError)
	timeout := flags.Duration("timeout", 10*time.Second, "how long to wait for a tag")
	yes := flags.Bool("yes", false, "skip the confirmation prompt")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if !*yes && !confirm("Clear the next tag presented to the reader?") {
		fmt.Println("Aborted.")
		return nil
	}

	loader, err := a.ReaderLoader()
	if err != nil {
		return err
	}

	fmt.Printf("Hold a tag against the reader (waiting up to %s)...\n", *timeout)
	result, err := loader.ClearTag(ctx, *timeout)
	if err != nil {
		return err
	}
	fmt.Printf("Tag %s cleared\n", result.TagUID)
	return nil
}

func (a *Agent) cmdVerifyTag(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("verify-tag", flag.ContinueOnError)
	timeout := flags.Duration("timeout", 10*time.Second, "how long to wait for a tag")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("verify-tag: expected exactly one link ID argument")
	}

	loader, err := a.Loader()
	if err != nil {
		return err
	}

	fmt.Printf("Hold a tag against the reader (waiting up to %s)...\n", *timeout)
	result, err := loader.VerifyTag(ctx, flags.Arg(0), *timeout)
	if err != nil {
		return err
	}

	if result.Verified {
		fmt.Printf("Tag %s carries link %s\n", result.TagUID, result.LinkID)
		return nil
	}
	fmt.Printf("Tag %s does NOT match link %s\n", result.TagUID, result.LinkID)
	fmt.Printf("  expected: %s\n", lnurl.FormatForDisplay(result.Expected, 70))
	fmt.Printf("  found:    %s\n", lnurl.FormatForDisplay(result.Found, 70))
	return nil
}

func (a *Agent) cmdInfo(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("info", flag.ContinueOnError)
	timeout := flags.Duration("timeout", 10*time.Second, "how long to wait for a tag")
	if err := flags.Parse(args); err != nil {
		return err
	}

	loader, err := a.ReaderLoader()
	if err != nil {
		return err
	}

	fmt.Printf("Hold a tag against the reader (waiting up to %s)...\n", *timeout)
	details, err := loader.TagDetails(ctx, *timeout)
	if err != nil {
		return err
	}

	fmt.Printf("Tag:          %s\n", details.TagUID)
	fmt.Printf("Family:       %s\n", details.Info.Family)
	fmt.Printf("NDEF capable: %v\n", details.Info.NDEFCapable)
	if details.Info.CapacityBytes > 0 {
		fmt.Printf("Capacity:     %d bytes (version %s)\n", details.Info.CapacityBytes, details.Info.Version)
	} else {
		fmt.Println("Capacity:     unknown")
	}
	switch {
	case details.NDEFError != "":
		fmt.Printf("Content:      unreadable (%s)\n", details.NDEFError)
	case details.HasMessage:
		fmt.Printf("Content:      %s (valid: %v)\n", lnurl.FormatForDisplay(details.LNURL, 60), details.Valid)
	default:
		fmt.Println("Content:      empty")
	}
	return nil
}

func (a *Agent) cmdStatus(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}

	links, err := a.Links()
	if err != nil {
		return err
	}

	wallet, err := links.WalletInfo(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("LNbits:  %s\n", links.BaseURL())
	fmt.Printf("Wallet:  %s (%s)\n", wallet.Name, wallet.ID)
	fmt.Printf("Balance: %d sats\n", wallet.Balance/1000)
	fmt.Printf("Reader:  %s", a.cfg.NFC.Port)
	if a.cfg.NFC.Device != "" {
		fmt.Printf(" (%s)", a.cfg.NFC.Device)
	}
	fmt.Println()
	return nil
}

func (a *Agent) cmdListLinks(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("list-links", flag.ContinueOnError)
	limit := flags.Int("limit", 0, "show at most this many links (0 = all)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	client, err := a.Links()
	if err != nil {
		return err
	}

	links, err := client.ListWithdrawLinks(ctx)
	if err != nil {
		return err
	}
	if *limit > 0 && len(links) > *limit {
		links = links[:*limit]
	}

	if len(links) == 0 {
		fmt.Println("No withdraw links on this wallet.")
		return nil
	}
	for _, link := range links {
		fmt.Printf("%-12s %6d sats  %d/%d used  %s\n",
			link.ID, link.MaxWithdrawable, link.Used, link.Uses, link.Title)
	}
	return nil
}

func (a *Agent) cmdDaemon(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("daemon", flag.ContinueOnError)
	pollTimeout := flags.Duration("poll-timeout", a.cfg.PollTimeout(), "per-iteration wait for a tag")
	tray := flags.Bool("tray", false, "show a system tray icon while running")
	if err := flags.Parse(args); err != nil {
		return err
	}

	driver, err := a.Driver()
	if err != nil {
		return err
	}

	ledger := service.NewLedger(a.cfg.RateLimitWindow(), a.cfg.Retention())

	// events and trayUpdate are assigned before the loop starts; the
	// callback only reads them from the loop's goroutine.
	var events *server.Server
	var trayUpdate func(service.PaymentResult)

	processor := service.NewProcessor(driver, ledger, a.codec, a.log, service.ProcessorOptions{
		PollTimeout: *pollTimeout,
		OnResult: func(result service.PaymentResult) {
			if events != nil {
				events.Publish(result)
			}
			if trayUpdate != nil {
				trayUpdate(result)
			}
		},
	})

	if a.cfg.Server.Enabled {
		events, err = a.startEventServer(processor.Stats)
		if err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			events.Stop(stopCtx)
		}()
	}

	if *tray {
		return runTray(ctx, a, processor, &trayUpdate)
	}

	err = processor.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// startEventServer brings up the WebSocket event server, generating
// TLS material first when the config asks for it.
func (a *Agent) startEventServer(stats func() service.Stats) (*server.Server, error) {
	cfg := server.Config{
		Port:      a.cfg.Server.Port,
		APISecret: a.cfg.Server.APISecret,
		MDNS:      a.cfg.Server.MDNS,
		Stats:     stats,
	}

	if a.cfg.Server.TLS {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("locate config dir for TLS material: %w", err)
		}
		manager := agenttls.NewManager(filepath.Join(configDir, buildinfo.DirName), a.log)
		certFile, keyFile, err := manager.EnsureCertificates()
		if err != nil {
			return nil, fmt.Errorf("prepare TLS certificates: %w", err)
		}
		cfg.CertFile = certFile
		cfg.KeyFile = keyFile
		if ca, err := manager.CACertPEM(); err == nil {
			cfg.CACert = ca
		}
	}

	events := server.New(cfg, a.log)
	if err := events.Start(); err != nil {
		return nil, err
	}
	return events, nil
}

// copyToClipboard is best-effort; headless machines have no clipboard.
func (a *Agent) copyToClipboard(text string) {
	if err := clipboard.WriteAll(text); err != nil {
		a.log.Warn().Err(err).Msg("could not copy to clipboard")
		return
	}
	fmt.Println("LNURL copied to clipboard.")
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
