package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fyne.io/systray"
	"github.com/atotto/clipboard"

	"github.com/dotside-studios/lntag-agent/buildinfo"
	"github.com/dotside-studios/lntag-agent/lnurl"
	"github.com/dotside-studios/lntag-agent/service"
)

const balanceRefreshInterval = time.Minute

// trayApp is the system tray UI around a running daemon: a status
// line, the wallet balance, the last claim and a copy action.
type trayApp struct {
	agent     *Agent
	processor *service.Processor
	cancel    context.CancelFunc

	mStatus  *systray.MenuItem
	mBalance *systray.MenuItem
	mClaim   *systray.MenuItem
	mCopy    *systray.MenuItem
	mQuit    *systray.MenuItem

	mu        sync.Mutex
	lastLNURL string
}

// runTray runs the daemon behind a tray icon. systray.Run must own the
// calling goroutine, so the daemon loop moves to a background one; the
// quit action and ctx both cancel it, and its result is returned once
// the tray has shut down.
func runTray(ctx context.Context, a *Agent, processor *service.Processor, update *func(service.PaymentResult)) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t := &trayApp{agent: a, processor: processor, cancel: cancel}
	*update = t.onResult

	done := make(chan error, 1)
	systray.Run(func() { t.onReady(loopCtx, done) }, nil)

	err := <-done
	if err == context.Canceled {
		return nil
	}
	return err
}

func (t *trayApp) onReady(ctx context.Context, done chan<- error) {
	systray.SetIcon(iconData)
	systray.SetTitle(buildinfo.DisplayName)
	systray.SetTooltip(buildinfo.Description)

	t.mStatus = systray.AddMenuItem("Watching reader...", "Daemon status")
	t.mStatus.Disable()
	t.mBalance = systray.AddMenuItem("Balance: ...", "Wallet balance")
	t.mBalance.Disable()
	systray.AddSeparator()
	t.mClaim = systray.AddMenuItem("Last claim: none", "Most recent claim")
	t.mClaim.Disable()
	t.mCopy = systray.AddMenuItem("Copy last LNURL", "Copy the last claim's LNURL")
	t.mCopy.Disable()
	systray.AddSeparator()
	t.mQuit = systray.AddMenuItem("Quit", "Stop the daemon")

	// The daemon loop; its exit tears the tray down.
	go func() {
		done <- t.processor.Run(ctx)
		systray.Quit()
	}()

	go t.refreshBalance(ctx)
	go t.handleClicks(ctx)
}

func (t *trayApp) handleClicks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.mQuit.ClickedCh:
			t.mStatus.SetTitle("Stopping...")
			t.cancel()
			return
		case <-t.mCopy.ClickedCh:
			t.mu.Lock()
			text := t.lastLNURL
			t.mu.Unlock()
			if text != "" {
				if err := clipboard.WriteAll(text); err != nil {
					t.agent.log.Warn().Err(err).Msg("could not copy to clipboard")
				}
			}
		}
	}
}

// refreshBalance keeps the balance item current. Without a configured
// wallet the item just shows that nothing is connected.
func (t *trayApp) refreshBalance(ctx context.Context) {
	links, err := t.agent.Links()
	if err != nil {
		t.mBalance.SetTitle("Balance: no wallet configured")
		return
	}

	update := func() {
		balance, err := links.Balance(ctx)
		if err != nil {
			t.mBalance.SetTitle("Balance: unavailable")
			return
		}
		t.mBalance.SetTitle(fmt.Sprintf("Balance: %d sats", balance/1000))
	}
	update()

	ticker := time.NewTicker(balanceRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

// onResult is the daemon callback: it mirrors the latest claim into
// the menu.
func (t *trayApp) onResult(result service.PaymentResult) {
	if !result.Claimed() {
		t.mClaim.SetTitle(fmt.Sprintf("Last tag: %s (%s)", result.TagUID, result.Outcome))
		return
	}

	t.mu.Lock()
	t.lastLNURL = result.LNURL
	t.mu.Unlock()

	t.mClaim.SetTitle("Last claim: " + lnurl.FormatForDisplay(result.LNURL, 40))
	t.mCopy.Enable()
}
