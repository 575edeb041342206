package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotside-studios/lntag-agent/lnurl"
	"github.com/dotside-studios/lntag-agent/nfc"
)

func newTestProcessor(port *nfc.MockPort, led *Ledger, onResult func(PaymentResult)) (*Processor, *nfc.FakeClock) {
	clock := nfc.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	driver := nfc.NewDriver(port, zerolog.Nop(), nfc.Options{
		Clock:        clock,
		PollInterval: time.Millisecond,
		RetryDelay:   time.Millisecond,
	})
	proc := NewProcessor(driver, led, lnurl.NewCodec(), zerolog.Nop(), ProcessorOptions{
		PollTimeout:  5 * time.Millisecond,
		ErrorBackoff: time.Millisecond,
		Clock:        clock,
		OnResult:     onResult,
	})
	return proc, clock
}

// scriptPolls makes the port present its tag a fixed number of times,
// then cancel the daemon context. Run therefore returns after the
// scripted presentations without any goroutines or real waiting.
func scriptPolls(port *nfc.MockPort, presentations int, cancel context.CancelFunc) {
	calls := 0
	port.PollFunc = func() (nfc.TagID, bool, error) {
		calls++
		if calls <= presentations {
			return port.ID, true, nil
		}
		cancel()
		return nil, false, nil
	}
}

func loadClaim(t *testing.T, port *nfc.MockPort, rawURL string) {
	t.Helper()
	message, err := nfc.BuildURIMessage(rawURL)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	port.LoadBytes(nfc.FirstDataPage, message)
}

func TestProcessorClaimsTag(t *testing.T) {
	port := nfc.NewMockPort()
	loadClaim(t, port, claimURL)

	var results []PaymentResult
	led := NewLedger(2*time.Second, time.Hour)
	proc, _ := newTestProcessor(port, led, func(r PaymentResult) { results = append(results, r) })

	ctx, cancel := context.WithCancel(context.Background())
	scriptPolls(port, 1, cancel)

	if err := proc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.Outcome != OutcomeClaimed {
		t.Errorf("Outcome = %q, want %q", r.Outcome, OutcomeClaimed)
	}
	if r.TagUID != port.ID.Hex() {
		t.Errorf("TagUID = %q, want %q", r.TagUID, port.ID.Hex())
	}
	if want := mustEncodeLNURL(t, claimURL); r.LNURL != want {
		t.Errorf("LNURL = %q, want %q", r.LNURL, want)
	}
	if r.URL != claimURL {
		t.Errorf("URL = %q, want %q", r.URL, claimURL)
	}
	if !r.Withdraw {
		t.Error("claim should classify as a withdraw link")
	}
	if r.Timestamp.IsZero() {
		t.Error("result should be timestamped")
	}

	if led.Len() != 1 {
		t.Errorf("ledger tracks %d tags, want 1", led.Len())
	}
	stats := proc.Stats()
	if stats.Processed != 1 || stats.Claimed != 1 || stats.Failures != 0 || stats.Skipped != 0 {
		t.Errorf("stats = %+v, want one clean claim", stats)
	}
	if stats.RateLimitSeconds != 2 {
		t.Errorf("RateLimitSeconds = %v, want 2", stats.RateLimitSeconds)
	}
}

func TestProcessorRateLimitsSilently(t *testing.T) {
	port := nfc.NewMockPort()
	loadClaim(t, port, claimURL)

	var results []PaymentResult
	led := NewLedger(2*time.Second, time.Hour)
	proc, _ := newTestProcessor(port, led, func(r PaymentResult) { results = append(results, r) })

	ctx, cancel := context.WithCancel(context.Background())
	scriptPolls(port, 2, cancel)

	if err := proc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}

	// The second presentation lands inside the window: no callback.
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1; a rate-limited tag must be skipped silently", len(results))
	}
	stats := proc.Stats()
	if stats.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", stats.Skipped)
	}
	if stats.Processed != 1 {
		t.Errorf("Processed = %d, want 1", stats.Processed)
	}
}

func TestProcessorClaimsAgainAfterWindow(t *testing.T) {
	port := nfc.NewMockPort()
	loadClaim(t, port, claimURL)

	var results []PaymentResult
	led := NewLedger(2*time.Second, time.Hour)
	proc, clock := newTestProcessor(port, led, func(r PaymentResult) { results = append(results, r) })

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	port.PollFunc = func() (nfc.TagID, bool, error) {
		calls++
		switch calls {
		case 1:
			return port.ID, true, nil
		case 2:
			clock.Advance(3 * time.Second)
			return port.ID, true, nil
		default:
			cancel()
			return nil, false, nil
		}
	}

	if err := proc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 claims across the window", len(results))
	}
	for i, r := range results {
		if r.Outcome != OutcomeClaimed {
			t.Errorf("result %d outcome = %q, want %q", i, r.Outcome, OutcomeClaimed)
		}
	}
	if stats := proc.Stats(); stats.Claimed != 2 || stats.Skipped != 0 {
		t.Errorf("stats = %+v, want two claims and no skips", stats)
	}
}

func TestProcessorReadFailureKeepsTagEligible(t *testing.T) {
	port := nfc.NewMockPort()
	port.ReadError = errors.New("rf glitch")

	var results []PaymentResult
	led := NewLedger(2*time.Second, time.Hour)
	proc, _ := newTestProcessor(port, led, func(r PaymentResult) { results = append(results, r) })

	ctx, cancel := context.WithCancel(context.Background())
	scriptPolls(port, 2, cancel)

	if err := proc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}

	// Both presentations fail and both are reported: a failed read
	// must not poison the ledger.
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for i, r := range results {
		if r.Outcome != OutcomeReadFailed {
			t.Errorf("result %d outcome = %q, want %q", i, r.Outcome, OutcomeReadFailed)
		}
		if r.Err == nil {
			t.Errorf("result %d should carry the read error", i)
		}
	}
	if led.Len() != 0 {
		t.Errorf("ledger tracks %d tags after failed reads, want 0", led.Len())
	}
	if stats := proc.Stats(); stats.Failures != 2 || stats.Skipped != 0 {
		t.Errorf("stats = %+v, want two failures and no skips", stats)
	}
}

func TestProcessorReportsEmptyTag(t *testing.T) {
	port := nfc.NewMockPort()

	var results []PaymentResult
	led := NewLedger(2*time.Second, time.Hour)
	proc, _ := newTestProcessor(port, led, func(r PaymentResult) { results = append(results, r) })

	ctx, cancel := context.WithCancel(context.Background())
	scriptPolls(port, 1, cancel)

	if err := proc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Outcome != OutcomeNoContent {
		t.Errorf("Outcome = %q, want %q", results[0].Outcome, OutcomeNoContent)
	}
	if led.Len() != 0 {
		t.Error("an empty tag must not be admitted to the ledger")
	}
}

func TestProcessorReportsInvalidClaim(t *testing.T) {
	port := nfc.NewMockPort()
	loadClaim(t, port, "lightning:lnurl1corrupted")

	var results []PaymentResult
	led := NewLedger(2*time.Second, time.Hour)
	proc, _ := newTestProcessor(port, led, func(r PaymentResult) { results = append(results, r) })

	ctx, cancel := context.WithCancel(context.Background())
	scriptPolls(port, 1, cancel)

	if err := proc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.Outcome != OutcomeInvalid {
		t.Errorf("Outcome = %q, want %q", r.Outcome, OutcomeInvalid)
	}
	if r.LNURL != "lnurl1corrupted" {
		t.Errorf("LNURL = %q, the rejected claim should be reported", r.LNURL)
	}
	if led.Len() != 0 {
		t.Error("an invalid claim must not be admitted to the ledger")
	}
}

func TestProcessorSweepsLedgerOnSuccess(t *testing.T) {
	port := nfc.NewMockPort()
	loadClaim(t, port, claimURL)

	led := NewLedger(2*time.Second, time.Hour)
	stale := nfc.TagID{0x04, 0xDE, 0xAD}

	proc, clock := newTestProcessor(port, led, nil)
	led.Admit(stale, clock.Now().Add(-2*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	scriptPolls(port, 1, cancel)

	if err := proc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}

	if _, ok := led.LastAdmitted(stale); ok {
		t.Error("stale ledger entry should be swept after a successful claim")
	}
	if led.Len() != 1 {
		t.Errorf("ledger tracks %d tags, want just the fresh claim", led.Len())
	}
}

func TestProcessorRecoversFromPanic(t *testing.T) {
	port := nfc.NewMockPort()
	loadClaim(t, port, claimURL)

	var results []PaymentResult
	led := NewLedger(2*time.Second, time.Hour)
	proc, _ := newTestProcessor(port, led, func(r PaymentResult) { results = append(results, r) })

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	port.PollFunc = func() (nfc.TagID, bool, error) {
		calls++
		switch calls {
		case 1:
			return port.ID, true, nil
		case 2:
			panic("reader exploded")
		default:
			cancel()
			return nil, false, nil
		}
	}

	if err := proc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, the daemon should outlive an iteration panic", err)
	}

	if len(results) != 1 {
		t.Errorf("got %d results, want the claim from before the panic", len(results))
	}
	if stats := proc.Stats(); stats.Processed != 1 {
		t.Errorf("Processed = %d, want 1", stats.Processed)
	}
}

func TestProcessorContainsCallbackPanic(t *testing.T) {
	port := nfc.NewMockPort()
	port.ReadError = errors.New("rf glitch")

	var results []PaymentResult
	led := NewLedger(2*time.Second, time.Hour)
	proc, _ := newTestProcessor(port, led, func(r PaymentResult) {
		results = append(results, r)
		panic("subscriber bug")
	})

	ctx, cancel := context.WithCancel(context.Background())
	scriptPolls(port, 2, cancel)

	if err := proc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, a panicking callback should not kill the daemon", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want both emitted despite the panics", len(results))
	}
	if stats := proc.Stats(); stats.Processed != 2 {
		t.Errorf("Processed = %d, want 2", stats.Processed)
	}
}

func TestProcessorIdleLoop(t *testing.T) {
	port := nfc.NewMockPort()

	var results []PaymentResult
	led := NewLedger(2*time.Second, time.Hour)
	proc, _ := newTestProcessor(port, led, func(r PaymentResult) { results = append(results, r) })

	ctx, cancel := context.WithCancel(context.Background())
	scriptPolls(port, 0, cancel)

	if err := proc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from an empty field", len(results))
	}
	if stats := proc.Stats(); stats.Processed != 0 || stats.Skipped != 0 {
		t.Errorf("stats = %+v, want all zero", stats)
	}
}

func TestProcessorStopsBeforeFirstPoll(t *testing.T) {
	port := nfc.NewMockPort()
	led := NewLedger(2*time.Second, time.Hour)
	proc, _ := newTestProcessor(port, led, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := proc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if calls := port.GetCallLog(); len(calls) != 0 {
		t.Errorf("port saw %v before the first iteration", calls)
	}
}

func TestProcessorResetRateLimits(t *testing.T) {
	port := nfc.NewMockPort()
	loadClaim(t, port, claimURL)

	led := NewLedger(2*time.Second, time.Hour)
	proc, clock := newTestProcessor(port, led, nil)

	ctx, cancel := context.WithCancel(context.Background())
	scriptPolls(port, 1, cancel)
	if err := proc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}

	if !led.Allowed(port.ID, clock.Now()) == false {
		t.Log("tag admitted, as expected")
	}
	if led.Allowed(port.ID, clock.Now()) {
		t.Fatal("tag should be rate limited right after its claim")
	}

	proc.ResetRateLimits()

	if led.Len() != 0 {
		t.Errorf("ledger tracks %d tags after reset", led.Len())
	}
	if !led.Allowed(port.ID, clock.Now()) {
		t.Error("tag should be processable immediately after a reset")
	}
	if stats := proc.Stats(); stats.TrackedTags != 0 {
		t.Errorf("TrackedTags = %d, want 0", stats.TrackedTags)
	}
}
