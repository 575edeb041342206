// Package service implements the agent's two tag flows: provisioning
// NFC tags with single-use withdraw links, and the daemon loop that
// watches the reader and reports claims.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotside-studios/lntag-agent/lnurl"
	"github.com/dotside-studios/lntag-agent/nfc"
)

// Daemon loop defaults.
const (
	DefaultPollTimeout  = 500 * time.Millisecond
	DefaultErrorBackoff = time.Second
)

// Outcome classifies one observed tag presentation.
type Outcome string

const (
	// OutcomeClaimed is a tag carrying a valid claim.
	OutcomeClaimed Outcome = "claimed"

	// OutcomeReadFailed is a tag whose memory could not be read.
	OutcomeReadFailed Outcome = "read_failed"

	// OutcomeNoContent is a readable tag with no claim on it.
	OutcomeNoContent Outcome = "no_content"

	// OutcomeInvalid is a tag whose claim fails validation.
	OutcomeInvalid Outcome = "invalid"
)

// PaymentResult reports one tag presentation that got past the rate
// limiter. LNURL is set for claimed and invalid outcomes; URL,
// Withdraw and Params only for claimed; Err carries the failure detail
// for read_failed and no_content.
type PaymentResult struct {
	Outcome   Outcome
	TagUID    string
	LNURL     string
	URL       string
	Withdraw  bool
	Params    lnurl.Params
	Err       error
	Timestamp time.Time
}

// Claimed reports whether the presentation ended in a successful claim.
func (r PaymentResult) Claimed() bool {
	return r.Outcome == OutcomeClaimed
}

// Stats is a snapshot of the daemon's counters, shaped for the status
// endpoints.
type Stats struct {
	Processed        int     `json:"processed"`
	Claimed          int     `json:"claimed"`
	Skipped          int     `json:"skipped"`
	Failures         int     `json:"failures"`
	TrackedTags      int     `json:"tracked_tags"`
	RateLimitSeconds float64 `json:"rate_limit_seconds"`
}

// ProcessorOptions configures a Processor. Zero fields take the
// package defaults.
type ProcessorOptions struct {
	// PollTimeout bounds the per-iteration wait for a tag. It is the
	// longest cancellation can go unnoticed.
	PollTimeout time.Duration

	// ErrorBackoff is the pause after a recovered iteration panic.
	ErrorBackoff time.Duration

	// Clock supplies time and delays; tests inject a FakeClock.
	Clock nfc.Clock

	// OnResult is called with every emitted result. Rate-limited
	// presentations are skipped silently and never reach it.
	OnResult func(PaymentResult)
}

// Processor runs the payment observation daemon: a strictly sequential
// loop that waits for a tag, reads its claim and reports the outcome.
// The ledger is the only state shared with other goroutines; Stats and
// ResetRateLimits may be called concurrently with Run.
type Processor struct {
	driver *nfc.Driver
	ledger *Ledger
	codec  lnurl.Codec
	clock  nfc.Clock
	log    zerolog.Logger

	pollTimeout  time.Duration
	errorBackoff time.Duration
	onResult     func(PaymentResult)

	mu        sync.Mutex
	processed int
	claimed   int
	skipped   int
	failures  int
}

// NewProcessor wires a daemon over an open tag driver and a ledger
// owned by the caller.
func NewProcessor(driver *nfc.Driver, ledger *Ledger, codec lnurl.Codec, logger zerolog.Logger, opts ProcessorOptions) *Processor {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	clock := opts.Clock
	if clock == nil {
		clock = nfc.NewRealClock()
	}
	return &Processor{
		driver:       driver,
		ledger:       ledger,
		codec:        codec,
		clock:        clock,
		log:          logger.With().Str("component", "processor").Logger(),
		pollTimeout:  opts.PollTimeout,
		errorBackoff: opts.ErrorBackoff,
		onResult:     opts.OnResult,
	}
}

// Run executes the daemon loop until ctx is canceled. Cancellation is
// honored between iterations; a presentation being processed when the
// context ends is finished first. The returned error is ctx.Err().
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info().
		Dur("poll_timeout", p.pollTimeout).
		Dur("rate_limit", p.ledger.Window()).
		Msg("payment daemon started")

	for {
		if err := ctx.Err(); err != nil {
			p.log.Info().Msg("payment daemon stopped")
			return err
		}
		p.iterate(ctx)
	}
}

// iterate runs one loop pass. A panic anywhere inside it is recovered
// and logged, followed by a short backoff, so one bad presentation
// cannot kill the daemon.
func (p *Processor) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("recovered panic in daemon iteration")
			p.clock.Sleep(p.errorBackoff)
		}
	}()

	result, ok := p.processOne(ctx)
	if !ok {
		return
	}

	p.count(result)
	if p.onResult != nil {
		p.emit(result)
	}
}

// processOne waits for a tag and classifies its presentation. The
// second return is false when there is nothing to report: an empty
// field, a canceled wait, or a rate-limited tag.
func (p *Processor) processOne(ctx context.Context) (PaymentResult, bool) {
	id, found, err := p.driver.WaitForTag(ctx, p.pollTimeout)
	if err != nil || !found {
		return PaymentResult{}, false
	}

	now := p.clock.Now()
	if !p.ledger.Allowed(id, now) {
		p.mu.Lock()
		p.skipped++
		p.mu.Unlock()
		p.log.Debug().Str("uid", id.Hex()).Msg("tag rate limited")
		return PaymentResult{}, false
	}

	uid := id.Hex()
	p.log.Info().Str("uid", uid).Msg("processing tag")

	// Failures below report a result but never touch the ledger, so
	// the tag stays eligible for the next iteration.
	raw, err := p.driver.ReadMessage(ctx)
	if err != nil {
		return PaymentResult{Outcome: OutcomeReadFailed, TagUID: uid, Err: err, Timestamp: now}, true
	}

	uri, ok, err := nfc.ExtractURI(raw)
	if err != nil || !ok {
		return PaymentResult{Outcome: OutcomeNoContent, TagUID: uid, Err: err, Timestamp: now}, true
	}

	text := presentURI(p.codec, uri)
	if !p.codec.Validate(text) {
		return PaymentResult{Outcome: OutcomeInvalid, TagUID: uid, LNURL: text, Timestamp: now}, true
	}

	p.ledger.Admit(id, now)
	if swept := p.ledger.Sweep(now); swept > 0 {
		p.log.Debug().Int("swept", swept).Msg("ledger entries expired")
	}

	result := PaymentResult{
		Outcome:   OutcomeClaimed,
		TagUID:    uid,
		LNURL:     text,
		Timestamp: now,
	}
	if params, err := p.codec.Inspect(text); err == nil {
		result.Params = params
		result.URL = params.URL
		result.Withdraw = params.Type == lnurl.TypeWithdraw
	}
	return result, true
}

// count updates the counters and writes the outcome log line.
func (p *Processor) count(result PaymentResult) {
	p.mu.Lock()
	p.processed++
	if result.Claimed() {
		p.claimed++
	} else {
		p.failures++
	}
	p.mu.Unlock()

	if result.Claimed() {
		p.log.Info().Str("uid", result.TagUID).Str("url", result.URL).Msg("payment claimed")
		return
	}
	p.log.Warn().
		Str("uid", result.TagUID).
		Str("outcome", string(result.Outcome)).
		AnErr("error", result.Err).
		Msg("payment failed")
}

// emit hands the result to the callback. A panicking subscriber is
// logged and contained without the iteration backoff.
func (p *Processor) emit(result PaymentResult) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("result callback panicked")
		}
	}()
	p.onResult(result)
}

// Stats returns a snapshot of the daemon's counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Processed:        p.processed,
		Claimed:          p.claimed,
		Skipped:          p.skipped,
		Failures:         p.failures,
		TrackedTags:      p.ledger.Len(),
		RateLimitSeconds: p.ledger.Window().Seconds(),
	}
}

// ResetRateLimits clears the ledger so every tag may be processed
// again immediately.
func (p *Processor) ResetRateLimits() {
	cleared := p.ledger.Reset()
	p.log.Info().Int("cleared", cleared).Msg("rate limits reset")
}
