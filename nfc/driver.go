package nfc

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Driver option defaults, matching the timings the reader hardware
// tolerates well.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultRetryDelay   = 500 * time.Millisecond
	DefaultReadRetries  = 3
	DefaultWriteRetries = 3
)

// Options configures a Driver. Zero fields take the package defaults.
type Options struct {
	// PollInterval is the pause between detection passes in WaitForTag.
	PollInterval time.Duration

	// RetryDelay is the pause between retry attempts.
	RetryDelay time.Duration

	// ReadRetries bounds whole-message read attempts.
	ReadRetries int

	// WriteRetries bounds attempts per page write.
	WriteRetries int

	// MaxPage is the exclusive upper bound on addressed pages.
	MaxPage int

	// Clock supplies time and delays. Tests inject a FakeClock so
	// retry backoffs and poll intervals run without real waiting.
	Clock Clock
}

// Info describes a tag as reported by its capability container.
// A zero Info with Family "unknown" means the container was unreadable.
type Info struct {
	NDEFCapable   bool
	Version       string
	CapacityBytes int
	Family        string
}

// Driver performs whole-message reads and writes against a MemoryPort.
// It owns the retry and capacity discipline; framing is the codec's job.
// A Driver is not safe for concurrent use, matching the single-owner
// rule for the underlying port.
type Driver struct {
	port  MemoryPort
	clock Clock
	log   zerolog.Logger
	opts  Options
}

// NewDriver wraps port with retry and polling behavior per opts.
func NewDriver(port MemoryPort, logger zerolog.Logger, opts Options) *Driver {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.ReadRetries <= 0 {
		opts.ReadRetries = DefaultReadRetries
	}
	if opts.WriteRetries <= 0 {
		opts.WriteRetries = DefaultWriteRetries
	}
	if opts.MaxPage <= FirstDataPage {
		opts.MaxPage = DefaultMaxPage
	}
	clock := opts.Clock
	if clock == nil {
		clock = NewRealClock()
	}
	return &Driver{
		port:  port,
		clock: clock,
		log:   logger.With().Str("component", "driver").Logger(),
		opts:  opts,
	}
}

// WaitForTag polls until a tag enters the field or timeout elapses.
// Elapsing returns (nil, false, nil): no tag is not an error. Poll
// failures are logged and treated as an empty field, so a flaky bus
// cannot abort the wait. Cancellation is honored between polls.
func (d *Driver) WaitForTag(ctx context.Context, timeout time.Duration) (TagID, bool, error) {
	deadline := d.clock.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		id, present, err := d.port.Poll()
		if err != nil {
			d.log.Debug().Err(err).Msg("poll failed")
		} else if present {
			d.log.Debug().Str("uid", id.Hex()).Msg("tag detected")
			return id, true, nil
		}

		if !d.clock.Now().Before(deadline) {
			return nil, false, nil
		}
		d.clock.Sleep(d.opts.PollInterval)
	}
}

// ReadMessage reads the capability container and then user pages
// sequentially from the first data page, stopping at the page carrying
// the terminator byte or at the page bound. The whole read is retried
// up to ReadRetries times with RetryDelay between attempts. An
// unreadable capability container surfaces as ErrCodeCapabilityRead,
// anything else exhausting its retries as ErrCodeReadExhausted.
func (d *Driver) ReadMessage(ctx context.Context) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= d.opts.ReadRetries; attempt++ {
		if attempt > 1 {
			d.clock.Sleep(d.opts.RetryDelay)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		buffer, err := d.readOnce()
		if err == nil {
			d.log.Debug().Int("bytes", len(buffer)).Int("attempt", attempt).Msg("message read")
			return buffer, nil
		}
		lastErr = err
		d.log.Warn().Err(err).Int("attempt", attempt).Int("max", d.opts.ReadRetries).Msg("read attempt failed")
	}

	if IsCapabilityRead(lastErr) {
		return nil, lastErr
	}
	return nil, NewReadExhaustedError("ReadMessage", "", d.opts.ReadRetries, lastErr)
}

func (d *Driver) readOnce() ([]byte, error) {
	if _, err := d.port.ReadPage(CapabilityPage); err != nil {
		return nil, NewCapabilityReadError("ReadMessage", "", err)
	}

	buffer := make([]byte, 0, (d.opts.MaxPage-FirstDataPage)*PageSize)
	for page := FirstDataPage; page < d.opts.MaxPage; page++ {
		data, err := d.port.ReadPage(page)
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w", page, err)
		}
		buffer = append(buffer, data[:]...)
		if bytes.IndexByte(data[:], TLVTerminator) >= 0 {
			break
		}
	}
	return buffer, nil
}

// WriteMessage writes an already TLV-framed message page-by-page from
// the first data page, zero-padding the final partial page. A message
// over the tag's writable capacity fails fast with
// ErrCodePayloadTooLarge; retrying cannot change that outcome. Each
// page write is retried independently up to WriteRetries times before
// the whole operation fails with ErrCodeWriteExhausted. No rollback is
// attempted: a failed write may leave the tag inconsistent, which
// callers detect by reading back.
func (d *Driver) WriteMessage(ctx context.Context, framed []byte) error {
	capacity := d.writableCapacity()
	if len(framed) > capacity {
		return NewPayloadTooLargeError("WriteMessage", len(framed), capacity)
	}

	page := FirstDataPage
	for i := 0; i < len(framed); i += PageSize {
		var data [PageSize]byte
		copy(data[:], framed[i:])
		if err := d.writePage(ctx, "WriteMessage", page, data); err != nil {
			return err
		}
		page++
	}

	d.log.Debug().Int("bytes", len(framed)).Int("pages", page-FirstDataPage).Msg("message written")
	return nil
}

// Clear writes a minimal empty TLV to the first data page only. This
// is cheaper than a full erase: a compliant reader sees an empty tag,
// while the remaining pages keep their old bytes.
func (d *Driver) Clear(ctx context.Context) error {
	empty := [PageSize]byte{TLVNDEF, 0x00, TLVTerminator, 0x00}
	if err := d.writePage(ctx, "Clear", FirstDataPage, empty); err != nil {
		return err
	}
	d.log.Debug().Msg("tag cleared")
	return nil
}

// TagInfo reads the capability container and reports what it declares.
// Best-effort: an unreadable container degrades to Family "unknown"
// with zero capacity, it never fails the caller.
func (d *Driver) TagInfo() Info {
	cc, err := d.port.ReadPage(CapabilityPage)
	if err != nil {
		d.log.Debug().Err(err).Msg("capability container unreadable")
		return Info{Family: FamilyUnknown}
	}

	return Info{
		NDEFCapable:   cc[0] == CapabilityMagic,
		Version:       fmt.Sprintf("%d.%d", cc[1], cc[2]),
		CapacityBytes: int(cc[2]) * 8,
		Family:        familyForSize(cc[2]),
	}
}

// writePage writes one page with bounded retries.
func (d *Driver) writePage(ctx context.Context, op string, page int, data [PageSize]byte) error {
	var lastErr error

	for attempt := 1; attempt <= d.opts.WriteRetries; attempt++ {
		if attempt > 1 {
			d.clock.Sleep(d.opts.RetryDelay)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := d.port.WritePage(page, data); err != nil {
			lastErr = err
			d.log.Warn().Err(err).Int("page", page).Int("attempt", attempt).Msg("page write failed")
			continue
		}
		return nil
	}

	return NewWriteExhaustedError(op, "", page, d.opts.WriteRetries, lastErr)
}

// writableCapacity derives the tag's usable byte count from the
// capability container, bounded by the driver's page limit. An
// unreadable container falls back to the page limit alone.
func (d *Driver) writableCapacity() int {
	bound := (d.opts.MaxPage - FirstDataPage) * PageSize

	cc, err := d.port.ReadPage(CapabilityPage)
	if err != nil {
		return bound
	}
	declared := int(cc[2]) * 8
	if declared > 0 && declared < bound {
		return declared
	}
	return bound
}

func familyForSize(size byte) string {
	switch size {
	case 0x06:
		return FamilyUltralight
	case 0x12:
		return FamilyNtag213
	case 0x3E:
		return FamilyNtag215
	case 0x6D:
		return FamilyNtag216
	default:
		return FamilyUnknown
	}
}
