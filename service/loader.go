package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotside-studios/lntag-agent/lnbits"
	"github.com/dotside-studios/lntag-agent/lnurl"
	"github.com/dotside-studios/lntag-agent/nfc"
)

// Provisioning defaults, applied to zero-valued LoadRequest fields.
const (
	DefaultTagTitle   = "Lightning Gift Card"
	DefaultTagUses    = 1
	DefaultWaitTime   = 1
	DefaultTagTimeout = 10 * time.Second
)

var (
	// ErrNoTagDetected means no tag entered the field before the
	// operation's timeout elapsed.
	ErrNoTagDetected = errors.New("no tag detected within timeout")

	// ErrNoLNURL means the tag was read fine but carries no URI record.
	ErrNoLNURL = errors.New("no lnurl found on tag")

	// ErrWriteFailed means the tag write exhausted its retries. The
	// minted withdraw link is kept so the operator can retry.
	ErrWriteFailed = errors.New("tag write failed")
)

// LinkService is the slice of the LNbits API the tag flows need.
type LinkService interface {
	CreateWithdrawLink(ctx context.Context, req lnbits.CreateLinkRequest) (*lnbits.WithdrawLink, error)
	GetWithdrawLink(ctx context.Context, linkID string) (*lnbits.WithdrawLink, error)
	DeleteWithdrawLink(ctx context.Context, linkID string) error
}

var _ LinkService = (*lnbits.Client)(nil)

// LoadRequest describes one tag provisioning. Zero fields other than
// AmountSats take the package defaults.
type LoadRequest struct {
	AmountSats int64
	Title      string
	Uses       int
	WaitTime   int
	Timeout    time.Duration
}

// LoadResult reports a completed provisioning. Verified is advisory:
// false means the read-back could not confirm the write, not that the
// link is broken.
type LoadResult struct {
	LinkID     string
	LNURL      string
	AmountSats int64
	Uses       int
	Title      string
	TagUID     string
	Verified   bool
}

// ReadResult reports the claim found on a tag. URL, Withdraw and
// Params are only populated when Valid is true.
type ReadResult struct {
	TagUID   string
	LNURL    string
	URL      string
	Valid    bool
	Withdraw bool
	Params   lnurl.Params
}

// ClearResult reports a wiped tag.
type ClearResult struct {
	TagUID string
}

// TagDetails is the full picture of a tag for the info command. A
// failed content read leaves HasMessage false and NDEFError set; the
// hardware identity fields are still returned.
type TagDetails struct {
	TagUID     string
	Info       nfc.Info
	HasMessage bool
	LNURL      string
	Valid      bool
	NDEFError  string
}

// VerifyResult compares the claim stored on a tag against the withdraw
// link it was provisioned from.
type VerifyResult struct {
	LinkID   string
	TagUID   string
	Expected string
	Found    string
	Verified bool
}

// Loader provisions tags with withdraw links and inspects them. It
// drives one reader and one links backend; like the underlying driver
// it is meant for a single caller at a time.
type Loader struct {
	driver *nfc.Driver
	links  LinkService
	codec  lnurl.Codec
	log    zerolog.Logger
}

// NewLoader wires a loader over an open tag driver and links client.
func NewLoader(driver *nfc.Driver, links LinkService, codec lnurl.Codec, logger zerolog.Logger) *Loader {
	return &Loader{
		driver: driver,
		links:  links,
		codec:  codec,
		log:    logger.With().Str("component", "loader").Logger(),
	}
}

// LoadTag mints a single-use withdraw link and writes it to the next
// tag entering the field. Recovery is per step: a mint failure aborts
// with nothing to roll back; once the link exists, a missing tag
// triggers a best-effort compensating delete, while an encode or write
// failure keeps the link so the operator can retry or clean up by
// hand. Verification of the written tag is advisory and never fails a
// completed load.
func (l *Loader) LoadTag(ctx context.Context, req LoadRequest) (LoadResult, error) {
	if req.AmountSats <= 0 {
		return LoadResult{}, fmt.Errorf("amount must be positive, got %d", req.AmountSats)
	}
	if req.Title == "" {
		req.Title = DefaultTagTitle
	}
	if req.Uses <= 0 {
		req.Uses = DefaultTagUses
	}
	if req.WaitTime <= 0 {
		req.WaitTime = DefaultWaitTime
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultTagTimeout
	}

	link, err := l.links.CreateWithdrawLink(ctx, lnbits.CreateLinkRequest{
		Title:           req.Title,
		MinWithdrawable: req.AmountSats,
		MaxWithdrawable: req.AmountSats,
		Uses:            req.Uses,
		WaitTime:        req.WaitTime,
		IsUnique:        true,
	})
	if err != nil {
		return LoadResult{}, fmt.Errorf("mint withdraw link: %w", err)
	}
	if link.LNURL == "" {
		return LoadResult{}, fmt.Errorf("link %s minted without an lnurl", link.ID)
	}

	// Tags carry the decoded claim URL. NFC-aware wallets follow a
	// plain https URI directly, where a bare bech32 blob would need
	// app support.
	claimURL, err := l.codec.Decode(link.LNURL)
	if err != nil {
		l.log.Warn().Str("link_id", link.ID).Msg("minted link is unusable, left for manual cleanup")
		return LoadResult{}, fmt.Errorf("decode minted lnurl for link %s: %w", link.ID, err)
	}
	message, err := nfc.BuildURIMessage(claimURL)
	if err != nil {
		l.log.Warn().Str("link_id", link.ID).Msg("minted link is unusable, left for manual cleanup")
		return LoadResult{}, fmt.Errorf("encode tag message for link %s: %w", link.ID, err)
	}

	l.log.Info().
		Str("link_id", link.ID).
		Int64("amount_sat", req.AmountSats).
		Msg("waiting for tag to load")

	id, found, err := l.driver.WaitForTag(ctx, req.Timeout)
	if err != nil {
		l.deleteLink(ctx, link.ID)
		return LoadResult{}, err
	}
	if !found {
		l.deleteLink(ctx, link.ID)
		return LoadResult{}, ErrNoTagDetected
	}

	if err := l.driver.WriteMessage(ctx, message); err != nil {
		l.log.Warn().Err(err).Str("link_id", link.ID).Str("uid", id.Hex()).
			Msg("tag write failed, link kept for retry")
		return LoadResult{}, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	result := LoadResult{
		LinkID:     link.ID,
		LNURL:      link.LNURL,
		AmountSats: req.AmountSats,
		Uses:       req.Uses,
		Title:      req.Title,
		TagUID:     id.Hex(),
		Verified:   l.verifyWrite(ctx, link.ID, link.LNURL),
	}

	l.log.Info().
		Str("link_id", link.ID).
		Str("uid", result.TagUID).
		Int64("amount_sat", req.AmountSats).
		Bool("verified", result.Verified).
		Msg("tag loaded")
	return result, nil
}

// verifyWrite reads the tag back and checks it carries the claim that
// was just written. Purely advisory: any failure downgrades to a
// warning and a false return.
func (l *Loader) verifyWrite(ctx context.Context, linkID, minted string) bool {
	raw, err := l.driver.ReadMessage(ctx)
	if err != nil {
		l.log.Warn().Err(err).Str("link_id", linkID).Msg("verification read failed")
		return false
	}
	uri, ok, err := nfc.ExtractURI(raw)
	if err != nil || !ok {
		l.log.Warn().AnErr("parse_error", err).Str("link_id", linkID).
			Msg("verification found no claim on tag")
		return false
	}
	if !l.sameClaim(minted, uri) {
		l.log.Warn().Str("link_id", linkID).Str("found", uri).
			Msg("verification mismatch, tag content differs from minted link")
		return false
	}
	return true
}

// ReadTag waits for a tag and reports the claim stored on it. On
// ErrNoLNURL the result still carries the tag UID.
func (l *Loader) ReadTag(ctx context.Context, timeout time.Duration) (ReadResult, error) {
	id, err := l.awaitTag(ctx, timeout)
	if err != nil {
		return ReadResult{}, err
	}

	raw, err := l.driver.ReadMessage(ctx)
	if err != nil {
		return ReadResult{}, fmt.Errorf("read tag %s: %w", id.Hex(), err)
	}
	uri, ok, err := nfc.ExtractURI(raw)
	if err != nil {
		return ReadResult{}, fmt.Errorf("parse tag %s: %w", id.Hex(), err)
	}
	if !ok {
		return ReadResult{TagUID: id.Hex()}, fmt.Errorf("%w (tag %s)", ErrNoLNURL, id.Hex())
	}

	result := ReadResult{
		TagUID: id.Hex(),
		LNURL:  presentURI(l.codec, uri),
	}
	result.Valid = l.codec.Validate(result.LNURL)
	if result.Valid {
		if params, err := l.codec.Inspect(result.LNURL); err == nil {
			result.Params = params
			result.URL = params.URL
			result.Withdraw = params.Type == lnurl.TypeWithdraw
		}
	}

	l.log.Info().
		Str("uid", result.TagUID).
		Bool("valid", result.Valid).
		Msg("tag read")
	return result, nil
}

// ClearTag waits for a tag and resets its content to an empty message.
func (l *Loader) ClearTag(ctx context.Context, timeout time.Duration) (ClearResult, error) {
	id, err := l.awaitTag(ctx, timeout)
	if err != nil {
		return ClearResult{}, err
	}

	if err := l.driver.Clear(ctx); err != nil {
		return ClearResult{}, fmt.Errorf("clear tag %s: %w", id.Hex(), err)
	}

	l.log.Info().Str("uid", id.Hex()).Msg("tag cleared")
	return ClearResult{TagUID: id.Hex()}, nil
}

// TagDetails waits for a tag and reports its hardware identity plus
// whatever claim it carries. Content problems are reported inside the
// result rather than failing it, so a corrupt tag can still be
// inspected.
func (l *Loader) TagDetails(ctx context.Context, timeout time.Duration) (TagDetails, error) {
	id, err := l.awaitTag(ctx, timeout)
	if err != nil {
		return TagDetails{}, err
	}

	details := TagDetails{
		TagUID: id.Hex(),
		Info:   l.driver.TagInfo(),
	}

	raw, err := l.driver.ReadMessage(ctx)
	if err != nil {
		details.NDEFError = err.Error()
		return details, nil
	}
	uri, ok, err := nfc.ExtractURI(raw)
	if err != nil {
		details.NDEFError = err.Error()
		return details, nil
	}
	if ok {
		details.HasMessage = true
		details.LNURL = presentURI(l.codec, uri)
		details.Valid = l.codec.Validate(details.LNURL)
	}
	return details, nil
}

// VerifyTag checks that the tag in the field carries the claim of the
// given withdraw link. A tag with no claim verifies false rather than
// failing, so a wiped tag can be told apart from a reader fault.
func (l *Loader) VerifyTag(ctx context.Context, linkID string, timeout time.Duration) (VerifyResult, error) {
	link, err := l.links.GetWithdrawLink(ctx, linkID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("fetch withdraw link %s: %w", linkID, err)
	}
	if link.LNURL == "" {
		return VerifyResult{}, fmt.Errorf("link %s has no lnurl to verify against", linkID)
	}

	result := VerifyResult{LinkID: linkID, Expected: link.LNURL}

	read, err := l.ReadTag(ctx, timeout)
	if err != nil && !errors.Is(err, ErrNoLNURL) {
		return VerifyResult{}, err
	}
	result.TagUID = read.TagUID
	result.Found = read.LNURL
	result.Verified = read.LNURL != "" && l.sameClaim(link.LNURL, read.LNURL)

	l.log.Info().
		Str("link_id", linkID).
		Str("uid", result.TagUID).
		Bool("verified", result.Verified).
		Msg("tag verified")
	return result, nil
}

// awaitTag blocks until a tag enters the field or timeout elapses.
func (l *Loader) awaitTag(ctx context.Context, timeout time.Duration) (nfc.TagID, error) {
	if timeout <= 0 {
		timeout = DefaultTagTimeout
	}
	id, found, err := l.driver.WaitForTag(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNoTagDetected
	}
	return id, nil
}

// deleteLink is the compensating delete for a minted link that never
// made it onto a tag. Best effort: failures are logged and swallowed,
// and the delete still runs when the surrounding context was already
// canceled.
func (l *Loader) deleteLink(ctx context.Context, linkID string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := l.links.DeleteWithdrawLink(dctx, linkID); err != nil {
		l.log.Warn().Err(err).Str("link_id", linkID).
			Msg("could not delete unused withdraw link")
		return
	}
	l.log.Info().Str("link_id", linkID).Msg("unused withdraw link deleted")
}

// sameClaim compares two claim texts by their decoded URLs,
// case-insensitively. Either side failing to decode is a mismatch.
func (l *Loader) sameClaim(a, b string) bool {
	decodedA, err := l.codec.Decode(a)
	if err != nil {
		return false
	}
	decodedB, err := l.codec.Decode(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(decodedA, decodedB)
}

// presentURI converts a URI read from tag memory into its
// operator-facing form. Tags store decoded claim URLs, so anything
// lnurl-flavored is encoded back for display and claim handling;
// everything else passes through untouched.
func presentURI(codec lnurl.Codec, uri string) string {
	if text, ok := lnurl.ExtractFromURI(uri); ok {
		uri = text
	}
	lower := strings.ToLower(uri)
	if strings.HasPrefix(lower, lnurl.HRP) {
		return uri
	}
	if !strings.Contains(lower, "lnurl") && !strings.Contains(lower, "lightning") {
		return uri
	}
	encoded, err := codec.Encode(uri)
	if err != nil {
		return uri
	}
	return encoded
}
