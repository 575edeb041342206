package nfc

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ebfe/scard"
	"github.com/rs/zerolog"
)

// PCSCPort is a MemoryPort backed by a PC/SC smart card reader via
// ebfe/scard. It connects lazily: Poll establishes the card connection
// when a tag arrives and drops it when the tag leaves the field.
type PCSCPort struct {
	ctx        *scard.Context
	card       *scard.Card
	readerName string
	uid        TagID
	log        zerolog.Logger
	mu         sync.Mutex

	// directMode is set when the reader rejects READ BINARY
	// pseudo-APDUs, so native Type 2 commands must be wrapped in
	// direct transmit frames instead.
	directMode bool

	closed bool
}

var _ MemoryPort = (*PCSCPort)(nil)

// NewPCSCPort opens the named PC/SC reader. With an empty name the
// first contactless reader found is used.
func NewPCSCPort(readerName string, logger zerolog.Logger) (*PCSCPort, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish PC/SC context: %w", err)
	}

	if readerName == "" {
		readers, err := ctx.ListReaders()
		if err != nil {
			ctx.Release()
			return nil, fmt.Errorf("list PC/SC readers: %w", err)
		}
		readers = filterContactlessReaders(readers)
		if len(readers) == 0 {
			ctx.Release()
			return nil, errors.New("no contactless PC/SC readers found")
		}
		readerName = readers[0]
	}

	p := &PCSCPort{
		ctx:        ctx,
		readerName: readerName,
		log:        logger.With().Str("component", "pcsc").Logger(),
	}
	p.log.Debug().Str("reader", readerName).Msg("PC/SC port open")
	return p, nil
}

// Reader returns the name of the PC/SC reader this port drives.
func (p *PCSCPort) Reader() string {
	return p.readerName
}

// Poll reports whether a tag is currently in the reader field. The
// first sighting connects to the card and captures its UID; on later
// polls the UID command doubles as a liveness probe.
func (p *PCSCPort) Poll() (TagID, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, NewPortClosedError("Poll")
	}

	if p.card == nil {
		return p.connectLocked()
	}

	uid, err := p.transmitUID()
	if err != nil {
		p.dropCardLocked()
		if isCardRemovedPCSCError(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	p.uid = uid
	return uid, true, nil
}

// connectLocked checks reader state and, if a card is present,
// connects to it and reads its UID. Caller must hold p.mu.
func (p *PCSCPort) connectLocked() (TagID, bool, error) {
	present, err := p.cardPresent()
	if err != nil {
		return nil, false, err
	}
	if !present {
		return nil, false, nil
	}

	card, err := p.ctx.Connect(p.readerName, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		// The tag can leave between the status check and the
		// connect. Treat no-card errors as absence.
		errLower := strings.ToLower(err.Error())
		if strings.Contains(errLower, "no card") ||
			strings.Contains(errLower, "no smart card") ||
			strings.Contains(errLower, "card is not present") ||
			strings.Contains(errLower, "card not present") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("connect to reader %s: %w", p.readerName, err)
	}

	// The scard library panics on transmit with an unexpected
	// protocol, so refuse the card up front.
	proto := card.ActiveProtocol()
	if proto != scard.ProtocolT0 && proto != scard.ProtocolT1 {
		card.Disconnect(scard.LeaveCard)
		return nil, false, fmt.Errorf("unsupported card protocol %d", proto)
	}

	p.card = card
	p.directMode = false

	uid, err := p.transmitUID()
	if err != nil {
		p.dropCardLocked()
		return nil, false, fmt.Errorf("read tag UID: %w", err)
	}
	p.uid = uid
	p.log.Debug().Str("uid", uid.Hex()).Msg("tag connected")
	return uid, true, nil
}

// cardPresent checks the reader state without blocking. A zero
// timeout makes GetStatusChange report the current state immediately;
// the resulting timeout error is expected and not a failure.
func (p *PCSCPort) cardPresent() (bool, error) {
	readerStates := []scard.ReaderState{
		{Reader: p.readerName, CurrentState: scard.StateUnaware},
	}
	if err := p.ctx.GetStatusChange(readerStates, 0); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "timeout") {
			return false, fmt.Errorf("reader status: %w", err)
		}
	}
	return readerStates[0].EventState&scard.StatePresent != 0, nil
}

// ReadPage reads one 4-byte page through the reader. Standard READ
// BINARY pseudo-APDUs are tried first; readers that reject them get
// the native READ wrapped in a direct transmit frame.
func (p *PCSCPort) ReadPage(page int) ([PageSize]byte, error) {
	var out [PageSize]byte

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return out, NewPortClosedError("ReadPage")
	}
	if p.card == nil {
		return out, errors.New("no tag connected")
	}

	if !p.directMode {
		data, err := p.transmit(ReadBinaryAPDU(byte(page), PageSize))
		if err == nil {
			if len(data) < PageSize {
				return out, fmt.Errorf("short read of page %d: %d bytes", page, len(data))
			}
			copy(out[:], data[:PageSize])
			return out, nil
		}
		if isCardRemovedPCSCError(err) {
			p.dropCardLocked()
			return out, err
		}
		p.directMode = true
		p.log.Debug().Err(err).Msg("READ BINARY rejected, switching to direct transmit")
	}

	data, err := p.transmit(UltralightReadAPDU(byte(page)))
	if err != nil {
		if isCardRemovedPCSCError(err) {
			p.dropCardLocked()
		}
		return out, err
	}
	if len(data) < PageSize {
		return out, fmt.Errorf("short read of page %d: %d bytes", page, len(data))
	}
	copy(out[:], data[:PageSize])
	return out, nil
}

// WritePage writes one 4-byte page through the reader.
func (p *PCSCPort) WritePage(page int, data [PageSize]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return NewPortClosedError("WritePage")
	}
	if p.card == nil {
		return errors.New("no tag connected")
	}

	if !p.directMode {
		_, err := p.transmit(UpdateBinaryAPDU(byte(page), data[:]))
		if err == nil {
			return nil
		}
		if isCardRemovedPCSCError(err) {
			p.dropCardLocked()
			return err
		}
		p.directMode = true
		p.log.Debug().Err(err).Msg("UPDATE BINARY rejected, switching to direct transmit")
	}

	_, err := p.transmit(UltralightWriteAPDU(byte(page), data[:]))
	if err != nil {
		if isCardRemovedPCSCError(err) {
			p.dropCardLocked()
		}
		return err
	}
	return nil
}

// Close disconnects any connected card and releases the PC/SC context.
func (p *PCSCPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	p.dropCardLocked()
	if p.ctx != nil {
		err := p.ctx.Release()
		p.ctx = nil
		return err
	}
	return nil
}

// transmit sends an APDU and returns the response data. Transmit
// failures and non-success status words both come back as errors.
func (p *PCSCPort) transmit(cmd []byte) ([]byte, error) {
	resp, err := p.card.Transmit(cmd)
	if err != nil {
		return nil, err
	}
	parsed, err := ParseAPDUResponse(resp)
	if err != nil {
		return nil, err
	}
	if !parsed.IsSuccess() {
		return nil, parsed.Error()
	}
	return parsed.Data, nil
}

// transmitUID fetches the card UID with the GET UID pseudo-APDU.
func (p *PCSCPort) transmitUID() (TagID, error) {
	data, err := p.transmit(GetUIDAPDU())
	if err != nil {
		return nil, err
	}
	uid := make(TagID, len(data))
	copy(uid, data)
	return uid, nil
}

// dropCardLocked disconnects the current card, leaving the port ready
// to pick up the next tag. Caller must hold p.mu.
func (p *PCSCPort) dropCardLocked() {
	if p.card != nil {
		p.card.Disconnect(scard.LeaveCard)
		p.card = nil
	}
	p.uid = nil
}

// isCardRemovedPCSCError reports whether a PC/SC error means the tag
// left the field. Typed errors are checked first, with string matching
// as a fallback for platform-specific message variants.
func isCardRemovedPCSCError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, scard.ErrRemovedCard) ||
		errors.Is(err, scard.ErrResetCard) ||
		errors.Is(err, scard.ErrNoSmartcard) ||
		errors.Is(err, scard.ErrUnpoweredCard) {
		return true
	}
	errLower := strings.ToLower(err.Error())
	for _, s := range []string{
		"removed", "reset", "unpowered", "transaction",
		"comm", "no smart card", "not transacted",
	} {
		if strings.Contains(errLower, s) {
			return true
		}
	}
	return false
}

var contactlessReaderPatterns = []string{
	"ACR", "ACS", "NFC", "PICC", "CONTACTLESS",
	"SCL", "HID", "IDENTIV", "CCID", "DUAL",
}

// readerContainsPattern checks a reader name against common NFC
// reader identifiers.
func readerContainsPattern(name string) bool {
	upper := strings.ToUpper(name)
	for _, p := range contactlessReaderPatterns {
		if strings.Contains(upper, p) {
			return true
		}
	}
	return false
}

// filterContactlessReaders narrows a reader list to likely contactless
// readers, skipping SAM slots. If nothing matches the known patterns
// the unfiltered list is returned so unusual readers still work.
func filterContactlessReaders(readers []string) []string {
	var candidates, matched []string
	for _, r := range readers {
		if strings.Contains(strings.ToUpper(r), "SAM") {
			continue
		}
		candidates = append(candidates, r)
		if readerContainsPattern(r) {
			matched = append(matched, r)
		}
	}
	if len(matched) > 0 {
		return matched
	}
	return candidates
}

// ListPCSCReaders enumerates contactless PC/SC readers.
func ListPCSCReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish PC/SC context: %w", err)
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("list PC/SC readers: %w", err)
	}
	return filterContactlessReaders(readers), nil
}
