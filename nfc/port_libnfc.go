package nfc

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/clausecker/freefare"
	"github.com/clausecker/nfc/v2"
	"github.com/rs/zerolog"
)

const deviceEnumRetries = 3

// LibNFCPort is a MemoryPort backed by libnfc and freefare. NTAG21x
// tags are detected by freefare as Ultralight tags, so a single type
// switch covers the whole NTAG/Ultralight family.
type LibNFCPort struct {
	device nfc.Device
	tag    freefare.UltralightTag
	hasTag bool
	uid    TagID
	log    zerolog.Logger
	mu     sync.Mutex
	closed bool
}

var _ MemoryPort = (*LibNFCPort)(nil)

// NewLibNFCPort opens a libnfc device. An empty connection string lets
// libnfc pick the first available device.
func NewLibNFCPort(connString string, logger zerolog.Logger) (*LibNFCPort, error) {
	dev, err := nfc.Open(connString)
	if err != nil {
		return nil, fmt.Errorf("open NFC device %q: %w", connString, err)
	}
	if err := dev.InitiatorInit(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("initiator init: %w", err)
	}

	p := &LibNFCPort{
		device: dev,
		log:    logger.With().Str("component", "libnfc").Logger(),
	}
	p.log.Debug().Str("device", dev.String()).Msg("libnfc port open")
	return p, nil
}

// Poll enumerates tags in the field and latches onto the first
// Ultralight-family tag it finds.
func (p *LibNFCPort) Poll() (TagID, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, NewPortClosedError("Poll")
	}

	ffTags, err := freefare.GetTags(p.device)
	if err != nil {
		p.hasTag = false
		p.uid = nil
		return nil, false, fmt.Errorf("enumerate tags: %w", err)
	}

	for _, ffTag := range ffTags {
		ul, ok := ffTag.(freefare.UltralightTag)
		if !ok {
			continue
		}
		uid, err := hex.DecodeString(ul.UID())
		if err != nil {
			return nil, false, fmt.Errorf("decode tag UID %q: %w", ul.UID(), err)
		}
		p.tag = ul
		p.hasTag = true
		p.uid = TagID(uid)
		return p.uid, true, nil
	}

	p.hasTag = false
	p.uid = nil
	return nil, false, nil
}

// ReadPage reads one 4-byte page. Each call brackets the transfer in
// its own Connect/Disconnect pair so a half-finished operation never
// wedges the tag for the next one.
func (p *LibNFCPort) ReadPage(page int) ([PageSize]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return [PageSize]byte{}, NewPortClosedError("ReadPage")
	}
	if !p.hasTag {
		return [PageSize]byte{}, fmt.Errorf("no tag in field")
	}

	if err := p.tag.Connect(); err != nil {
		return [PageSize]byte{}, fmt.Errorf("connect tag: %w", err)
	}
	defer p.tag.Disconnect()

	data, err := p.tag.ReadPage(byte(page))
	if err != nil {
		return [PageSize]byte{}, fmt.Errorf("read page %d: %w", page, err)
	}
	return data, nil
}

// WritePage writes one 4-byte page.
func (p *LibNFCPort) WritePage(page int, data [PageSize]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return NewPortClosedError("WritePage")
	}
	if !p.hasTag {
		return fmt.Errorf("no tag in field")
	}

	if err := p.tag.Connect(); err != nil {
		return fmt.Errorf("connect tag: %w", err)
	}
	defer p.tag.Disconnect()

	if err := p.tag.WritePage(byte(page), data); err != nil {
		return fmt.Errorf("write page %d: %w", page, err)
	}
	return nil
}

// Close releases the libnfc device.
func (p *LibNFCPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.hasTag = false
	return p.device.Close()
}

// ListLibNFCDevices enumerates libnfc devices. Enumeration right after
// a device reset is flaky, so a few retries are allowed.
func ListLibNFCDevices() ([]string, error) {
	var devices []string
	var err error
	for i := 0; i < deviceEnumRetries; i++ {
		devices, err = nfc.ListDevices()
		if err == nil {
			return devices, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("list NFC devices after %d retries: %w", deviceEnumRetries, err)
}
