package nfc

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"
)

// Type 2 tag memory layout constants
const (
	// PageSize is the number of bytes in one tag memory page.
	PageSize = 4

	// CapabilityPage holds the capability container describing the tag.
	CapabilityPage = 3

	// FirstDataPage is the first page of user memory. Pages below it
	// hold the UID, lock bytes and the capability container.
	FirstDataPage = 4

	// DefaultMaxPage is the exclusive upper bound on addressed pages,
	// sized for the largest family member we target.
	DefaultMaxPage = 135

	// MaxTLVPayload is the largest payload a single-byte-length NDEF
	// Message TLV can carry.
	MaxTLVPayload = 255

	// CapabilityMagic is the NDEF magic number in capability byte 0.
	CapabilityMagic = 0xE1
)

// Tag family names as reported by TagInfo.
const (
	FamilyNtag213    = "NTAG213"
	FamilyNtag215    = "NTAG215"
	FamilyNtag216    = "NTAG216"
	FamilyUltralight = "MIFARE Ultralight"
	FamilyUnknown    = "unknown"
)

// TagID is a tag's unique identifier as read from the transceiver,
// typically 4 to 10 bytes. IDs are compared by exact byte equality and
// keyed in the processing ledger by their lowercase hex form.
type TagID []byte

// Hex returns the canonical lowercase hex form of the identifier.
func (id TagID) Hex() string {
	return hex.EncodeToString(id)
}

// Equal reports whether two identifiers are byte-identical.
func (id TagID) Equal(other TagID) bool {
	return bytes.Equal(id, other)
}

func (id TagID) String() string {
	return id.Hex()
}

// MemoryPort is the page-addressable contract the driver operates on.
// One implementation wraps a libnfc transceiver, another a PC/SC smart
// card reader. The port is not safe for concurrent use; the driver and
// daemon loop serialize all access to a single port instance.
type MemoryPort interface {
	// Poll performs one detection pass and reports the identifier of a
	// tag currently in the field. The second return is false when no
	// tag is present, which is not an error.
	Poll() (TagID, bool, error)

	// ReadPage returns the 4 bytes stored at the given page index.
	ReadPage(page int) ([PageSize]byte, error)

	// WritePage stores 4 bytes at the given page index.
	WritePage(page int, data [PageSize]byte) error

	// Close releases the underlying device.
	Close() error
}

// Supported port backends.
const (
	BackendPCSC   = "pcsc"
	BackendLibNFC = "libnfc"
	BackendMock   = "mock"
)

// OpenPort opens a MemoryPort for the named backend. The device string
// selects a specific reader; empty means the first one found. The mock
// backend simulates an empty tag resting on the reader, for trying the
// agent without hardware.
func OpenPort(backend, device string, logger zerolog.Logger) (MemoryPort, error) {
	switch backend {
	case "", BackendPCSC:
		return NewPCSCPort(device, logger)
	case BackendLibNFC:
		return NewLibNFCPort(device, logger)
	case BackendMock:
		logger.Warn().Msg("using mock NFC port, no hardware will be touched")
		return NewMockPort(), nil
	default:
		return nil, fmt.Errorf("unknown NFC backend %q", backend)
	}
}
