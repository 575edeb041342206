package nfc

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// NDEF record header flags and the well-known TNF value
const (
	ndefFlagMB  = 0x80 // Message Begin
	ndefFlagME  = 0x40 // Message End
	ndefFlagCF  = 0x20 // Chunk Flag
	ndefFlagSR  = 0x10 // Short Record
	ndefFlagIL  = 0x08 // ID Length present
	ndefTNFMask = 0x07

	tnfWellKnown = 0x01
)

// Record is a single NDEF record decoded from tag memory.
type Record struct {
	TNF     byte   // Type Name Format (0x00-0x07)
	Type    []byte // Record type (e.g., "U" for URI)
	ID      []byte // Optional record ID
	Payload []byte // Record payload data
}

// IsURI returns true if this is a well-known URI Record.
func (r *Record) IsURI() bool {
	return r.TNF == tnfWellKnown && len(r.Type) == 1 && r.Type[0] == 'U'
}

// URI extracts the URI from a URI Record.
// Returns (uri, true) if this is a URI record, or ("", false) otherwise.
func (r *Record) URI() (string, bool) {
	if !r.IsURI() {
		return "", false
	}
	uri, err := parseURIRecordPayload(r.Payload)
	if err != nil {
		return "", false
	}
	return uri, true
}

// BuildURIMessage encodes uri as a single-record NDEF message and wraps
// it in an NDEF Message TLV ready to be written to tag memory. The URI
// is stored with identifier code 0x00 (no abbreviation) followed by its
// raw UTF-8 bytes. Fails with ErrCodeEmptyScheme if uri has no scheme
// component and ErrCodePayloadTooLarge if the framed message cannot fit
// a single-byte TLV length.
func BuildURIMessage(uri string) ([]byte, error) {
	if !hasURIScheme(uri) {
		return nil, NewEmptySchemeError("BuildURIMessage", uri)
	}

	payload := makeURIRecordPayload(uri)
	if len(payload) > 0xFF {
		return nil, NewPayloadTooLargeError("BuildURIMessage", len(payload), 0xFF)
	}

	// Single short record carrying the whole message: MB, ME and SR set.
	record := make([]byte, 0, 4+len(payload))
	record = append(record, ndefFlagMB|ndefFlagME|ndefFlagSR|tnfWellKnown)
	record = append(record, 1)                  // type length
	record = append(record, byte(len(payload))) // payload length
	record = append(record, 'U')
	record = append(record, payload...)

	return TLVFrame(record)
}

// ParseMessage unwraps the NDEF Message TLV in buffer and decodes the
// records inside it. A present but empty container yields zero records.
func ParseMessage(buffer []byte) ([]Record, error) {
	message, err := TLVUnframe(buffer)
	if err != nil {
		return nil, err
	}
	return parseRecords(message)
}

// ExtractURI returns the URI carried by the first URI record in buffer.
// A buffer without an NDEF container, with an empty container, or whose
// records include no URI record yields ("", false, nil): a freshly
// formatted or cleared tag legitimately carries no URI, so absence is
// not an error. Malformed TLV or record structure is.
func ExtractURI(buffer []byte) (string, bool, error) {
	records, err := ParseMessage(buffer)
	if err != nil {
		if IsNoContainer(err) {
			return "", false, nil
		}
		return "", false, err
	}

	for i := range records {
		if uri, ok := records[i].URI(); ok {
			return uri, true, nil
		}
	}
	return "", false, nil
}

// parseRecords decodes raw NDEF message bytes into records, stopping at
// the record with the Message End flag set.
func parseRecords(message []byte) ([]Record, error) {
	var records []Record
	offset := 0

	for offset < len(message) {
		header := message[offset]
		me := header&ndefFlagME != 0
		sr := header&ndefFlagSR != 0
		il := header&ndefFlagIL != 0
		tnf := header & ndefTNFMask

		pos := offset + 1

		if pos+1 > len(message) {
			return nil, NewInvalidRecordError("ParseMessage", fmt.Sprintf("truncated type length at offset %d", pos))
		}
		typeLength := int(message[pos])
		pos++

		var payloadLength int
		if sr {
			if pos+1 > len(message) {
				return nil, NewInvalidRecordError("ParseMessage", fmt.Sprintf("truncated payload length at offset %d", pos))
			}
			payloadLength = int(message[pos])
			pos++
		} else {
			if pos+4 > len(message) {
				return nil, NewInvalidRecordError("ParseMessage", fmt.Sprintf("truncated payload length at offset %d", pos))
			}
			payloadLength = int(binary.BigEndian.Uint32(message[pos : pos+4]))
			pos += 4
		}

		var idLength int
		if il {
			if pos+1 > len(message) {
				return nil, NewInvalidRecordError("ParseMessage", fmt.Sprintf("truncated ID length at offset %d", pos))
			}
			idLength = int(message[pos])
			pos++
		}

		if pos+typeLength > len(message) {
			return nil, NewInvalidRecordError("ParseMessage", fmt.Sprintf("truncated type field at offset %d", pos))
		}
		recordType := make([]byte, typeLength)
		copy(recordType, message[pos:pos+typeLength])
		pos += typeLength

		var recordID []byte
		if idLength > 0 {
			if pos+idLength > len(message) {
				return nil, NewInvalidRecordError("ParseMessage", fmt.Sprintf("truncated ID field at offset %d", pos))
			}
			recordID = make([]byte, idLength)
			copy(recordID, message[pos:pos+idLength])
			pos += idLength
		}

		if pos+payloadLength > len(message) {
			return nil, NewInvalidRecordError("ParseMessage", fmt.Sprintf("truncated payload at offset %d", pos))
		}
		recordPayload := make([]byte, payloadLength)
		copy(recordPayload, message[pos:pos+payloadLength])
		pos += payloadLength

		records = append(records, Record{
			TNF:     tnf,
			Type:    recordType,
			ID:      recordID,
			Payload: recordPayload,
		})

		offset = pos
		if me {
			break
		}
	}

	return records, nil
}

// makeURIRecordPayload creates the payload for an NDEF URI record:
// identifier code 0x00 (no prefix abbreviation) plus the literal URI.
func makeURIRecordPayload(uri string) []byte {
	payload := make([]byte, 1+len(uri))
	payload[0] = 0x00
	copy(payload[1:], uri)
	return payload
}

// parseURIRecordPayload extracts the URI from an NDEF URI record payload,
// expanding the common prefix abbreviations.
func parseURIRecordPayload(payload []byte) (string, error) {
	if len(payload) < 1 {
		return "", NewInvalidRecordError("ParseMessage", "URI record payload too short")
	}

	var prefix string
	switch payload[0] {
	case 0x00:
		prefix = ""
	case 0x01:
		prefix = "http://www."
	case 0x02:
		prefix = "https://www."
	case 0x03:
		prefix = "http://"
	case 0x04:
		prefix = "https://"
	default:
		prefix = ""
	}

	return prefix + string(payload[1:]), nil
}

// hasURIScheme reports whether uri starts with a scheme component per
// RFC 3986: a letter followed by letters, digits, '+', '-' or '.' up to
// the first ':'.
func hasURIScheme(uri string) bool {
	colon := strings.IndexByte(uri, ':')
	if colon < 1 {
		return false
	}
	for i := 0; i < colon; i++ {
		c := uri[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}
