package nfc

// TLV types used in Type 2 tag memory
const (
	TLVNull        = 0x00 // Null TLV, single padding byte with no length field
	TLVLockCtrl    = 0x01 // Lock Control TLV
	TLVMemCtrl     = 0x02 // Memory Control TLV
	TLVNDEF        = 0x03 // NDEF Message TLV
	TLVProprietary = 0xFD // Proprietary TLV
	TLVTerminator  = 0xFE // Terminator TLV, no length field
)

// TLVFrame wraps payload into an NDEF Message TLV:
// [0x03][len][payload...][0xFE], zero-padded to the 4-byte page boundary.
// Only the single-byte length form is produced, so payloads above 255
// bytes fail with ErrCodePayloadTooLarge.
func TLVFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxTLVPayload {
		return nil, NewPayloadTooLargeError("Frame", len(payload), MaxTLVPayload)
	}

	framed := make([]byte, 0, len(payload)+3+PageSize)
	framed = append(framed, TLVNDEF, byte(len(payload)))
	framed = append(framed, payload...)
	framed = append(framed, TLVTerminator)

	// Pad to page granularity so the result maps directly onto tag pages.
	for len(framed)%PageSize != 0 {
		framed = append(framed, TLVNull)
	}

	return framed, nil
}

// TLVUnframe scans buffer left to right for the first NDEF Message TLV
// and returns its value bytes. Null TLVs are skipped, unknown TLVs are
// skipped by their declared length. Reaching the Terminator TLV or the
// end of the buffer without a container fails with ErrCodeNoContainer.
// A container whose declared length runs past the buffer end fails with
// ErrCodeTruncatedEntry. The returned slice aliases buffer.
func TLVUnframe(buffer []byte) ([]byte, error) {
	offset := 0

	for offset < len(buffer) {
		switch buffer[offset] {
		case TLVNull:
			// No length field, just a padding byte.
			offset++

		case TLVTerminator:
			return nil, NewNoContainerError("Unframe")

		case TLVNDEF:
			if offset+1 >= len(buffer) {
				return nil, NewTruncatedEntryError("Unframe", -1, 0)
			}
			length := int(buffer[offset+1])
			valueStart := offset + 2
			if valueStart+length > len(buffer) {
				return nil, NewTruncatedEntryError("Unframe", length, len(buffer)-valueStart)
			}
			return buffer[valueStart : valueStart+length], nil

		default:
			// Skip unknown TLV by its declared length. If the length
			// byte is missing the scan simply runs off the buffer.
			if offset+1 >= len(buffer) {
				return nil, NewNoContainerError("Unframe")
			}
			offset += 2 + int(buffer[offset+1])
		}
	}

	return nil, NewNoContainerError("Unframe")
}
