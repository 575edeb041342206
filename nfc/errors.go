package nfc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a specific type of tag error for programmatic handling.
type ErrorCode int

// Framing and codec errors (100-199)
const (
	ErrCodePayloadTooLarge ErrorCode = iota + 100
	ErrCodeNoContainer
	ErrCodeTruncatedEntry
	ErrCodeEmptyScheme
	ErrCodeInvalidRecord
)

// Driver and port errors (200-299)
const (
	ErrCodeCapabilityRead ErrorCode = iota + 200
	ErrCodeReadExhausted
	ErrCodeWriteExhausted
	ErrCodePortClosed
)

// TagError provides structured error information for programmatic handling.
type TagError struct {
	Code    ErrorCode
	Op      string // Operation that failed (e.g., "ReadMessage", "Frame")
	TagUID  string // Optional: UID of tag involved
	Message string // Human-readable message
	Cause   error  // Underlying error
}

func (e *TagError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *TagError) Unwrap() error {
	return e.Cause
}

func (e *TagError) Is(target error) bool {
	if t, ok := target.(*TagError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewPayloadTooLargeError creates an error for payloads exceeding a size limit.
func NewPayloadTooLargeError(op string, size, limit int) *TagError {
	return &TagError{
		Code:    ErrCodePayloadTooLarge,
		Op:      op,
		Message: fmt.Sprintf("payload of %d bytes exceeds limit of %d", size, limit),
	}
}

// NewNoContainerError creates an error for buffers without an NDEF container entry.
func NewNoContainerError(op string) *TagError {
	return &TagError{
		Code:    ErrCodeNoContainer,
		Op:      op,
		Message: "no NDEF container entry found",
	}
}

// NewTruncatedEntryError creates an error for entries whose declared length
// runs past the end of the buffer.
func NewTruncatedEntryError(op string, declared, remaining int) *TagError {
	return &TagError{
		Code:    ErrCodeTruncatedEntry,
		Op:      op,
		Message: fmt.Sprintf("entry declares %d bytes but only %d remain", declared, remaining),
	}
}

// NewEmptySchemeError creates an error for URIs without a scheme component.
func NewEmptySchemeError(op, uri string) *TagError {
	return &TagError{
		Code:    ErrCodeEmptyScheme,
		Op:      op,
		Message: fmt.Sprintf("URI %q has no scheme", uri),
	}
}

// NewInvalidRecordError creates an error for malformed NDEF record structures.
func NewInvalidRecordError(op, message string) *TagError {
	return &TagError{
		Code:    ErrCodeInvalidRecord,
		Op:      op,
		Message: message,
	}
}

// NewCapabilityReadError creates an error for unreadable capability containers.
func NewCapabilityReadError(op, tagUID string, cause error) *TagError {
	return &TagError{
		Code:    ErrCodeCapabilityRead,
		Op:      op,
		TagUID:  tagUID,
		Message: "capability container unreadable",
		Cause:   cause,
	}
}

// NewReadExhaustedError creates an error for reads that failed after all retries.
func NewReadExhaustedError(op, tagUID string, attempts int, cause error) *TagError {
	return &TagError{
		Code:    ErrCodeReadExhausted,
		Op:      op,
		TagUID:  tagUID,
		Message: fmt.Sprintf("read failed after %d attempts", attempts),
		Cause:   cause,
	}
}

// NewWriteExhaustedError creates an error for page writes that failed after all retries.
func NewWriteExhaustedError(op, tagUID string, page, attempts int, cause error) *TagError {
	return &TagError{
		Code:    ErrCodeWriteExhausted,
		Op:      op,
		TagUID:  tagUID,
		Message: fmt.Sprintf("write of page %d failed after %d attempts", page, attempts),
		Cause:   cause,
	}
}

// NewPortClosedError creates an error for operations on a closed port.
func NewPortClosedError(op string) *TagError {
	return &TagError{
		Code:    ErrCodePortClosed,
		Op:      op,
		Message: "port is closed",
	}
}

// IsPayloadTooLarge checks if an error indicates a payload over a hard size limit.
func IsPayloadTooLarge(err error) bool {
	return GetErrorCode(err) == ErrCodePayloadTooLarge
}

// IsNoContainer checks if an error indicates a missing NDEF container entry.
func IsNoContainer(err error) bool {
	return GetErrorCode(err) == ErrCodeNoContainer
}

// IsTruncatedEntry checks if an error indicates a truncated TLV entry.
func IsTruncatedEntry(err error) bool {
	return GetErrorCode(err) == ErrCodeTruncatedEntry
}

// IsEmptyScheme checks if an error indicates a URI without a scheme.
func IsEmptyScheme(err error) bool {
	return GetErrorCode(err) == ErrCodeEmptyScheme
}

// IsInvalidRecord checks if an error indicates a malformed NDEF record.
func IsInvalidRecord(err error) bool {
	return GetErrorCode(err) == ErrCodeInvalidRecord
}

// IsCapabilityRead checks if an error indicates an unreadable capability container.
func IsCapabilityRead(err error) bool {
	return GetErrorCode(err) == ErrCodeCapabilityRead
}

// IsReadExhausted checks if an error indicates a read that used up its retries.
func IsReadExhausted(err error) bool {
	return GetErrorCode(err) == ErrCodeReadExhausted
}

// IsWriteExhausted checks if an error indicates a write that used up its retries.
func IsWriteExhausted(err error) bool {
	return GetErrorCode(err) == ErrCodeWriteExhausted
}

// GetErrorCode extracts the ErrorCode from an error if it's a TagError.
// Returns 0 if the error is not a TagError.
func GetErrorCode(err error) ErrorCode {
	var tagErr *TagError
	if errors.As(err, &tagErr) {
		return tagErr.Code
	}
	return 0
}

// WrapError wraps an existing error with tag operation context.
func WrapError(code ErrorCode, op, message string, cause error) *TagError {
	return &TagError{
		Code:    code,
		Op:      op,
		Message: message,
		Cause:   cause,
	}
}
