package nfc

import (
	"fmt"
	"sync"
)

// MockPort is a test implementation of MemoryPort that simulates a tag
// resting on a reader without physical hardware.
//
// Example:
//
//	port := NewMockPort()
//	port.Present = true
//	port.LoadBytes(FirstDataPage, framedMessage)
type MockPort struct {
	// ID is the identifier reported by Poll when a tag is present.
	ID TagID

	// Present controls whether Poll reports a tag in the field.
	Present bool

	// Pages holds the simulated tag memory, keyed by page index.
	Pages map[int][PageSize]byte

	// PollFunc allows custom poll behavior for testing.
	// If nil, Poll returns (ID, Present) or PollError.
	PollFunc func() (TagID, bool, error)

	// PollError, if set, will be returned by Poll().
	PollError error

	// ReadPageFunc allows custom read behavior for testing.
	ReadPageFunc func(page int) ([PageSize]byte, error)

	// WritePageFunc allows custom write behavior for testing.
	WritePageFunc func(page int, data [PageSize]byte) error

	// ReadFailures makes the next N ReadPage calls fail transiently.
	ReadFailures int

	// WriteFailures makes the next N WritePage calls fail transiently.
	WriteFailures int

	// ReadError, if set, will be returned by every ReadPage call.
	ReadError error

	// WriteError, if set, will be returned by every WritePage call.
	WriteError error

	// CloseError, if set, will be returned by Close().
	CloseError error

	// Closed tracks whether the port has been closed.
	Closed bool

	// CallLog tracks all method calls for verification in tests.
	CallLog []string

	mu sync.Mutex
}

// NewMockPort creates a MockPort holding an empty NTAG215-shaped tag:
// a valid capability container on page 3 and zeroed user memory.
func NewMockPort() *MockPort {
	return &MockPort{
		ID:      TagID{0x04, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6},
		Present: true,
		Pages: map[int][PageSize]byte{
			CapabilityPage: {CapabilityMagic, 0x10, 0x3E, 0x00},
		},
		CallLog: make([]string, 0),
	}
}

// Poll simulates one detection pass.
func (m *MockPort) Poll() (TagID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "Poll")

	if m.Closed {
		return nil, false, NewPortClosedError("Poll")
	}
	if m.PollFunc != nil {
		return m.PollFunc()
	}
	if m.PollError != nil {
		return nil, false, m.PollError
	}
	if !m.Present {
		return nil, false, nil
	}
	return m.ID, true, nil
}

// ReadPage simulates reading 4 bytes of tag memory.
func (m *MockPort) ReadPage(page int) ([PageSize]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, fmt.Sprintf("ReadPage(%d)", page))

	if m.Closed {
		return [PageSize]byte{}, NewPortClosedError("ReadPage")
	}
	if m.ReadPageFunc != nil {
		return m.ReadPageFunc(page)
	}
	if m.ReadFailures > 0 {
		m.ReadFailures--
		return [PageSize]byte{}, fmt.Errorf("transient read failure at page %d", page)
	}
	if m.ReadError != nil {
		return [PageSize]byte{}, m.ReadError
	}
	return m.Pages[page], nil
}

// WritePage simulates writing 4 bytes of tag memory.
func (m *MockPort) WritePage(page int, data [PageSize]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, fmt.Sprintf("WritePage(%d)", page))

	if m.Closed {
		return NewPortClosedError("WritePage")
	}
	if m.WritePageFunc != nil {
		return m.WritePageFunc(page, data)
	}
	if m.WriteFailures > 0 {
		m.WriteFailures--
		return fmt.Errorf("transient write failure at page %d", page)
	}
	if m.WriteError != nil {
		return m.WriteError
	}
	m.Pages[page] = data
	return nil
}

// Close simulates releasing the device.
func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "Close")

	if m.Closed {
		return fmt.Errorf("port already closed")
	}
	m.Closed = true
	return m.CloseError
}

// LoadBytes writes data into simulated memory starting at startPage,
// zero-padding the final partial page. It bypasses failure injection.
func (m *MockPort) LoadBytes(startPage int, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < len(data); i += PageSize {
		var page [PageSize]byte
		copy(page[:], data[i:])
		m.Pages[startPage+i/PageSize] = page
	}
}

// DumpBytes returns count pages of simulated memory starting at
// startPage as a flat byte slice.
func (m *MockPort) DumpBytes(startPage, count int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]byte, 0, count*PageSize)
	for page := startPage; page < startPage+count; page++ {
		data := m.Pages[page]
		out = append(out, data[:]...)
	}
	return out
}

// GetCallLog returns a copy of the call log for verification.
func (m *MockPort) GetCallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	logCopy := make([]string, len(m.CallLog))
	copy(logCopy, m.CallLog)
	return logCopy
}

// ClearCallLog clears the call log.
func (m *MockPort) ClearCallLog() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = make([]string, 0)
}
