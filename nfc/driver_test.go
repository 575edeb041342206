package nfc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestDriver(port MemoryPort, opts Options) (*Driver, *FakeClock) {
	clock := NewFakeClock(testEpoch)
	opts.Clock = clock
	return NewDriver(port, zerolog.Nop(), opts), clock
}

func countCalls(log []string, prefix string) int {
	n := 0
	for _, call := range log {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

func TestWaitForTag_Found(t *testing.T) {
	port := NewMockPort()
	driver, _ := newTestDriver(port, Options{})

	id, found, err := driver.WaitForTag(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !found {
		t.Fatal("Expected tag to be found")
	}
	if !id.Equal(port.ID) {
		t.Errorf("Expected UID %s, got %s", port.ID.Hex(), id.Hex())
	}
}

func TestWaitForTag_TimeoutNoTag(t *testing.T) {
	port := NewMockPort()
	port.Present = false
	driver, clock := newTestDriver(port, Options{PollInterval: 100 * time.Millisecond})

	id, found, err := driver.WaitForTag(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if found || id != nil {
		t.Errorf("Expected no tag, got %v (found=%v)", id, found)
	}

	// The last poll happens at the deadline itself, one interval past
	// the previous one: 11 polls for a 1s timeout at 100ms.
	if polls := countCalls(port.GetCallLog(), "Poll"); polls != 11 {
		t.Errorf("Expected 11 polls, got %d", polls)
	}
	if elapsed := clock.Now().Sub(testEpoch); elapsed != time.Second {
		t.Errorf("Expected 1s of fake time to elapse, got %v", elapsed)
	}
}

func TestWaitForTag_AppearsAfterPolls(t *testing.T) {
	port := NewMockPort()
	calls := 0
	port.PollFunc = func() (TagID, bool, error) {
		calls++
		if calls < 3 {
			return nil, false, nil
		}
		return TagID{0x04, 0x01}, true, nil
	}
	driver, _ := newTestDriver(port, Options{})

	id, found, err := driver.WaitForTag(context.Background(), time.Second)
	if err != nil || !found {
		t.Fatalf("Expected tag on third poll, got found=%v err=%v", found, err)
	}
	if id.Hex() != "0401" {
		t.Errorf("Expected UID 0401, got %s", id.Hex())
	}
	if calls != 3 {
		t.Errorf("Expected 3 polls, got %d", calls)
	}
}

func TestWaitForTag_PollErrorsSwallowed(t *testing.T) {
	port := NewMockPort()
	port.PollError = errors.New("bus glitch")
	driver, _ := newTestDriver(port, Options{PollInterval: 100 * time.Millisecond})

	_, found, err := driver.WaitForTag(context.Background(), 300*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll errors must not surface, got %v", err)
	}
	if found {
		t.Error("Expected no tag")
	}
}

func TestWaitForTag_ContextCancelled(t *testing.T) {
	port := NewMockPort()
	port.Present = false
	driver, _ := newTestDriver(port, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := driver.WaitForTag(ctx, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestReadMessage_StopsAtTerminator(t *testing.T) {
	port := NewMockPort()
	framed, err := TLVFrame([]byte{0xD1, 0x01, 0x01, 'U', 0x00})
	if err != nil {
		t.Fatalf("Frame failed: %v", err)
	}
	port.LoadBytes(FirstDataPage, framed)
	driver, _ := newTestDriver(port, Options{})

	buffer, err := driver.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !bytes.Equal(buffer, framed) {
		t.Errorf("Expected % X, got % X", framed, buffer)
	}

	// One capability read plus one read per loaded page.
	wantReads := 1 + len(framed)/PageSize
	if reads := countCalls(port.GetCallLog(), "ReadPage"); reads != wantReads {
		t.Errorf("Expected %d page reads, got %d", wantReads, reads)
	}
}

func TestReadMessage_StopsAtPageBound(t *testing.T) {
	port := NewMockPort()
	driver, _ := newTestDriver(port, Options{MaxPage: 8})

	// Empty memory carries no terminator, so the read runs to the bound.
	buffer, err := driver.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(buffer) != (8-FirstDataPage)*PageSize {
		t.Errorf("Expected %d bytes, got %d", (8-FirstDataPage)*PageSize, len(buffer))
	}
}

func TestReadMessage_CapabilityFailure(t *testing.T) {
	port := NewMockPort()
	port.ReadError = errors.New("tag gone")
	driver, clock := newTestDriver(port, Options{RetryDelay: 500 * time.Millisecond})

	_, err := driver.ReadMessage(context.Background())
	if !IsCapabilityRead(err) {
		t.Fatalf("Expected capability read error, got %v", err)
	}

	// Three whole-read attempts with two backoffs between them.
	if reads := countCalls(port.GetCallLog(), "ReadPage"); reads != 3 {
		t.Errorf("Expected 3 capability reads, got %d", reads)
	}
	if elapsed := clock.Now().Sub(testEpoch); elapsed != time.Second {
		t.Errorf("Expected 1s of backoff, got %v", elapsed)
	}
}

func TestReadMessage_RetriesThenSucceeds(t *testing.T) {
	port := NewMockPort()
	framed, _ := TLVFrame([]byte{0x41})
	port.LoadBytes(FirstDataPage, framed)
	port.ReadFailures = 1 // first capability read fails, second attempt succeeds
	driver, _ := newTestDriver(port, Options{})

	buffer, err := driver.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("Expected recovery on retry, got %v", err)
	}
	if !bytes.Equal(buffer, framed) {
		t.Errorf("Expected % X, got % X", framed, buffer)
	}
}

func TestReadMessage_ExhaustsRetries(t *testing.T) {
	port := NewMockPort()
	port.ReadPageFunc = func(page int) ([PageSize]byte, error) {
		if page == CapabilityPage {
			return [PageSize]byte{CapabilityMagic, 0x10, 0x3E, 0x00}, nil
		}
		return [PageSize]byte{}, fmt.Errorf("page %d unreadable", page)
	}
	driver, _ := newTestDriver(port, Options{ReadRetries: 3})

	_, err := driver.ReadMessage(context.Background())
	if !IsReadExhausted(err) {
		t.Fatalf("Expected read exhausted error, got %v", err)
	}

	var tagErr *TagError
	if !errors.As(err, &tagErr) {
		t.Fatal("Expected a TagError")
	}
	if tagErr.Cause == nil {
		t.Error("Expected the last attempt's cause to be preserved")
	}
}

func TestWriteMessage_PadsFinalPage(t *testing.T) {
	port := NewMockPort()
	driver, _ := newTestDriver(port, Options{})

	// Six bytes span two pages; the second page is half padding.
	err := driver.WriteMessage(context.Background(), []byte{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := []byte{1, 2, 3, 4, 5, 6, 0, 0}
	if got := port.DumpBytes(FirstDataPage, 2); !bytes.Equal(got, want) {
		t.Errorf("Expected % X, got % X", want, got)
	}
}

func TestWriteMessage_CapacityFromCapabilityContainer(t *testing.T) {
	port := NewMockPort()
	// NTAG213 container: 0x12 * 8 = 144 writable bytes.
	port.Pages[CapabilityPage] = [PageSize]byte{CapabilityMagic, 0x10, 0x12, 0x00}
	driver, _ := newTestDriver(port, Options{})

	err := driver.WriteMessage(context.Background(), make([]byte, 148))
	if !IsPayloadTooLarge(err) {
		t.Fatalf("Expected payload too large error, got %v", err)
	}
	// Fail fast: nothing may reach the tag.
	if writes := countCalls(port.GetCallLog(), "WritePage"); writes != 0 {
		t.Errorf("Expected no page writes, got %d", writes)
	}
}

func TestWriteMessage_PerPageRetry(t *testing.T) {
	port := NewMockPort()
	port.WriteFailures = 2
	driver, _ := newTestDriver(port, Options{WriteRetries: 3})

	err := driver.WriteMessage(context.Background(), []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Expected success within retry budget, got %v", err)
	}
	if writes := countCalls(port.GetCallLog(), "WritePage"); writes != 3 {
		t.Errorf("Expected 3 write attempts, got %d", writes)
	}
}

func TestWriteMessage_ExhaustsRetries(t *testing.T) {
	port := NewMockPort()
	port.WriteError = errors.New("write rejected")
	driver, clock := newTestDriver(port, Options{WriteRetries: 3, RetryDelay: 500 * time.Millisecond})

	err := driver.WriteMessage(context.Background(), []byte{1, 2, 3, 4, 5})
	if !IsWriteExhausted(err) {
		t.Fatalf("Expected write exhausted error, got %v", err)
	}

	var tagErr *TagError
	if !errors.As(err, &tagErr) {
		t.Fatal("Expected a TagError")
	}
	if !strings.Contains(tagErr.Message, "page 4") {
		t.Errorf("Expected failure at page 4, got %q", tagErr.Message)
	}

	// The first page burns the whole budget; the second is never tried.
	if writes := countCalls(port.GetCallLog(), "WritePage"); writes != 3 {
		t.Errorf("Expected 3 write attempts, got %d", writes)
	}
	if elapsed := clock.Now().Sub(testEpoch); elapsed != time.Second {
		t.Errorf("Expected 1s of backoff, got %v", elapsed)
	}
}

func TestClear_WritesEmptyTLVToFirstDataPageOnly(t *testing.T) {
	port := NewMockPort()
	port.LoadBytes(FirstDataPage, bytes.Repeat([]byte{0xAA}, 16))
	driver, _ := newTestDriver(port, Options{})

	if err := driver.Clear(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := [PageSize]byte{0x03, 0x00, 0xFE, 0x00}
	if got := port.Pages[FirstDataPage]; got != want {
		t.Errorf("Expected page 4 = % X, got % X", want, got)
	}
	// Remaining pages are intentionally left untouched.
	if got := port.Pages[FirstDataPage+1]; got != [PageSize]byte{0xAA, 0xAA, 0xAA, 0xAA} {
		t.Errorf("Page 5 must keep its old bytes, got % X", got)
	}
	if writes := countCalls(port.GetCallLog(), "WritePage"); writes != 1 {
		t.Errorf("Expected exactly 1 page write, got %d", writes)
	}
}

func TestTagInfo_FromCapabilityContainer(t *testing.T) {
	port := NewMockPort()
	driver, _ := newTestDriver(port, Options{})

	info := driver.TagInfo()
	if !info.NDEFCapable {
		t.Error("Expected NDEF capable tag")
	}
	if info.CapacityBytes != 0x3E*8 {
		t.Errorf("Expected capacity %d, got %d", 0x3E*8, info.CapacityBytes)
	}
	if info.Family != FamilyNtag215 {
		t.Errorf("Expected family %s, got %s", FamilyNtag215, info.Family)
	}
}

func TestTagInfo_DegradesOnUnreadableContainer(t *testing.T) {
	port := NewMockPort()
	port.ReadError = errors.New("tag gone")
	driver, _ := newTestDriver(port, Options{})

	info := driver.TagInfo()
	if info.Family != FamilyUnknown {
		t.Errorf("Expected unknown family, got %s", info.Family)
	}
	if info.CapacityBytes != 0 {
		t.Errorf("Expected unknown capacity, got %d", info.CapacityBytes)
	}
}

func TestDriver_WriteReadRoundTrip(t *testing.T) {
	port := NewMockPort()
	driver, _ := newTestDriver(port, Options{})

	framed, err := BuildURIMessage("https://a.co")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := driver.WriteMessage(context.Background(), framed); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	buffer, err := driver.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	uri, ok, err := ExtractURI(buffer)
	if err != nil || !ok {
		t.Fatalf("Expected URI back, got ok=%v err=%v", ok, err)
	}
	if uri != "https://a.co" {
		t.Errorf("Expected %q, got %q", "https://a.co", uri)
	}
}
