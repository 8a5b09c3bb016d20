package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func testWrapper(payload []byte) Wrapper {
	var w Wrapper
	copy(w.SessionID[:], []byte("0123456789abcdef"))
	w.Kind = KindNFCData
	w.Payload = payload
	return w
}

func TestReadWriteRoundTrip(t *testing.T) {
	in := testWrapper([]byte{0x5A, 0x02, 0x12, 0x34})
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.SessionID != in.SessionID || out.Kind != in.Kind {
		t.Fatalf("header mismatch: %+v vs %+v", out, in)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadEmptyPayloadFrame(t *testing.T) {
	in := testWrapper(nil)
	in.Kind = KindHeartbeat
	out, err := ReadFrame(bytes.NewReader(Encode(in)), DefaultLimits())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Kind != KindHeartbeat || len(out.Payload) != 0 {
		t.Fatalf("unexpected wrapper: %+v", out)
	}
}

func TestReadCleanEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), DefaultLimits())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadShortHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{'N', 'F', 'C'}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadBadMagic(t *testing.T) {
	raw := Encode(testWrapper([]byte{0x01}))
	raw[0] = 'X'
	_, err := ReadFrame(bytes.NewReader(raw), DefaultLimits())
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestReadLengthTooSmall(t *testing.T) {
	raw := Encode(testWrapper(nil))
	raw[7] = 20 // below session id + kind + checksum
	_, err := ReadFrame(bytes.NewReader(raw), DefaultLimits())
	if !errors.Is(err, ErrLengthTooSmall) {
		t.Fatalf("expected ErrLengthTooSmall, got %v", err)
	}
}

func TestReadPayloadTooLarge(t *testing.T) {
	limits := Limits{MaxPayloadBytes: 8}
	raw := Encode(testWrapper(bytes.Repeat([]byte{0xAA}, 9)))
	_, err := ReadFrame(bytes.NewReader(raw), limits)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestChecksumMismatchReturnsWrapper(t *testing.T) {
	raw := Encode(testWrapper([]byte{0x01, 0x02}))
	raw[len(raw)-1] ^= 0xFF
	w, err := ReadFrame(bytes.NewReader(raw), DefaultLimits())
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	if w.Kind != KindNFCData {
		t.Fatalf("wrapper must still decode for counting: %+v", w)
	}
}

func TestPayloadFlipBreaksChecksum(t *testing.T) {
	raw := Encode(testWrapper([]byte{0x01, 0x02, 0x03}))
	raw[headerLen+SessionIDLen+1] ^= 0x80
	_, err := ReadFrame(bytes.NewReader(raw), DefaultLimits())
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindInit:      "INIT",
		KindNFCData:   "NFC_DATA",
		KindStatus:    "STATUS",
		KindConfig:    "CONFIG",
		KindError:     "ERROR",
		KindHeartbeat: "HEARTBEAT",
		KindRelay:     "RELAY",
		KindEmulation: "EMULATION",
		Kind(0x42):    "KIND_42",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("kind %d = %q, want %q", k, got, want)
		}
	}
	if Kind(0x00).Valid() || Kind(0x09).Valid() {
		t.Fatalf("kind validity out of range")
	}
}

func TestChecksumIsSwappable(t *testing.T) {
	orig := Checksum
	defer func() { Checksum = orig }()

	Checksum = func(data []byte) [4]byte {
		return [4]byte{0xDE, 0xAD, 0xBE, 0xEF}
	}
	raw := Encode(testWrapper([]byte{0x01}))
	if !bytes.Equal(raw[len(raw)-4:], []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("swapped checksum not used")
	}
	if _, err := ReadFrame(bytes.NewReader(raw), DefaultLimits()); err != nil {
		t.Fatalf("read with swapped checksum: %v", err)
	}
}
