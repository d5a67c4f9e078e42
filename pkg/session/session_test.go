package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/Snider/d4-ingest-server/pkg/logging"
	"github.com/Snider/d4-ingest-server/pkg/policy"
	"github.com/Snider/d4-ingest-server/pkg/store"
	"github.com/Snider/d4-ingest-server/pkg/stream"
	"github.com/Snider/d4-ingest-server/pkg/wire"
)

const testHMACKey = "private key to change"

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type noopTransport struct{ closed bool }

func (t *noopTransport) Close() error { t.closed = true; return nil }

func buildFrame(t *testing.T, msgType uint8, sensorID [16]byte, timestamp uint64, version uint8, payload []byte, key string) []byte {
	t.Helper()
	frame := make([]byte, wire.HeaderSize+len(payload))
	frame[0] = version
	frame[1] = msgType
	copy(frame[2:18], sensorID[:])
	for i := 0; i < 8; i++ {
		frame[18+i] = byte(timestamp >> (8 * i))
	}
	size := uint32(len(payload))
	for i := 0; i < 4; i++ {
		frame[58+i] = byte(size >> (8 * i))
	}
	copy(frame[wire.HeaderSize:], payload)

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(wire.HMACInput(frame))
	copy(frame[26:58], mac.Sum(nil))
	return frame
}

// sensorUUIDv4 returns the 16 raw bytes of 11111111-1111-4111-8111-111111111111.
func sensorUUIDv4() [16]byte {
	return [16]byte{0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x41, 0x11, 0x81, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11}
}

func newHarness(t *testing.T, peerIP string) (*Controller, store.Capability) {
	t.Helper()
	cap := store.NewMemory()
	pol := policy.New(cap)
	str := stream.New(cap)
	ctx := context.Background()
	if err := pol.Bootstrap(ctx, testHMACKey, []uint8{1, 4}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	log := logging.New(logging.Config{Level: logging.LevelError})
	ctrl := New(peerIP, pol, str, log, &noopTransport{}, nil)
	ctrl.Clock = fixedClock{t: time.Unix(0, 0)}
	return ctrl, cap
}

// S1 happy path.
func TestS1HappyPath(t *testing.T) {
	ctx := context.Background()
	ctrl, cap := newHarness(t, "10.0.0.1")
	sensorID := sensorUUIDv4()
	frame := buildFrame(t, 1, sensorID, 1, 1, []byte("hello"), testHMACKey)

	if abort := ctrl.ProcessFrame(ctx, frame); abort {
		t.Fatalf("expected S1 frame to be accepted, not aborted")
	}

	n, _ := cap.XLen(ctx, "stream:1:"+ctrl.ID)
	if n != 1 {
		t.Fatalf("expected one stream append, got %d", n)
	}

	sid := "11111111-1111-4111-8111-111111111111"
	firstSeen, ok, _ := cap.Get(ctx, "metadata_uuid:"+sid+".first_seen")
	if !ok || firstSeen != "1" {
		t.Fatalf("expected first_seen=1, got %q ok=%v", firstSeen, ok)
	}
	lastSeen, ok, _ := cap.HGet(ctx, "metadata_uuid:"+sid, "last_seen")
	if !ok || lastSeen != "1" {
		t.Fatalf("expected last_seen=1, got %q ok=%v", lastSeen, ok)
	}
}

// S2 split frame: delivering the frame in two pieces through the
// reassembler should reach ProcessFrame with the same bytes as S1.
func TestS2SplitFrameReachesControllerIntact(t *testing.T) {
	ctx := context.Background()
	ctrl, cap := newHarness(t, "10.0.0.1")
	sensorID := sensorUUIDv4()
	frame := buildFrame(t, 1, sensorID, 1, 1, []byte("hello"), testHMACKey)

	r := wire.NewReassembler()
	var frames [][]byte
	frames = append(frames, r.Feed(frame[:30])...)
	frames = append(frames, r.Feed(frame[30:])...)
	if len(frames) != 1 {
		t.Fatalf("expected exactly one reassembled frame, got %d", len(frames))
	}

	if abort := ctrl.ProcessFrame(ctx, frames[0]); abort {
		t.Fatalf("expected frame to be accepted")
	}
	n, _ := cap.XLen(ctx, "stream:1:"+ctrl.ID)
	if n != 1 {
		t.Fatalf("expected one stream append, got %d", n)
	}
}

// S3 two frames in one chunk: exactly two appends in order.
func TestS3TwoFramesOneChunk(t *testing.T) {
	ctx := context.Background()
	ctrl, cap := newHarness(t, "10.0.0.1")
	sensorID := sensorUUIDv4()
	f1 := buildFrame(t, 1, sensorID, 1, 1, []byte("a"), testHMACKey)
	f2 := buildFrame(t, 1, sensorID, 2, 1, []byte("bb"), testHMACKey)

	r := wire.NewReassembler()
	combined := append(append([]byte{}, f1...), f2...)
	frames := r.Feed(combined)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}

	for _, f := range frames {
		if abort := ctrl.ProcessFrame(ctx, f); abort {
			t.Fatalf("expected frame accepted")
		}
	}
	n, _ := cap.XLen(ctx, "stream:1:"+ctrl.ID)
	if n != 2 {
		t.Fatalf("expected 2 stream appends, got %d", n)
	}
}

// S4 HMAC flip: a frame with a corrupted payload but original HMAC must
// be dropped without aborting the connection, and the sensor's Error
// field is annotated.
func TestS4HMACFlip(t *testing.T) {
	ctx := context.Background()
	ctrl, cap := newHarness(t, "10.0.0.1")
	sensorID := sensorUUIDv4()
	frame := buildFrame(t, 1, sensorID, 1, 1, []byte("hello"), testHMACKey)
	frame[wire.HeaderSize] ^= 0xFF // flip first payload byte, keep HMAC

	abort := ctrl.ProcessFrame(ctx, frame)
	if abort {
		t.Fatalf("HMAC mismatch must drop the frame, not abort the connection")
	}
	n, _ := cap.XLen(ctx, "stream:1:"+ctrl.ID)
	if n != 0 {
		t.Fatalf("expected zero stream appends, got %d", n)
	}
	sid := "11111111-1111-4111-8111-111111111111"
	errVal, ok, _ := cap.HGet(ctx, "metadata_uuid:"+sid, "Error")
	if !ok || errVal != "Error: HMAC don't match" {
		t.Fatalf("expected Error annotation, got %q ok=%v", errVal, ok)
	}
}

// S5 duplicate admission: two sessions from the same peer/sensor/type,
// the first admits, the second is aborted with the duplicate error.
func TestS5DuplicateAdmission(t *testing.T) {
	ctx := context.Background()
	cap := store.NewMemory()
	pol := policy.New(cap)
	str := stream.New(cap)
	if err := pol.Bootstrap(ctx, testHMACKey, []uint8{1, 4}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	log := logging.New(logging.Config{Level: logging.LevelError})

	sensorID := sensorUUIDv4()
	first := New("10.0.0.1", pol, str, log, &noopTransport{}, nil)
	second := New("10.0.0.1", pol, str, log, &noopTransport{}, nil)

	f1 := buildFrame(t, 1, sensorID, 1, 1, []byte("hello"), testHMACKey)
	if abort := first.ProcessFrame(ctx, f1); abort {
		t.Fatalf("expected first session to be admitted")
	}

	f2 := buildFrame(t, 1, sensorID, 2, 1, []byte("world"), testHMACKey)
	if abort := second.ProcessFrame(ctx, f2); !abort {
		t.Fatalf("expected second session to be aborted as duplicate")
	}
	sid := "11111111-1111-4111-8111-111111111111"
	errVal, ok, _ := cap.HGet(ctx, "metadata_uuid:"+sid, "Error")
	if !ok || errVal != "Error: This UUID is using the same UUID for one type=1" {
		t.Fatalf("expected duplicate-UUID error annotation, got %q ok=%v", errVal, ok)
	}
}

// S6 oversize: connection aborted before any append, session not left
// bound in active-connection sets.
func TestS6Oversize(t *testing.T) {
	ctx := context.Background()
	ctrl, cap := newHarness(t, "10.0.0.1")
	sensorID := sensorUUIDv4()

	frame := buildFrame(t, 1, sensorID, 1, 1, []byte("hello"), testHMACKey)
	// Overwrite the declared size field to exceed the ceiling without
	// actually allocating 2MB of payload (the check fires before any
	// read of payload bytes beyond the header).
	oversize := uint32(2_000_000)
	for i := 0; i < 4; i++ {
		frame[58+i] = byte(oversize >> (8 * i))
	}

	if abort := ctrl.ProcessFrame(ctx, frame); !abort {
		t.Fatalf("expected oversize frame to abort the connection")
	}
	n, _ := cap.XLen(ctx, "stream:1:"+ctrl.ID)
	if n != 0 {
		t.Fatalf("expected zero appends before abort, got %d", n)
	}

	ctrl.Teardown(ctx)
	active, _ := cap.IsMember(ctx, "active_connection", "11111111-1111-4111-8111-111111111111")
	if active {
		t.Fatalf("expected sensor not present in active_connection after teardown of unbound session")
	}
}

// Property 5: cap enforcement — no more than stream_max_size entries.
func TestCapEnforcement(t *testing.T) {
	ctx := context.Background()
	ctrl, cap := newHarness(t, "10.0.0.1")
	sensorID := sensorUUIDv4()
	if err := cap.HSet(ctx, "stream_max_size_by_uuid", "11111111-1111-4111-8111-111111111111", "3"); err != nil {
		t.Fatalf("HSet cap: %v", err)
	}

	accepted := 0
	for i := uint64(1); i <= 10; i++ {
		frame := buildFrame(t, 1, sensorID, i, 1, []byte("x"), testHMACKey)
		abort := ctrl.ProcessFrame(ctx, frame)
		if !abort {
			accepted++
		} else {
			break
		}
	}
	if accepted != 3 {
		t.Fatalf("expected exactly 3 accepted frames under cap=3, got %d", accepted)
	}
}

// Property 6: teardown idempotence.
func TestTeardownIdempotent(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newHarness(t, "10.0.0.1")
	transport := ctrl.Transport.(*noopTransport)

	ctrl.Teardown(ctx)
	ctrl.Teardown(ctx)
	ctrl.Teardown(ctx)

	if !transport.closed {
		t.Fatalf("expected transport closed after teardown")
	}
}

func TestMalformedUUIDDropsFrameWithoutAbort(t *testing.T) {
	ctx := context.Background()
	ctrl, cap := newHarness(t, "10.0.0.1")
	var badSensorID [16]byte // all zero: version nibble is 0, not 4
	frame := buildFrame(t, 1, badSensorID, 1, 1, []byte("hello"), testHMACKey)

	if abort := ctrl.ProcessFrame(ctx, frame); abort {
		t.Fatalf("malformed UUID must drop the frame, not abort the connection")
	}
	n, _ := cap.XLen(ctx, "stream:1:"+ctrl.ID)
	if n != 0 {
		t.Fatalf("expected no stream append for malformed UUID, got %d", n)
	}
}

func TestUnacceptedTypeDropsFrameWithoutAbort(t *testing.T) {
	ctx := context.Background()
	ctrl, cap := newHarness(t, "10.0.0.1")
	sensorID := sensorUUIDv4()
	frame := buildFrame(t, 99, sensorID, 1, 1, []byte("hello"), testHMACKey)

	if abort := ctrl.ProcessFrame(ctx, frame); abort {
		t.Fatalf("unaccepted type must drop the frame, not abort the connection")
	}
	n, _ := cap.XLen(ctx, "stream:99:"+ctrl.ID)
	if n != 0 {
		t.Fatalf("expected no stream append for unaccepted type, got %d", n)
	}
}

func TestPeerBlacklistAbortsBeforeAnyWrite(t *testing.T) {
	ctx := context.Background()
	ctrl, cap := newHarness(t, "10.0.0.1")
	if err := cap.Add(ctx, "blacklist_ip", "10.0.0.1"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	sensorID := sensorUUIDv4()
	frame := buildFrame(t, 1, sensorID, 1, 1, []byte("hello"), testHMACKey)

	if abort := ctrl.ProcessFrame(ctx, frame); !abort {
		t.Fatalf("expected blacklisted peer IP to abort the connection")
	}
}
