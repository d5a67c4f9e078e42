package wire

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"testing"
)

func buildFrame(t *testing.T, sensorID [16]byte, typ uint8, timestamp uint64, payload []byte, key []byte) []byte {
	t.Helper()
	frame := make([]byte, HeaderSize+len(payload))
	frame[offVersion] = 1
	frame[offType] = typ
	copy(frame[offSensorID:], sensorID[:])
	for i := 0; i < 8; i++ {
		frame[offTimestamp+i] = byte(timestamp >> (8 * i))
	}
	size := uint32(len(payload))
	for i := 0; i < 4; i++ {
		frame[offSize+i] = byte(size >> (8 * i))
	}
	copy(frame[HeaderSize:], payload)

	mac := hmac.New(sha256.New, key)
	mac.Write(HMACInput(frame))
	sig := mac.Sum(nil)
	copy(frame[offHMAC:], sig)
	return frame
}

func TestDecodeInsufficientBytes(t *testing.T) {
	if _, err := Decode(make([]byte, HeaderSize-1)); err != ErrInsufficientBytes {
		t.Fatalf("expected ErrInsufficientBytes, got %v", err)
	}
}

func TestDecodeFields(t *testing.T) {
	var sensorID [16]byte
	sensorID[0] = 0x11
	frame := buildFrame(t, sensorID, 1, 1, []byte("hello"), []byte("k"))

	h, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Version != 1 || h.Type != 1 || h.Timestamp != 1 {
		t.Fatalf("unexpected header: %+v", h)
	}
	if h.Size != 5 {
		t.Fatalf("expected size 5, got %d", h.Size)
	}
}

func TestHMACInputZeroesOnlyHMACField(t *testing.T) {
	var sensorID [16]byte
	frame := buildFrame(t, sensorID, 1, 1, []byte("hello"), []byte("k"))

	zeroed := HMACInput(frame)
	if len(zeroed) != len(frame) {
		t.Fatalf("length changed")
	}
	for i := range frame {
		if i >= offHMAC && i < offHMAC+hmacLen {
			if zeroed[i] != 0 {
				t.Fatalf("hmac field byte %d not zeroed", i)
			}
			continue
		}
		if zeroed[i] != frame[i] {
			t.Fatalf("non-hmac byte %d mutated", i)
		}
	}
}

func TestHMACRoundtrip(t *testing.T) {
	key := []byte("private key to change")
	var sensorID [16]byte
	sensorID[0] = 0x22
	frame := buildFrame(t, sensorID, 1, 42, []byte("payload-data"), key)

	h, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(HMACInput(frame))
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, h.HMAC[:]) {
		t.Fatalf("hmac mismatch on unmodified frame")
	}

	// Flipping any non-HMAC byte invalidates verification.
	for _, idx := range []int{offVersion, offType, offSensorID, offTimestamp, HeaderSize, len(frame) - 1} {
		mutated := bytes.Clone(frame)
		mutated[idx] ^= 0xFF
		mh, err := Decode(mutated)
		if err != nil {
			t.Fatalf("decode mutated: %v", err)
		}
		mac := hmac.New(sha256.New, key)
		mac.Write(HMACInput(mutated))
		got := mac.Sum(nil)
		if hmac.Equal(got, mh.HMAC[:]) {
			t.Fatalf("expected mismatch after flipping byte %d", idx)
		}
	}
}
