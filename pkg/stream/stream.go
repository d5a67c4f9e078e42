// Package stream is a thin typed wrapper over the stream datastore:
// per-session append-only streams, stream length, active-connection
// sets, and session bookkeeping sets. Grounded on the same
// HashrateStore-style client pattern as pkg/policy, kept as a separate
// package because spec.md treats the stream store and the metadata
// store as two logically distinct datastores even when, as here, both
// happen to share a Capability backend.
package stream

import (
	"context"
	"fmt"

	"github.com/Snider/d4-ingest-server/pkg/store"
)

// Store is the Stream Store client.
type Store struct {
	cap store.Capability
}

// New wraps a Capability backend as a stream Store.
func New(cap store.Capability) *Store {
	return &Store{cap: cap}
}

func streamKey(msgType uint8, sessionID string) string {
	return fmt.Sprintf("stream:%d:%s", msgType, sessionID)
}

// Append adds one entry to the per-session stream.
func (s *Store) Append(ctx context.Context, msgType uint8, sessionID string, message, uuid string, timestamp uint64, version uint8) error {
	return s.cap.XAdd(ctx, streamKey(msgType, sessionID), map[string]string{
		"message":   message,
		"uuid":      uuid,
		"timestamp": fmt.Sprintf("%d", timestamp),
		"version":   fmt.Sprintf("%d", version),
	})
}

// Len returns the number of entries currently appended to the
// per-session stream, used for the stream-cap admission check.
func (s *Store) Len(ctx context.Context, msgType uint8, sessionID string) (int64, error) {
	return s.cap.XLen(ctx, streamKey(msgType, sessionID))
}

// DiscardPartial deletes a partial stream, used when a worker-signalled
// rejection (Error:IncorrectType:{type}) arrives for a session that has
// already had some frames committed.
func (s *Store) DiscardPartial(ctx context.Context, msgType uint8, sessionID string) error {
	return s.cap.Delete(ctx, streamKey(msgType, sessionID))
}

func activeConnKey(msgType uint8) string { return fmt.Sprintf("active_connection:%d", msgType) }

func activeConnMember(peerIP, sensorID string) string { return peerIP + ":" + sensorID }

// IsActiveConnection reports whether (peerIP, sensorID) is already
// bound to an active session for msgType — the duplicate-session check
// in admission rule 7.
func (s *Store) IsActiveConnection(ctx context.Context, msgType uint8, peerIP, sensorID string) (bool, error) {
	return s.cap.IsMember(ctx, activeConnKey(msgType), activeConnMember(peerIP, sensorID))
}

// BindConnection registers (peerIP, sensorID) as active for msgType and
// adds sensorID to the global active-connection set, on successful
// admission of the first frame.
func (s *Store) BindConnection(ctx context.Context, msgType uint8, peerIP, sensorID string) error {
	if err := s.cap.Add(ctx, activeConnKey(msgType), activeConnMember(peerIP, sensorID)); err != nil {
		return fmt.Errorf("stream: bind active_connection:%d: %w", msgType, err)
	}
	return s.cap.Add(ctx, "active_connection", sensorID)
}

// UnbindConnection reverses BindConnection; part of teardown.
func (s *Store) UnbindConnection(ctx context.Context, msgType uint8, peerIP, sensorID string) error {
	if err := s.cap.Remove(ctx, activeConnKey(msgType), activeConnMember(peerIP, sensorID)); err != nil {
		return fmt.Errorf("stream: unbind active_connection:%d: %w", msgType, err)
	}
	return s.cap.Remove(ctx, "active_connection", sensorID)
}

// IsWorkerRejected reports whether an external worker has marked
// sessionID for rejection under msgType (admission rule 6).
func (s *Store) IsWorkerRejected(ctx context.Context, msgType uint8, sessionID string) (bool, error) {
	return s.cap.IsMember(ctx, fmt.Sprintf("Error:IncorrectType:%d", msgType), sessionID)
}

// ClearWorkerRejection removes the rejection marker once it has been
// consumed, so it does not outlive the session it names.
func (s *Store) ClearWorkerRejection(ctx context.Context, msgType uint8, sessionID string) error {
	return s.cap.Remove(ctx, fmt.Sprintf("Error:IncorrectType:%d", msgType), sessionID)
}

// BindSession records the first-successful-commit bookkeeping: the
// session-UUID joins session_uuid:{type} and the session→sensor map is
// populated.
func (s *Store) BindSession(ctx context.Context, msgType uint8, sessionID, sensorID string) error {
	if err := s.cap.Add(ctx, fmt.Sprintf("session_uuid:%d", msgType), sessionID); err != nil {
		return err
	}
	return s.cap.HSet(ctx, fmt.Sprintf("map-type:session_uuid-uuid:%d", msgType), sessionID, sensorID)
}

// MarkEnded adds sessionID to the closed-session set, the first step of
// teardown.
func (s *Store) MarkEnded(ctx context.Context, sessionID string) error {
	return s.cap.Add(ctx, "ended_session", sessionID)
}
