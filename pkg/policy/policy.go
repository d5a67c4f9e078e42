// Package policy is a thin typed wrapper over the metadata datastore:
// blacklist membership, the accepted-type set, per-sensor HMAC key and
// stream cap overrides, admission counters, and error annotations.
// Grounded on the teacher's pkg/database HashrateStore-style client
// (narrow typed methods over a generic store, never raw key strings
// leaking past this package).
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/Snider/d4-ingest-server/pkg/store"
)

const (
	defaultStreamMaxSize = 10000
	recentIPListCap      = 16
)

// Store is the Identity & Policy Store client.
type Store struct {
	cap store.Capability
}

// New wraps a Capability backend as a policy Store.
func New(cap store.Capability) *Store {
	return &Store{cap: cap}
}

// Bootstrap writes the server-wide HMAC default key and resets the
// accepted-type set, per the server bootstrap contract: accepted types
// must include {1, 4} by default even if the configured set omits them.
func (s *Store) Bootstrap(ctx context.Context, hmacDefaultKey string, acceptedTypes []uint8) error {
	if err := s.cap.Set(ctx, "server:hmac_default_key", hmacDefaultKey); err != nil {
		return fmt.Errorf("policy: bootstrap hmac key: %w", err)
	}
	if err := s.cap.Delete(ctx, "server:accepted_type"); err != nil {
		return fmt.Errorf("policy: reset accepted types: %w", err)
	}
	required := map[uint8]struct{}{1: {}, 4: {}}
	for _, t := range acceptedTypes {
		required[t] = struct{}{}
	}
	for t := range required {
		if err := s.cap.Add(ctx, "server:accepted_type", typeKey(t)); err != nil {
			return fmt.Errorf("policy: add accepted type %d: %w", t, err)
		}
	}
	return nil
}

func typeKey(t uint8) string { return fmt.Sprintf("%d", t) }

// IsAcceptedType reports whether t is in the server's accepted-type set.
func (s *Store) IsAcceptedType(ctx context.Context, t uint8) (bool, error) {
	return s.cap.IsMember(ctx, "server:accepted_type", typeKey(t))
}

// IsPeerIPBlacklisted reports whether peerIP is in the IP blacklist.
func (s *Store) IsPeerIPBlacklisted(ctx context.Context, peerIP string) (bool, error) {
	return s.cap.IsMember(ctx, "blacklist_ip", peerIP)
}

// IsSensorIPBlacklisted reports whether sensorID is in the
// "blacklist IP by sensor" set (rule 3 of the admission pipeline).
func (s *Store) IsSensorIPBlacklisted(ctx context.Context, sensorID string) (bool, error) {
	return s.cap.IsMember(ctx, "blacklist_ip_by_uuid", sensorID)
}

// BlacklistPeerIP adds peerIP to the IP blacklist. This is the one-way
// promotion rule 3 triggers; see the open question on auto-promotion in
// the design notes — exposed here as an explicit call, never an
// invisible side effect of another operation.
func (s *Store) BlacklistPeerIP(ctx context.Context, peerIP string) error {
	return s.cap.Add(ctx, "blacklist_ip", peerIP)
}

// IsSensorBlacklisted reports whether sensorID is in the sensor blacklist.
func (s *Store) IsSensorBlacklisted(ctx context.Context, sensorID string) (bool, error) {
	return s.cap.IsMember(ctx, "blacklist_uuid", sensorID)
}

// HMACKey resolves the HMAC key in force for sensorID: its override if
// present, else the server-wide default. Called once per session, at
// the first HMAC check, and cached by the caller for the session's
// lifetime.
func (s *Store) HMACKey(ctx context.Context, sensorID string) (string, error) {
	if v, ok, err := s.cap.HGet(ctx, metadataKey(sensorID), "hmac_key"); err != nil {
		return "", err
	} else if ok {
		return v, nil
	}
	v, _, err := s.cap.Get(ctx, "server:hmac_default_key")
	return v, err
}

// StreamMaxSize resolves the per-sensor stream cap override, else the
// package default of 10,000 entries.
func (s *Store) StreamMaxSize(ctx context.Context, sensorID string) (int, error) {
	v, ok, err := s.cap.HGet(ctx, "stream_max_size_by_uuid", sensorID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return defaultStreamMaxSize, nil
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return defaultStreamMaxSize, nil
	}
	return n, nil
}

func metadataKey(sensorID string) string { return "metadata_uuid:" + sensorID }

// SetError annotates a sensor's metadata with an error string, or clears
// it when msg is empty.
func (s *Store) SetError(ctx context.Context, sensorID, msg string) error {
	if msg == "" {
		return s.cap.HDel(ctx, metadataKey(sensorID), "Error")
	}
	return s.cap.HSet(ctx, metadataKey(sensorID), "Error", msg)
}

// TouchFirstLastSeen sets first_seen if absent and unconditionally
// updates last_seen to the frame's timestamp. first_seen uses the
// capability's native set-if-absent primitive so concurrent sensors
// sharing a sensor-id stay idempotent.
func (s *Store) TouchFirstLastSeen(ctx context.Context, sensorID string, timestamp uint64) error {
	// HSet has no native HSetNX in the Capability surface; first_seen is
	// instead tracked as its own scalar key so SetNX can guard it.
	firstKey := metadataKey(sensorID) + ".first_seen"
	if _, err := s.cap.SetNX(ctx, firstKey, fmt.Sprintf("%d", timestamp)); err != nil {
		return fmt.Errorf("policy: first_seen: %w", err)
	}
	return s.cap.HSet(ctx, metadataKey(sensorID), "last_seen", fmt.Sprintf("%d", timestamp))
}

// IncrementCounters bumps the six admission counters for today's date,
// per the commit sequence.
func (s *Store) IncrementCounters(ctx context.Context, now time.Time, sensorID, peerIP string, msgType uint8) error {
	date := now.UTC().Format("20060102")
	t := typeKey(msgType)
	ops := []struct{ key, member string }{
		{fmt.Sprintf("stat_uuid_ip:%s:%s", date, sensorID), peerIP},
		{fmt.Sprintf("stat_ip_uuid:%s:%s", date, peerIP), sensorID},
		{fmt.Sprintf("daily_uuid:%s", date), sensorID},
		{fmt.Sprintf("daily_ip:%s", date), peerIP},
		{fmt.Sprintf("daily_type:%s", date), t},
		{fmt.Sprintf("stat_type_uuid:%s:%s", date, t), sensorID},
	}
	for _, op := range ops {
		if err := s.cap.ZIncrBy(ctx, op.key, op.member, 1); err != nil {
			return fmt.Errorf("policy: increment %s: %w", op.key, err)
		}
	}
	return nil
}

// RecordRecentIP pushes "{peerIP}-{now:YYYYMMDDHHMMSS}" onto the
// sensor's recent-IP list and trims it to the most recent 16, per the
// first-successful-commit bookkeeping step.
func (s *Store) RecordRecentIP(ctx context.Context, sensorID, peerIP string, now time.Time) error {
	key := "list_uuid_ip:" + sensorID
	entry := fmt.Sprintf("%s-%s", peerIP, now.UTC().Format("20060102150405"))
	if err := s.cap.LPush(ctx, key, entry); err != nil {
		return err
	}
	return s.cap.LTrim(ctx, key, recentIPListCap)
}
