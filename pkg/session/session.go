// Package session implements the per-connection policy engine: admission
// checks on the first valid frame, HMAC verification on every frame,
// commits via the policy and stream clients, and teardown on any fatal
// condition. Grounded on the teacher's pkg/node/transport.go PeerConnection
// (per-connection goroutine, closeOnce-guarded teardown) generalized from
// P2P peer bookkeeping to sensor-identity admission.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Snider/d4-ingest-server/pkg/logging"
	"github.com/Snider/d4-ingest-server/pkg/policy"
	"github.com/Snider/d4-ingest-server/pkg/status"
	"github.com/Snider/d4-ingest-server/pkg/stream"
	"github.com/Snider/d4-ingest-server/pkg/wire"
)

// Transport is the minimal surface a Controller needs from its
// underlying connection: closing it is the only transport-level action
// teardown performs.
type Transport interface {
	Close() error
}

// Clock lets tests substitute a fixed time source; production code uses
// realClock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Controller is the Session Controller for one accepted connection. It
// is not safe for concurrent use: the contract (per the concurrency
// model) is that frames from one connection are processed one at a time
// by the connection's own goroutine.
type Controller struct {
	ID        string
	PeerIP    string
	Policy    *policy.Store
	Stream    *stream.Store
	Log       *logging.Logger
	Clock     Clock
	Transport Transport
	Events    *status.EventHub

	closeOnce sync.Once

	hmacKey        []byte
	hmacKeyLoaded  bool
	streamMaxSize  int
	streamCapKnown bool

	bound    bool
	msgType  uint8
	sensorID string

	dataSaved       bool
	firstConnection bool
}

// New constructs a Controller for a freshly accepted connection. peerIP
// is the connection's remote address (without port). events may be nil,
// in which case lifecycle events are not broadcast (e.g. in tests).
func New(peerIP string, pol *policy.Store, str *stream.Store, log *logging.Logger, transport Transport, events *status.EventHub) *Controller {
	return &Controller{
		ID:              uuid.NewString(),
		PeerIP:          peerIP,
		Policy:          pol,
		Stream:          str,
		Log:             log.WithComponent("session"),
		Clock:           realClock{},
		Transport:       transport,
		Events:          events,
		firstConnection: true,
	}
}

// emit broadcasts a lifecycle event if an EventHub is wired in.
func (c *Controller) emit(t status.EventType, sensorID string, data interface{}) {
	if c.Events == nil {
		return
	}
	c.Events.Broadcast(status.NewEvent(t, c.ID, sensorID, data))
}

// ProcessFrame runs the full per-frame admission/commit pipeline on one
// complete frame (as emitted by wire.Reassembler). It returns true if the
// connection should be aborted (the caller must then call Teardown).
func (c *Controller) ProcessFrame(ctx context.Context, frame []byte) bool {
	h, err := wire.Decode(frame)
	if err != nil {
		c.Log.Warn("short frame reached controller", logging.Fields{"session": c.ID})
		return true
	}

	// 1. Peer-IP blacklist.
	if blacklisted, err := c.Policy.IsPeerIPBlacklisted(ctx, c.PeerIP); err != nil {
		c.Log.Error("blacklist check failed", logging.Fields{"err": err})
		return true
	} else if blacklisted {
		c.Log.Warn("Blacklisted IP", logging.Fields{"peer_ip": c.PeerIP})
		c.emit(status.EventSessionRejected, "", "peer IP blacklisted")
		return true
	}

	// 2. Header well-formedness: sensor_id must be UUID v4, type accepted.
	sensorID, err := parseSensorID(h.SensorID)
	if err != nil {
		c.Log.Info("malformed sensor UUID, dropping frame", logging.Fields{"err": err})
		return false
	}
	accepted, err := c.Policy.IsAcceptedType(ctx, h.Type)
	if err != nil {
		c.Log.Error("accepted-type check failed", logging.Fields{"err": err})
		return true
	}
	if !accepted {
		c.Log.Warn("unaccepted type, dropping frame", logging.Fields{"type": h.Type})
		return false
	}

	// 3. Sensor-derived IP blacklist.
	if hit, err := c.Policy.IsSensorIPBlacklisted(ctx, sensorID); err != nil {
		c.Log.Error("sensor IP blacklist check failed", logging.Fields{"err": err})
		return true
	} else if hit {
		if err := c.Policy.BlacklistPeerIP(ctx, c.PeerIP); err != nil {
			c.Log.Error("promote peer IP to blacklist failed", logging.Fields{"err": err})
		}
		c.Log.Warn("sensor-derived IP blacklist hit", logging.Fields{"sensor_id": sensorID, "peer_ip": c.PeerIP})
		c.emit(status.EventSessionRejected, sensorID, "sensor-derived IP blacklisted")
		return true
	}

	// 4. Sensor blacklist.
	if hit, err := c.Policy.IsSensorBlacklisted(ctx, sensorID); err != nil {
		c.Log.Error("sensor blacklist check failed", logging.Fields{"err": err})
		return true
	} else if hit {
		c.Log.Warn("sensor blacklisted", logging.Fields{"sensor_id": sensorID})
		c.emit(status.EventSessionRejected, sensorID, "sensor blacklisted")
		return true
	}

	// 5. Size ceiling.
	if h.Size > wire.DefaultSizeLimit {
		c.Log.Warn("oversize frame", logging.Fields{"size": h.Size})
		c.emit(status.EventSessionRejected, sensorID, "frame exceeds size ceiling")
		return true
	}

	// 6. Worker-signalled rejection.
	if rejected, err := c.Stream.IsWorkerRejected(ctx, h.Type, c.ID); err != nil {
		c.Log.Error("worker-rejection check failed", logging.Fields{"err": err})
		return true
	} else if rejected {
		if err := c.Stream.DiscardPartial(ctx, h.Type, c.ID); err != nil {
			c.Log.Error("discard partial stream failed", logging.Fields{"err": err})
		}
		if err := c.Stream.ClearWorkerRejection(ctx, h.Type, c.ID); err != nil {
			c.Log.Error("clear worker rejection marker failed", logging.Fields{"err": err})
		}
		c.Log.Warn("worker-signalled rejection", logging.Fields{"sensor_id": sensorID, "type": h.Type})
		c.emit(status.EventSessionRejected, sensorID, "worker-signalled rejection")
		return true
	}

	// 7. First-frame admission.
	if c.firstConnection {
		active, err := c.Stream.IsActiveConnection(ctx, h.Type, c.PeerIP, sensorID)
		if err != nil {
			c.Log.Error("active-connection check failed", logging.Fields{"err": err})
			return true
		}
		if active {
			_ = c.Policy.SetError(ctx, sensorID, fmt.Sprintf("Error: This UUID is using the same UUID for one type=%d", h.Type))
			c.Log.Warn("duplicate (peer_ip, sensor_id) for type", logging.Fields{"sensor_id": sensorID, "type": h.Type})
			c.emit(status.EventSessionRejected, sensorID, "duplicate active connection")
			return true
		}
		c.msgType = h.Type
		c.sensorID = sensorID
		c.bound = true
		if err := c.Stream.BindConnection(ctx, h.Type, c.PeerIP, sensorID); err != nil {
			c.Log.Error("bind active connection failed", logging.Fields{"err": err})
			return true
		}
		_ = c.Policy.SetError(ctx, sensorID, "")
		c.firstConnection = false
		c.emit(status.EventSessionAdmitted, sensorID, nil)
	}

	// 8. HMAC verification.
	if !c.hmacKeyLoaded {
		key, err := c.Policy.HMACKey(ctx, sensorID)
		if err != nil {
			c.Log.Error("resolve hmac key failed", logging.Fields{"err": err})
			return true
		}
		c.hmacKey = []byte(key)
		c.hmacKeyLoaded = true
	}
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write(wire.HMACInput(frame))
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, h.HMAC[:]) {
		_ = c.Policy.SetError(ctx, sensorID, "Error: HMAC don't match")
		c.Log.Warn("HMAC mismatch, dropping frame", logging.Fields{"sensor_id": sensorID})
		c.emit(status.EventHMACMismatch, sensorID, nil)
		return false
	}

	// 9. Stream cap.
	if !c.streamCapKnown {
		max, err := c.Policy.StreamMaxSize(ctx, sensorID)
		if err != nil {
			c.Log.Error("resolve stream cap failed", logging.Fields{"err": err})
			return true
		}
		c.streamMaxSize = max
		c.streamCapKnown = true
	}
	curLen, err := c.Stream.Len(ctx, h.Type, c.ID)
	if err != nil {
		c.Log.Error("stream length query failed", logging.Fields{"err": err})
		return true
	}
	if curLen >= int64(c.streamMaxSize) {
		_ = c.Policy.SetError(ctx, sensorID, "Error: stream exceed max entries limit")
		c.Log.Warn("stream cap exceeded", logging.Fields{"sensor_id": sensorID, "cap": c.streamMaxSize})
		c.emit(status.EventSessionRejected, sensorID, "stream cap exceeded")
		return true
	}

	// 10. Commit.
	payload := frame[wire.HeaderSize:]
	firstCommit := !c.dataSaved
	if err := c.Stream.Append(ctx, h.Type, c.ID, string(payload), sensorID, h.Timestamp, h.Version); err != nil {
		c.Log.Error("stream append failed", logging.Fields{"err": err})
		return true
	}
	now := c.Clock.Now()
	if err := c.Policy.IncrementCounters(ctx, now, sensorID, c.PeerIP, h.Type); err != nil {
		c.Log.Error("increment counters failed", logging.Fields{"err": err})
	}
	if err := c.Policy.TouchFirstLastSeen(ctx, sensorID, h.Timestamp); err != nil {
		c.Log.Error("touch first/last seen failed", logging.Fields{"err": err})
	}
	c.dataSaved = true
	if firstCommit {
		if err := c.Stream.BindSession(ctx, h.Type, c.ID, sensorID); err != nil {
			c.Log.Error("bind session failed", logging.Fields{"err": err})
		}
		if err := c.Policy.RecordRecentIP(ctx, sensorID, c.PeerIP, now); err != nil {
			c.Log.Error("record recent IP failed", logging.Fields{"err": err})
		}
	}
	c.emit(status.EventFrameAccepted, sensorID, nil)

	return false
}

// Teardown runs the single cleanup routine from the concurrency model,
// exactly once regardless of how many times or from which cancellation
// path it is called.
func (c *Controller) Teardown(ctx context.Context) {
	c.closeOnce.Do(func() {
		if err := c.Stream.MarkEnded(ctx, c.ID); err != nil {
			c.Log.Error("mark ended failed", logging.Fields{"err": err})
		}
		if c.bound {
			if err := c.Stream.UnbindConnection(ctx, c.msgType, c.PeerIP, c.sensorID); err != nil {
				c.Log.Error("unbind connection failed", logging.Fields{"err": err})
			}
		}
		if c.Transport != nil {
			if err := c.Transport.Close(); err != nil {
				c.Log.Debug("transport close error", logging.Fields{"err": err})
			}
		}
		c.Log.Info("session torn down", logging.Fields{"session": c.ID})
		c.emit(status.EventSessionClosed, c.sensorID, nil)
	})
}

// BoundType reports the message type this session bound to on its first
// admitted frame, and whether binding has happened yet. Used by the
// listener to report active-session counts per type.
func (c *Controller) BoundType() (uint8, bool) {
	return c.msgType, c.bound
}

func parseSensorID(raw [16]byte) (string, error) {
	id, err := uuid.FromBytes(raw[:])
	if err != nil {
		return "", err
	}
	if id.Version() != 4 {
		return "", fmt.Errorf("session: sensor_id is not UUIDv4 (version %d)", id.Version())
	}
	return id.String(), nil
}
