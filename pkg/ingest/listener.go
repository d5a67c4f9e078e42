// Package ingest is the TLS Listener: it accepts connections on a
// configured port, mints a session-UUID per connection, and drives a
// Session Controller + Reassembler pair until the connection closes.
// Grounded on the teacher's pkg/node/transport.go Start/readLoop (accept
// loop spawning one goroutine per connection, deadline-based idle
// detection, teardown-on-read-error), adapted from a WebSocket/HTTP
// transport to a raw TLS/TCP one since the wire protocol here is a
// one-way binary stream, not framed WebSocket messages.
package ingest

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/Snider/d4-ingest-server/pkg/logging"
	"github.com/Snider/d4-ingest-server/pkg/policy"
	"github.com/Snider/d4-ingest-server/pkg/session"
	"github.com/Snider/d4-ingest-server/pkg/status"
	"github.com/Snider/d4-ingest-server/pkg/stream"
	"github.com/Snider/d4-ingest-server/pkg/wire"
)

// Config configures the Listener.
type Config struct {
	ListenAddr  string // ":4443" default
	CertFile    string
	KeyFile     string
	IdleTimeout time.Duration // default 30s, per the reassembler's idle-buffer rule
}

// DefaultConfig returns the spec's default listen address and idle
// timeout.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  ":4443",
		IdleTimeout: 30 * time.Second,
	}
}

// Listener is the TLS acceptor.
type Listener struct {
	cfg    Config
	policy *policy.Store
	stream *stream.Store
	log    *logging.Logger
	events *status.EventHub

	ln net.Listener
	wg sync.WaitGroup

	mu     sync.Mutex
	active map[*session.Controller]struct{}
}

// New constructs a Listener. The TLS certificate is loaded eagerly so a
// missing/invalid PEM fails bootstrap rather than the first connection.
// events may be nil, in which case session lifecycle events are not
// broadcast to the status surface.
func New(cfg Config, pol *policy.Store, str *stream.Store, log *logging.Logger, events *status.EventHub) (*Listener, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	ln, err := tls.Listen("tcp", cfg.ListenAddr, tlsCfg)
	if err != nil {
		return nil, err
	}

	return &Listener{
		cfg:    cfg,
		policy: pol,
		stream: str,
		log:    log.WithComponent("ingest"),
		events: events,
		ln:     ln,
		active: make(map[*session.Controller]struct{}),
	}, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. It blocks.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.wg.Wait()
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					l.wg.Wait()
					return nil
				}
				l.log.Warn("accept error", logging.Fields{"err": err})
				continue
			}
		}
		l.wg.Add(1)
		go l.handle(ctx, conn)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// ActiveSessionCount reports the number of currently open sessions bound
// to each message type, for the status service's read-only surface.
func (l *Listener) ActiveSessionCount() map[uint8]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[uint8]int)
	for ctrl := range l.active {
		if t, bound := ctrl.BoundType(); bound {
			counts[t]++
		}
	}
	return counts
}

// Healthy always reports true with an empty detail: a Listener only
// exists once New has loaded the certificate and bound the port. It does
// not track a later Close or check store connectivity.
func (l *Listener) Healthy() (bool, string) {
	return true, ""
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()

	peerIP := peerAddr(conn.RemoteAddr())
	ctrl := session.New(peerIP, l.policy, l.stream, l.log, conn, l.events)
	if l.events != nil {
		l.events.Broadcast(status.NewEvent(status.EventSessionOpened, ctrl.ID, "", peerIP))
	}

	l.mu.Lock()
	l.active[ctrl] = struct{}{}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.active, ctrl)
		l.mu.Unlock()
	}()

	idleTimeout := l.cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultConfig().IdleTimeout
	}

	reassembler := wire.NewReassembler()
	buf := make([]byte, 64*1024)

	defer ctrl.Teardown(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			l.log.Debug("set read deadline failed", logging.Fields{"err": err})
			return
		}

		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Idle timeout: discard the half-received frame, keep
				// the connection open (§4.2, §5).
				reassembler.Reset()
				continue
			}
			// Orderly peer close or a hard I/O error: both converge on
			// the same teardown via the deferred call above.
			return
		}

		for _, frame := range reassembler.Feed(buf[:n]) {
			if abort := ctrl.ProcessFrame(ctx, frame); abort {
				return
			}
		}
	}
}

func peerAddr(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
