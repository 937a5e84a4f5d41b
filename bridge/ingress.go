package bridge

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/elly2178/lc2-curapacs/bus"
	"github.com/elly2178/lc2-curapacs/errors"
)

// maxIngressPayload bounds one ingress message; envelopes carry references,
// not DICOM data, so anything larger is garbage.
const maxIngressPayload = 64 * 1024

// ingressListener accepts envelopes from synchronous local callers on a unix
// domain socket and publishes them to the bus. One connection carries one
// envelope: dial, write, close.
type ingressListener struct {
	socketPath string
	listener   net.Listener
	bus        *bus.Bus
	logger     *slog.Logger
	metrics    *Metrics
	conns      sync.WaitGroup
}

func newIngressListener(socketPath string, messageBus *bus.Bus, logger *slog.Logger, metrics *Metrics) (*ingressListener, error) {
	// A previous unclean shutdown leaves the socket file behind
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.WrapFatal(err, "bridge", "newIngressListener", "remove stale socket")
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errors.WrapFatal(err, "bridge", "newIngressListener", "listen on socket")
	}

	return &ingressListener{
		socketPath: socketPath,
		listener:   listener,
		bus:        messageBus,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

func (l *ingressListener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				if !errors.Is(err, net.ErrClosed) {
					l.logger.Error("ingress accept failed", "error", err)
				}
			}
			return
		}
		// One stalled caller must not delay the next notifier; every
		// connection gets its own goroutine, bounded by the read deadline.
		l.conns.Add(1)
		go func() {
			defer l.conns.Done()
			l.handleConn(conn)
		}()
	}
}

// handleConn reads one envelope from the connection and publishes it
func (l *ingressListener) handleConn(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(io.LimitReader(conn, maxIngressPayload))
	if err != nil {
		l.logger.Warn("ingress read failed", "error", err)
		return
	}

	envelope, err := bus.Decode(data)
	if err != nil {
		l.logger.Warn("rejecting malformed ingress envelope", "error", err)
		return
	}

	if err := l.bus.Publish(envelope); err != nil {
		l.logger.Error("ingress publish failed", "type", envelope.Type, "error", err)
		return
	}
	if l.metrics != nil {
		l.metrics.ingressMessages.Inc()
	}
	l.logger.Debug("ingress envelope published", "type", envelope.Type, "message", envelope.ID)
}

func (l *ingressListener) close() {
	_ = l.listener.Close()
	l.conns.Wait()
	_ = os.Remove(l.socketPath)
}

// Notifier is the synchronous-side client of the ingress socket. HTTP
// handlers use it to hand an envelope to the bridge without touching the bus
// or the websocket machinery.
type Notifier struct {
	socketPath string
}

// NewNotifier creates a notifier for the ingress socket at socketPath
func NewNotifier(socketPath string) *Notifier {
	return &Notifier{socketPath: socketPath}
}

// Notify writes one envelope to the ingress socket: dial, write, close
func (n *Notifier) Notify(ctx context.Context, envelope bus.Envelope) error {
	data, err := envelope.Encode()
	if err != nil {
		return errors.Wrap(err, "Notifier", "Notify", "encode envelope")
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", n.socketPath)
	if err != nil {
		return errors.WrapTransient(err, "Notifier", "Notify", "dial ingress socket")
	}
	defer conn.Close()

	if _, err := conn.Write(data); err != nil {
		return errors.WrapTransient(err, "Notifier", "Notify", "write envelope")
	}
	return nil
}
