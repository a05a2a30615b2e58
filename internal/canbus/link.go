package canbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// State is a Link's lifecycle state, per spec §3: Closed -> Connecting ->
// Handshaking -> Up -> (Reconnecting -> Handshaking)* -> Closed. Fault is a
// terminal state reached only from a fatal onUp error (spec §4.2.1's version
// mismatch): outbound traffic halts, but the socket is left open rather than
// closed, so the link stays available for diagnostics.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateHandshaking
	StateUp
	StateReconnecting
	StateFault
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateUp:
		return "up"
	case StateReconnecting:
		return "reconnecting"
	case StateFault:
		return "fault"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrTransportDown is returned by Send when the link is not Up.
var ErrTransportDown = errors.New("canbus: transport down")

// FatalHandshakeError marks an onUp failure that must not be retried: Run
// halts in StateFault instead of reconnecting. onUp wraps the underlying
// cause (e.g. protocol.ErrVersionMismatch) in one; Run detects it with
// errors.As.
type FatalHandshakeError struct {
	Err error
}

func (e *FatalHandshakeError) Error() string { return "canbus: fatal handshake error: " + e.Err.Error() }

func (e *FatalHandshakeError) Unwrap() error { return e.Err }

const (
	backoffMin = 1 * time.Second
	backoffMax = 30 * time.Second
	staleAfter = 5 * time.Second
)

type outboundFrame struct {
	frame  Frame
	result chan error
}

// Link is the single owner of the CAN socket, the outbound queue, and the
// reconnect policy of spec §4.1. Upper layers (the protocol engine) observe
// its state via StateChanges and its inbound frames via Inbound, and call
// Send/SendHeartbeat to transmit.
type Link struct {
	sock Socket

	mu         sync.Mutex
	state      State
	lastRxTime time.Time
	seq        uint8
	faultErr   error

	inbound    chan Frame
	normalCh   chan outboundFrame
	priorityCh chan outboundFrame
	stateCh    chan State

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewLink creates a Link around sock. Call Run to start the receive/send/
// reconnect loops; it returns when ctx is cancelled.
func NewLink(sock Socket) *Link {
	return &Link{
		sock:       sock,
		state:      StateClosed,
		inbound:    make(chan Frame, 64),
		normalCh:   make(chan outboundFrame, 64),
		priorityCh: make(chan outboundFrame, 4),
		stateCh:    make(chan State, 8),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Inbound is the channel of frames received from the bus, in arrival order
// per spec §5 ordering guarantee (a).
func (l *Link) Inbound() <-chan Frame { return l.inbound }

// StateChanges is the channel of Link state transitions.
func (l *Link) StateChanges() <-chan State { return l.stateCh }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	select {
	case l.stateCh <- s:
	default:
		slog.Warn("canbus: state change channel full, dropping notification", "state", s)
	}
}

// NextSeq returns the next correlation sequence number, incrementing
// monotonically modulo 256 per spec §3's Link invariant.
func (l *Link) NextSeq() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.seq
	l.seq++
	return v
}

// FaultError reports the cause of a StateFault transition, or nil if the
// link has never faulted.
func (l *Link) FaultError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.faultErr
}

// LastRx reports the time the most recent inbound frame (of any kind) was
// observed, used by the protocol engine's heartbeat-staleness check.
func (l *Link) LastRx() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRxTime
}

// Send enqueues a command frame for transmission and waits for the write
// result. It makes a single attempt and does not retry; any retry policy
// (spec §4.2.4's 3-retry) is the caller's to apply. Send fails fast with
// ErrTransportDown if the link is not Up.
func (l *Link) Send(f Frame) error {
	return l.send(l.normalCh, f)
}

// SendHeartbeat enqueues a heartbeat frame with drop-on-backpressure
// semantics: spec §4.1 says heartbeats drop rather than block or retry.
func (l *Link) SendHeartbeat(f Frame) {
	if l.State() != StateUp {
		return
	}
	select {
	case l.priorityCh <- outboundFrame{frame: f}:
	default:
		slog.Warn("canbus: heartbeat dropped, outbound queue busy")
	}
}

func (l *Link) send(ch chan outboundFrame, f Frame) error {
	if l.State() != StateUp {
		return ErrTransportDown
	}
	result := make(chan error, 1)
	select {
	case ch <- outboundFrame{frame: f, result: result}:
	case <-l.stopCh:
		return ErrTransportDown
	}
	return <-result
}

// Run drives the receive loop, the send loop (with heartbeat-at-head
// priority per spec §5), and the auto-reconnect loop. It blocks until ctx
// is done, then closes the socket last, per spec §5's shutdown ordering.
// If onUp returns a FatalHandshakeError, Run returns early in StateFault
// and leaves the socket open.
func (l *Link) Run(ctx context.Context, onUp func(ctx context.Context) error) {
	defer close(l.doneCh)

	bo := &backoff.Backoff{Min: backoffMin, Max: backoffMax, Factor: 2, Jitter: true}

	for {
		if ctx.Err() != nil {
			l.setState(StateClosed)
			l.sock.Close()
			return
		}

		l.setState(StateConnecting)
		if err := l.sock.Open(); err != nil {
			slog.Error("canbus: failed to open socket, backing off", "error", err)
			if !sleepCtx(ctx, bo.Duration()) {
				return
			}
			continue
		}

		l.setState(StateHandshaking)
		runCtx, cancel := context.WithCancel(ctx)
		recvDone := make(chan struct{})
		go func() {
			defer close(recvDone)
			l.recvLoop(runCtx, cancel)
		}()
		sendDone := make(chan struct{})
		go func() {
			defer close(sendDone)
			l.sendLoop(runCtx)
		}()

		if onUp != nil {
			if err := onUp(runCtx); err != nil {
				var fatal *FatalHandshakeError
				if errors.As(err, &fatal) {
					slog.Error("canbus: fatal handshake error, halting outbound traffic", "error", fatal.Err)
					l.mu.Lock()
					l.faultErr = fatal.Err
					l.mu.Unlock()
					l.drainQueues(ErrTransportDown)
					l.setState(StateFault)
					// Leave the socket open and recv/send loops running per
					// spec §7: outbound halts (Send already fails fast once
					// state isn't Up) but the link stays up for diagnostics.
					return
				}
				slog.Warn("canbus: handshake failed, reconnecting", "error", err)
				cancel()
				l.sock.Close()
				<-recvDone
				<-sendDone
				l.drainQueues(ErrTransportDown)
				if !sleepCtx(ctx, bo.Duration()) {
					return
				}
				continue
			}
		}

		bo.Reset()
		l.setState(StateUp)

		select {
		case <-ctx.Done():
			cancel()
			l.sock.Close()
			<-recvDone
			<-sendDone
			l.drainQueues(ErrTransportDown)
			l.setState(StateClosed)
			return
		case <-runCtx.Done():
			// recv/send loop observed an I/O failure; reconnect.
		}

		l.setState(StateReconnecting)
		cancel()
		l.sock.Close()
		<-recvDone
		<-sendDone
		l.drainQueues(ErrTransportDown)
		if !sleepCtx(ctx, bo.Duration()) {
			return
		}
	}
}

func (l *Link) recvLoop(ctx context.Context, cancel context.CancelFunc) {
	errCh := make(chan error, 1)
	frameCh := make(chan Frame, 1)
	go func() {
		for {
			f, err := l.sock.Recv()
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
			select {
			case frameCh <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			slog.Warn("canbus: receive error", "error", err)
			cancel()
			return
		case f := <-frameCh:
			l.mu.Lock()
			l.lastRxTime = time.Now()
			l.mu.Unlock()
			select {
			case l.inbound <- f:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (l *Link) sendLoop(ctx context.Context) {
	for {
		// Heartbeats are inserted at the head of the queue: prefer the
		// priority channel whenever it has something ready, per §5.
		select {
		case of := <-l.priorityCh:
			l.write(of)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case of := <-l.priorityCh:
			l.write(of)
		case of := <-l.normalCh:
			l.write(of)
		}
	}
}

func (l *Link) write(of outboundFrame) {
	err := l.sock.Send(of.frame)
	if of.result != nil {
		of.result <- err
	}
	if err != nil {
		slog.Warn("canbus: send error", "error", err, "frame", of.frame)
	}
}

func (l *Link) drainQueues(err error) {
	for {
		select {
		case of := <-l.normalCh:
			if of.result != nil {
				of.result <- err
			}
		case of := <-l.priorityCh:
			if of.result != nil {
				of.result <- err
			}
		default:
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
