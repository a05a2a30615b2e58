package canbus

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// wireFrameSize matches Linux struct can_frame: canid_t can_id (4 bytes),
// __u8 can_dlc, 3 bytes padding, __u8 data[8].
const wireFrameSize = 16

// Socket is anything capable of exchanging raw CAN frames. SocketCAN is the
// Linux implementation; FakeSocket is an in-memory double used in tests, the
// same real/fake split the teacher uses for bluetooth.Adapter.
type Socket interface {
	Open() error
	Close() error
	Send(Frame) error
	Recv() (Frame, error)
}

// SocketCAN is a Linux AF_CAN/SOCK_RAW/CAN_RAW socket bound to a named
// interface (e.g. "can0"), per spec §6's "can.interface" configuration.
type SocketCAN struct {
	ifaceName string
	fd        int
}

// NewSocketCAN returns a SocketCAN bound to the named interface on Open.
func NewSocketCAN(ifaceName string) *SocketCAN {
	return &SocketCAN{ifaceName: ifaceName, fd: -1}
}

func (s *SocketCAN) Open() error {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("canbus: opening raw CAN socket: %w", err)
	}

	iface, err := net.InterfaceByName(s.ifaceName)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("canbus: resolving interface %q: %w", s.ifaceName, err)
	}

	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("canbus: binding to interface %q: %w", s.ifaceName, err)
	}

	s.fd = fd
	return nil
}

func (s *SocketCAN) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	if err != nil {
		return fmt.Errorf("canbus: closing socket: %w", err)
	}
	return nil
}

func (s *SocketCAN) Send(f Frame) error {
	if s.fd < 0 {
		return fmt.Errorf("canbus: socket not open")
	}
	buf := make([]byte, wireFrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.ID))
	buf[4] = f.Len
	copy(buf[8:8+f.Len], f.Data[:f.Len])
	if _, err := unix.Write(s.fd, buf); err != nil {
		return fmt.Errorf("canbus: writing frame: %w", err)
	}
	return nil
}

func (s *SocketCAN) Recv() (Frame, error) {
	var f Frame
	if s.fd < 0 {
		return f, fmt.Errorf("canbus: socket not open")
	}
	buf := make([]byte, wireFrameSize)
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		return f, fmt.Errorf("canbus: reading frame: %w", err)
	}
	if n < wireFrameSize {
		return f, fmt.Errorf("canbus: short frame read (%d bytes)", n)
	}
	f.ID = uint16(binary.LittleEndian.Uint32(buf[0:4]) & 0x7FF)
	f.Len = buf[4]
	if f.Len > MaxPayload {
		f.Len = MaxPayload
	}
	copy(f.Data[:], buf[8:8+f.Len])
	return f, nil
}

// FakeSocket is an in-memory Socket used by tests and by the protocol
// engine's own test suite to simulate a paired cabinet without real
// hardware. Frames written with Send are available to the test via Sent();
// frames queued with Inject become visible to Recv.
type FakeSocket struct {
	mu        sync.Mutex
	open      bool
	openCount int
	sent      []Frame
	inject    chan Frame
	closed    chan struct{}
}

func NewFakeSocket() *FakeSocket {
	return &FakeSocket{
		inject: make(chan Frame, 256),
		closed: make(chan struct{}),
	}
}

func (s *FakeSocket) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	s.openCount++
	s.closed = make(chan struct{})
	return nil
}

// OpenCount reports how many times Open has been called, for tests asserting
// a Link did or did not attempt to reconnect.
func (s *FakeSocket) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openCount
}

func (s *FakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		close(s.closed)
	}
	s.open = false
	return nil
}

func (s *FakeSocket) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return fmt.Errorf("canbus: fake socket not open")
	}
	s.sent = append(s.sent, f)
	return nil
}

func (s *FakeSocket) Recv() (Frame, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	select {
	case f := <-s.inject:
		return f, nil
	case <-closed:
		return Frame{}, fmt.Errorf("canbus: fake socket closed")
	}
}

// Inject makes f available to the next Recv call, simulating an inbound
// frame from the cabinet.
func (s *FakeSocket) Inject(f Frame) {
	s.inject <- f
}

// Sent returns a copy of every frame handed to Send so far.
func (s *FakeSocket) Sent() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.sent))
	copy(out, s.sent)
	return out
}
