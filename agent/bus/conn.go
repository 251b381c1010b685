package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

const network = "unixpacket"

// MaxMessageSize is the largest datagram Receive accepts.
const MaxMessageSize = 256 * 1024

// MaxFDs is the largest number of descriptors attached to one message.
const MaxFDs = 16

var (
	// ErrUnavailable means no executor is listening at the socket path.
	ErrUnavailable = errors.New("executor unavailable")
	// ErrProtocol means a datagram could not be received intact.
	ErrProtocol = errors.New("protocol error")
)

// Conn is one end of a bus connection. Send and Receive may be called concurrently with each other.
type Conn struct {
	conn *net.UnixConn

	sendMut sync.Mutex
	recvMut sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newConn(c *net.UnixConn) *Conn {
	return &Conn{conn: c}
}

// Dial connects to the executor socket at path.
func Dial(ctx context.Context, path string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, path)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: dialing %s: %w", ErrUnavailable, path, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", path, err)
	}
	return newConn(c.(*net.UnixConn)), nil
}

// Pair returns two connected Conns. It is used by tests and by in-process clients.
func Pair() (*Conn, *Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("creating socket pair: %w", err)
	}
	a, err := fileConn(fds[0], "bus-pair-a")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := fileConn(fds[1], "bus-pair-b")
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func fileConn(fd int, name string) (*Conn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrapping socket: %w", err)
	}
	return newConn(c.(*net.UnixConn)), nil
}

// Send writes msg as a single datagram with files attached.
func (c *Conn) Send(msg []byte, files ...*os.File) error {
	if len(msg) > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds %d", len(msg), MaxMessageSize)
	}
	if len(files) > MaxFDs {
		return fmt.Errorf("%d descriptors exceeds %d", len(files), MaxFDs)
	}
	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fd, err := rawFD(f)
			if err != nil {
				return fmt.Errorf("descriptor %d: %w", i, err)
			}
			fds[i] = fd
		}
		oob = unix.UnixRights(fds...)
	}

	c.sendMut.Lock()
	defer c.sendMut.Unlock()
	n, oobn, err := c.conn.WriteMsgUnix(msg, oob, nil)
	runtime.KeepAlive(files)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	if n != len(msg) || oobn != len(oob) {
		return fmt.Errorf("%w: short write (%d/%d bytes, %d/%d control bytes)", ErrProtocol, n, len(msg), oobn, len(oob))
	}
	return nil
}

// Receive reads one datagram and the descriptors attached to it.
// It returns io.EOF once the peer has closed the connection.
func (c *Conn) Receive() ([]byte, []*os.File, error) {
	c.recvMut.Lock()
	defer c.recvMut.Unlock()

	buf := make([]byte, MaxMessageSize)
	oob := make([]byte, unix.CmsgSpace(MaxFDs*4))
	n, oobn, flags, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) {
			return nil, nil, io.EOF
		}
		return nil, nil, fmt.Errorf("receiving message: %w", err)
	}

	files, parseErr := parseRights(oob[:oobn])
	switch {
	case parseErr != nil:
		closeFiles(files)
		return nil, nil, fmt.Errorf("%w: %w", ErrProtocol, parseErr)
	case flags&unix.MSG_CTRUNC != 0:
		closeFiles(files)
		return nil, nil, fmt.Errorf("%w: control data truncated", ErrProtocol)
	case flags&unix.MSG_TRUNC != 0:
		closeFiles(files)
		return nil, nil, fmt.Errorf("%w: message truncated", ErrProtocol)
	}
	if n == 0 && len(files) == 0 {
		return nil, nil, io.EOF
	}
	return buf[:n:n], files, nil
}

// PeerCredentials reports the identity of the process at the other end.
func (c *Conn) PeerCredentials() (Credentials, error) {
	return peerCredentials(c.conn)
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}

// CloseFiles closes every non-nil file, for callers discarding received descriptors.
func CloseFiles(files []*os.File) { closeFiles(files) }

func closeFiles(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parsing control message: %w", err)
	}
	var files []*os.File
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return files, fmt.Errorf("parsing rights: %w", err)
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), fmt.Sprintf("received-fd-%d", fd)))
		}
	}
	return files, nil
}

// rawFD returns f's descriptor without changing its blocking mode, which f.Fd would do.
// The descriptor is only valid while f is open.
func rawFD(f *os.File) (int, error) {
	if f == nil {
		return -1, errors.New("nil file")
	}
	rc, err := f.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(u uintptr) { fd = int(u) }); err != nil {
		return -1, err
	}
	return fd, nil
}
