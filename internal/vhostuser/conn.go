package vhostuser

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// maxFDs is the most descriptors any single message carries.
const maxFDs = MaxMemoryRegions

// Conn frames vhost-user messages on a Unix stream socket and moves
// descriptors with SCM_RIGHTS.
type Conn struct {
	c *net.UnixConn
}

// NewConn wraps an established Unix socket connection.
func NewConn(c *net.UnixConn) *Conn {
	return &Conn{c: c}
}

// FileConn wraps a raw socket descriptor. The descriptor is consumed.
func FileConn(fd int) (*Conn, error) {
	f := os.NewFile(uintptr(fd), "vhost-user")
	defer f.Close()

	nc, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		nc.Close()
		return nil, fmt.Errorf("descriptor %d is not a unix socket", fd)
	}
	return NewConn(uc), nil
}

// Pipe returns both ends of a connected socket pair.
func Pipe() (*Conn, *Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	a, err := FileConn(fds[0])
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := FileConn(fds[1])
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

// WriteMessage sends header, payload and descriptors in one sendmsg.
func (c *Conn) WriteMessage(m *Message) error {
	if len(m.FDs) > maxFDs {
		return fmt.Errorf("%s: %d descriptors, limit %d", m.Request, len(m.FDs), maxFDs)
	}
	m.Size = uint32(len(m.Payload))

	buf := make([]byte, HeaderSize+len(m.Payload))
	m.Header.put(buf)
	copy(buf[HeaderSize:], m.Payload)

	var oob []byte
	if len(m.FDs) > 0 {
		oob = unix.UnixRights(m.FDs...)
	}

	n, oobn, err := c.c.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return err
	}
	if oobn != len(oob) {
		return fmt.Errorf("%s: descriptors not transferred", m.Request)
	}
	if n < len(buf) {
		// Ancillary data went out with the first chunk.
		if _, err := c.c.Write(buf[n:]); err != nil {
			return err
		}
	}
	return nil
}

// ReadMessage reads one complete message. Descriptors received with it are
// owned by the caller.
func (c *Conn) ReadMessage() (*Message, error) {
	var hdr [HeaderSize]byte
	oob := make([]byte, unix.CmsgSpace(maxFDs*4))

	n, oobn, _, _, err := c.c.ReadMsgUnix(hdr[:], oob)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, err
	}

	if n < HeaderSize {
		if _, err := io.ReadFull(c.c, hdr[n:]); err != nil {
			closeFDs(fds)
			return nil, err
		}
	}

	m := &Message{Header: parseHeader(hdr[:]), FDs: fds}
	if m.Size > MaxPayloadSize {
		closeFDs(fds)
		return nil, fmt.Errorf("%s: payload of %d bytes exceeds %d", m.Request, m.Size, MaxPayloadSize)
	}
	if m.Size > 0 {
		m.Payload = make([]byte, m.Size)
		if _, err := io.ReadFull(c.c, m.Payload); err != nil {
			closeFDs(fds)
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return m, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for i := range scms {
		got, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			closeFDs(fds)
			return nil, fmt.Errorf("parse rights: %w", err)
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// SetDeadline bounds the next reads and writes. The zero time clears it.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.c.SetDeadline(t)
}

// Close closes the socket.
func (c *Conn) Close() error {
	return c.c.Close()
}
