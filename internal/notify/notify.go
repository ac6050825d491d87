// Package notify implements the notification-channel client: a duplex
// client over a length-prefixed framed socket, with a
// bounded, drop-marking pending queue and a handshake/subscribe/
// unsubscribe protocol.
package notify

import (
	"bufio"
	"container/list"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/MaXinjian/lttng-relayd-core/internal/rerr"
)

// MsgType is the header's one-byte message type.
type MsgType uint8

const (
	MsgHandshake MsgType = iota + 1
	MsgSubscribe
	MsgUnsubscribe
	MsgCommandReply
	MsgNotification
	MsgNotificationDropped
)

// DefaultMaxQueued is the bound on the pending-notifications FIFO,
// used unless internal/config overrides it.
const DefaultMaxQueued = 64

// maxPayloadSize guards against a malformed/hostile header claiming an
// absurd payload size.
const maxPayloadSize = 16 << 20

// Header is the wire frame header: {type: u8, size: u32 LE, fds: u32
// LE}.
type Header struct {
	Type MsgType
	Size uint32
	Fds  uint32
}

const headerSize = 1 + 4 + 4

// Notification is one decoded NOTIFICATION message.
type Notification struct {
	Payload []byte
	Fds     []int
}

type pendingEntry struct {
	// notification == nil means this entry is a drop-marker.
	notification *Notification
}

type frame struct {
	header  Header
	payload []byte
}

// Channel is a notification-channel client connection.
type Channel struct {
	id uuid.UUID

	conn net.Conn
	r    *bufio.Reader

	mu        sync.Mutex
	pending   *list.List // of *pendingEntry
	maxQueued int

	versionSet                 bool
	versionMajor, versionMinor uint32
}

// Connect dials addr and wraps the resulting connection as a notification
// channel, retrying the connect attempt briefly — this only retries
// the transport-level connect, never a protocol decision.
func Connect(ctx context.Context, network, addr string, maxQueued int) (*Channel, error) {
	if maxQueued <= 0 {
		maxQueued = DefaultMaxQueued
	}

	var conn net.Conn
	err := retry.Do(
		func() error {
			c, dialErr := (&net.Dialer{}).DialContext(ctx, network, addr)
			if dialErr != nil {
				return dialErr
			}
			conn = c
			return nil
		},
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}

	return &Channel{
		id:        uuid.New(),
		conn:      conn,
		r:         bufio.NewReader(conn),
		pending:   list.New(),
		maxQueued: maxQueued,
	}, nil
}

// Close closes the underlying connection.
func (c *Channel) Close() error { return c.conn.Close() }

// ID is an internal correlation identifier for this channel instance, not
// part of the wire protocol.
func (c *Channel) ID() uuid.UUID { return c.id }

// Version reports the negotiated {major, minor} set by Handshake.
func (c *Channel) Version() (major, minor uint32, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versionMajor, c.versionMinor, c.versionSet
}

func (c *Channel) sendLocked(t MsgType, payload []byte, fds []int) error {
	var hdr [headerSize]byte
	hdr[0] = byte(t)
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(len(fds)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return err
		}
	}
	// File descriptors travel as ancillary data on the underlying unix
	// socket; encoding that is the transport's job, not this client's.
	return nil
}

func (c *Channel) receiveOneLocked() (frame, error) {
	var hdrBuf [headerSize]byte
	if _, err := io.ReadFull(c.r, hdrBuf[:]); err != nil {
		return frame{}, err
	}
	size := binary.LittleEndian.Uint32(hdrBuf[1:5])
	if size > maxPayloadSize {
		return frame{}, rerr.Wrap(rerr.ProtocolViolation, protocolViolationDiag("oversize header", MsgType(hdrBuf[0]), size))
	}
	fds := binary.LittleEndian.Uint32(hdrBuf[5:9])
	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return frame{}, err
		}
	}
	return frame{header: Header{Type: MsgType(hdrBuf[0]), Size: size, Fds: fds}, payload: payload}, nil
}

// Handshake sends HANDSHAKE with the client's {major,minor};
// intermediate NOTIFICATION/NOTIFICATION_DROPPED replies are enqueued; the chain terminates at COMMAND_REPLY. A HANDSHAKE-typed
// reply along the way sets the negotiated version. Fails if the version
// was never set or the major version does not match.
func (c *Channel) Handshake(major, minor uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], major)
	binary.LittleEndian.PutUint32(payload[4:8], minor)
	if err := c.sendLocked(MsgHandshake, payload, nil); err != nil {
		return err
	}

handshakeLoop:
	for {
		f, err := c.receiveOneLocked()
		if err != nil {
			return err
		}
		switch f.header.Type {
		case MsgNotification, MsgNotificationDropped:
			c.enqueueLocked(f)
		case MsgHandshake:
			if len(f.payload) < 8 {
				return rerr.Wrap(rerr.ProtocolViolation, "notify: short handshake reply")
			}
			c.versionMajor = binary.LittleEndian.Uint32(f.payload[0:4])
			c.versionMinor = binary.LittleEndian.Uint32(f.payload[4:8])
			c.versionSet = true
		case MsgCommandReply:
			break handshakeLoop
		default:
			return rerr.Wrap(rerr.ProtocolViolation, protocolViolationDiag("unexpected message during handshake", f.header.Type, f.header.Size))
		}
	}

	if !c.versionSet {
		return rerr.Wrap(rerr.ProtocolViolation, "notify: handshake never set a version")
	}
	if c.versionMajor != major {
		return rerr.Wrap(rerr.ProtocolViolation, "notify: handshake major version mismatch")
	}
	return nil
}

// Subscribe registers a serialized condition (plus optional fds) with
// the server; notifications interleaved before the COMMAND_REPLY are
// enqueued.
func (c *Channel) Subscribe(condition []byte, fds []int) error {
	return c.command(MsgSubscribe, condition, fds)
}

// Unsubscribe removes a previously subscribed condition.
func (c *Channel) Unsubscribe(condition []byte, fds []int) error {
	return c.command(MsgUnsubscribe, condition, fds)
}

func (c *Channel) command(t MsgType, payload []byte, fds []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sendLocked(t, payload, fds); err != nil {
		return err
	}

cmdLoop:
	for {
		f, err := c.receiveOneLocked()
		if err != nil {
			return err
		}
		switch f.header.Type {
		case MsgNotification, MsgNotificationDropped:
			c.enqueueLocked(f)
		case MsgCommandReply:
			break cmdLoop
		default:
			return rerr.Wrap(rerr.ProtocolViolation, protocolViolationDiag("unexpected message during command", f.header.Type, f.header.Size))
		}
	}
	return nil
}

// ReceiveNext delivers from the FIFO if
// non-empty (a NULL-notification entry means drops occurred here);
// otherwise block on the socket, receive exactly one framed message, and
// produce either a notification or a dropped marker.
func (c *Channel) ReceiveNext() (n *Notification, dropped bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.pending.Front(); e != nil {
		c.pending.Remove(e)
		entry := e.Value.(*pendingEntry)
		if entry.notification == nil {
			return nil, true, nil
		}
		return entry.notification, false, nil
	}

	f, err := c.receiveOneLocked()
	if err != nil {
		return nil, false, err
	}
	switch f.header.Type {
	case MsgNotificationDropped:
		return nil, true, nil
	case MsgNotification:
		return &Notification{Payload: f.payload}, false, nil
	default:
		return nil, false, rerr.Wrap(rerr.ProtocolViolation, protocolViolationDiag("unexpected message while receiving", f.header.Type, f.header.Size))
	}
}

// protocolViolationDiag builds a small JSON diagnostic document for a
// framing violation, keeping the fields structured instead of
// flattening them into a one-line string.
func protocolViolationDiag(reason string, msgType MsgType, size uint32) string {
	doc := gabs.New()
	doc.Set("notify", "component")
	doc.Set(reason, "reason")
	doc.Set(uint8(msgType), "type")
	doc.Set(size, "size")
	return doc.String()
}

// HasPending is a non-blocking check (it polls the socket for at most
// a millisecond). FIFO
// non-empty reports true immediately; if the socket is not readable it
// reports false; if the socket is readable, receive exactly one message,
// enqueue it, and report true.
func (c *Channel) HasPending() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending.Len() > 0 {
		return true, nil
	}

	ready, err := c.readableLocked(0)
	if err != nil {
		return false, err
	}
	if !ready {
		return false, nil
	}

	f, err := c.receiveOneLocked()
	if err != nil {
		return false, err
	}
	c.enqueueLocked(f)
	return true, nil
}

// readableLocked reports whether a message can be read within d. A
// deadline that has already passed fails every read before the socket is
// looked at, so d <= 0 polls with a one-millisecond deadline instead. It
// uses a deadline-bounded Peek so the byte(s) it observes remain
// buffered for the subsequent real read.
func (c *Channel) readableLocked(d time.Duration) (bool, error) {
	if d <= 0 {
		d = time.Millisecond
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return false, err
	}
	defer c.conn.SetReadDeadline(time.Time{})

	_, err := c.r.Peek(1)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Channel) enqueueLocked(f frame) {
	switch f.header.Type {
	case MsgNotification:
		c.enqueueNotificationLocked(&Notification{Payload: f.payload})
	case MsgNotificationDropped:
		c.enqueueDropLocked()
	}
}

// enqueueNotificationLocked and enqueueDropLocked implement the
// bounded-queue policy: at capacity, a fresh notification does not
// grow the FIFO — it collapses the last entry into a drop-marker (if it
// isn't one already); a NOTIFICATION_DROPPED always produces a
// drop-marker, collapsed with an adjacent one.
func (c *Channel) enqueueNotificationLocked(n *Notification) {
	if c.pending.Len() >= c.maxQueued {
		c.collapseLastIntoDropLocked()
		return
	}
	c.pending.PushBack(&pendingEntry{notification: n})
}

func (c *Channel) enqueueDropLocked() {
	if last := c.pending.Back(); last != nil && last.Value.(*pendingEntry).notification == nil {
		return // already a marker; collapse
	}
	if c.pending.Len() >= c.maxQueued {
		c.collapseLastIntoDropLocked()
		return
	}
	c.pending.PushBack(&pendingEntry{})
}

func (c *Channel) collapseLastIntoDropLocked() {
	if last := c.pending.Back(); last != nil {
		last.Value.(*pendingEntry).notification = nil
		return
	}
	// maxQueued == 0: nothing fits, but the drop must still be visible.
	c.pending.PushBack(&pendingEntry{})
}

// PendingLen reports the current FIFO length, for tests and diagnostics.
func (c *Channel) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}
