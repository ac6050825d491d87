// Package health implements the per-component liveness bitmask and
// its health socket: a unix socket that reads a one-byte command from
// each connection and replies with a bitmask where a set bit marks a
// registered component as unhealthy (or, for CmdDiagnose, with a JSON
// snapshot).
package health

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/Jeffail/gabs/v2"
	sf "github.com/wissance/stringFormatter"
	"go.uber.org/zap"

	"github.com/MaXinjian/lttng-relayd-core/internal/rerr"
)

// maxComponents bounds how many liveness bits a single Monitor tracks;
// the reply mask is a single u64.
const maxComponents = 64

// Component is a handle to one registered liveness bit.
type Component int

// Command is the one-byte request a client sends after connecting.
type Command byte

const (
	// CmdCheck requests the liveness bitmask; the reply is the 8-byte
	// big-endian mask.
	CmdCheck Command = iota + 1
	// CmdDiagnose requests a human-readable JSON snapshot.
	CmdDiagnose
)

// Monitor tracks the liveness of a fixed set of named components and
// serves the health-check protocol over a unix socket.
type Monitor struct {
	mu    sync.Mutex
	names []string

	// mask bit i set means component i is unhealthy.
	mask atomic.Uint64

	log *zap.Logger
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{log: zap.L().Named("health")}
}

// Register allocates the next liveness bit for a named component (e.g.
// "rotation-watcher", "notify-client"). Returns ResourceExhausted once
// maxComponents bits are in use.
func (m *Monitor) Register(name string) (Component, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.names) >= maxComponents {
		return 0, rerr.Wrap(rerr.ResourceExhausted, "health: component bitmask exhausted")
	}
	c := Component(len(m.names))
	m.names = append(m.names, name)
	m.log.Debug("component registered", zap.String("name", name), zap.Int("bit", int(c)))
	return c, nil
}

// MarkHealthy clears c's bit.
func (m *Monitor) MarkHealthy(c Component) {
	for {
		old := m.mask.Load()
		if old&(1<<uint(c)) == 0 {
			return
		}
		if m.mask.CompareAndSwap(old, old&^(1<<uint(c))) {
			return
		}
	}
}

// MarkUnhealthy sets c's bit.
func (m *Monitor) MarkUnhealthy(c Component) {
	for {
		old := m.mask.Load()
		if old&(1<<uint(c)) != 0 {
			return
		}
		if m.mask.CompareAndSwap(old, old|(1<<uint(c))) {
			return
		}
	}
}

// Snapshot returns the current bitmask, matching the wire reply of
// CmdCheck.
func (m *Monitor) Snapshot() uint64 { return m.mask.Load() }

// Diagnose builds a structured JSON snapshot for CmdDiagnose.
func (m *Monitor) Diagnose() *gabs.Container {
	m.mu.Lock()
	names := append([]string(nil), m.names...)
	m.mu.Unlock()

	mask := m.Snapshot()
	doc := gabs.New()
	components, _ := doc.Array("components")
	for i, name := range names {
		entry := gabs.New()
		entry.Set(name, "name")
		entry.Set(mask&(1<<uint(i)) == 0, "healthy")
		components.ArrayAppend(entry.Data())
	}
	doc.Set(mask, "mask")
	return doc
}

// ServeUnix listens on path and answers CmdCheck/CmdDiagnose requests
// until ctx is cancelled: accept, receive one command, reply, close.
func ServeUnix(ctx context.Context, path string, mon *Monitor) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return rerr.Wrap(rerr.IoFailure, sf.Format("health: listen on {0} failed: {1}", path, err))
	}
	defer os.Remove(path)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log := mon.log
	log.Info("health socket ready", zap.String("path", path))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return rerr.Wrap(rerr.IoFailure, sf.Format("health: accept failed: {0}", err))
		}
		go handleConn(conn, mon, log)
	}
}

func handleConn(conn net.Conn, mon *Monitor, log *zap.Logger) {
	defer conn.Close()

	var cmdBuf [1]byte
	if _, err := conn.Read(cmdBuf[:]); err != nil {
		log.Debug("nothing received from health client, closing")
		return
	}

	switch Command(cmdBuf[0]) {
	case CmdDiagnose:
		payload := []byte(mon.Diagnose().String())
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		conn.Write(lenBuf[:])
		conn.Write(payload)
	default:
		var reply [8]byte
		binary.BigEndian.PutUint64(reply[:], mon.Snapshot())
		if _, err := conn.Write(reply[:]); err != nil {
			log.Debug("failed to send health reply", zap.Error(err))
		}
	}
}
