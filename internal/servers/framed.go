package servers

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/scheerer/ambilightd/internal/bus"
	"github.com/scheerer/ambilightd/internal/muxer"
)

// maxFrameSize bounds one length-prefixed frame; raw capture frames
// dominate the size.
const maxFrameSize = 16 << 20

// FramedRequest is the codec-independent form of one decoded frame.
// Register announces the connection's identity and default priority;
// otherwise Message carries the input push.
type FramedRequest struct {
	Register bool
	Origin   string
	Priority uint8

	Message bus.InputMessage
}

// FramedReply is encoded back to the client after every frame.
type FramedReply struct {
	Success    bool
	Error      string
	Registered int32 // echoed registration priority, -1 when not registered
}

// Codec translates between one wire frame and the request/reply model.
// The binary formats themselves live outside this package; a codec is
// plugged in per listening port.
type Codec interface {
	Name() string
	Decode(frame []byte) (FramedRequest, error)
	Encode(reply FramedReply) ([]byte, error)
}

var (
	codecMu sync.RWMutex
	codecs  = make(map[string]Codec)
)

// RegisterCodec makes a codec available by name. Typically called from
// an init function in the package providing the wire format.
func RegisterCodec(codec Codec) {
	codecMu.Lock()
	defer codecMu.Unlock()
	codecs[codec.Name()] = codec
}

// LookupCodec resolves a registered codec by name.
func LookupCodec(name string) (Codec, bool) {
	codecMu.RLock()
	defer codecMu.RUnlock()
	codec, ok := codecs[name]
	return codec, ok
}

// CodecNames lists the registered codecs in sorted order.
func CodecNames() []string {
	codecMu.RLock()
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	codecMu.RUnlock()
	sort.Strings(names)
	return names
}

// FramedServer reads 4-byte big-endian length-prefixed frames and runs
// them through its codec. One codec instance serves every connection.
type FramedServer struct {
	tcp   *tcpServer
	deps  Deps
	codec Codec
}

func NewFramed(opts Options, deps Deps, codec Codec) *FramedServer {
	s := &FramedServer{deps: deps, codec: codec}
	s.tcp = newTCPServer(codec.Name(), opts, s.handle)
	return s
}

func (s *FramedServer) Start(ctx context.Context) error { return s.tcp.Start(ctx) }
func (s *FramedServer) Stop()                           { s.tcp.Stop() }
func (s *FramedServer) Addr() net.Addr                  { return s.tcp.Addr() }

type framedConn struct {
	deps     Deps
	source   bus.SourceID
	perms    bus.Permissions
	priority uint8
	// registered holds the announced priority, -1 before registration.
	registered int32
}

func (s *FramedServer) handle(ctx context.Context, conn net.Conn) {
	origin := s.codec.Name() + "/" + conn.RemoteAddr().String()
	perms := bus.DefaultPermissions()
	source, err := s.deps.Bus.RegisterSource(s.codec.Name(), origin, perms)
	if err != nil {
		logger.Warnw("source registration failed", "origin", origin, "error", err)
		return
	}
	defer s.deps.Bus.UnregisterSource(source)

	c := &framedConn{deps: s.deps, source: source, perms: perms, registered: -1}

	idle := s.tcp.opts.idleTimeout()
	var header [4]byte
	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}

		size := binary.BigEndian.Uint32(header[:])
		if size == 0 || size > maxFrameSize {
			logger.Warnw("bad frame size", "origin", origin, "size", size)
			return
		}

		frame := make([]byte, size)
		if _, err := io.ReadFull(conn, frame); err != nil {
			return
		}

		req, err := s.codec.Decode(frame)
		var reply FramedReply
		if err != nil {
			// A frame the codec cannot parse poisons the stream.
			logger.Warnw("bad frame", "origin", origin, "error", err)
			reply = FramedReply{Error: err.Error(), Registered: c.registered}
			_ = s.writeReply(conn, reply)
			return
		}

		reply = c.process(req)
		if err := s.writeReply(conn, reply); err != nil {
			return
		}
	}
}

func (s *FramedServer) writeReply(conn net.Conn, reply FramedReply) error {
	payload, err := s.codec.Encode(reply)
	if err != nil {
		return err
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := conn.Write(header[:]); err != nil {
		return err
	}
	_, err = conn.Write(payload)
	return err
}

func (c *framedConn) process(req FramedRequest) FramedReply {
	if req.Register {
		c.priority = req.Priority
		c.registered = int32(req.Priority)
		return FramedReply{Success: true, Registered: c.registered}
	}

	msg := req.Message
	msg.Source = c.source
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Priority == 0 && c.registered >= 0 {
		msg.Priority = c.priority
	}

	switch msg.Kind {
	case bus.KindClearAll, bus.KindClear:
	case bus.KindSolidColor, bus.KindImage, bus.KindLedColors:
		if msg.Priority == muxer.ReservedPriority {
			return FramedReply{
				Error:      fmt.Sprintf("priority %d is reserved", msg.Priority),
				Registered: c.registered,
			}
		}
		if !c.perms.Allows(msg.Priority) {
			return FramedReply{
				Error:      fmt.Sprintf("not authorized for priority %d", msg.Priority),
				Registered: c.registered,
			}
		}
	default:
		return FramedReply{
			Error:      fmt.Sprintf("unsupported message kind %q", msg.Kind),
			Registered: c.registered,
		}
	}

	c.deps.Bus.PublishInput(msg)
	return FramedReply{Success: true, Registered: c.registered}
}
