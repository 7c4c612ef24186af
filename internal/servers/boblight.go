package servers

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/scheerer/ambilightd/internal/bus"
	"github.com/scheerer/ambilightd/internal/color"
	"github.com/scheerer/ambilightd/internal/muxer"
)

// boblightDefaultPriority is where boblight clients land unless they
// ask for something else.
const boblightDefaultPriority = 128

// BoblightServer speaks the line-oriented boblight ASCII protocol.
// Clients stream per-light rgb values and commit a frame with sync.
type BoblightServer struct {
	tcp  *tcpServer
	deps Deps
}

func NewBoblight(opts Options, deps Deps) *BoblightServer {
	s := &BoblightServer{deps: deps}
	s.tcp = newTCPServer("boblight", opts, s.handle)
	return s
}

func (s *BoblightServer) Start(ctx context.Context) error { return s.tcp.Start(ctx) }
func (s *BoblightServer) Stop()                           { s.tcp.Stop() }
func (s *BoblightServer) Addr() net.Addr                  { return s.tcp.Addr() }

type boblightConn struct {
	deps     Deps
	writer   *bufio.Writer
	source   bus.SourceID
	priority uint8
	leds     []color.Color
}

func (s *BoblightServer) handle(ctx context.Context, conn net.Conn) {
	origin := "boblight/" + conn.RemoteAddr().String()
	source, err := s.deps.Bus.RegisterSource("Boblight", origin, bus.DefaultPermissions())
	if err != nil {
		logger.Warnw("source registration failed", "origin", origin, "error", err)
		return
	}
	defer s.deps.Bus.UnregisterSource(source)

	inst, err := resolveInstance(s.deps, 0, false)
	if err != nil {
		logger.Warnw("no instance for boblight connection", "origin", origin, "error", err)
		return
	}

	c := &boblightConn{
		deps:     s.deps,
		writer:   bufio.NewWriter(conn),
		source:   source,
		priority: boblightDefaultPriority,
		leds:     make([]color.Color, inst.LedCount()),
	}

	scanner := bufio.NewScanner(conn)
	idle := s.tcp.opts.idleTimeout()
	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if !scanner.Scan() {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !c.command(line) {
			logger.Warnw("bad boblight command", "origin", origin, "line", line)
			return
		}
		if err := c.writer.Flush(); err != nil {
			return
		}
	}
}

// command handles one request line. It returns false when the line is
// garbage and the connection should be dropped.
func (c *boblightConn) command(line string) bool {
	fields := strings.Fields(line)

	switch fields[0] {
	case "hello":
		fmt.Fprint(c.writer, "hello\n")
		return true

	case "ping":
		fmt.Fprint(c.writer, "ping 1\n")
		return true

	case "get":
		if len(fields) < 2 {
			return false
		}
		switch fields[1] {
		case "version":
			fmt.Fprint(c.writer, "version 5\n")
			return true
		case "lights":
			fmt.Fprintf(c.writer, "lights %d\n", len(c.leds))
			for i := range c.leds {
				fmt.Fprintf(c.writer, "light %03d scan 0 100 0 100\n", i)
			}
			return true
		}
		return false

	case "set":
		return c.set(fields[1:])

	case "sync":
		msg := bus.NewMessage(bus.KindLedColors, c.source)
		msg.Priority = c.priority
		msg.LedColors = append([]color.Color(nil), c.leds...)
		c.deps.Bus.PublishInput(msg)
		return true

	default:
		return false
	}
}

func (c *boblightConn) set(fields []string) bool {
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "priority":
		if len(fields) != 2 {
			return false
		}
		requested, err := strconv.Atoi(fields[1])
		if err != nil {
			return false
		}
		c.priority = c.remapPriority(requested)
		return true

	case "light":
		if len(fields) < 3 {
			return false
		}
		index, err := strconv.Atoi(fields[1])
		if err != nil || index < 0 || index >= len(c.leds) {
			return false
		}
		// Attributes other than rgb (speed, interpolation) are accepted
		// and ignored, matching what boblight clients send.
		if fields[2] != "rgb" {
			return true
		}
		if len(fields) != 6 {
			return false
		}
		var channels [3]uint8
		for n, field := range fields[3:6] {
			value, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return false
			}
			channels[n] = scaleChannel(value)
		}
		c.leds[index] = color.Color{Red: channels[0], Green: channels[1], Blue: channels[2]}
		return true
	}
	return false
}

// remapPriority keeps client priorities inside [128,254). A request
// outside the band lands on the first priority at or above 128 with no
// active entry.
func (c *boblightConn) remapPriority(requested int) uint8 {
	if requested >= boblightDefaultPriority && requested < muxer.BackgroundPriority {
		return uint8(requested)
	}

	taken := make(map[uint8]bool)
	if inst, err := resolveInstance(c.deps, 0, false); err == nil {
		for _, info := range inst.Priorities() {
			taken[info.Priority] = true
		}
	}

	for p := boblightDefaultPriority; p < muxer.BackgroundPriority; p++ {
		if !taken[uint8(p)] {
			logger.Infow("boblight priority remapped", "requested", requested, "assigned", p)
			return uint8(p)
		}
	}
	return boblightDefaultPriority
}

// scaleChannel converts the boblight 0..1 float channel to 8 bit.
func scaleChannel(value float64) uint8 {
	switch {
	case value <= 0:
		return 0
	case value >= 1:
		return 255
	}
	return uint8(value*255 + 0.5)
}
