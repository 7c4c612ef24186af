package servers

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/scheerer/ambilightd/internal/bus"
	"github.com/scheerer/ambilightd/internal/color"
	"github.com/scheerer/ambilightd/internal/image"
	"github.com/scheerer/ambilightd/internal/muxer"
)

// maxJSONLine bounds one request line; base64 frames from capture
// clients dominate the size.
const maxJSONLine = 8 << 20

// JSONServer speaks the newline-delimited JSON protocol: one request
// object per line, one response object per line, correlated by tan.
type JSONServer struct {
	tcp  *tcpServer
	deps Deps
}

func NewJSON(opts Options, deps Deps) *JSONServer {
	s := &JSONServer{deps: deps}
	s.tcp = newTCPServer("json", opts, s.handle)
	return s
}

func (s *JSONServer) Start(ctx context.Context) error { return s.tcp.Start(ctx) }
func (s *JSONServer) Stop()                           { s.tcp.Stop() }
func (s *JSONServer) Addr() net.Addr                  { return s.tcp.Addr() }

type jsonEffectSpec struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type jsonComponentState struct {
	Component string `json:"component"`
	State     bool   `json:"state"`
}

type jsonRequest struct {
	Command    string `json:"command"`
	Tan        int64  `json:"tan"`
	Subcommand string `json:"subcommand"`

	Priority *int    `json:"priority"`
	Duration int64   `json:"duration"`
	Color    []uint8 `json:"color"`

	ImageWidth  int    `json:"imagewidth"`
	ImageHeight int    `json:"imageheight"`
	ImageData   string `json:"imagedata"`

	Effect         *jsonEffectSpec     `json:"effect"`
	ComponentState *jsonComponentState `json:"componentstate"`
	Adjustment     json.RawMessage     `json:"adjustment"`

	Token    string `json:"token"`
	Instance *int32 `json:"instance"`
}

type jsonReply struct {
	Command string `json:"command"`
	Tan     int64  `json:"tan"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Info    any    `json:"info,omitempty"`
}

type jsonConn struct {
	deps Deps
	enc  *json.Encoder

	source bus.SourceID
	perms  bus.Permissions
	origin string

	selected     int32
	hasSelection bool
}

func (s *JSONServer) handle(ctx context.Context, conn net.Conn) {
	origin := "json/" + conn.RemoteAddr().String()
	perms := bus.DefaultPermissions()
	source, err := s.deps.Bus.RegisterSource("JSON-API", origin, perms)
	if err != nil {
		logger.Warnw("source registration failed", "origin", origin, "error", err)
		return
	}
	defer s.deps.Bus.UnregisterSource(source)

	c := &jsonConn{
		deps:   s.deps,
		enc:    json.NewEncoder(conn),
		source: source,
		perms:  perms,
		origin: origin,
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxJSONLine)

	idle := s.tcp.opts.idleTimeout()
	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				logger.Debugw("json read ended", "origin", origin, "error", err)
			}
			return
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req jsonRequest
		if err := json.Unmarshal(line, &req); err != nil {
			// A malformed frame poisons the stream; drop the connection.
			logger.Warnw("bad json request", "origin", origin, "error", err)
			return
		}

		reply := c.dispatch(req)
		if err := c.enc.Encode(reply); err != nil {
			return
		}
	}
}

func (c *jsonConn) dispatch(req jsonRequest) jsonReply {
	ok := func() jsonReply {
		return jsonReply{Command: req.Command, Tan: req.Tan, Success: true}
	}
	fail := func(format string, args ...any) jsonReply {
		return jsonReply{Command: req.Command, Tan: req.Tan, Error: fmt.Sprintf(format, args...)}
	}

	switch req.Command {
	case "color":
		if len(req.Color) < 3 {
			return fail("color requires [r,g,b]")
		}
		priority, err := c.requirePriority(req)
		if err != nil {
			return fail("%v", err)
		}
		msg := bus.NewMessage(bus.KindSolidColor, c.source)
		msg.Priority = priority
		msg.Duration = time.Duration(req.Duration) * time.Millisecond
		msg.Color = color.New(req.Color[0], req.Color[1], req.Color[2])
		c.deps.Bus.PublishInput(msg)
		return ok()

	case "image":
		priority, err := c.requirePriority(req)
		if err != nil {
			return fail("%v", err)
		}
		img, err := decodeImage(req)
		if err != nil {
			return fail("%v", err)
		}
		msg := bus.NewMessage(bus.KindImage, c.source)
		msg.Priority = priority
		msg.Duration = time.Duration(req.Duration) * time.Millisecond
		msg.Image = img
		c.deps.Bus.PublishInput(msg)
		return ok()

	case "effect":
		if req.Effect == nil || req.Effect.Name == "" {
			return fail("effect requires a name")
		}
		priority, err := c.requirePriority(req)
		if err != nil {
			return fail("%v", err)
		}
		if _, err := c.deps.Registry.Lookup(req.Effect.Name); err != nil {
			return fail("%v", err)
		}
		msg := bus.NewMessage(bus.KindEffect, c.source)
		msg.Priority = priority
		msg.Duration = time.Duration(req.Duration) * time.Millisecond
		msg.EffectName = req.Effect.Name
		msg.EffectArgs = req.Effect.Args
		c.deps.Bus.PublishInput(msg)
		return ok()

	case "clear":
		if req.Priority == nil {
			return fail("clear requires a priority")
		}
		if *req.Priority < 0 {
			c.deps.Bus.PublishInput(bus.NewMessage(bus.KindClearAll, c.source))
			return ok()
		}
		msg := bus.NewMessage(bus.KindClear, c.source)
		msg.Priority = uint8(*req.Priority)
		c.deps.Bus.PublishInput(msg)
		return ok()

	case "clearall":
		c.deps.Bus.PublishInput(bus.NewMessage(bus.KindClearAll, c.source))
		return ok()

	case "componentstate":
		if req.ComponentState == nil {
			return fail("componentstate requires a component object")
		}
		msg := bus.NewMessage(bus.KindComponentState, c.source)
		msg.Component = bus.Component(req.ComponentState.Component)
		msg.Enabled = req.ComponentState.State
		c.deps.Bus.PublishInput(msg)
		return ok()

	case "adjustment":
		if len(req.Adjustment) == 0 {
			return fail("adjustment requires an adjustment object")
		}
		inst, err := resolveInstance(c.deps, c.selected, c.hasSelection)
		if err != nil {
			return fail("%v", err)
		}
		pipeline := color.DefaultPipelineConfig()
		if err := json.Unmarshal(req.Adjustment, &pipeline); err != nil {
			return fail("bad adjustment: %v", err)
		}
		if err := inst.Adjust(pipeline); err != nil {
			return fail("%v", err)
		}
		return ok()

	case "serverinfo":
		info, err := c.serverInfo()
		if err != nil {
			return fail("%v", err)
		}
		reply := ok()
		reply.Info = info
		return reply

	case "authorize":
		return c.authorize(req, ok, fail)

	case "instance":
		if req.Subcommand != "switchTo" || req.Instance == nil {
			return fail("instance supports subcommand switchTo with an instance id")
		}
		if _, err := c.deps.Instances.Instance(*req.Instance); err != nil {
			return fail("%v", err)
		}
		c.selected = *req.Instance
		c.hasSelection = true
		return ok()

	default:
		return fail("unknown command %q", req.Command)
	}
}

// requirePriority validates the request priority against the reserved
// value and the connection's permissions, so rejected pushes get a
// structured reply instead of silently vanishing in the muxer.
func (c *jsonConn) requirePriority(req jsonRequest) (uint8, error) {
	if req.Priority == nil {
		return 0, errors.New("priority is required")
	}
	p := *req.Priority
	if p < 0 || p > int(muxer.ReservedPriority) {
		return 0, fmt.Errorf("priority %d out of range", p)
	}
	priority := uint8(p)
	if priority == muxer.ReservedPriority {
		return 0, fmt.Errorf("priority %d is reserved", priority)
	}
	if !c.perms.Allows(priority) {
		return 0, fmt.Errorf("not authorized for priority %d", priority)
	}
	return priority, nil
}

func decodeImage(req jsonRequest) (*image.Raw, error) {
	if req.ImageWidth <= 0 || req.ImageHeight <= 0 ||
		req.ImageWidth > 0xFFFF || req.ImageHeight > 0xFFFF {
		return nil, fmt.Errorf("bad image dimensions %dx%d", req.ImageWidth, req.ImageHeight)
	}
	data, err := base64.StdEncoding.DecodeString(req.ImageData)
	if err != nil {
		return nil, fmt.Errorf("bad image data: %w", err)
	}
	return image.NewRaw(uint16(req.ImageWidth), uint16(req.ImageHeight), data)
}

type jsonComponentInfo struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

type jsonEffectInfo struct {
	Name string `json:"name"`
}

type jsonInstanceInfo struct {
	Instance     int32  `json:"instance"`
	FriendlyName string `json:"friendly_name"`
	Running      bool   `json:"running"`
	Selected     bool   `json:"selected"`
}

type jsonServerInfo struct {
	Priorities []muxer.PriorityInfo `json:"priorities"`
	Components []jsonComponentInfo  `json:"components"`
	Effects    []jsonEffectInfo     `json:"effects"`
	Instances  []jsonInstanceInfo   `json:"instance"`
	LedCount   int                  `json:"ledCount"`
}

func (c *jsonConn) serverInfo() (jsonServerInfo, error) {
	inst, err := resolveInstance(c.deps, c.selected, c.hasSelection)
	if err != nil {
		return jsonServerInfo{}, err
	}

	info := jsonServerInfo{
		Priorities: inst.Priorities(),
		LedCount:   inst.LedCount(),
	}

	components := inst.Components()
	for _, name := range []bus.Component{
		bus.ComponentAll, bus.ComponentBlackBorder, bus.ComponentSmoothing,
		bus.ComponentLedDevice, bus.ComponentColor, bus.ComponentEffects,
	} {
		info.Components = append(info.Components, jsonComponentInfo{
			Name:    string(name),
			Enabled: components[name],
		})
	}

	for _, name := range c.deps.Registry.Names() {
		info.Effects = append(info.Effects, jsonEffectInfo{Name: name})
	}

	for _, id := range c.deps.Instances.IDs() {
		other, err := c.deps.Instances.Instance(id)
		if err != nil {
			continue
		}
		info.Instances = append(info.Instances, jsonInstanceInfo{
			Instance:     id,
			FriendlyName: other.FriendlyName(),
			Running:      true,
			Selected:     id == inst.ID(),
		})
	}
	return info, nil
}

// authorize upgrades the connection to admin permissions when the token
// checks out. The source keeps its id; only the registry record
// changes.
func (c *jsonConn) authorize(req jsonRequest, ok func() jsonReply, fail func(string, ...any) jsonReply) jsonReply {
	if req.Subcommand != "login" {
		return fail("authorize supports subcommand login")
	}
	if c.deps.Auth == nil {
		return fail("authorization is not available")
	}

	user, err := c.deps.Auth.ValidateToken(req.Token)
	if err != nil {
		logger.Warnw("authorization failed", "origin", c.origin, "error", err)
		return fail("invalid token")
	}

	source, err := c.deps.Bus.RegisterSource("JSON-API", c.origin, bus.AdminPermissions())
	if err != nil {
		return fail("%v", err)
	}
	c.source = source
	c.perms = bus.AdminPermissions()

	logger.Infow("connection authorized", "origin", c.origin, "user", user)
	return ok()
}
