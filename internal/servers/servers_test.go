package servers

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scheerer/ambilightd/internal/bus"
	"github.com/scheerer/ambilightd/internal/color"
	"github.com/scheerer/ambilightd/internal/effects"
	"github.com/scheerer/ambilightd/internal/instance"
)

// stubValidator accepts exactly one token.
type stubValidator struct{}

func (stubValidator) ValidateToken(token string) (string, error) {
	if token == "good-token" {
		return "ambilightd", nil
	}
	return "", errors.New("invalid token")
}

type serverEnv struct {
	bus    *bus.Bus
	deps   Deps
	inputs <-chan bus.InputEnvelope
}

// newServerEnv assembles a bus, one running instance and an effects
// registry with a single definition, the dependencies every protocol
// server needs.
func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()

	b := bus.New()
	t.Cleanup(b.Close)

	dir := t.TempDir()
	writeEffect(t, dir, "rainbow")

	registry, err := effects.LoadRegistry(dir)
	require.NoError(t, err)

	m := instance.NewManager(b, registry)
	require.NoError(t, m.StartInstance(context.Background(), instance.NewDummyConfig(0)))
	t.Cleanup(func() { m.StopAll("test done") })

	inputs, err := b.SubscribeInput("test", 64)
	require.NoError(t, err)

	return &serverEnv{
		bus:    b,
		inputs: inputs,
		deps: Deps{
			Bus:       b,
			Instances: m,
			Registry:  registry,
			Auth:      stubValidator{},
		},
	}
}

func writeEffect(t *testing.T, dir, name string) {
	t.Helper()
	def := fmt.Sprintf(`{"name":%q,"script":"%s.lua"}`, name, name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(def), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".lua"), []byte("effect.sleep(0.01)\n"), 0o644))
}

// waitMessage drains the input stream until a message of the wanted
// kind arrives.
func (e *serverEnv) waitMessage(t *testing.T, kind bus.MessageKind) bus.InputMessage {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-e.inputs:
			if env.Message.Kind == kind {
				return env.Message
			}
		case <-deadline:
			t.Fatalf("message of kind %q not seen", kind)
		}
	}
}

func testOptions() Options {
	return Options{BindAddress: "127.0.0.1", Port: 0}
}

type jsonClient struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func dialJSON(t *testing.T, s *JSONServer) *jsonClient {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &jsonClient{conn: conn, scanner: bufio.NewScanner(conn)}
}

func (c *jsonClient) roundTrip(t *testing.T, request string) jsonReply {
	t.Helper()
	_, err := fmt.Fprintln(c.conn, request)
	require.NoError(t, err)
	require.True(t, c.scanner.Scan(), "no reply line: %v", c.scanner.Err())

	var reply jsonReply
	require.NoError(t, json.Unmarshal(c.scanner.Bytes(), &reply))
	return reply
}

func startJSON(t *testing.T, env *serverEnv) *JSONServer {
	t.Helper()
	s := NewJSON(testOptions(), env.deps)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func TestJSONColorCommand(t *testing.T) {
	env := newServerEnv(t)
	client := dialJSON(t, startJSON(t, env))

	reply := client.roundTrip(t, `{"command":"color","tan":7,"priority":50,"color":[255,0,0],"duration":1000}`)
	assert.True(t, reply.Success)
	assert.Equal(t, "color", reply.Command)
	assert.Equal(t, int64(7), reply.Tan)

	msg := env.waitMessage(t, bus.KindSolidColor)
	assert.Equal(t, uint8(50), msg.Priority)
	assert.Equal(t, color.New(255, 0, 0), msg.Color)
	assert.Equal(t, time.Second, msg.Duration)
	assert.NotEmpty(t, msg.Source)
}

func TestJSONColorValidation(t *testing.T) {
	env := newServerEnv(t)
	client := dialJSON(t, startJSON(t, env))

	tests := []struct {
		name    string
		request string
	}{
		{name: "missing priority", request: `{"command":"color","color":[255,0,0]}`},
		{name: "short color", request: `{"command":"color","priority":50,"color":[255]}`},
		{name: "reserved priority", request: `{"command":"color","priority":255,"color":[1,2,3]}`},
		{name: "priority out of range", request: `{"command":"color","priority":300,"color":[1,2,3]}`},
		{name: "priority needs authorization", request: `{"command":"color","priority":0,"color":[1,2,3]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := client.roundTrip(t, tt.request)
			assert.False(t, reply.Success)
			assert.NotEmpty(t, reply.Error)
		})
	}
}

func TestJSONImageCommand(t *testing.T) {
	env := newServerEnv(t)
	client := dialJSON(t, startJSON(t, env))

	data := base64.StdEncoding.EncodeToString(make([]byte, 2*2*3))
	request := fmt.Sprintf(
		`{"command":"image","priority":50,"imagewidth":2,"imageheight":2,"imagedata":%q}`, data)
	reply := client.roundTrip(t, request)
	assert.True(t, reply.Success)

	msg := env.waitMessage(t, bus.KindImage)
	require.NotNil(t, msg.Image)
	assert.Equal(t, uint16(2), msg.Image.Width())
	assert.Equal(t, uint16(2), msg.Image.Height())

	reply = client.roundTrip(t,
		`{"command":"image","priority":50,"imagewidth":0,"imageheight":2,"imagedata":""}`)
	assert.False(t, reply.Success)

	reply = client.roundTrip(t,
		`{"command":"image","priority":50,"imagewidth":2,"imageheight":2,"imagedata":"!!!"}`)
	assert.False(t, reply.Success)
}

func TestJSONEffectCommand(t *testing.T) {
	env := newServerEnv(t)
	client := dialJSON(t, startJSON(t, env))

	reply := client.roundTrip(t, `{"command":"effect","priority":60,"effect":{"name":"rainbow","args":{"speed":2}}}`)
	assert.True(t, reply.Success)

	msg := env.waitMessage(t, bus.KindEffect)
	assert.Equal(t, "rainbow", msg.EffectName)
	assert.Equal(t, map[string]any{"speed": float64(2)}, msg.EffectArgs)

	reply = client.roundTrip(t, `{"command":"effect","priority":60,"effect":{"name":"missing"}}`)
	assert.False(t, reply.Success)

	reply = client.roundTrip(t, `{"command":"effect","priority":60}`)
	assert.False(t, reply.Success)
}

func TestJSONClearCommands(t *testing.T) {
	env := newServerEnv(t)
	client := dialJSON(t, startJSON(t, env))

	reply := client.roundTrip(t, `{"command":"clear","priority":50}`)
	assert.True(t, reply.Success)
	msg := env.waitMessage(t, bus.KindClear)
	assert.Equal(t, uint8(50), msg.Priority)

	// A negative priority clears everything, like clearall.
	reply = client.roundTrip(t, `{"command":"clear","priority":-1}`)
	assert.True(t, reply.Success)
	env.waitMessage(t, bus.KindClearAll)

	reply = client.roundTrip(t, `{"command":"clearall"}`)
	assert.True(t, reply.Success)
	env.waitMessage(t, bus.KindClearAll)

	reply = client.roundTrip(t, `{"command":"clear"}`)
	assert.False(t, reply.Success)
}

func TestJSONComponentState(t *testing.T) {
	env := newServerEnv(t)
	client := dialJSON(t, startJSON(t, env))

	reply := client.roundTrip(t, `{"command":"componentstate","componentstate":{"component":"SMOOTHING","state":false}}`)
	assert.True(t, reply.Success)

	msg := env.waitMessage(t, bus.KindComponentState)
	assert.Equal(t, bus.ComponentSmoothing, msg.Component)
	assert.False(t, msg.Enabled)

	reply = client.roundTrip(t, `{"command":"componentstate"}`)
	assert.False(t, reply.Success)
}

func TestJSONServerInfo(t *testing.T) {
	env := newServerEnv(t)
	client := dialJSON(t, startJSON(t, env))

	reply := client.roundTrip(t, `{"command":"serverinfo"}`)
	require.True(t, reply.Success)

	info, ok := reply.Info.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(10), info["ledCount"])

	effectsInfo, ok := info["effects"].([]any)
	require.True(t, ok)
	require.Len(t, effectsInfo, 1)
	assert.Equal(t, map[string]any{"name": "rainbow"}, effectsInfo[0])

	instances, ok := info["instance"].([]any)
	require.True(t, ok)
	require.Len(t, instances, 1)
	first, ok := instances[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "instance-0", first["friendly_name"])
	assert.Equal(t, true, first["selected"])

	components, ok := info["components"].([]any)
	require.True(t, ok)
	assert.Len(t, components, 6)
}

func TestJSONAdjustment(t *testing.T) {
	env := newServerEnv(t)
	client := dialJSON(t, startJSON(t, env))

	reply := client.roundTrip(t, `{"command":"adjustment","adjustment":{"rgbTemperature":5000}}`)
	assert.True(t, reply.Success)

	reply = client.roundTrip(t, `{"command":"adjustment"}`)
	assert.False(t, reply.Success)
}

func TestJSONAuthorize(t *testing.T) {
	env := newServerEnv(t)
	client := dialJSON(t, startJSON(t, env))

	reply := client.roundTrip(t, `{"command":"authorize","subcommand":"login","token":"bogus"}`)
	assert.False(t, reply.Success)
	assert.Equal(t, "invalid token", reply.Error)

	reply = client.roundTrip(t, `{"command":"authorize","subcommand":"login","token":"good-token"}`)
	assert.True(t, reply.Success)

	// Admin permissions unlock the full priority range.
	reply = client.roundTrip(t, `{"command":"color","priority":0,"color":[1,2,3]}`)
	assert.True(t, reply.Success)

	reply = client.roundTrip(t, `{"command":"authorize","subcommand":"logout"}`)
	assert.False(t, reply.Success)
}

func TestJSONInstanceSwitch(t *testing.T) {
	env := newServerEnv(t)
	require.NoError(t, env.deps.Instances.StartInstance(context.Background(), instance.NewDummyConfig(1)))
	client := dialJSON(t, startJSON(t, env))

	reply := client.roundTrip(t, `{"command":"instance","subcommand":"switchTo","instance":9}`)
	assert.False(t, reply.Success)

	reply = client.roundTrip(t, `{"command":"instance","subcommand":"switchTo","instance":1}`)
	assert.True(t, reply.Success)

	reply = client.roundTrip(t, `{"command":"serverinfo"}`)
	require.True(t, reply.Success)
	info, ok := reply.Info.(map[string]any)
	require.True(t, ok)
	instances, ok := info["instance"].([]any)
	require.True(t, ok)
	for _, raw := range instances {
		entry, ok := raw.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, entry["instance"] == float64(1), entry["selected"])
	}
}

func TestJSONUnknownCommand(t *testing.T) {
	env := newServerEnv(t)
	client := dialJSON(t, startJSON(t, env))

	reply := client.roundTrip(t, `{"command":"teleport"}`)
	assert.False(t, reply.Success)
	assert.NotEmpty(t, reply.Error)
}

func TestJSONMalformedLineDropsConnection(t *testing.T) {
	env := newServerEnv(t)
	client := dialJSON(t, startJSON(t, env))

	_, err := fmt.Fprintln(client.conn, `{not json`)
	require.NoError(t, err)

	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	assert.False(t, client.scanner.Scan())
}
