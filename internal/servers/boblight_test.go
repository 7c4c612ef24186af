package servers

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scheerer/ambilightd/internal/bus"
	"github.com/scheerer/ambilightd/internal/color"
)

type boblightClient struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func dialBoblight(t *testing.T, s *BoblightServer) *boblightClient {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &boblightClient{conn: conn, scanner: bufio.NewScanner(conn)}
}

func (c *boblightClient) send(t *testing.T, line string) {
	t.Helper()
	_, err := fmt.Fprintln(c.conn, line)
	require.NoError(t, err)
}

func (c *boblightClient) readLine(t *testing.T) string {
	t.Helper()
	require.True(t, c.scanner.Scan(), "no reply line: %v", c.scanner.Err())
	return c.scanner.Text()
}

func startBoblight(t *testing.T, env *serverEnv) *BoblightServer {
	t.Helper()
	s := NewBoblight(testOptions(), env.deps)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func TestBoblightHandshake(t *testing.T) {
	env := newServerEnv(t)
	client := dialBoblight(t, startBoblight(t, env))

	client.send(t, "hello")
	assert.Equal(t, "hello", client.readLine(t))

	client.send(t, "ping")
	assert.Equal(t, "ping 1", client.readLine(t))

	client.send(t, "get version")
	assert.Equal(t, "version 5", client.readLine(t))
}

func TestBoblightGetLights(t *testing.T) {
	env := newServerEnv(t)
	client := dialBoblight(t, startBoblight(t, env))

	client.send(t, "get lights")
	assert.Equal(t, "lights 10", client.readLine(t))
	for i := 0; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("light %03d scan 0 100 0 100", i), client.readLine(t))
	}
}

func TestBoblightSetAndSync(t *testing.T) {
	env := newServerEnv(t)
	client := dialBoblight(t, startBoblight(t, env))

	client.send(t, "set light 0 rgb 1 0 0")
	client.send(t, "set light 1 rgb 0 0.5 0")
	// Non-rgb attributes are accepted and ignored.
	client.send(t, "set light 2 speed 50")
	client.send(t, "sync")

	msg := env.waitMessage(t, bus.KindLedColors)
	assert.Equal(t, uint8(128), msg.Priority)
	require.Len(t, msg.LedColors, 10)
	assert.Equal(t, color.New(255, 0, 0), msg.LedColors[0])
	assert.Equal(t, color.New(0, 128, 0), msg.LedColors[1])
	assert.Equal(t, color.Black, msg.LedColors[2])
}

func TestBoblightPriorityInBand(t *testing.T) {
	env := newServerEnv(t)
	client := dialBoblight(t, startBoblight(t, env))

	client.send(t, "set priority 200")
	client.send(t, "sync")

	msg := env.waitMessage(t, bus.KindLedColors)
	assert.Equal(t, uint8(200), msg.Priority)
}

func TestBoblightPriorityRemapped(t *testing.T) {
	env := newServerEnv(t)
	client := dialBoblight(t, startBoblight(t, env))

	// A priority outside [128,254) lands on the first free slot at 128.
	client.send(t, "set priority 50")
	client.send(t, "sync")

	msg := env.waitMessage(t, bus.KindLedColors)
	assert.Equal(t, uint8(128), msg.Priority)
}

func TestBoblightBadCommandsDisconnect(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "unknown verb", line: "teleport"},
		{name: "bare get", line: "get"},
		{name: "unknown get", line: "get lasers"},
		{name: "light index out of range", line: "set light 99 rgb 1 0 0"},
		{name: "bad rgb value", line: "set light 0 rgb x y z"},
		{name: "bad priority", line: "set priority abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newServerEnv(t)
			client := dialBoblight(t, startBoblight(t, env))

			client.send(t, tt.line)

			require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
			assert.False(t, client.scanner.Scan())
		})
	}
}

func TestScaleChannel(t *testing.T) {
	tests := []struct {
		value float64
		want  uint8
	}{
		{value: -0.5, want: 0},
		{value: 0, want: 0},
		{value: 0.5, want: 128},
		{value: 1, want: 255},
		{value: 1.5, want: 255},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, scaleChannel(tt.value), "value %v", tt.value)
	}
}
