package servers

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scheerer/ambilightd/internal/bus"
	"github.com/scheerer/ambilightd/internal/color"
)

// wireFrame is the JSON payload the test codec speaks.
type wireFrame struct {
	Register bool    `json:"register"`
	Priority uint8   `json:"priority"`
	Kind     string  `json:"kind"`
	Color    []uint8 `json:"color"`
}

type testCodec struct{}

func (testCodec) Name() string { return "testwire" }

func (testCodec) Decode(frame []byte) (FramedRequest, error) {
	var f wireFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return FramedRequest{}, err
	}
	if f.Register {
		return FramedRequest{Register: true, Origin: "testwire", Priority: f.Priority}, nil
	}

	msg := bus.InputMessage{Kind: bus.MessageKind(f.Kind), Priority: f.Priority}
	if len(f.Color) == 3 {
		msg.Color = color.New(f.Color[0], f.Color[1], f.Color[2])
	}
	return FramedRequest{Message: msg}, nil
}

func (testCodec) Encode(reply FramedReply) ([]byte, error) {
	return json.Marshal(reply)
}

type framedClient struct {
	conn net.Conn
}

func dialFramed(t *testing.T, s *FramedServer) *framedClient {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &framedClient{conn: conn}
}

func (c *framedClient) write(t *testing.T, frame wireFrame) {
	t.Helper()
	payload, err := json.Marshal(frame)
	require.NoError(t, err)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	_, err = c.conn.Write(append(header[:], payload...))
	require.NoError(t, err)
}

func (c *framedClient) read(t *testing.T) FramedReply {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var header [4]byte
	_, err := io.ReadFull(c.conn, header[:])
	require.NoError(t, err)

	payload := make([]byte, binary.BigEndian.Uint32(header[:]))
	_, err = io.ReadFull(c.conn, payload)
	require.NoError(t, err)

	var reply FramedReply
	require.NoError(t, json.Unmarshal(payload, &reply))
	return reply
}

func startFramed(t *testing.T, env *serverEnv) *FramedServer {
	t.Helper()
	s := NewFramed(testOptions(), env.deps, testCodec{})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func TestCodecRegistry(t *testing.T) {
	RegisterCodec(testCodec{})

	codec, ok := LookupCodec("testwire")
	require.True(t, ok)
	assert.Equal(t, "testwire", codec.Name())

	_, ok = LookupCodec("bogus")
	assert.False(t, ok)

	assert.Contains(t, CodecNames(), "testwire")
}

func TestFramedRegisterThenPush(t *testing.T) {
	env := newServerEnv(t)
	client := dialFramed(t, startFramed(t, env))

	client.write(t, wireFrame{Register: true, Priority: 60})
	reply := client.read(t)
	assert.True(t, reply.Success)
	assert.Equal(t, int32(60), reply.Registered)

	// A push without an explicit priority inherits the registered one.
	client.write(t, wireFrame{Kind: string(bus.KindSolidColor), Color: []uint8{255, 0, 0}})
	reply = client.read(t)
	assert.True(t, reply.Success)

	msg := env.waitMessage(t, bus.KindSolidColor)
	assert.Equal(t, uint8(60), msg.Priority)
	assert.Equal(t, color.New(255, 0, 0), msg.Color)
	assert.NotEmpty(t, msg.Source)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestFramedExplicitPriority(t *testing.T) {
	env := newServerEnv(t)
	client := dialFramed(t, startFramed(t, env))

	client.write(t, wireFrame{Kind: string(bus.KindSolidColor), Priority: 90, Color: []uint8{0, 255, 0}})
	reply := client.read(t)
	assert.True(t, reply.Success)
	assert.Equal(t, int32(-1), reply.Registered)

	msg := env.waitMessage(t, bus.KindSolidColor)
	assert.Equal(t, uint8(90), msg.Priority)
}

func TestFramedRejectsBadPriorities(t *testing.T) {
	env := newServerEnv(t)
	client := dialFramed(t, startFramed(t, env))

	client.write(t, wireFrame{Kind: string(bus.KindSolidColor), Priority: 255, Color: []uint8{1, 2, 3}})
	reply := client.read(t)
	assert.False(t, reply.Success)
	assert.NotEmpty(t, reply.Error)

	// Priority 0 needs admin permissions a framed client never has.
	client.write(t, wireFrame{Kind: string(bus.KindSolidColor), Priority: 0, Color: []uint8{1, 2, 3}})
	reply = client.read(t)
	assert.False(t, reply.Success)
}

func TestFramedRejectsUnsupportedKind(t *testing.T) {
	env := newServerEnv(t)
	client := dialFramed(t, startFramed(t, env))

	client.write(t, wireFrame{Kind: string(bus.KindEffect), Priority: 60})
	reply := client.read(t)
	assert.False(t, reply.Success)
	assert.NotEmpty(t, reply.Error)
}

func TestFramedClearNeedsNoPriorityCheck(t *testing.T) {
	env := newServerEnv(t)
	client := dialFramed(t, startFramed(t, env))

	client.write(t, wireFrame{Kind: string(bus.KindClearAll)})
	reply := client.read(t)
	assert.True(t, reply.Success)
	env.waitMessage(t, bus.KindClearAll)
}

func TestFramedBadFrameDropsConnection(t *testing.T) {
	env := newServerEnv(t)
	client := dialFramed(t, startFramed(t, env))

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 9)
	_, err := client.conn.Write(append(header[:], []byte("{not json")...))
	require.NoError(t, err)

	// The server answers with an error reply, then closes the stream.
	reply := client.read(t)
	assert.False(t, reply.Success)
	assert.NotEmpty(t, reply.Error)

	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(client.conn, header[:])
	assert.Error(t, err)
}

func TestFramedRejectsOversizedFrame(t *testing.T) {
	env := newServerEnv(t)
	client := dialFramed(t, startFramed(t, env))

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxFrameSize+1)
	_, err := client.conn.Write(header[:])
	require.NoError(t, err)

	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(client.conn, header[:])
	assert.Error(t, err)
}
