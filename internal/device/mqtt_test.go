package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scheerer/ambilightd/internal/color"
)

func TestNewMQTTValidation(t *testing.T) {
	_, err := NewMQTT(MQTTConfig{Topic: "leds"})
	assert.Error(t, err)

	_, err = NewMQTT(MQTTConfig{BrokerURL: "tcp://localhost:1883"})
	assert.Error(t, err)

	m, err := NewMQTT(MQTTConfig{BrokerURL: "tcp://localhost:1883", Topic: "leds"})
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestMQTTWriteBeforeOpen(t *testing.T) {
	m, err := NewMQTT(MQTTConfig{BrokerURL: "tcp://localhost:1883", Topic: "leds"})
	require.NoError(t, err)

	err = m.WriteLeds(context.Background(), []color.Color{color.New(1, 2, 3)})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.NoError(t, m.Close())
}

func TestMQTTOpenRejectsBadScheme(t *testing.T) {
	m, err := NewMQTT(MQTTConfig{BrokerURL: "gopher://localhost", Topic: "leds"})
	require.NoError(t, err)

	assert.Error(t, m.Open(context.Background()))
}

func TestConnectWait(t *testing.T) {
	assert.Equal(t, 5*time.Second, connectWait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	wait := connectWait(ctx)
	assert.Greater(t, wait, 50*time.Second)
	assert.LessOrEqual(t, wait, time.Minute)

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	assert.Equal(t, time.Millisecond, connectWait(expired))
}
