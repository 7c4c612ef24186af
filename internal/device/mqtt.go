package device

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/scheerer/ambilightd/internal/color"
)

// MQTTConfig parameterizes the MQTT device.
type MQTTConfig struct {
	// BrokerURL accepts tcp://, ssl:// and ws:// schemes; credentials may
	// be embedded in the URL userinfo.
	BrokerURL string `json:"brokerUrl"`
	Topic     string `json:"topic"`
	ClientID  string `json:"clientId"`
	Retain    bool   `json:"retain"`
	QOS       byte   `json:"qos"`
}

// MQTT publishes each frame as a JSON payload to a broker topic.
type MQTT struct {
	config MQTTConfig
	client mqtt.Client
}

func NewMQTT(config MQTTConfig) (*MQTT, error) {
	if config.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt device: broker url required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("mqtt device: topic required")
	}
	return &MQTT{config: config}, nil
}

func (m *MQTT) Open(ctx context.Context) error {
	u, err := url.Parse(m.config.BrokerURL)
	if err != nil {
		return fmt.Errorf("mqtt device: parse broker url: %w", err)
	}

	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp", "":
		server = "tcp://" + server
	case "ssl", "tls":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	default:
		return fmt.Errorf("mqtt device: unsupported scheme %q", u.Scheme)
	}

	clientID := m.config.ClientID
	if clientID == "" {
		clientID = "ambilightd-" + time.Now().Format("150405.000")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(server)
	opts.SetClientID(clientID)
	opts.OnConnect = func(c mqtt.Client) {
		logger.Infow("mqtt connected", "broker", server, "topic", m.config.Topic)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warnw("mqtt connection lost", "error", err)
	}
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectWait(ctx)) {
		client.Disconnect(0)
		return fmt.Errorf("mqtt device: %w: connect timed out", ErrUnreachable)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("mqtt device: %w: %v", ErrUnreachable, err)
	}

	m.client = client
	return nil
}

type mqttFrame struct {
	Leds []mqttLed `json:"leds"`
}

type mqttLed struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

func (m *MQTT) WriteLeds(ctx context.Context, leds []color.Color) error {
	if m.client == nil || !m.client.IsConnected() {
		return fmt.Errorf("mqtt device: %w: not connected", ErrUnreachable)
	}

	frame := mqttFrame{Leds: make([]mqttLed, len(leds))}
	for i, c := range leds {
		frame.Leds[i] = mqttLed{R: c.Red, G: c.Green, B: c.Blue}
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("mqtt device: encode frame: %w", err)
	}

	token := m.client.Publish(m.config.Topic, m.config.QOS, m.config.Retain, payload)
	if !token.WaitTimeout(connectWait(ctx)) {
		return fmt.Errorf("mqtt device: %w: publish timed out", ErrUnreachable)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt device: %w: %v", ErrUnreachable, err)
	}
	return nil
}

func (m *MQTT) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
		m.client = nil
	}
	return nil
}

// connectWait derives a wait budget from the context deadline, with a
// sane default when the caller set none.
func connectWait(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return 5 * time.Second
}
