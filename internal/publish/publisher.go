// Package publish mirrors device handle state to an MQTT broker.
//
// Each handle gets a retained topic
//
//	<prefix>/devices/<plugin>/<handle-id>/state
//
// holding the JSON summary of its latest state. When a handle is removed
// the topic is cleared with an empty retained message. The publisher's own
// liveness is kept on <prefix>/status, with a broker-side will for crashes.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/FluidXR/droidprov/internal/device"
)

var (
	ErrInvalidOptions   = errors.New("mqtt: invalid options")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
)

// Client is the subset of the paho client the publisher uses.
type Client interface {
	Connect() pahomqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// Publisher writes device events to the broker.
type Publisher struct {
	client Client
	opts   Options
	log    zerolog.Logger
}

// Connect dials the broker described by opts and announces the publisher
// as online.
func Connect(opts Options) (*Publisher, error) {
	opts.defaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	client := pahomqtt.NewClient(buildClientOptions(opts))
	return connect(client, opts)
}

func connect(client Client, opts Options) (*Publisher, error) {
	opts.defaults()
	p := &Publisher{
		client: client,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "mqtt").Logger(),
	}
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if err := p.publishStatus("online"); err != nil {
		p.log.Warn().Err(err).Msg("failed to publish online status")
	}
	return p, nil
}

// StatusTopic is the publisher's liveness topic.
func StatusTopic(prefix string) string {
	return prefix + "/status"
}

// StateTopic is the retained state topic of one handle.
func StateTopic(prefix, plugin, id string) string {
	return fmt.Sprintf("%s/devices/%s/%s/state", prefix, plugin, id)
}

type statePayload struct {
	device.Summary
	UpdatedAt string `json:"updated_at"`
}

// Publish writes ev to its handle's state topic.
func (p *Publisher) Publish(ev device.Event) error {
	topic := StateTopic(p.opts.TopicPrefix, ev.Plugin, ev.Handle.ID())
	var payload []byte
	if !ev.Removed {
		var err error
		payload, err = sonic.Marshal(statePayload{
			Summary:   device.Summarize(ev.Handle, ev.State),
			UpdatedAt: ev.At.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return fmt.Errorf("encode state of %s: %w", ev.Handle, err)
		}
	}
	return p.send(topic, payload)
}

// Run publishes every event from events until ctx is done or events is
// closed. Publish failures are logged; the broker connection reconnects on
// its own.
func (p *Publisher) Run(ctx context.Context, events <-chan device.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := p.Publish(ev); err != nil {
				p.log.Warn().Err(err).Str("device", ev.Handle.String()).Msg("publish failed")
			}
		}
	}
}

// Close announces a graceful shutdown and disconnects.
func (p *Publisher) Close() error {
	if p.client.IsConnected() {
		if err := p.publishStatus("offline"); err != nil {
			p.log.Warn().Err(err).Msg("failed to publish offline status")
		}
	}
	p.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}

func (p *Publisher) publishStatus(status string) error {
	payload, err := statusPayload(p.opts.ClientID, status)
	if err != nil {
		return err
	}
	return p.send(StatusTopic(p.opts.TopicPrefix), payload)
}

func (p *Publisher) send(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.opts.QoS, true, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrPublishFailed, topic, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

func statusPayload(clientID, status string) ([]byte, error) {
	return sonic.Marshal(map[string]string{
		"status":    status,
		"client_id": clientID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
