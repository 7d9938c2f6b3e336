package publish

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	defaultTopicPrefix       = "droidprov"
	maxQoS                   = 2
)

// Options configures the broker connection.
type Options struct {
	// Broker is a URL such as tcp://localhost:1883 or ssl://broker:8883.
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Logger      zerolog.Logger
}

func (o *Options) defaults() {
	if o.TopicPrefix == "" {
		o.TopicPrefix = defaultTopicPrefix
	}
	o.TopicPrefix = strings.TrimSuffix(o.TopicPrefix, "/")
	if o.ClientID == "" {
		o.ClientID = "droidprov"
	}
}

func (o Options) validate() error {
	if o.Broker == "" {
		return fmt.Errorf("%w: broker url is empty", ErrInvalidOptions)
	}
	if o.QoS > maxQoS {
		return fmt.Errorf("%w: qos %d", ErrInvalidOptions, o.QoS)
	}
	return nil
}

// buildClientOptions turns Options into paho options with auto-reconnect
// and a retained offline will on the status topic.
func buildClientOptions(o Options) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	if strings.HasPrefix(o.Broker, "ssl://") || strings.HasPrefix(o.Broker, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	will, _ := statusPayload(o.ClientID, "offline")
	opts.SetWill(StatusTopic(o.TopicPrefix), string(will), o.QoS, true)
	return opts
}
