package app

import (
	"context"
	"fmt"

	"github.com/MrWong99/murmur/internal/bus/mqtt"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/observe"
)

// BrokerConfig maps the bus section onto an MQTT connection. prefix names
// the generated client id when none is configured.
func BrokerConfig(c config.BusConfig, prefix string) (mqtt.Config, error) {
	mc := mqtt.Config{
		Broker:         c.Broker,
		ClientID:       c.ClientID,
		ClientIDPrefix: prefix,
		Username:       c.Username,
		Password:       c.Password,
		KeepAlive:      c.KeepAlive,
		ConnectTimeout: c.ConnectTimeout,
	}
	if c.TLS != nil {
		tc, err := mqtt.LoadTLS(c.TLS.CAFile, c.TLS.CertFile, c.TLS.KeyFile, c.TLS.InsecureSkipVerify)
		if err != nil {
			return mqtt.Config{}, err
		}
		mc.TLS = tc
	}
	return mc, nil
}

// DialBroker connects to the configured broker. tweak, if non-nil, may set
// the will and reconnect hook before dialing.
func DialBroker(ctx context.Context, c config.BusConfig, prefix string, m *observe.Metrics, tweak func(*mqtt.Config)) (*mqtt.Bus, error) {
	mc, err := BrokerConfig(c, prefix)
	if err != nil {
		return nil, fmt.Errorf("app: broker: %w", err)
	}
	if tweak != nil {
		tweak(&mc)
	}
	var opts []mqtt.Option
	if m != nil {
		opts = append(opts, mqtt.WithMetrics(m))
	}
	b, err := mqtt.Dial(ctx, mc, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: broker: %w", err)
	}
	return b, nil
}
