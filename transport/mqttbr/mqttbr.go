// Package mqttbr implements the pub/sub transport kind over an MQTT broker.
// Every device subscribes to a topic derived from its device identifier;
// sending publishes to the peer's topic. The broker gives this transport
// store-and-forward semantics for free via QoS 1.
package mqttbr

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"meeple/addr"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	qos            = 1
)

// topicPrefix namespaces game traffic on a shared broker.
const topicPrefix = "meeple/dev/"

// Topic returns the inbound topic for a device identifier.
func Topic(devID string) string { return topicPrefix + devID }

// Driver is the MQTT driver. It implements transport.Driver.
type Driver struct {
	client mqtt.Client
	devID  string
}

// Dial connects to the broker at brokerURL, subscribes to the local
// device's topic, and hands every inbound payload to onFrame with an
// MQTT-kind return address. That address carries no device identifier: the
// topic names only the receiving device.
func Dial(brokerURL, devID string, onFrame func(frame []byte, from addr.Address)) (*Driver, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID("meeple-" + devID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)

	opts.OnConnect = func(c mqtt.Client) {
		topic := Topic(devID)
		token := c.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
			var from addr.Address
			from.Add(addr.KindMQTT)
			// The sender's identity rides in the payload's game frame;
			// the topic only names us.
			onFrame(m.Payload(), from)
		})
		token.Wait()
		if err := token.Error(); err != nil {
			slog.Error("mqtt subscribe failed", "topic", topic, "err", err)
			return
		}
		slog.Info("mqtt subscribed", "topic", topic)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
		return nil, fmt.Errorf("mqttbr: connect %s: %w", brokerURL, token.Error())
	}
	return &Driver{client: client, devID: devID}, nil
}

// Kind implements transport.Driver.
func (d *Driver) Kind() addr.Kind { return addr.KindMQTT }

// Send implements transport.Driver: publish to the peer's device topic.
func (d *Driver) Send(payload []byte, to *addr.Address, _ uint32) (int, error) {
	if to == nil || !to.Has(addr.KindMQTT) || to.MQTT.DevID == "" {
		return -1, fmt.Errorf("mqttbr: address has no device identifier")
	}
	token := d.client.Publish(Topic(to.MQTT.DevID), qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return -1, fmt.Errorf("mqttbr: publish to %s timed out", to.MQTT.DevID)
	}
	if err := token.Error(); err != nil {
		return -1, fmt.Errorf("mqttbr: publish: %w", err)
	}
	return len(payload), nil
}

// Close implements transport.Driver.
func (d *Driver) Close() error {
	d.client.Disconnect(250)
	return nil
}
