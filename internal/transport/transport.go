// Package transport abstracts the publish/subscribe channel between the
// client and the service and provides the topic layout.
package transport

import "fmt"

// Handler receives one inbound message.
type Handler func(topic string, payload []byte)

// PubSub is the duplex pub/sub channel the session core runs on. The
// production implementation is MQTT; tests use an in-process bus.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, h Handler) error
	Close()
}

// Topics composes the per-thing topic names.
type Topics struct {
	root    string
	version string
	thing   string
}

// NewTopics returns the topic layout for one thing.
func NewTopics(root, version, thing string) Topics {
	return Topics{root: root, version: version, thing: thing}
}

func (t Topics) head() string {
	return fmt.Sprintf("%s/ais/%s/%s", t.root, t.version, t.thing)
}

// ConnectionFromClient is the outbound plaintext connection topic.
func (t Topics) ConnectionFromClient() string { return t.head() + "/connection/fromclient" }

// ConnectionFromService is the inbound plaintext connection topic.
func (t Topics) ConnectionFromService() string { return t.head() + "/connection/fromservice" }

// CapabilitiesPublish is the outbound encrypted capabilities topic.
func (t Topics) CapabilitiesPublish() string { return t.head() + "/capabilities/publish" }

// CapabilitiesAcknowledge is the inbound encrypted acknowledge topic.
func (t Topics) CapabilitiesAcknowledge() string { return t.head() + "/capabilities/acknowledge" }

// Directive is the inbound encrypted directive topic.
func (t Topics) Directive() string { return t.head() + "/directive" }

// Event is the outbound encrypted event topic.
func (t Topics) Event() string { return t.head() + "/event" }

// Microphone is the outbound encrypted microphone topic.
func (t Topics) Microphone() string { return t.head() + "/microphone" }

// Speaker is the inbound encrypted speaker topic.
func (t Topics) Speaker() string { return t.head() + "/speaker" }
