// Package directive parses and dispatches the service's control
// messages. One transport message may carry several directives; they
// are applied in array order.
package directive

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// Directive names.
const (
	NameSetAttentionState = "SetAttentionState"
	NameOpenSpeaker       = "OpenSpeaker"
	NameCloseSpeaker      = "CloseSpeaker"
	NameOpenMicrophone    = "OpenMicrophone"
	NameCloseMicrophone   = "CloseMicrophone"
	NameSetVolume         = "SetVolume"
)

// Attention states carried by SetAttentionState.
const (
	AttentionIdle     = "IDLE"
	AttentionThinking = "THINKING"
	AttentionSpeaking = "SPEAKING"
	AttentionAlerting = "ALERTING"
)

// Header identifies one directive.
type Header struct {
	Name      string `json:"name"`
	MessageID string `json:"messageId"`
}

// Initiator describes what should be reported as having opened the
// microphone.
type Initiator struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type document struct {
	Directives []struct {
		Header  Header          `json:"header"`
		Payload json.RawMessage `json:"payload"`
	} `json:"directives"`
}

type attentionPayload struct {
	State string `json:"state"`
	// Offset handling in SetAttentionState is future work.
	Offset *uint64 `json:"offset"`
}

type speakerPayload struct {
	Offset *uint64 `json:"offset"`
}

type microphonePayload struct {
	Initiator *Initiator `json:"initiator"`
}

type volumePayload struct {
	Volume int     `json:"volume"`
	Offset *uint64 `json:"offset"`
}

// Actions is the set of effects a directive can have on the session.
type Actions interface {
	SetAttentionState(st string)
	OpenSpeaker(offset uint64)
	CloseSpeaker(offset *uint64)
	OpenMicrophone(initiator *Initiator)
	CloseMicrophone()
	SetVolume(volume int)
}

// Dispatcher decodes directive documents and applies them to Actions.
type Dispatcher struct {
	actions Actions
	log     *logrus.Entry
}

// NewDispatcher returns a Dispatcher driving actions.
func NewDispatcher(actions Actions) *Dispatcher {
	return &Dispatcher{actions: actions, log: logrus.WithField("component", "directive")}
}

// Dispatch parses one in-order directive message and applies its
// directives in array order. Parse failures drop the current message
// only.
func (d *Dispatcher) Dispatch(payload []byte) {
	var doc document
	if err := json.Unmarshal(payload, &doc); err != nil {
		d.log.WithError(err).Warn("Dropping unparsable directive message")
		return
	}

	for _, dir := range doc.Directives {
		log := d.log.WithFields(logrus.Fields{"directive": dir.Header.Name, "message_id": dir.Header.MessageID})
		switch dir.Header.Name {
		case NameSetAttentionState:
			var p attentionPayload
			if err := json.Unmarshal(dir.Payload, &p); err != nil {
				log.WithError(err).Warn("Bad SetAttentionState payload")
				continue
			}
			if p.Offset != nil {
				log.WithField("offset", *p.Offset).Debug("Ignoring SetAttentionState offset")
			}
			d.actions.SetAttentionState(p.State)

		case NameOpenSpeaker:
			var p speakerPayload
			if err := json.Unmarshal(dir.Payload, &p); err != nil || p.Offset == nil {
				log.WithError(err).Warn("Bad OpenSpeaker payload")
				continue
			}
			d.actions.OpenSpeaker(*p.Offset)

		case NameCloseSpeaker:
			var p speakerPayload
			if len(dir.Payload) > 0 {
				if err := json.Unmarshal(dir.Payload, &p); err != nil {
					log.WithError(err).Warn("Bad CloseSpeaker payload")
					continue
				}
			}
			d.actions.CloseSpeaker(p.Offset)

		case NameOpenMicrophone:
			var p microphonePayload
			if len(dir.Payload) > 0 {
				if err := json.Unmarshal(dir.Payload, &p); err != nil {
					log.WithError(err).Warn("Bad OpenMicrophone payload")
					continue
				}
			}
			d.actions.OpenMicrophone(p.Initiator)

		case NameCloseMicrophone:
			d.actions.CloseMicrophone()

		case NameSetVolume:
			var p volumePayload
			if err := json.Unmarshal(dir.Payload, &p); err != nil {
				log.WithError(err).Warn("Bad SetVolume payload")
				continue
			}
			if p.Volume < 0 {
				p.Volume = 0
			}
			if p.Volume > 100 {
				p.Volume = 100
			}
			d.actions.SetVolume(p.Volume)

		default:
			log.Warn("Unknown directive")
		}
	}
}
