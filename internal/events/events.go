// Package events serializes, encrypts and publishes the client's
// outbound events.
package events

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/voicekit/aia-client/internal/crypto"
	"github.com/voicekit/aia-client/internal/transport"
)

// Event names.
const (
	NameMicrophoneOpened         = "MicrophoneOpened"
	NameMicrophoneClosed         = "MicrophoneClosed"
	NameSpeakerOpened            = "SpeakerOpened"
	NameSpeakerClosed            = "SpeakerClosed"
	NameSpeakerMarkerEncountered = "SpeakerMarkerEncountered"
	NameBufferStateChanged       = "BufferStateChanged"
	NameVolumeChanged            = "VolumeChanged"
	NameSynchronizeState         = "SynchronizeState"
	NameButtonCommandIssued      = "ButtonCommandIssued"
)

// Buffer states reported in BufferStateChanged.
const (
	StateOverrun         = "OVERRUN"
	StateOverrunWarning  = "OVERRUN_WARNING"
	StateUnderrun        = "UNDERRUN"
	StateUnderrunWarning = "UNDERRUN_WARNING"
)

// header is the common event header.
type header struct {
	Name      string `json:"name"`
	MessageID string `json:"messageId"`
}

type envelopeJSON struct {
	Events []eventJSON `json:"events"`
}

type eventJSON struct {
	Header  header `json:"header"`
	Payload any    `json:"payload"`
}

// Initiator describes what opened the microphone.
type Initiator struct {
	Type    string            `json:"type"`
	Payload *InitiatorPayload `json:"payload,omitempty"`
}

// InitiatorPayload carries wake-word details for WAKEWORD initiators.
type InitiatorPayload struct {
	// TODO: unclear whether token is still part of the protocol.
	Token           string           `json:"token,omitempty"`
	WakeWord        string           `json:"wakeWord,omitempty"`
	WakeWordIndices *WakeWordIndices `json:"wakeWordIndices,omitempty"`
}

// WakeWordIndices are sample offsets of the wake word inside the
// microphone stream.
type WakeWordIndices struct {
	BeginOffset uint64 `json:"beginOffset"`
	EndOffset   uint64 `json:"endOffset"`
}

type microphoneOpenedPayload struct {
	Profile   string     `json:"profile"`
	Initiator *Initiator `json:"initiator,omitempty"`
	Offset    uint64     `json:"offset"`
}

type offsetPayload struct {
	Offset uint64 `json:"offset"`
}

type markerPayload struct {
	Marker uint32 `json:"marker"`
}

type bufferStatePayload struct {
	Message bufferStateMessage `json:"message"`
	State   string             `json:"state"`
}

type bufferStateMessage struct {
	Topic          string `json:"topic"`
	SequenceNumber uint32 `json:"sequenceNumber"`
}

type volumePayload struct {
	Volume int `json:"volume"`
}

type synchronizeStatePayload struct {
	Speaker *SpeakerState `json:"speaker,omitempty"`
	Alerts  *AlertsState  `json:"alerts,omitempty"`
}

// SpeakerState is the speaker portion of SynchronizeState.
type SpeakerState struct {
	Volume int `json:"volume"`
}

// AlertsState is the alerts portion of SynchronizeState.
type AlertsState struct {
	AllAlerts []string `json:"allAlerts"`
}

type commandPayload struct {
	Command string `json:"command"`
}

// Emitter publishes events on the event topic. The envelope sequence
// and the messageId are drawn under one lock so concurrent emitters
// each hold exactly one value.
type Emitter struct {
	mu    sync.Mutex
	seq   uint32
	msgID uint32

	env   *crypto.Envelope
	bus   transport.PubSub
	topic string
}

// New returns an Emitter publishing on topic.
func New(env *crypto.Envelope, bus transport.PubSub, topic string) *Emitter {
	return &Emitter{env: env, bus: bus, topic: topic}
}

func (e *Emitter) emit(name string, payload any) error {
	e.mu.Lock()
	seq := e.seq
	e.seq++
	id := e.msgID
	e.msgID++
	e.mu.Unlock()

	doc := envelopeJSON{Events: []eventJSON{{
		Header:  header{Name: name, MessageID: strconv.FormatUint(uint64(id), 10)},
		Payload: payload,
	}}}
	plain, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	frame, err := e.env.Encrypt(seq, plain)
	if err != nil {
		return err
	}
	if err := e.bus.Publish(e.topic, frame); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"event": name, "seq": seq, "message_id": id}).Debug("Event published")
	return nil
}

// MicrophoneOpened reports that the uplink started at offset.
func (e *Emitter) MicrophoneOpened(profile string, initiator *Initiator, offset uint64) error {
	return e.emit(NameMicrophoneOpened, microphoneOpenedPayload{Profile: profile, Initiator: initiator, Offset: offset})
}

// MicrophoneClosed reports the final uplink offset.
func (e *Emitter) MicrophoneClosed(offset uint64) error {
	return e.emit(NameMicrophoneClosed, offsetPayload{Offset: offset})
}

// SpeakerOpened reports playback starting at offset.
func (e *Emitter) SpeakerOpened(offset uint64) error {
	return e.emit(NameSpeakerOpened, offsetPayload{Offset: offset})
}

// SpeakerClosed reports playback stopping at offset.
func (e *Emitter) SpeakerClosed(offset uint64) error {
	return e.emit(NameSpeakerClosed, offsetPayload{Offset: offset})
}

// SpeakerMarkerEncountered echoes a marker from the speaker stream.
func (e *Emitter) SpeakerMarkerEncountered(marker uint32) error {
	return e.emit(NameSpeakerMarkerEncountered, markerPayload{Marker: marker})
}

// BufferStateChanged reports a speaker buffer threshold crossing.
func (e *Emitter) BufferStateChanged(topic string, seq uint32, state string) error {
	return e.emit(NameBufferStateChanged, bufferStatePayload{
		Message: bufferStateMessage{Topic: topic, SequenceNumber: seq},
		State:   state,
	})
}

// VolumeChanged acknowledges a SetVolume directive.
func (e *Emitter) VolumeChanged(volume int) error {
	return e.emit(NameVolumeChanged, volumePayload{Volume: volume})
}

// SynchronizeState reports the device state after capabilities exchange.
func (e *Emitter) SynchronizeState(speaker *SpeakerState, alerts *AlertsState) error {
	return e.emit(NameSynchronizeState, synchronizeStatePayload{Speaker: speaker, Alerts: alerts})
}

// ButtonCommandIssued reports a physical button command.
func (e *Emitter) ButtonCommandIssued(command string) error {
	return e.emit(NameButtonCommandIssued, commandPayload{Command: command})
}
