// Package client ties the session together: the receiver dispatch, the
// directive effects on the state machine, the streaming tasks and the
// connection orchestrator.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/voicekit/aia-client/internal/config"
	"github.com/voicekit/aia-client/internal/crypto"
	"github.com/voicekit/aia-client/internal/directive"
	"github.com/voicekit/aia-client/internal/events"
	"github.com/voicekit/aia-client/internal/microphone"
	"github.com/voicekit/aia-client/internal/platform"
	"github.com/voicekit/aia-client/internal/speaker"
	"github.com/voicekit/aia-client/internal/state"
	"github.com/voicekit/aia-client/internal/transport"
)

// Initiator types reported in MicrophoneOpened.
const (
	InitiatorTap      = "TAP"
	InitiatorWakeWord = "WAKEWORD"
)

var (
	// ErrConnectionDenied is returned when the service refuses the
	// connection.
	ErrConnectionDenied = errors.New("client: connection denied by service")

	// ErrConnectTimeout is returned when every connect attempt timed
	// out.
	ErrConnectTimeout = errors.New("client: connection attempts exhausted")

	// ErrCapabilitiesRejected is returned when the service rejects the
	// capabilities document.
	ErrCapabilitiesRejected = errors.New("client: capabilities rejected")

	// ErrServiceDisconnect is returned when the service closes the
	// session.
	ErrServiceDisconnect = errors.New("client: disconnected by service")
)

// Session is the process-wide client session.
type Session struct {
	cfg    config.Config
	log    *logrus.Entry
	bus    transport.PubSub
	topics transport.Topics
	env    *crypto.Envelope
	states *state.Set
	plat   platform.Platform

	emitter    *events.Emitter
	spk        *speaker.Pipeline
	mic        *microphone.Pipeline
	reorder    *directive.Reorder
	dispatcher *directive.Dispatcher

	// recvMu serializes all inbound work so state transitions caused by
	// one message complete before the next is processed.
	recvMu sync.Mutex

	mu     sync.Mutex
	capSeq uint32

	fatalCh chan error
}

// New builds a session on the given transport and platform.
func New(cfg config.Config, bus transport.PubSub, plat platform.Platform) (*Session, error) {
	env, err := crypto.New(cfg.ClientPublicKey, cfg.ClientPrivateKey, cfg.PeerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("client: derive session secret: %w", err)
	}

	s := &Session{
		cfg:     cfg,
		log:     logrus.WithField("component", "client"),
		bus:     bus,
		topics:  transport.NewTopics(cfg.TopicRoot, cfg.APIVersion, cfg.ThingName),
		env:     env,
		states:  state.New(),
		plat:    plat,
		fatalCh: make(chan error, 1),
	}
	s.emitter = events.New(env, bus, s.topics.Event())
	s.spk, err = speaker.New(cfg, s.states, s.emitter, plat, s.fatal)
	if err != nil {
		return nil, fmt.Errorf("client: speaker pipeline: %w", err)
	}
	s.mic = microphone.New(cfg, s.states, env, bus, s.topics.Microphone(), s.emitter, s.fatal)
	s.dispatcher = directive.NewDispatcher(s)
	s.reorder = directive.NewReorder(s.dispatcher.Dispatch)
	return s, nil
}

// States exposes the state machine for embedding applications.
func (s *Session) States() *state.Set { return s.states }

// fatal signals the orchestrator once; later errors are dropped.
func (s *Session) fatal(err error) {
	select {
	case s.fatalCh <- err:
	default:
	}
}

// FillMicrophone copies captured PCM into the uplink ring without
// blocking. Safe to call from audio driver callbacks.
func (s *Session) FillMicrophone(p []byte) int { return s.mic.Ring.TryWrite(p) }

// ReadSpeaker copies decoded PCM out of the render ring without
// blocking. Safe to call from audio driver callbacks.
func (s *Session) ReadSpeaker(p []byte) int { return s.spk.Out.TryRead(p) }

// ButtonTapped opens the microphone with a TAP initiator and disables
// the touch button until the assistant goes idle again.
func (s *Session) ButtonTapped() {
	s.openMicrophone(&events.Initiator{Type: InitiatorTap}, 500)
	s.plat.TouchButtonDisable()
}

// WakeWordDetected opens the microphone with a WAKEWORD initiator
// carrying the wake word's sample offsets in the uplink stream.
func (s *Session) WakeWordDetected(word string, beginOffset, endOffset uint64) {
	s.openMicrophone(&events.Initiator{
		Type: InitiatorWakeWord,
		Payload: &events.InitiatorPayload{
			WakeWord:        word,
			WakeWordIndices: &events.WakeWordIndices{BeginOffset: beginOffset, EndOffset: endOffset},
		},
	}, 500)
}

// StopPlaying asks the service to stop the current playback.
func (s *Session) StopPlaying() error {
	return s.emitter.ButtonCommandIssued("STOP")
}

// onMessage is the receiver entry point for every subscribed topic.
func (s *Session) onMessage(topic string, payload []byte) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	if topic == s.topics.ConnectionFromService() {
		s.handleConnection(payload)
		return
	}

	seq, plain, err := s.env.Decrypt(payload)
	switch {
	case errors.Is(err, crypto.ErrSequenceMismatch):
		// TODO: close the connection with MESSAGE_TAMPERED instead of
		// only dropping the frame.
		s.log.WithField("topic", topic).Warn("Decrypted sequence number does not match envelope, dropping frame")
		return
	case err != nil:
		s.log.WithError(err).WithField("topic", topic).Warn("Failed to decrypt message, dropping frame")
		return
	}

	switch topic {
	case s.topics.Speaker():
		s.spk.Ingress(seq, plain)
	case s.topics.Directive():
		s.reorder.Submit(seq, plain)
	case s.topics.CapabilitiesAcknowledge():
		s.handleCapabilitiesAcknowledge(plain)
	default:
		s.log.WithField("topic", topic).Warn("Message on unexpected topic")
	}
}

type connectionHeader struct {
	Name      string `json:"name"`
	MessageID string `json:"messageId"`
}

type connectionMessage struct {
	Header  connectionHeader `json:"header"`
	Payload struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"payload"`
}

func (s *Session) handleConnection(payload []byte) {
	var msg connectionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.log.WithError(err).Warn("Dropping unparsable connection message")
		return
	}
	switch msg.Header.Name {
	case "Acknowledge":
		if msg.Payload.Code == "CONNECTION_ESTABLISHED" {
			s.log.Info("Service connection established")
			s.states.Set(state.Connected)
		} else {
			s.log.WithField("code", msg.Payload.Code).Error("Service denied connection")
			s.states.Set(state.ConnectionDenied)
		}
	case "Disconnect":
		if s.states.Has(state.Connected) {
			s.log.WithFields(logrus.Fields{"code": msg.Payload.Code, "description": msg.Payload.Description}).
				Warn("Service requested disconnect")
			s.fatal(ErrServiceDisconnect)
		}
	}
}

func (s *Session) handleCapabilitiesAcknowledge(payload []byte) {
	var msg connectionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.log.WithError(err).Warn("Dropping unparsable capabilities acknowledge")
		return
	}
	if msg.Payload.Code == "CAPABILITIES_ACCEPTED" {
		s.log.Info("Capabilities accepted")
		s.states.Set(state.CapabilitiesAccepted)
	} else {
		s.log.WithField("description", msg.Payload.Description).Error("Capabilities rejected")
		s.states.Set(state.CapabilitiesRejected)
	}
}

// SetAttentionState applies a SetAttentionState directive.
func (s *Session) SetAttentionState(st string) {
	switch st {
	case directive.AttentionIdle:
		s.states.SetAttention(state.AttentionIdle)
		s.plat.TouchButtonEnable()
		s.plat.LEDOn()
	case directive.AttentionThinking:
		s.states.SetAttention(state.AttentionThinking)
	case directive.AttentionSpeaking:
		s.states.SetAttention(state.AttentionSpeaking)
	case directive.AttentionAlerting:
		s.states.SetAttention(state.AttentionAlerting)
	default:
		s.log.WithField("state", st).Warn("Unknown attention state")
		return
	}
	s.log.WithField("state", st).Info("Attention state changed")
}

// OpenSpeaker applies an OpenSpeaker directive.
func (s *Session) OpenSpeaker(offset uint64) {
	s.log.WithField("offset", offset).Debug("OpenSpeaker received")
	s.spk.SetPendingOpen(offset)
}

// CloseSpeaker applies a CloseSpeaker directive.
func (s *Session) CloseSpeaker(offset *uint64) {
	if offset != nil {
		s.log.WithField("offset", *offset).Debug("CloseSpeaker received")
	} else {
		s.log.Debug("CloseSpeaker received with no offset")
	}
	s.spk.SetPendingClose(offset)
}

// OpenMicrophone applies an OpenMicrophone directive.
func (s *Session) OpenMicrophone(init *directive.Initiator) {
	s.openMicrophone(convertInitiator(init), 200)
}

// convertInitiator echoes a directive initiator into the event shape.
func convertInitiator(init *directive.Initiator) *events.Initiator {
	if init == nil {
		return nil
	}
	out := &events.Initiator{Type: init.Type}
	if len(init.Payload) > 0 {
		var p events.InitiatorPayload
		if err := json.Unmarshal(init.Payload, &p); err == nil {
			out.Payload = &p
		}
	}
	return out
}

// openMicrophone is the shared open path for directives, the touch
// button and the wake word.
func (s *Session) openMicrophone(initiator *events.Initiator, blinkMS int) {
	s.mic.ScheduleOpened(initiator)
	s.spk.NoteMicrophoneOpened()
	s.states.Set(state.MicrophoneOpen)
	s.plat.MicrophoneOpen()
	s.plat.LEDBlink(blinkMS)
}

// CloseMicrophone applies a CloseMicrophone directive.
func (s *Session) CloseMicrophone() {
	s.plat.MicrophoneClose()
	s.states.Clear(state.MicrophoneOpen)
	s.plat.LEDOff()
	if err := s.emitter.MicrophoneClosed(s.mic.Offset()); err != nil {
		s.log.WithError(err).Error("Failed to publish MicrophoneClosed")
	}
	s.log.Info("Microphone closed")
}

// SetVolume applies a SetVolume directive.
func (s *Session) SetVolume(volume int) {
	s.spk.SetVolume(volume)
	if err := s.emitter.VolumeChanged(volume); err != nil {
		s.log.WithError(err).Error("Failed to publish VolumeChanged")
	}
	s.log.WithField("volume", volume).Info("Volume changed")
}

// Run connects to the service, exchanges capabilities, starts the
// streaming tasks and blocks until the context is cancelled or a fatal
// error tears the session down.
func (s *Session) Run(ctx context.Context) error {
	if err := s.bus.Subscribe(s.topics.ConnectionFromService(), s.onMessage); err != nil {
		return fmt.Errorf("client: subscribe connection topic: %w", err)
	}
	if err := s.connect(ctx); err != nil {
		return err
	}
	for _, topic := range []string{
		s.topics.CapabilitiesAcknowledge(),
		s.topics.Directive(),
		s.topics.Speaker(),
	} {
		if err := s.bus.Subscribe(topic, s.onMessage); err != nil {
			return fmt.Errorf("client: subscribe %s: %w", topic, err)
		}
	}
	if err := s.publishCapabilities(); err != nil {
		return err
	}
	if err := s.emitter.SynchronizeState(&events.SpeakerState{Volume: s.spk.Volume()}, nil); err != nil {
		return fmt.Errorf("client: synchronize state: %w", err)
	}
	s.log.Info("Session established")

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, taskCtx := errgroup.WithContext(taskCtx)
	g.Go(func() error { return s.spk.Run(taskCtx) })
	g.Go(func() error { return s.mic.Run(taskCtx) })

	var cause error
	select {
	case <-ctx.Done():
	case cause = <-s.fatalCh:
		s.log.WithError(cause).Error("Fatal session error, tearing down")
	}

	s.disconnect()
	cancel()
	if err := g.Wait(); err != nil && cause == nil {
		cause = err
	}
	s.plat.LEDOff()
	return cause
}

// connect publishes Connect and waits for the acknowledge, retrying
// timed-out attempts with exponential backoff.
func (s *Session) connect(ctx context.Context) error {
	msg, err := json.Marshal(map[string]any{
		"header": connectionHeader{Name: "Connect", MessageID: "0"},
		"payload": map[string]string{
			"awsAccountId": s.cfg.AWSAccountID,
			"clientId":     s.cfg.ThingName,
		},
	})
	if err != nil {
		return err
	}

	interval := s.cfg.ReconnectInterval
	for attempt := 0; attempt <= s.cfg.ReconnectRetry; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt > 0 {
			s.log.WithFields(logrus.Fields{"attempt": attempt, "backoff": interval}).Info("Retrying connection")
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return ctx.Err()
			}
			interval *= 2
		}

		s.log.Info("Connecting to service")
		if err := s.bus.Publish(s.topics.ConnectionFromClient(), msg); err != nil {
			return fmt.Errorf("client: publish connect: %w", err)
		}
		got := s.states.Wait(state.Connected|state.ConnectionDenied, s.cfg.DefaultTimeout)
		if got&state.Connected != 0 {
			return nil
		}
		if got&state.ConnectionDenied != 0 {
			return ErrConnectionDenied
		}
		s.log.Warn("Connection attempt timed out")
	}
	return ErrConnectTimeout
}

// disconnect announces a clean GOING_OFFLINE and clears the connected
// state. Best effort; the session is going away either way.
func (s *Session) disconnect() {
	if !s.states.Has(state.Connected) {
		return
	}
	s.states.Clear(state.Connected)
	msg, err := json.Marshal(map[string]any{
		"header": connectionHeader{Name: "Disconnect", MessageID: "disconnecting_message"},
		"payload": map[string]string{
			"code":        "GOING_OFFLINE",
			"description": s.cfg.ThingName + " disconnecting",
		},
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(s.topics.ConnectionFromClient(), msg); err != nil {
		s.log.WithError(err).Warn("Failed to publish Disconnect")
	}
}
