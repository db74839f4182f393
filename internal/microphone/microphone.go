// Package microphone implements the uplink audio pipeline: the capture
// ring drained in fixed-duration chunks, each tagged with its absolute
// byte offset and an incrementing per-direction sequence.
package microphone

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voicekit/aia-client/internal/audio"
	"github.com/voicekit/aia-client/internal/config"
	"github.com/voicekit/aia-client/internal/crypto"
	"github.com/voicekit/aia-client/internal/events"
	"github.com/voicekit/aia-client/internal/state"
	"github.com/voicekit/aia-client/internal/transport"
	"github.com/voicekit/aia-client/internal/wire"
)

// drainSlack is added to one audio-message duration to form the read
// deadline of each uplink iteration.
const drainSlack = 50 * time.Millisecond

// Pipeline is the microphone pipeline. The platform capture driver
// feeds Ring; Run is the uplink task.
type Pipeline struct {
	cfg     config.Config
	log     *logrus.Entry
	states  *state.Set
	env     *crypto.Envelope
	bus     transport.PubSub
	topic   string
	emitter *events.Emitter
	fatal   func(error)

	// Ring is the raw PCM capture ring filled by the platform driver.
	Ring *audio.StreamBuffer

	mu            sync.Mutex
	seq           uint32
	offset        uint64
	pendingOpened bool
	initiator     *events.Initiator
}

// New builds the pipeline.
func New(cfg config.Config, states *state.Set, env *crypto.Envelope, bus transport.PubSub, topic string, emitter *events.Emitter, fatal func(error)) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		log:     logrus.WithField("component", "microphone"),
		states:  states,
		env:     env,
		bus:     bus,
		topic:   topic,
		emitter: emitter,
		fatal:   fatal,
		Ring:    audio.NewStreamBuffer(cfg.MicBufferSize()),
	}
}

// ScheduleOpened resets the capture ring and arranges for the uplink
// task to emit MicrophoneOpened with the given initiator once it wakes.
func (p *Pipeline) ScheduleOpened(initiator *events.Initiator) {
	p.Ring.Reset()
	p.mu.Lock()
	p.pendingOpened = true
	p.initiator = initiator
	p.mu.Unlock()
}

// Offset returns the absolute number of bytes sent so far.
func (p *Pipeline) Offset() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

// Run is the uplink task. It suspends while the microphone is closed
// and otherwise drains the capture ring into encrypted messages.
func (p *Pipeline) Run(ctx context.Context) error {
	payload := make([]byte, p.cfg.AudioDataSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if p.states.Wait(state.MicrophoneOpen, 500*time.Millisecond) == 0 {
			continue
		}

		p.mu.Lock()
		opened := p.pendingOpened
		p.pendingOpened = false
		initiator := p.initiator
		offset := p.offset
		p.mu.Unlock()
		if opened {
			if err := p.emitter.MicrophoneOpened(p.cfg.ASRProfile, initiator, offset); err != nil {
				p.log.WithError(err).Error("Failed to publish MicrophoneOpened")
				p.fatal(err)
				return err
			}
			p.log.WithField("offset", offset).Info("Microphone opened")
		}

		deadline := time.Now().Add(p.cfg.AudioMessageDuration() + drainSlack)
		received := 0
		for received < len(payload) {
			wait := time.Until(deadline)
			if wait <= 0 {
				break
			}
			received += p.Ring.Read(payload[received:], wait)
		}
		if received == 0 {
			continue
		}

		p.mu.Lock()
		seq := p.seq
		offset = p.offset
		p.mu.Unlock()

		frame, err := p.env.Encrypt(seq, wire.MicrophoneMessage(offset, payload[:received]))
		if err != nil {
			p.log.WithError(err).Error("Failed to encrypt microphone message")
			p.fatal(err)
			return err
		}

		// Gate on the state again so a CloseMicrophone received during
		// the drain does not publish stale bytes.
		if !p.states.Has(state.MicrophoneOpen) {
			continue
		}
		if err := p.bus.Publish(p.topic, frame); err != nil {
			p.log.WithError(err).Error("Failed to publish microphone message")
			p.fatal(err)
			return err
		}
		p.mu.Lock()
		p.seq++
		p.offset += uint64(received)
		p.mu.Unlock()
	}
}
