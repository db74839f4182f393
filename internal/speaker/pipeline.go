// Package speaker implements the downlink audio pipeline: the bounded
// playback queue with its resequencer, the OPUS decoder and the
// offset-driven open/close state.
package speaker

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"layeh.com/gopus"

	"github.com/voicekit/aia-client/internal/audio"
	"github.com/voicekit/aia-client/internal/config"
	"github.com/voicekit/aia-client/internal/events"
	"github.com/voicekit/aia-client/internal/platform"
	"github.com/voicekit/aia-client/internal/state"
	"github.com/voicekit/aia-client/internal/wire"
)

const (
	// pushTimeout bounds how long ingress waits for queue space before
	// declaring an overrun.
	pushTimeout = 100 * time.Millisecond

	// receiveTimeout bounds how long the playback task waits for the
	// next message before checking for a pending close.
	receiveTimeout = 2 * time.Second

	// writeRetry is the per-attempt deadline for draining decoded PCM
	// into the render ring.
	writeRetry = 40 * time.Millisecond
)

// ErrSequenceOutOfRange reports a speaker sequence beyond the
// resequencer window while not in overrun; the session must be torn
// down.
var ErrSequenceOutOfRange = errors.New("speaker: sequence out of resequencing range")

// Pipeline is the speaker pipeline. Ingress runs on the receiver
// callback; Run is the playback task.
type Pipeline struct {
	cfg     config.Config
	log     *logrus.Entry
	states  *state.Set
	emitter *events.Emitter
	plat    platform.Platform
	fatal   func(error)

	queue   *Queue
	reseq   *resequencer
	decoder *gopus.Decoder

	// Out is the raw PCM render ring drained by the platform output
	// driver.
	Out *audio.StreamBuffer

	volume atomic.Int32

	mu               sync.Mutex
	nextExpected     uint32
	overrun          bool
	micDuringOverrun bool
	openOffset       uint64
	closeOffset      uint64
	outputOffset     uint64
}

// New builds the pipeline and its decoder. The decoder lives across
// open/close cycles.
func New(cfg config.Config, states *state.Set, emitter *events.Emitter, plat platform.Platform, fatal func(error)) (*Pipeline, error) {
	decoder, err := gopus.NewDecoder(cfg.SpeakerSampleRate, cfg.SpeakerChannels)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:     cfg,
		log:     logrus.WithField("component", "speaker"),
		states:  states,
		emitter: emitter,
		plat:    plat,
		fatal:   fatal,
		queue:   NewQueue(cfg.SpeakerBufferSize),
		reseq:   newResequencer(cfg.SpeakerResequencing),
		decoder: decoder,
		Out:     audio.NewStreamBuffer(cfg.SpeakerBufferSize),
	}
	p.volume.Store(int32(cfg.DefaultVolume))
	return p, nil
}

// Volume returns the current playback volume.
func (p *Pipeline) Volume() int {
	return int(p.volume.Load())
}

// SetVolume updates the playback volume, 0..=100.
func (p *Pipeline) SetVolume(volume int) {
	p.volume.Store(int32(volume))
}

// SetPendingOpen records the OpenSpeaker offset and wakes the playback
// task.
func (p *Pipeline) SetPendingOpen(offset uint64) {
	p.mu.Lock()
	p.openOffset = offset
	p.mu.Unlock()
	p.states.Set(state.OpenSpeakerReceived)
}

// SetPendingClose records the CloseSpeaker offset, or flags an
// offset-less close.
func (p *Pipeline) SetPendingClose(offset *uint64) {
	if offset == nil {
		p.states.Set(state.CloseSpeakerNoOffset)
		return
	}
	p.mu.Lock()
	p.closeOffset = *offset
	p.mu.Unlock()
}

// NoteMicrophoneOpened records that the microphone opened while an
// overrun is in effect; the service will resynthesize the pending
// sequence range with different content.
func (p *Pipeline) NoteMicrophoneOpened() {
	p.mu.Lock()
	if p.overrun {
		p.micDuringOverrun = true
	}
	p.mu.Unlock()
}

// OutputOffset returns the current playback position in stream bytes.
func (p *Pipeline) OutputOffset() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outputOffset
}

// Ingress accepts one decrypted speaker message from the receiver.
func (p *Pipeline) Ingress(seq uint32, payload []byte) {
	p.mu.Lock()
	expected := p.nextExpected
	inOverrun := p.overrun
	p.mu.Unlock()

	switch {
	case seq < expected:
		// Duplicate from a retransmit window; already consumed.
		return

	case seq > expected:
		if int(seq-expected) > p.cfg.SpeakerResequencing {
			if !inOverrun {
				p.log.WithFields(logrus.Fields{"seq": seq, "expected": expected}).Error("Speaker sequence out of range")
				p.fatal(ErrSequenceOutOfRange)
			}
			return
		}
		p.mu.Lock()
		p.reseq.store(int(seq-expected), Message{Seq: seq, Payload: append([]byte(nil), payload...)})
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	if p.overrun {
		p.overrun = false
		if p.micDuringOverrun {
			p.micDuringOverrun = false
			p.reseq.clear()
		}
	}
	p.mu.Unlock()

	msg := Message{Seq: seq, Payload: append([]byte(nil), payload...)}
	for {
		before := p.queue.Bytes()
		if err := p.queue.Push(msg, pushTimeout); err != nil {
			p.handleOverrun(msg)
			return
		}

		if p.states.Has(state.SpeakerOpen) &&
			before < p.cfg.OverrunWarn && p.queue.Bytes() >= p.cfg.OverrunWarn {
			p.emitBufferState(msg.Seq, events.StateOverrunWarning)
		}

		p.mu.Lock()
		p.nextExpected++
		next, ok := p.reseq.advance()
		p.mu.Unlock()
		if !ok {
			return
		}
		msg = next
	}
}

// handleOverrun applies the overrun policy after a failed push.
func (p *Pipeline) handleOverrun(msg Message) {
	p.mu.Lock()
	p.overrun = true
	if p.states.Has(state.MicrophoneOpen) {
		p.micDuringOverrun = true
	}
	p.reseq.clear()
	expected := p.nextExpected
	p.mu.Unlock()

	if p.states.Has(state.SpeakerOpen) {
		p.log.WithField("seq", expected).Warn("Speaker buffer overrun")
		p.emitBufferState(expected, events.StateOverrun)
		return
	}

	// Closed speaker: old audio is worthless, make room silently.
	dropped := p.queue.ForcePush(msg)
	p.mu.Lock()
	p.nextExpected++
	p.mu.Unlock()
	p.log.WithFields(logrus.Fields{"seq": msg.Seq, "dropped": dropped}).Debug("Dropped stale speaker messages while closed")
}

// Run is the playback task. It blocks until the speaker opens, drains
// the queue, decodes and renders, and performs offset-driven closes.
func (p *Pipeline) Run(ctx context.Context) error {
	frameSize := p.cfg.DecoderFrameSize()
	frameSamples := p.cfg.RawFrameSamples()
	var lastSeq uint32

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !p.states.Has(state.SpeakerOpen) {
			if p.states.Wait(state.OpenSpeakerReceived|state.SpeakerOpen, 500*time.Millisecond) == 0 {
				continue
			}
		}

		before := p.queue.Bytes()
		if before == 0 && !p.states.Has(state.OpenSpeakerReceived) && p.states.Has(state.SpeakerOpen) {
			p.emitBufferState(lastSeq+1, events.StateUnderrun)
		}

		msg, ok := p.queue.Receive(receiveTimeout)
		if !ok {
			if p.closePending() {
				p.closeSpeaker()
			}
			continue
		}
		lastSeq = msg.Seq

		chunks, err := wire.ParseChunks(msg.Payload)
		if err != nil {
			p.log.WithError(err).WithField("seq", msg.Seq).Warn("Dropping malformed speaker message")
			continue
		}
		for _, chunk := range chunks {
			if chunk.Type == wire.ChunkAudio {
				p.playAudioChunk(ctx, chunk, frameSize, frameSamples)
			} else {
				marker, err := chunk.Marker()
				if err != nil {
					p.log.WithError(err).Warn("Dropping malformed marker chunk")
					continue
				}
				if err := p.emitter.SpeakerMarkerEncountered(marker); err != nil {
					p.log.WithError(err).Error("Failed to publish marker event")
					p.fatal(err)
					return err
				}
			}
		}

		if p.states.Has(state.SpeakerOpen) {
			after := p.queue.Bytes()
			if before > p.cfg.UnderrunWarn && after <= p.cfg.UnderrunWarn && !p.nearClose() {
				p.emitBufferState(msg.Seq, events.StateUnderrunWarning)
			}
			if p.closePending() {
				p.closeSpeaker()
			}
		}
	}
}

// playAudioChunk decodes and renders one audio chunk.
func (p *Pipeline) playAudioChunk(ctx context.Context, chunk wire.Chunk, frameSize, frameSamples int) {
	offset, opus, err := chunk.Audio()
	if err != nil {
		p.log.WithError(err).Warn("Dropping malformed audio chunk")
		return
	}
	frames := int(chunk.Count) + 1
	if len(opus) < frames*frameSize {
		p.log.WithFields(logrus.Fields{"frames": frames, "bytes": len(opus)}).Warn("Audio chunk shorter than frame count")
		return
	}

	p.mu.Lock()
	openOffset := p.openOffset
	p.mu.Unlock()
	if offset < openOffset {
		// Audio preceding the announced open point is skipped.
		return
	}

	if p.states.Has(state.OpenSpeakerReceived) {
		p.states.Clear(state.OpenSpeakerReceived)
		p.mu.Lock()
		p.openOffset = offset
		p.mu.Unlock()
		p.openSpeaker(offset)
	}

	volume := p.volume.Load()
	pcmBytes := make([]byte, frameSamples*2)
	for i := 0; i < frames; i++ {
		pcm, err := p.decoder.Decode(opus[i*frameSize:(i+1)*frameSize], frameSamples/p.cfg.SpeakerChannels, false)
		if err != nil {
			p.log.WithError(err).Warn("OPUS decode error")
			continue
		}
		if len(pcm) != frameSamples {
			p.log.WithFields(logrus.Fields{"samples": len(pcm), "want": frameSamples}).Warn("Unexpected decoded frame size")
			continue
		}
		for j, s := range pcm {
			binary.LittleEndian.PutUint16(pcmBytes[j*2:], uint16(int16(int32(s)*volume>>7)))
		}
		for written := 0; written < len(pcmBytes); {
			if ctx.Err() != nil {
				return
			}
			written += p.Out.Write(pcmBytes[written:], writeRetry)
		}
	}

	p.mu.Lock()
	p.outputOffset = offset + uint64(len(opus))
	p.mu.Unlock()
}

// closePending reports whether the service asked for a close that is
// now due.
func (p *Pipeline) closePending() bool {
	p.mu.Lock()
	due := p.closeOffset > p.openOffset && p.closeOffset == p.outputOffset
	p.mu.Unlock()
	return due || p.states.Has(state.CloseSpeakerNoOffset)
}

// nearClose reports whether playback is within the underrun-warning
// window of the announced close offset.
func (p *Pipeline) nearClose() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeOffset > p.openOffset && p.closeOffset-p.outputOffset < uint64(p.cfg.UnderrunWarn)
}

func (p *Pipeline) openSpeaker(offset uint64) {
	p.Out.Reset()
	p.plat.SpeakerOpen()
	if err := p.emitter.SpeakerOpened(offset); err != nil {
		p.log.WithError(err).Error("Failed to publish SpeakerOpened")
		p.fatal(err)
		return
	}
	p.states.Set(state.SpeakerOpen)
	p.log.WithField("offset", offset).Info("Speaker opened")
}

func (p *Pipeline) closeSpeaker() {
	p.states.Clear(state.CloseSpeakerNoOffset)
	p.mu.Lock()
	p.closeOffset = p.outputOffset
	offset := p.outputOffset
	p.mu.Unlock()

	p.plat.SpeakerClose()
	p.states.Clear(state.SpeakerOpen)
	if err := p.emitter.SpeakerClosed(offset); err != nil {
		p.log.WithError(err).Error("Failed to publish SpeakerClosed")
		p.fatal(err)
		return
	}
	p.log.WithField("offset", offset).Info("Speaker closed")
}

// emitBufferState publishes a BufferStateChanged event, treating a
// publish failure as fatal to the session.
func (p *Pipeline) emitBufferState(seq uint32, st string) {
	if err := p.emitter.BufferStateChanged("speaker", seq, st); err != nil {
		p.log.WithError(err).Error("Failed to publish BufferStateChanged")
		p.fatal(err)
	}
}
