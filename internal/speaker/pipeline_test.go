package speaker

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"github.com/voicekit/aia-client/internal/config"
	"github.com/voicekit/aia-client/internal/crypto"
	"github.com/voicekit/aia-client/internal/events"
	"github.com/voicekit/aia-client/internal/platform"
	"github.com/voicekit/aia-client/internal/state"
	"github.com/voicekit/aia-client/internal/transport"
	"github.com/voicekit/aia-client/internal/wire"
)

type capturedEvent struct {
	Name    string
	Payload map[string]any
}

type rig struct {
	p      *Pipeline
	states *state.Set
	events chan capturedEvent
	fatals chan error
}

// newRig builds a pipeline whose emitted events are decrypted with the
// service-side envelope and captured on a channel.
func newRig(t *testing.T, cfg config.Config) *rig {
	t.Helper()

	privA := make([]byte, crypto.KeySize)
	privB := make([]byte, crypto.KeySize)
	_, err := rand.Read(privA)
	require.NoError(t, err)
	_, err = rand.Read(privB)
	require.NoError(t, err)
	pubA, err := curve25519.X25519(privA, curve25519.Basepoint)
	require.NoError(t, err)
	pubB, err := curve25519.X25519(privB, curve25519.Basepoint)
	require.NoError(t, err)

	b64 := base64.StdEncoding.EncodeToString
	clientEnv, err := crypto.New(b64(pubA), b64(privA), b64(pubB))
	require.NoError(t, err)
	serviceEnv, err := crypto.New(b64(pubB), b64(privB), b64(pubA))
	require.NoError(t, err)

	bus := transport.NewMemory()
	captured := make(chan capturedEvent, 64)
	require.NoError(t, bus.Subscribe("event", func(_ string, frame []byte) {
		_, plain, err := serviceEnv.Decrypt(frame)
		require.NoError(t, err)
		var doc struct {
			Events []struct {
				Header struct {
					Name string `json:"name"`
				} `json:"header"`
				Payload map[string]any `json:"payload"`
			} `json:"events"`
		}
		require.NoError(t, json.Unmarshal(plain, &doc))
		for _, ev := range doc.Events {
			captured <- capturedEvent{Name: ev.Header.Name, Payload: ev.Payload}
		}
	}))

	r := &rig{
		states: state.New(),
		events: captured,
		fatals: make(chan error, 4),
	}
	emitter := events.New(clientEnv, bus, "event")
	r.p, err = New(cfg, r.states, emitter, platform.Null{}, func(err error) { r.fatals <- err })
	require.NoError(t, err)
	return r
}

// waitEvent blocks until an event with the given name arrives, failing
// the test after the timeout. Other events are skipped.
func (r *rig) waitEvent(t *testing.T, name string, timeout time.Duration) capturedEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-r.events:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("event %s not observed within %v", name, timeout)
			return capturedEvent{}
		}
	}
}

// audioMessage builds a speaker payload with one audio chunk of the
// given offset and opus byte length.
func audioMessage(cfg config.Config, offset uint64, opusBytes int) []byte {
	frames := opusBytes / cfg.DecoderFrameSize()
	return wire.AppendAudioChunk(nil, offset, frames, make([]byte, opusBytes))
}

func TestInOrderPlayback(t *testing.T) {
	cfg := config.Default()
	r := newRig(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.p.Run(ctx) }()

	r.p.SetPendingOpen(0)
	for i, offset := range []uint64{0, 960, 1920} {
		r.p.Ingress(uint32(i), audioMessage(cfg, offset, 960))
	}

	ev := r.waitEvent(t, events.NameSpeakerOpened, 2*time.Second)
	assert.EqualValues(t, 0, ev.Payload["offset"])
	assert.Eventually(t, func() bool { return r.states.Has(state.SpeakerOpen) },
		time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return r.p.OutputOffset() == 2880 },
		2*time.Second, 10*time.Millisecond)
}

func TestResequencing(t *testing.T) {
	cfg := config.Default()
	r := newRig(t, cfg)

	payload := audioMessage(cfg, 0, 160)
	for _, seq := range []uint32{1, 2, 3, 0} {
		r.p.Ingress(seq, payload)
	}

	for want := uint32(0); want < 4; want++ {
		msg, ok := r.p.queue.Receive(100 * time.Millisecond)
		require.True(t, ok, "message %d missing", want)
		assert.Equal(t, want, msg.Seq)
	}
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected event %s", ev.Name)
	default:
	}
	select {
	case err := <-r.fatals:
		t.Fatalf("unexpected fatal: %v", err)
	default:
	}
}

func TestResequencerWindowBoundary(t *testing.T) {
	cfg := config.Default() // R = 4
	r := newRig(t, cfg)

	// E+R is the last accepted lookahead.
	r.p.Ingress(4, audioMessage(cfg, 0, 160))
	select {
	case err := <-r.fatals:
		t.Fatalf("in-window sequence treated as fatal: %v", err)
	default:
	}

	// E+R+1 is out of range while not in overrun.
	r.p.Ingress(5, audioMessage(cfg, 0, 160))
	select {
	case err := <-r.fatals:
		assert.ErrorIs(t, err, ErrSequenceOutOfRange)
	case <-time.After(time.Second):
		t.Fatal("out-of-range sequence not reported")
	}
}

func TestOverrunAndRetransmit(t *testing.T) {
	cfg := config.Default()
	cfg.SpeakerBufferSize = 8
	cfg.OverrunWarn = 1000
	r := newRig(t, cfg)
	r.states.Set(state.SpeakerOpen)

	payload := audioMessage(cfg, 0, 160)[:6] // truncated is fine, never decoded

	r.p.Ingress(0, payload)
	r.p.Ingress(1, payload) // no room: overrun after the 100 ms deadline

	ev := r.waitEvent(t, events.NameBufferStateChanged, 2*time.Second)
	assert.Equal(t, "OVERRUN", ev.Payload["state"])
	msg := ev.Payload["message"].(map[string]any)
	assert.EqualValues(t, 1, msg["sequenceNumber"])

	// Drain, then the service retransmits from E.
	got, ok := r.p.queue.Receive(time.Millisecond)
	require.True(t, ok)
	assert.EqualValues(t, 0, got.Seq)

	r.p.Ingress(1, payload)
	got, ok = r.p.queue.Receive(100 * time.Millisecond)
	require.True(t, ok)
	assert.EqualValues(t, 1, got.Seq)

	r.p.Ingress(2, payload)
	got, ok = r.p.queue.Receive(100 * time.Millisecond)
	require.True(t, ok)
	assert.EqualValues(t, 2, got.Seq)

	r.p.mu.Lock()
	assert.False(t, r.p.overrun)
	r.p.mu.Unlock()
}

func TestOverrunWhileClosedDropsOldestSilently(t *testing.T) {
	cfg := config.Default()
	cfg.SpeakerBufferSize = 8
	cfg.OverrunWarn = 1000
	r := newRig(t, cfg)

	payload := audioMessage(cfg, 0, 160)[:6]
	r.p.Ingress(0, payload)
	r.p.Ingress(1, payload) // drops seq 0, advances E past 1

	select {
	case ev := <-r.events:
		t.Fatalf("unexpected event while closed: %s", ev.Name)
	default:
	}

	got, ok := r.p.queue.Receive(time.Millisecond)
	require.True(t, ok)
	assert.EqualValues(t, 1, got.Seq)

	// The stream continues at the next sequence.
	r.p.Ingress(2, payload)
	got, ok = r.p.queue.Receive(100 * time.Millisecond)
	require.True(t, ok)
	assert.EqualValues(t, 2, got.Seq)
}

func TestOverrunWarningSingleCrossing(t *testing.T) {
	cfg := config.Default()
	cfg.SpeakerBufferSize = 100
	cfg.OverrunWarn = 10
	r := newRig(t, cfg)
	r.states.Set(state.SpeakerOpen)

	payload := audioMessage(cfg, 0, 160)[:6]
	r.p.Ingress(0, payload) // 0 -> 6, below the threshold
	r.p.Ingress(1, payload) // 6 -> 12, crossing
	r.p.Ingress(2, payload) // 12 -> 18, already above

	ev := r.waitEvent(t, events.NameBufferStateChanged, time.Second)
	assert.Equal(t, "OVERRUN_WARNING", ev.Payload["state"])

	select {
	case ev := <-r.events:
		t.Fatalf("second warning emitted: %v", ev.Payload)
	default:
	}
}

func TestCloseWithNoOffsetDuringUnderrun(t *testing.T) {
	cfg := config.Default()
	r := newRig(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.p.Run(ctx) }()

	r.p.SetPendingOpen(0)
	r.p.Ingress(0, audioMessage(cfg, 0, 960))
	r.waitEvent(t, events.NameSpeakerOpened, 2*time.Second)

	r.p.SetPendingClose(nil)

	ev := r.waitEvent(t, events.NameSpeakerClosed, 5*time.Second)
	assert.EqualValues(t, 960, ev.Payload["offset"])
	assert.False(t, r.states.Has(state.SpeakerOpen))
	assert.False(t, r.states.Has(state.CloseSpeakerNoOffset))
}

func TestMarkerEchoed(t *testing.T) {
	cfg := config.Default()
	r := newRig(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.p.Run(ctx) }()

	r.p.SetPendingOpen(0)
	r.p.Ingress(0, wire.AppendMarkerChunk(nil, 1, 1234))

	ev := r.waitEvent(t, events.NameSpeakerMarkerEncountered, 2*time.Second)
	assert.EqualValues(t, 1234, ev.Payload["marker"])
}

func TestDuplicateSequenceDropped(t *testing.T) {
	cfg := config.Default()
	r := newRig(t, cfg)

	first := audioMessage(cfg, 0, 160)
	second := audioMessage(cfg, 160, 160)
	r.p.Ingress(0, first)
	r.p.Ingress(0, second) // duplicate, dropped

	msg, ok := r.p.queue.Receive(time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, first, msg.Payload)
	_, ok = r.p.queue.Receive(10 * time.Millisecond)
	assert.False(t, ok)
}
