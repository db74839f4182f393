package directive

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordedCall struct {
	name   string
	str    string
	num    int
	offset *uint64
	init   *Initiator
}

type recorder struct {
	calls []recordedCall
}

func (r *recorder) SetAttentionState(st string) {
	r.calls = append(r.calls, recordedCall{name: NameSetAttentionState, str: st})
}

func (r *recorder) OpenSpeaker(offset uint64) {
	r.calls = append(r.calls, recordedCall{name: NameOpenSpeaker, offset: &offset})
}

func (r *recorder) CloseSpeaker(offset *uint64) {
	r.calls = append(r.calls, recordedCall{name: NameCloseSpeaker, offset: offset})
}

func (r *recorder) OpenMicrophone(init *Initiator) {
	r.calls = append(r.calls, recordedCall{name: NameOpenMicrophone, init: init})
}

func (r *recorder) CloseMicrophone() {
	r.calls = append(r.calls, recordedCall{name: NameCloseMicrophone})
}

func (r *recorder) SetVolume(volume int) {
	r.calls = append(r.calls, recordedCall{name: NameSetVolume, num: volume})
}

func TestDispatchAppliesArrayOrder(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec)

	d.Dispatch([]byte(`{"directives":[
		{"header":{"name":"SetAttentionState","messageId":"1"},"payload":{"state":"SPEAKING"}},
		{"header":{"name":"OpenSpeaker","messageId":"2"},"payload":{"offset":0}}
	]}`))

	assert.Len(t, rec.calls, 2)
	assert.Equal(t, NameSetAttentionState, rec.calls[0].name)
	assert.Equal(t, "SPEAKING", rec.calls[0].str)
	assert.Equal(t, NameOpenSpeaker, rec.calls[1].name)
	assert.EqualValues(t, 0, *rec.calls[1].offset)
}

func TestDispatchCloseSpeakerVariants(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec)

	d.Dispatch([]byte(`{"directives":[{"header":{"name":"CloseSpeaker","messageId":"1"},"payload":{"offset":2880}}]}`))
	d.Dispatch([]byte(`{"directives":[{"header":{"name":"CloseSpeaker","messageId":"2"}}]}`))

	assert.Len(t, rec.calls, 2)
	assert.EqualValues(t, 2880, *rec.calls[0].offset)
	assert.Nil(t, rec.calls[1].offset)
}

func TestDispatchOpenMicrophoneInitiator(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec)

	d.Dispatch([]byte(`{"directives":[{"header":{"name":"OpenMicrophone","messageId":"1"},"payload":{"initiator":{"type":"TAP"}}}]}`))
	d.Dispatch([]byte(`{"directives":[{"header":{"name":"OpenMicrophone","messageId":"2"}}]}`))

	assert.Len(t, rec.calls, 2)
	assert.Equal(t, "TAP", rec.calls[0].init.Type)
	assert.Nil(t, rec.calls[1].init)
}

func TestDispatchSetVolumeClamps(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec)

	d.Dispatch([]byte(`{"directives":[{"header":{"name":"SetVolume","messageId":"1"},"payload":{"volume":250,"offset":100}}]}`))
	assert.Equal(t, 100, rec.calls[0].num)
}

func TestDispatchDropsBadJSONOnly(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec)

	d.Dispatch([]byte(`{"directives":[`))
	assert.Empty(t, rec.calls)

	d.Dispatch([]byte(`{"directives":[{"header":{"name":"CloseMicrophone","messageId":"3"}}]}`))
	assert.Len(t, rec.calls, 1)
}

func TestDispatchIgnoresUnknownDirective(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec)

	d.Dispatch([]byte(`{"directives":[
		{"header":{"name":"RotateSecret","messageId":"1"},"payload":{}},
		{"header":{"name":"CloseMicrophone","messageId":"2"}}
	]}`))
	assert.Len(t, rec.calls, 1)
	assert.Equal(t, NameCloseMicrophone, rec.calls[0].name)
}
