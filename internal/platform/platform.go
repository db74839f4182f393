// Package platform declares the device surface the session core drives:
// audio capture and render enable/disable, the indicator LED and the
// touch button. Implementations belong to the embedding application.
package platform

// Platform is implemented by the device layer. All methods must be safe
// to call from the receiver callback and from the streaming tasks.
type Platform interface {
	// MicrophoneOpen starts feeding captured PCM into the client's
	// capture ring (via Session.FillMicrophone).
	MicrophoneOpen()
	// MicrophoneClose stops capture.
	MicrophoneClose()
	// SpeakerOpen starts draining the client's render ring (via
	// Session.ReadSpeaker) into the output device.
	SpeakerOpen()
	// SpeakerClose stops output.
	SpeakerClose()
	LEDOn()
	LEDOff()
	// LEDBlink blinks the indicator at the given interval in
	// milliseconds.
	LEDBlink(intervalMS int)
	TouchButtonEnable()
	TouchButtonDisable()
}

// Null is a Platform that does nothing. It backs tests and headless
// deployments.
type Null struct{}

func (Null) MicrophoneOpen()     {}
func (Null) MicrophoneClose()    {}
func (Null) SpeakerOpen()        {}
func (Null) SpeakerClose()       {}
func (Null) LEDOn()              {}
func (Null) LEDOff()             {}
func (Null) LEDBlink(int)        {}
func (Null) TouchButtonEnable()  {}
func (Null) TouchButtonDisable() {}
