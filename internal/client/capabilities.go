package client

import (
	"encoding/json"
	"fmt"

	"github.com/voicekit/aia-client/internal/state"
)

// Capabilities document shapes. The service matches these field for
// field, so they mirror the published schema exactly.

type capabilitiesDocument struct {
	Header  capabilitiesHeader  `json:"header"`
	Payload capabilitiesPayload `json:"payload"`
}

type capabilitiesHeader struct {
	Name      string `json:"name"`
	MessageID string `json:"messageId"`
}

type capabilitiesPayload struct {
	Capabilities []capability `json:"capabilities"`
}

type capability struct {
	Type           string `json:"type"`
	Interface      string `json:"interface"`
	Version        string `json:"version"`
	Configurations any    `json:"configurations"`
}

type speakerConfigurations struct {
	AudioBuffer  audioBuffer  `json:"audioBuffer"`
	AudioDecoder audioDecoder `json:"audioDecoder"`
}

type audioBuffer struct {
	SizeInBytes int             `json:"sizeInBytes"`
	Reporting   bufferReporting `json:"reporting"`
}

type bufferReporting struct {
	OverrunWarningThreshold  int `json:"overrunWarningThreshold"`
	UnderrunWarningThreshold int `json:"underrunWarningThreshold"`
}

type audioDecoder struct {
	Format           string         `json:"format"`
	Bitrate          decoderBitrate `json:"bitrate"`
	NumberOfChannels int            `json:"numberOfChannels"`
}

type decoderBitrate struct {
	Type          string `json:"type"`
	BitsPerSecond int    `json:"bitsPerSecond"`
}

type microphoneConfigurations struct {
	AudioEncoder audioEncoder `json:"audioEncoder"`
}

type audioEncoder struct {
	Format string `json:"format"`
}

type systemConfigurations struct {
	MQTT            mqttConfiguration `json:"mqtt"`
	FirmwareVersion string            `json:"firmwareVersion"`
	Locale          string            `json:"locale"`
}

type mqttConfiguration struct {
	Message mqttMessage `json:"message"`
}

type mqttMessage struct {
	MaxSizeInBytes int `json:"maxSizeInBytes"`
}

// capabilities builds the device capabilities document.
func (s *Session) capabilities() capabilitiesDocument {
	return capabilitiesDocument{
		Header: capabilitiesHeader{
			Name:      "Publish",
			MessageID: s.cfg.ThingName + "_Capabilities",
		},
		Payload: capabilitiesPayload{Capabilities: []capability{
			{
				Type:      "AisInterface",
				Interface: "Speaker",
				Version:   "1.0",
				Configurations: speakerConfigurations{
					AudioBuffer: audioBuffer{
						SizeInBytes: s.cfg.SpeakerBufferSize,
						Reporting: bufferReporting{
							OverrunWarningThreshold:  s.cfg.OverrunWarn,
							UnderrunWarningThreshold: s.cfg.UnderrunWarn,
						},
					},
					AudioDecoder: audioDecoder{
						Format:           "OPUS",
						Bitrate:          decoderBitrate{Type: "CONSTANT", BitsPerSecond: s.cfg.SpeakerBitrate},
						NumberOfChannels: s.cfg.SpeakerChannels,
					},
				},
			},
			{
				Type:           "AisInterface",
				Interface:      "Microphone",
				Version:        "1.0",
				Configurations: microphoneConfigurations{AudioEncoder: audioEncoder{Format: "AUDIO_L16_RATE_16000_CHANNELS_1"}},
			},
			{
				Type:      "AisInterface",
				Interface: "System",
				Version:   "1.0",
				Configurations: systemConfigurations{
					MQTT:            mqttConfiguration{Message: mqttMessage{MaxSizeInBytes: s.cfg.MessageMaxSize}},
					FirmwareVersion: "42",
					Locale:          "en-US",
				},
			},
		}},
	}
}

// publishCapabilities publishes the encrypted capabilities document on
// its own per-topic sequence and waits for the acknowledge.
func (s *Session) publishCapabilities() error {
	plain, err := json.Marshal(s.capabilities())
	if err != nil {
		return fmt.Errorf("client: marshal capabilities: %w", err)
	}

	s.mu.Lock()
	seq := s.capSeq
	s.mu.Unlock()

	frame, err := s.env.Encrypt(seq, plain)
	if err != nil {
		return fmt.Errorf("client: encrypt capabilities: %w", err)
	}
	if err := s.bus.Publish(s.topics.CapabilitiesPublish(), frame); err != nil {
		return fmt.Errorf("client: publish capabilities: %w", err)
	}
	s.mu.Lock()
	s.capSeq++
	s.mu.Unlock()

	got := s.states.Wait(state.CapabilitiesAccepted|state.CapabilitiesRejected, s.cfg.DefaultTimeout)
	switch {
	case got&state.CapabilitiesAccepted != 0:
		return nil
	case got&state.CapabilitiesRejected != 0:
		return ErrCapabilitiesRejected
	default:
		return fmt.Errorf("client: capabilities acknowledge timed out")
	}
}
