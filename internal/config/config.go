// Package config holds the client configuration, loaded from environment
// variables with the service defaults applied.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds every tunable of the client.
type Config struct {
	// Identity and topic composition.
	AWSAccountID string
	TopicRoot    string
	APIVersion   string
	ThingName    string

	// Base64 curve25519 keys.
	ClientPublicKey  string
	ClientPrivateKey string
	PeerPublicKey    string

	// Microphone pipeline.
	MicSampleRate   int
	MicChannels     int
	MicFrameMS      int
	MicBits         int
	MicBufferFrames int

	// Speaker buffering.
	SpeakerBufferSize int
	OverrunWarn       int
	UnderrunWarn      int

	// OPUS decoder.
	SpeakerSampleRate int
	SpeakerChannels   int
	SpeakerFrameMS    int
	SpeakerBitrate    int

	// Transport sizing.
	MessageMaxSize int
	AudioDataSize  int

	// Resequencer depth.
	SpeakerResequencing int

	// Orchestrator.
	ReconnectRetry    int
	ReconnectInterval time.Duration
	DefaultTimeout    time.Duration

	// Initial volume, 0..=100.
	DefaultVolume int

	// Startup shim.
	BrokerURL  string
	ASRProfile string
}

// Default returns a Config populated with the service defaults.
func Default() Config {
	return Config{
		APIVersion:          "v1",
		MicSampleRate:       16000,
		MicChannels:         1,
		MicFrameMS:          20,
		MicBits:             16,
		MicBufferFrames:     10,
		SpeakerBufferSize:   32000,
		OverrunWarn:         22000,
		UnderrunWarn:        10000,
		SpeakerSampleRate:   16000,
		SpeakerChannels:     1,
		SpeakerFrameMS:      20,
		SpeakerBitrate:      64000,
		MessageMaxSize:      5400,
		AudioDataSize:       4800,
		SpeakerResequencing: 4,
		ReconnectRetry:      5,
		ReconnectInterval:   200 * time.Millisecond,
		DefaultTimeout:      5 * time.Second,
		DefaultVolume:       100,
		ASRProfile:          "NEAR_FIELD",
	}
}

// FromEnv returns the default configuration overlaid with any environment
// variables that are set. Invalid numeric values keep the default and log
// a warning.
func FromEnv() Config {
	cfg := Default()

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			logrus.WithFields(logrus.Fields{"key": key, "value": v}).Warn("Invalid numeric config value, keeping default")
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			logrus.WithFields(logrus.Fields{"key": key, "value": v}).Warn("Invalid duration config value, keeping default")
			return
		}
		*dst = d
	}

	str("AWS_ACCOUNT_ID", &cfg.AWSAccountID)
	str("TOPIC_ROOT", &cfg.TopicRoot)
	str("API_VERSION", &cfg.APIVersion)
	str("THING_NAME", &cfg.ThingName)
	str("CLIENT_PUBLIC_KEY", &cfg.ClientPublicKey)
	str("CLIENT_PRIVATE_KEY", &cfg.ClientPrivateKey)
	str("PEER_PUBLIC_KEY", &cfg.PeerPublicKey)
	num("MIC_SAMPLE_RATE", &cfg.MicSampleRate)
	num("MIC_CHANNELS", &cfg.MicChannels)
	num("MIC_FRAME_MS", &cfg.MicFrameMS)
	num("MIC_BITS", &cfg.MicBits)
	num("MIC_BUFFER_FRAMES", &cfg.MicBufferFrames)
	num("SPEAKER_BUFFER_SIZE", &cfg.SpeakerBufferSize)
	num("OVERRUN_WARN", &cfg.OverrunWarn)
	num("UNDERRUN_WARN", &cfg.UnderrunWarn)
	num("SPEAKER_SAMPLE_RATE", &cfg.SpeakerSampleRate)
	num("SPEAKER_CHANNELS", &cfg.SpeakerChannels)
	num("SPEAKER_FRAME_MS", &cfg.SpeakerFrameMS)
	num("SPEAKER_BITRATE", &cfg.SpeakerBitrate)
	num("AIA_MESSAGE_MAX_SIZE", &cfg.MessageMaxSize)
	num("AIA_AUDIO_DATA_SIZE", &cfg.AudioDataSize)
	num("SPEAKER_RESEQUENCING", &cfg.SpeakerResequencing)
	num("RECONNECT_RETRY", &cfg.ReconnectRetry)
	dur("RECONNECT_INTERVAL", &cfg.ReconnectInterval)
	dur("DEFAULT_TIMEOUT", &cfg.DefaultTimeout)
	num("DEFAULT_VOLUME", &cfg.DefaultVolume)
	str("MQTT_BROKER_URL", &cfg.BrokerURL)
	str("ASR_PROFILE", &cfg.ASRProfile)

	if cfg.DefaultVolume < 0 {
		cfg.DefaultVolume = 0
	}
	if cfg.DefaultVolume > 100 {
		cfg.DefaultVolume = 100
	}
	return cfg
}

// DecoderFrameSize is the encoded size in bytes of one OPUS frame at a
// constant bitrate.
func (c Config) DecoderFrameSize() int {
	return c.SpeakerBitrate * c.SpeakerFrameMS / 8000
}

// RawFrameSamples is the number of 16-bit samples one decoded frame yields.
func (c Config) RawFrameSamples() int {
	return c.SpeakerSampleRate * c.SpeakerFrameMS / 1000 * c.SpeakerChannels
}

// RawFrameSize is the decoded size in bytes of one OPUS frame.
func (c Config) RawFrameSize() int {
	return c.RawFrameSamples() * 2
}

// MicBytesPerMS is the capture rate of the microphone in bytes per
// millisecond.
func (c Config) MicBytesPerMS() int {
	return c.MicSampleRate * c.MicChannels * c.MicBits / 8 / 1000
}

// AudioMessageDuration is the playback duration of one full microphone
// message.
func (c Config) AudioMessageDuration() time.Duration {
	return time.Duration(c.AudioDataSize/c.MicBytesPerMS()) * time.Millisecond
}

// MicBufferSize is the capacity of the raw capture ring in bytes.
func (c Config) MicBufferSize() int {
	return c.MicBufferFrames * c.MicFrameMS * c.MicBytesPerMS()
}
