package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/voicekit/aia-client/internal/client"
	"github.com/voicekit/aia-client/internal/config"
	"github.com/voicekit/aia-client/internal/platform"
	"github.com/voicekit/aia-client/internal/transport"
)

func init() {
	// Load from environment
	_ = godotenv.Load()
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	cfg := config.FromEnv()
	if cfg.ThingName == "" {
		logrus.Fatal("THING_NAME is required")
	}
	if cfg.BrokerURL == "" {
		logrus.Fatal("MQTT_BROKER_URL is required")
	}
	if cfg.ClientPrivateKey == "" || cfg.PeerPublicKey == "" {
		logrus.Fatal("CLIENT_PRIVATE_KEY and PEER_PUBLIC_KEY are required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer cancel()

	bus, err := transport.DialMQTT(cfg.BrokerURL, cfg.ThingName, cfg.DefaultTimeout)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to broker")
	}
	defer bus.Close()

	session, err := client.New(cfg, bus, platform.Null{})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create session")
	}

	logrus.Info("Client is running. Press CTRL-C to exit.")
	if err := session.Run(ctx); err != nil {
		logrus.WithError(err).Fatal("Session terminated")
	}
	logrus.Info("Shut down cleanly")
}
