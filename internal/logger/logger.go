package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide base logger. Component loggers are derived from it.
var Log zerolog.Logger

// Initialize configures the global logger from boot-time settings.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().
		Str("service", "falcon-eye").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger {
	return &Log
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Database creates a logger for persistence-layer events.
func Database() *zerolog.Logger { return component("database") }

// Kubernetes creates a logger for cluster-client events.
func Kubernetes() *zerolog.Logger { return component("kubernetes") }

// Lifecycle creates a logger for the lifecycle controller.
func Lifecycle() *zerolog.Logger { return component("lifecycle") }

// Reconciler creates a logger for the status reconciler.
func Reconciler() *zerolog.Logger { return component("reconciler") }

// Recording creates a logger for the recording supervisor.
func Recording() *zerolog.Logger { return component("recording") }

// Proxy creates a logger for the stream/RPC proxy.
func Proxy() *zerolog.Logger { return component("proxy") }

// Chat creates a logger for the chat router.
func Chat() *zerolog.Logger { return component("chat") }

// Sweeper creates a logger for the sweeper.
func Sweeper() *zerolog.Logger { return component("sweeper") }

// Scanner creates a logger for the node scanner.
func Scanner() *zerolog.Logger { return component("scanner") }

// NodeRegistry creates a logger for the node registry.
func NodeRegistry() *zerolog.Logger { return component("noderegistry") }

// HTTP creates a logger for HTTP request events.
func HTTP() *zerolog.Logger { return component("http") }

// Events creates a logger for the NATS event publisher.
func Events() *zerolog.Logger { return component("events") }

// Tools creates a logger for the static tool registry's handlers.
func Tools() *zerolog.Logger { return component("tools") }

// CronJob creates a logger for the CronJob entity controller.
func CronJob() *zerolog.Logger { return component("cronjob") }

// Settings creates a logger for the settings facade.
func Settings() *zerolog.Logger { return component("settings") }
