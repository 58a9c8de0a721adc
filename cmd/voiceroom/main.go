package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	router "github.com/dkeye/voiceroom/internal/adapters/http"
	"github.com/dkeye/voiceroom/internal/app"
	"github.com/dkeye/voiceroom/internal/capture"
	"github.com/dkeye/voiceroom/internal/config"
	"github.com/dkeye/voiceroom/internal/core"
	"github.com/dkeye/voiceroom/internal/device"
	"github.com/dkeye/voiceroom/internal/domain"
	"github.com/dkeye/voiceroom/internal/playback"
	"github.com/dkeye/voiceroom/internal/session"
)

var rootCmd = &cobra.Command{
	Use:          "voiceroom",
	Short:        "Join a voice room on a relay",
	Long:         `voiceroom streams the microphone to a relay and plays every other participant, with a local control API for capture and room status.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().String("config", "", "Config file (default config/config.$CONFIG_ENV.yaml)")
	rootCmd.Flags().String("relay", "", "Relay websocket URL")
	rootCmd.Flags().StringP("name", "n", "", "Display name in the room")
	rootCmd.Flags().String("backend", "", "Audio backend: portaudio or file")
	rootCmd.Flags().String("capture-file", "", "WAV file used as microphone with the file backend")
	rootCmd.Flags().String("record-file", "", "Record received audio to this WAV file")
	rootCmd.Flags().Int("control-port", 0, "Control API port, 0 disables it")
	rootCmd.Flags().Bool("talk", false, "Start capturing as soon as the room is joined")
	rootCmd.Flags().String("log-level", "", "Log level")
}

func main() {
	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// shutdownOnLeave ends the process when the room is left through the control API.
type shutdownOnLeave struct {
	*app.Room
	cancel context.CancelFunc
}

func (s shutdownOnLeave) Leave() error {
	err := s.Room.Leave()
	s.cancel()
	return err
}

func setupLogging(cfg *config.Config) {
	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}
	setupLogging(cfg)

	identity, err := domain.NewIdentity(cfg.Identity)
	if err != nil {
		return err
	}

	mic, speaker, err := device.Open(device.Config{
		Backend:     cfg.Audio.Backend,
		SampleRate:  cfg.Audio.SampleRate,
		Block:       cfg.Audio.FrameSamples,
		CaptureFile: cfg.Audio.CaptureFile,
		RecordFile:  cfg.Audio.RecordFile,
		LoopCapture: cfg.Audio.LoopCapture,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to open audio devices")
		return err
	}

	sess := session.NewManager(session.Options{
		ReconnectDelay: cfg.ReconnectDelay,
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
		WriteTimeout:   cfg.WriteTimeout,
		Dialer:         session.WSDialer{HandshakeTimeout: cfg.HandshakeTimeout},
		Clock:          core.SystemClock{},
	})

	room := app.NewRoom(app.Options{
		Address:  cfg.RelayURL,
		Identity: identity,
		Talk:     cfg.Talk,
		Capture: capture.Options{
			SampleRate:   cfg.Audio.SampleRate,
			FrameSamples: cfg.Audio.FrameSamples,
			FFTSize:      cfg.Audio.FFTSize,
			Constraints: core.Constraints{
				EchoCancellation: cfg.Audio.EchoCancellation,
				NoiseSuppression: cfg.Audio.NoiseSuppression,
				AutoGainControl:  cfg.Audio.AutoGainControl,
			},
		},
		Playback: playback.Options{
			SpeakerWindow: cfg.Audio.SpeakerWindow,
			Clock:         core.SystemClock{},
		},
	}, sess, mic, speaker)

	if err := room.Join(ctx); err != nil {
		_ = room.Leave()
		return err
	}

	var srv *http.Server
	if cfg.ControlPort > 0 {
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.ControlPort)
		srv = &http.Server{
			Addr:    addr,
			Handler: router.SetupRouter(cfg, shutdownOnLeave{Room: room, cancel: cancel}),
		}
		go func() {
			log.Info().Str("addr", addr).Msg("control API started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("server error")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
	}
	if err := room.Leave(); err != nil {
		log.Error().Err(err).Msg("leave room")
	}
	log.Info().Msg("voiceroom exited gracefully")
	return nil
}
