package cli

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/mkoval/huddle/internal/audio"
	"github.com/mkoval/huddle/internal/auth"
	"github.com/mkoval/huddle/internal/livefeed"
	"github.com/mkoval/huddle/internal/media"
	"github.com/mkoval/huddle/internal/recording"
	"github.com/mkoval/huddle/internal/screenshare"
	"github.com/mkoval/huddle/internal/session"
	"github.com/mkoval/huddle/internal/signal"
)

func NewJoinCmd(deps *Dependencies) *cobra.Command {
	var (
		displayName string
		inputFormat string
		display     string
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a meeting session and stay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			if displayName != "" {
				cfg.DisplayName = displayName
			}
			ctx := cmd.Context()

			channel := signal.NewChannel(cfg.SignalURL, signal.Options{
				SendRetries:       cfg.Signaling.SendRetries,
				SendRetryInterval: cfg.Signaling.SendRetryInterval,
				SendBuffer:        cfg.Signaling.SendBuffer,
			})
			registry := media.NewRegistry(media.DefaultWebRTCConfig(cfg.ICEServers), nil)

			pipeline := audio.NewPipeline(audio.NewFFmpegOpener(inputFormat))
			tap := audio.NewChunkTap(cfg.Recording.ChunkDuration)
			pipeline.OnFrame(tap.Write)

			arbiter := screenshare.NewArbiter(screenshare.NewFFmpegCapturer(display), registry)

			// Token storage mechanics live outside the session core; the CLI
			// carries a static credential from the environment.
			creds := auth.NewSource(func(ctx context.Context) (auth.Credentials, error) {
				return auth.Credentials{
					Token:     os.Getenv("HUDDLE_TOKEN"),
					ExpiresAt: time.Now().Add(12 * time.Hour),
				}, nil
			}, cfg.AuthMargin)

			uploader := recording.NewUploader(cfg.APIBaseURL, nil, creds.Token)
			coordinator := recording.NewCoordinator(
				afero.NewOsFs(), cfg.Recording.BufferDir,
				uploader, tap, cfg.Recording.AutoStartDelay,
			)

			mgr := session.New(session.Config{
				DisplayName:  cfg.DisplayName,
				DeviceID:     cfg.Audio.DeviceID,
				Gain:         cfg.Audio.Gain,
				BaseDelay:    cfg.Reconnect.BaseDelay,
				MaxAttempts:  cfg.Reconnect.MaxAttempts,
				FlushTimeout: cfg.Recording.FlushTimeout,
			}, channel, registry, pipeline, arbiter, coordinator, creds)

			// Recordings stranded by an earlier run get another chance first.
			go func() {
				if err := coordinator.SweepOrphans(ctx); err != nil {
					log.Warn().Err(err).Msg("orphan sweep failed")
				}
			}()

			feed := livefeed.NewFeed(
				cfg.APIBaseURL+"/sessions/live",
				cfg.APIBaseURL+"/sessions/snapshot",
				nil, cfg.LiveFeed.PollInterval,
			)
			go feed.Run(ctx)
			go func() {
				for snap := range feed.Snapshots() {
					log.Info().Int("participants", len(snap.Participants)).Msg("session update")
				}
			}()

			if err := mgr.Join(ctx); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				log.Info().Msg("shutting down")
			case err := <-mgr.Errors():
				log.Error().Err(err).Msg("session error")
			}

			leaveCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return mgr.Leave(leaveCtx)
		},
	}

	cmd.Flags().StringVar(&displayName, "name", "", "display name to join with")
	cmd.Flags().StringVar(&inputFormat, "input-format", "pulse", "ffmpeg capture backend (pulse, alsa, avfoundation)")
	cmd.Flags().StringVar(&display, "display", ":0.0", "X11 display captured for screen share")
	return cmd
}
