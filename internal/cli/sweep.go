package cli

import (
	"context"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/mkoval/huddle/internal/auth"
	"github.com/mkoval/huddle/internal/recording"
)

func NewSweepCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Upload recordings left behind by earlier runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			creds := auth.NewSource(func(ctx context.Context) (auth.Credentials, error) {
				return auth.Credentials{
					Token:     os.Getenv("HUDDLE_TOKEN"),
					ExpiresAt: time.Now().Add(12 * time.Hour),
				}, nil
			}, cfg.AuthMargin)
			uploader := recording.NewUploader(cfg.APIBaseURL, nil, creds.Token)
			coordinator := recording.NewCoordinator(
				afero.NewOsFs(), cfg.Recording.BufferDir,
				uploader, nil, cfg.Recording.AutoStartDelay,
			)
			return coordinator.SweepOrphans(cmd.Context())
		},
	}
}
