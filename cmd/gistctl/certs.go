package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/EphemeralEpoch/smart-book-gist/pkg/certs"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newCertsCommand(logger zerolog.Logger) *cobra.Command {
	var (
		corporateCert string
		outPath       string
		envPath       string
	)

	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Build a combined CA bundle for a TLS-intercepting proxy and update .env",
		RunE: func(_ *cobra.Command, _ []string) error {
			if outPath == "" {
				workDir, err := os.Getwd()
				if err != nil {
					return exitWith(exitBadConfig, err)
				}
				outPath = filepath.Join(workDir, filepath.FromSlash(certs.DefaultBundleRelPath))
			}

			certPath := corporateCert
			if certPath == "" {
				candidates := certs.FindCorporateCertCandidates()
				if len(candidates) == 0 {
					return exitWith(exitBadConfig, fmt.Errorf(
						"no corporate root certificate found in known locations; re-run with --zscaler /path/to/cert"))
				}
				certPath = candidates[0]
				logger.Info().Str("cert", certPath).Msg("Using corporate root certificate.")
			} else if _, err := os.Stat(certPath); err != nil {
				return exitWith(exitBadConfig, fmt.Errorf("provided certificate does not exist: %s", certPath))
			}

			if err := certs.WriteCombinedBundle("", certPath, outPath, logger); err != nil {
				return exitWith(exitRemoteFailure, err)
			}
			if err := certs.UpdateEnvFile(envPath, outPath, logger); err != nil {
				return exitWith(exitRemoteFailure, err)
			}

			fmt.Printf("Done. %s was backed up (if it existed) and merged safely.\n", envPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&corporateCert, "zscaler", "", "Path to the corporate root certificate")
	cmd.Flags().StringVar(&outPath, "out", "", "Output combined bundle path")
	cmd.Flags().StringVar(&envPath, "env", ".env", "Dotenv file to update")
	return cmd
}
