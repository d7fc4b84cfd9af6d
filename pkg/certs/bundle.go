// Package certs builds a combined CA bundle for environments behind a
// TLS-intercepting proxy and keeps the project .env pointed at it.
package certs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// DefaultBundleRelPath is where the combined bundle lives, relative to the
// working directory.
const DefaultBundleRelPath = ".certs/certifi_with_zscaler.pem"

// systemBundleCandidates are the usual locations of the distribution's
// root-certificate bundle, in preference order.
var systemBundleCandidates = []string{
	"/etc/ssl/certs/ca-certificates.crt",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/etc/ssl/cert.pem",
}

// EffectiveBundlePath resolves which CA bundle HTTP clients should trust:
// an explicit override wins, then a previously built project-local bundle,
// then empty meaning the system default. sslCertFile and requestsCABundle
// carry the values of the conventional override variables; the caller reads
// them from its config.
func EffectiveBundlePath(sslCertFile, requestsCABundle, workDir string) string {
	if sslCertFile != "" {
		return sslCertFile
	}
	if requestsCABundle != "" {
		return requestsCABundle
	}
	local := filepath.Join(workDir, filepath.FromSlash(DefaultBundleRelPath))
	if _, err := os.Stat(local); err == nil {
		return local
	}
	return ""
}

// FindCorporateCertCandidates searches the known drop locations for a
// corporate root certificate, including Windows Downloads folders visible
// through WSL.
func FindCorporateCertCandidates() []string {
	candidates := []string{
		"/etc/ssl/certs/zscaler_root.pem",
		"/usr/local/share/ca-certificates/zscaler_root.crt",
		"/usr/local/share/ca-certificates/zscaler_root.pem",
	}
	if users, err := os.ReadDir("/mnt/c/Users"); err == nil {
		for _, user := range users {
			downloads := filepath.Join("/mnt/c/Users", user.Name(), "Downloads")
			candidates = append(candidates,
				filepath.Join(downloads, "zscaler_root.cer"),
				filepath.Join(downloads, "zscaler_root.crt"),
			)
		}
	}

	var found []string
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			found = append(found, path)
		}
	}
	return found
}

// findSystemBundle returns the first present system root bundle.
func findSystemBundle() (string, error) {
	for _, path := range systemBundleCandidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no system CA bundle found in any of %v", systemBundleCandidates)
}

// WriteCombinedBundle concatenates a base bundle and the corporate root
// certificate into outPath. An empty basePath selects the system bundle.
func WriteCombinedBundle(basePath, corporateCertPath, outPath string, logger zerolog.Logger) error {
	if basePath == "" {
		found, err := findSystemBundle()
		if err != nil {
			return err
		}
		basePath = found
	}

	base, err := os.ReadFile(basePath)
	if err != nil {
		return fmt.Errorf("failed to read base bundle %q: %w", basePath, err)
	}
	corporate, err := os.ReadFile(corporateCertPath)
	if err != nil {
		return fmt.Errorf("failed to read corporate certificate %q: %w", corporateCertPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("failed to create bundle directory: %w", err)
	}

	combined := make([]byte, 0, len(base)+1+len(corporate))
	combined = append(combined, base...)
	combined = append(combined, '\n')
	combined = append(combined, corporate...)
	if err := os.WriteFile(outPath, combined, 0o644); err != nil {
		return fmt.Errorf("failed to write combined bundle: %w", err)
	}

	logger.Info().Str("base", basePath).Str("corporate", corporateCertPath).Str("out", outPath).
		Msg("Combined CA bundle written.")
	return nil
}
