package certs

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const backupSuffix = ".bak"

// envKeysToSet are the variables both this project and common HTTP tooling
// honor for a custom trust bundle.
var envKeysToSet = []string{"SSL_CERT_FILE", "REQUESTS_CA_BUNDLE"}

// UpdateEnvFile points the trust-bundle keys in a dotenv file at
// bundlePath. Comments, blank lines and unrelated keys are preserved
// byte-for-byte; missing keys are appended. The original file is backed up
// once to <name>.bak and never overwritten on later runs.
func UpdateEnvFile(envPath, bundlePath string, logger zerolog.Logger) error {
	if err := backupEnvFile(envPath, logger); err != nil {
		return err
	}

	var originalLines []string
	if data, err := os.ReadFile(envPath); err == nil {
		originalLines = strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %q: %w", envPath, err)
	}

	found := make(map[string]bool, len(envKeysToSet))
	newLines := make([]string, 0, len(originalLines)+len(envKeysToSet))

	for _, line := range originalLines {
		stripped := strings.TrimSpace(line)
		if stripped == "" || strings.HasPrefix(stripped, "#") || !strings.Contains(line, "=") {
			newLines = append(newLines, line)
			continue
		}
		key := strings.TrimSpace(line[:strings.Index(line, "=")])
		if isManagedKey(key) {
			newLines = append(newLines, key+"="+bundlePath)
			found[key] = true
		} else {
			newLines = append(newLines, line)
		}
	}
	for _, key := range envKeysToSet {
		if !found[key] {
			newLines = append(newLines, key+"="+bundlePath)
		}
	}

	if err := os.WriteFile(envPath, []byte(strings.Join(newLines, "\n")+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write %q: %w", envPath, err)
	}
	logger.Info().Str("env", envPath).Strs("keys", envKeysToSet).Msg("Merged trust-bundle keys into env file.")
	return nil
}

func isManagedKey(key string) bool {
	for _, managed := range envKeysToSet {
		if key == managed {
			return true
		}
	}
	return false
}

// backupEnvFile copies the env file to <name>.bak unless a backup already
// exists. A missing env file needs no backup.
func backupEnvFile(envPath string, logger zerolog.Logger) error {
	data, err := os.ReadFile(envPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %q for backup: %w", envPath, err)
	}

	backupPath := envPath + backupSuffix
	if _, err := os.Stat(backupPath); err == nil {
		logger.Info().Str("backup", backupPath).Msg("Backup already exists, leaving it alone.")
		return nil
	}
	if err := os.WriteFile(backupPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write backup %q: %w", backupPath, err)
	}
	logger.Info().Str("backup", backupPath).Msg("Backup created.")
	return nil
}
