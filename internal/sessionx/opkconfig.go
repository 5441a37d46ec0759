package sessionx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OPKConfigDirFunc is overridden by cmd/sshmuxd at startup from
// config.Config; the package-level default only matters for tests that
// don't wire a full Config.
var (
	OPKConfigDirFunc  = func(userID string) string { return filepath.Join(os.TempDir(), "sshmux-opk") }
	opkTemplate       = "providers:\n  # - issuer: https://accounts.google.com\n  #   client_id: \n  #   client_secret: \nredirect_uris:\n  - http://localhost:0/login-callback\n"
)

func opkConfigPath(userID string) (string, error) {
	dir := OPKConfigDirFunc(userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("sessionx: opk config dir: %w", err)
	}
	return filepath.Join(dir, "config.yml"), nil
}

// validateOPKConfig enforces spec §4.6's config precondition: a file must
// exist, declare at least one uncommented provider, and carry a
// redirect_uris list. Absence generates a template and returns a
// descriptive error so the caller can emit opkssh_config_error.
func validateOPKConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			_ = os.WriteFile(path, []byte(opkTemplate), 0o600)
			return fmt.Errorf("no opkssh configuration found; a template was written to %s", path)
		}
		return fmt.Errorf("sessionx: read opk config: %w", err)
	}

	text := string(data)
	if !strings.Contains(text, "redirect_uris") {
		return fmt.Errorf("opkssh configuration at %s is missing redirect_uris", path)
	}
	if !hasUncommentedProvider(text) {
		return fmt.Errorf("opkssh configuration at %s declares no active provider", path)
	}
	return nil
}

func hasUncommentedProvider(text string) bool {
	inProviders := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "providers:" {
			inProviders = true
			continue
		}
		if inProviders {
			if trimmed == "" {
				continue
			}
			if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
				return false // left the providers block without finding one
			}
			if strings.HasPrefix(trimmed, "#") {
				continue
			}
			if strings.HasPrefix(trimmed, "-") {
				return true
			}
		}
	}
	return false
}
