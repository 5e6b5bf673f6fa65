// Package version resolves the runtime version string.
package version

import (
	"os"
	"strings"
)

// Fallback when neither the env override nor the version file exists.
const devVersion = "dev"

// Runtime returns the gateway version: $CLI_GATEWAY_VERSION wins, then
// the .runtime-version file next to dataDir, then "dev".
func Runtime(dataDir string) string {
	if v := strings.TrimSpace(os.Getenv("CLI_GATEWAY_VERSION")); v != "" {
		return v
	}
	for _, path := range candidatePaths(dataDir) {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if v := strings.TrimSpace(string(data)); v != "" {
			return v
		}
	}
	return devVersion
}

func candidatePaths(dataDir string) []string {
	paths := []string{".runtime-version"}
	if dataDir != "" {
		paths = append(paths, dataDir+"/.runtime-version")
	}
	return paths
}
