// Package version reads the build version and checks client protocol
// compatibility.
package version

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const Dev = "dev"

// Read returns the trimmed contents of the VERSION file at path, or Dev.
func Read(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return Dev
	}
	if v := strings.TrimSpace(string(b)); v != "" {
		return v
	}
	return Dev
}

// IsCompatible reports whether a client speaking clientVersion can talk to a
// server on serverVersion. Same major version is compatible (1.x.x works
// with 1.y.z, but not 2.x.x).
func IsCompatible(serverVersion, clientVersion string) (bool, error) {
	serverMajor, err := ExtractMajorVersion(serverVersion)
	if err != nil {
		return false, fmt.Errorf("invalid server version: %v", err)
	}

	clientMajor, err := ExtractMajorVersion(clientVersion)
	if err != nil {
		return false, fmt.Errorf("invalid client version: %v", err)
	}

	return serverMajor == clientMajor, nil
}

func ExtractMajorVersion(version string) (int, error) {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if version == "" {
		return 0, fmt.Errorf("empty version string")
	}

	major, _, _ := strings.Cut(version, ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return 0, fmt.Errorf("invalid major version: %v", err)
	}
	if n < 0 {
		return 0, fmt.Errorf("major version cannot be negative")
	}
	return n, nil
}
