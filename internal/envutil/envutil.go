package envutil

import (
	"os"
	"strings"
)

// EnvVar names the deployment environment, e.g. production or development
const EnvVar = "LCPSYCH_ENV"

// Environment returns the lowercased deployment environment, "production"
// when unset.
func Environment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(EnvVar)))
	if env == "" {
		return "production"
	}
	return env
}

// IsDev reports whether cookies may be sent over plain http for local work
func IsDev() bool {
	switch Environment() {
	case "development", "dev", "local":
		return true
	}
	return false
}
