package util

import (
	"os"
	"strings"
)

// GetEnvOrDefault returns the trimmed value of env, or def when it is unset or blank.
func GetEnvOrDefault(env, def string) string {
	if val := strings.TrimSpace(os.Getenv(env)); val != "" {
		return val
	}
	return def
}

// GetEnvList splits a comma-separated variable, dropping empty items.
func GetEnvList(env string, def ...string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(env), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
