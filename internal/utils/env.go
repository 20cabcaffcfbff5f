package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SafeEnv returns the environment variable value for key, or fallback if empty.
func SafeEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// EnvInt parses key as an integer, returning fallback when unset.
func EnvInt(key string, fallback int) (int, error) {
	v := SafeEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// EnvDuration parses key with time.ParseDuration, returning fallback when unset.
func EnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := SafeEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// EnvList splits a comma separated value, dropping blanks.
func EnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(SafeEnv(key, ""), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
