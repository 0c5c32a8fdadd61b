package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vtonlabs/tryon/logutil"
)

var (
	// Set via TRYON_ORIGINS in the environment
	AllowOrigins []string
	// Set via TRYON_BACKEND in the environment
	Backend string
	// Set via TRYON_DEBUG in the environment
	Debug bool
	// Set via TRYON_HOST in the environment
	Host string
	// Set via TRYON_MODELS in the environment
	Models string
	// Set via TRYON_NUM_PARALLEL in the environment
	NumParallel int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"TRYON_BACKEND":      {"TRYON_BACKEND", Backend, "Tensor backend used for inference (default \"cpu\")"},
		"TRYON_DEBUG":        {"TRYON_DEBUG", Debug, "Show additional debug information (e.g. TRYON_DEBUG=1)"},
		"TRYON_HOST":         {"TRYON_HOST", Host, "IP address for the tryon server (default 127.0.0.1:11500)"},
		"TRYON_MODELS":       {"TRYON_MODELS", Models, "The path to the models directory"},
		"TRYON_NUM_PARALLEL": {"TRYON_NUM_PARALLEL", NumParallel, "Number of worker goroutines for tensor kernels (default: all CPUs)"},
		"TRYON_ORIGINS":      {"TRYON_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	Backend = "cpu"
	Host = "127.0.0.1:11500"

	LoadConfig()
}

func LoadConfig() {
	if debug := clean("TRYON_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if backend := clean("TRYON_BACKEND"); backend != "" {
		Backend = backend
	}

	if host := clean("TRYON_HOST"); host != "" {
		Host = host
		if !strings.Contains(Host, ":") {
			Host += ":11500"
		}
	}

	Models = clean("TRYON_MODELS")
	if Models == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("failed to lookup home directory", "error", err)
		} else {
			Models = filepath.Join(home, ".tryon", "models")
		}
	}

	if onp := clean("TRYON_NUM_PARALLEL"); onp != "" {
		val, err := strconv.Atoi(onp)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "TRYON_NUM_PARALLEL", onp, "error", err)
		} else {
			NumParallel = val
		}
	}

	// Rebuilt from scratch so reloading stays idempotent
	AllowOrigins = nil
	if origins := clean("TRYON_ORIGINS"); origins != "" {
		AllowOrigins = strings.Split(origins, ",")
	}
	for _, allowOrigin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", allowOrigin),
			fmt.Sprintf("https://%s", allowOrigin),
			fmt.Sprintf("http://%s:*", allowOrigin),
			fmt.Sprintf("https://%s:*", allowOrigin),
		)
	}
}

// LogLevel picks the process log level: TRYON_DEBUG=1 turns on debug
// logging, TRYON_DEBUG=2 and above turns on trace logging.
func LogLevel() slog.Level {
	if n, err := strconv.Atoi(clean("TRYON_DEBUG")); err == nil && n > 1 {
		return logutil.LevelTrace
	}

	if Debug {
		return slog.LevelDebug
	}

	return slog.LevelInfo
}
