package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
)

var ErrInvalidHostPort = errors.New("invalid port specified in VAN_HOST")

var (
	// Set via VAN_BACKEND in the environment
	Backend string
	// Set via VAN_DEBUG in the environment. 1 enables debug logging, 2 enables trace logging.
	LogLevel slog.Level
	// Set via VAN_MODELS in the environment
	ModelsDir string
	// Set via VAN_NUM_PARALLEL in the environment
	NumParallel int
	// Set via VAN_NUM_THREADS in the environment
	NumThreads int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	host, _ := Host()
	return map[string]EnvVar{
		"VAN_BACKEND":      {"VAN_BACKEND", Backend, "gomlx backend configuration (default go)"},
		"VAN_DEBUG":        {"VAN_DEBUG", LogLevel, "Show additional debug information (e.g. VAN_DEBUG=1, VAN_DEBUG=2 for trace)"},
		"VAN_HOST":         {"VAN_HOST", host, "IP Address for the van server (default 127.0.0.1:11500)"},
		"VAN_MODELS":       {"VAN_MODELS", ModelsDir, "The path to the checkpoints directory"},
		"VAN_NUM_PARALLEL": {"VAN_NUM_PARALLEL", NumParallel, "Maximum number of parallel forward passes (default 1)"},
		"VAN_NUM_THREADS":  {"VAN_NUM_THREADS", NumThreads, "Maximum number of images decoded concurrently (default GOMAXPROCS)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	LogLevel = slog.LevelInfo
	if debug := clean("VAN_DEBUG"); debug != "" {
		if n, err := strconv.ParseInt(debug, 10, 64); err == nil {
			LogLevel = slog.Level(n * -4)
		} else if b, err := strconv.ParseBool(debug); err == nil && !b {
			LogLevel = slog.LevelInfo
		} else {
			LogLevel = slog.LevelDebug
		}
	}

	ModelsDir = clean("VAN_MODELS")

	Backend = "go"
	if b := clean("VAN_BACKEND"); b != "" {
		Backend = b
	}

	NumParallel = 1
	if onp := clean("VAN_NUM_PARALLEL"); onp != "" {
		val, err := strconv.Atoi(onp)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "VAN_NUM_PARALLEL", onp, "error", err)
		} else {
			NumParallel = val
		}
	}

	NumThreads = runtime.GOMAXPROCS(0)
	if ont := clean("VAN_NUM_THREADS"); ont != "" {
		val, err := strconv.Atoi(ont)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "VAN_NUM_THREADS", ont, "error", err)
		} else {
			NumThreads = val
		}
	}
}

// Host returns the address the server listens on, taken from VAN_HOST.
func Host() (string, error) {
	defaultPort := "11500"

	hostport := clean("VAN_HOST")
	if hostport == "" {
		return net.JoinHostPort("127.0.0.1", defaultPort), nil
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		return "", ErrInvalidHostPort
	}

	return net.JoinHostPort(host, port), nil
}
