// Package infra provides low-level process utilities.
package infra

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// RuntimeInfo describes the gateway process.
type RuntimeInfo struct {
	GoVersion  string `json:"goVersion"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	NumCPU     int    `json:"numCPU"`
	Goroutines int    `json:"goroutines"`
	PID        int    `json:"pid"`
}

// GetRuntimeInfo returns information about the current runtime.
func GetRuntimeInfo() RuntimeInfo {
	return RuntimeInfo{
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		NumCPU:     runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		PID:        os.Getpid(),
	}
}

// IsTruthyEnv checks if an environment variable is set to a truthy value.
func IsTruthyEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

// PrintBanner writes the startup banner for serve.
func PrintBanner(w io.Writer, version, addr, agent string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  agentbridge: coding agent gateway")
	fmt.Fprintf(w, "     version: %s\n", version)
	fmt.Fprintf(w, "     runtime: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(w, "     listen:  http://%s\n", addr)
	fmt.Fprintf(w, "     agent:   %s\n", agent)
	fmt.Fprintln(w)
}
