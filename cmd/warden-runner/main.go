// Package main implements warden-runner, the out-of-process sandbox worker. It
// speaks the runner protocol on stdin/stdout and logs to stderr.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/openfroyo/warden/pkg/runner/server"
	"github.com/openfroyo/warden/pkg/sandbox"
	"github.com/openfroyo/warden/pkg/telemetry"
)

func main() {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "warn"
	}
	tel := telemetry.NewNopTelemetry()
	tel.Logger = telemetry.NewWriterLogger(os.Stderr, level).NewComponentLogger("warden-runner")

	var starlarkOpts []sandbox.StarlarkOption
	if steps, err := strconv.ParseUint(os.Getenv("WARDEN_RUNNER_MAX_STEPS"), 10, 64); err == nil && steps > 0 {
		starlarkOpts = append(starlarkOpts, sandbox.WithMaxSteps(steps))
	}
	wasmCfg := sandbox.WASMConfig{}
	if pages, err := strconv.ParseUint(os.Getenv("WARDEN_RUNNER_MEMORY_PAGES"), 10, 32); err == nil {
		wasmCfg.MemoryLimitPages = uint32(pages)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	wasm := sandbox.NewWASMHost(tel, wasmCfg)
	defer wasm.Close(context.Background())

	host := sandbox.NewLocalHost(sandbox.NewStarlarkHost(tel, starlarkOpts...), wasm)
	caps := map[string]bool{
		string(sandbox.RuntimeStarlark): true,
		string(sandbox.RuntimeWASM):     true,
	}

	srv := server.New(os.Stdin, os.Stdout, host, caps, tel)
	if err := srv.Serve(ctx); err != nil {
		tel.Logger.WithError(err).Error("runner failed")
		os.Exit(1)
	}
}
