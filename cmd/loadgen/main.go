// cmd/loadgen/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"proxy-dispatcher/internal/loadgen"

	"github.com/spf13/pflag"
)

func main() {
	url := pflag.StringP("url", "u", "", "dispatcher endpoint, e.g. http://localhost:8000/reencrypt")
	file := pflag.StringP("file", "f", "", "payload file sent with every request")
	total := pflag.IntP("total", "n", 10000, "total number of requests")
	concurrent := pflag.IntP("concurrent", "c", 200, "maximum requests in flight")
	verbose := pflag.BoolP("verbose", "v", false, "log progress to stderr")
	pflag.Parse()

	if *url == "" || *file == "" {
		fmt.Fprintln(os.Stderr, "both --url and --file are required")
		pflag.Usage()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// The payload is read once and replayed for every request.
	payload, err := os.ReadFile(*file)
	if err != nil {
		logger.Error("failed to read payload file", "file", *file, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := loadgen.NewRunner(*url, payload, *concurrent, logger)
	res, err := runner.Run(ctx, *total, *concurrent)
	if err != nil {
		logger.Error("load test failed", "error", err)
		os.Exit(1)
	}
	fmt.Print(loadgen.Render(res))
}
