package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/protocol"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'toggle', 'state' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ExitOnError)
		configPath := fs.String("config", "loqa-capture.yaml", "Path to configuration file")
		fs.Parse(os.Args[2:])
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "toggle", "state":
		fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
		configPath := fs.String("config", "loqa-capture.yaml", "Path to configuration file")
		timeout := fs.Duration("timeout", 2*time.Second, "Request timeout")
		fs.Parse(os.Args[2:])
		subject := protocol.SubjectCaptureState
		if os.Args[1] == "toggle" {
			subject = protocol.SubjectCaptureToggle
		}
		if err := runRequest(*configPath, subject, *timeout, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// runRequest asks a running daemon for its capture state over NATS.
func runRequest(configPath, subject string, timeout time.Duration, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !cfg.Bus.Enabled {
		return fmt.Errorf("bus is disabled in %s", configPath)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := bus.Connect(ctx, "capturectl", cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var state protocol.CaptureState
	if err := client.RequestJSON(ctx, subject, struct{}{}, &state); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}
