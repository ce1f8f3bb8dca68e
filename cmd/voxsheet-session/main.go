package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/voxsheet/voxsheet-core/internal/backend"
	"github.com/voxsheet/voxsheet-core/internal/config"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'create', 'status', 'download', or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "create":
		cmd := flag.NewFlagSet("create", flag.ExitOnError)
		endpoint := cmd.String("endpoint", "", "Backend endpoint (defaults to VOX_BACKEND_ENDPOINT)")
		cmd.Parse(os.Args[2:])
		if err := runCreate(*endpoint); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "status":
		cmd := flag.NewFlagSet("status", flag.ExitOnError)
		endpoint := cmd.String("endpoint", "", "Backend endpoint (defaults to VOX_BACKEND_ENDPOINT)")
		sessionID := cmd.String("session", "", "Session identifier")
		cmd.Parse(os.Args[2:])
		if err := runStatus(*endpoint, *sessionID); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "download":
		cmd := flag.NewFlagSet("download", flag.ExitOnError)
		endpoint := cmd.String("endpoint", "", "Backend endpoint (defaults to VOX_BACKEND_ENDPOINT)")
		sessionID := cmd.String("session", "", "Session identifier")
		out := cmd.String("out", "dataset.xlsx", "Output path for the downloaded file")
		cmd.Parse(os.Args[2:])
		if err := runDownload(*endpoint, *sessionID, *out); err != nil {
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

func newClient(endpoint string) *backend.Client {
	cfg := config.Default().Backend
	if env := os.Getenv("VOX_BACKEND_ENDPOINT"); env != "" {
		cfg.Endpoint = env
	}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if key := os.Getenv("VOX_BACKEND_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return backend.NewClient(cfg, logger)
}

func runCreate(endpoint string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	created, err := newClient(endpoint).CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	fmt.Println(created.SessionID)
	return nil
}

func runStatus(endpoint, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("-session is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, err := newClient(endpoint).GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	fmt.Printf("session:  %s\n", session.ID)
	fmt.Printf("status:   %s\n", session.Status)
	if session.Dataset == nil {
		fmt.Println("dataset:  (none uploaded)")
		return nil
	}
	fmt.Printf("dataset:  %s\n", session.Dataset.Name)
	fmt.Printf("progress: row %d of %d\n", session.Dataset.CurrentRow, session.Dataset.TotalRows)
	return nil
}

func runDownload(endpoint, sessionID, out string) error {
	if sessionID == "" {
		return fmt.Errorf("-session is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rc, err := newClient(endpoint).DownloadDataset(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("download dataset: %w", err)
	}
	defer rc.Close()

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Printf("saved %s\n", out)
	return nil
}
