package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/adiadia/session-replay/internal/logging"
	"github.com/adiadia/session-replay/internal/queue"
	"github.com/adiadia/session-replay/internal/recorder"
)

const defaultAPIURL = "http://localhost:8080"

func main() {
	logger := logging.NewLoggerTo(os.Stderr, os.Getenv("ENV"))

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "record":
		err = runRecord(ctx, logger, os.Args[2:])
	case "list":
		err = runList(ctx, os.Args[2:])
	case "get":
		err = runGet(ctx, os.Args[2:])
	case "validate":
		if err = runValidate(ctx, logger); err == nil {
			logger.Info("validation passed")
		}
	default:
		printUsage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func apiURL() string {
	if v := strings.TrimSpace(os.Getenv("REPLAY_API_URL")); v != "" {
		return v
	}
	return defaultAPIURL
}

// runRecord streams JSON-lines events from a file or stdin into one session
// and finalizes it when the input ends or the process is interrupted.
func runRecord(ctx context.Context, logger *slog.Logger, args []string) error {
	flags := flag.NewFlagSet("record", flag.ContinueOnError)
	addr := flags.String("addr", apiURL(), "API base URL")
	sessionID := flags.String("session", "", "session id (generated when empty)")
	input := flags.String("input", "-", "JSON-lines event file, - for stdin")
	flushDelay := flags.Duration("flush-delay", queue.DefaultFlushDelay, "debounce delay before a batch is sent")
	requeue := flags.Bool("requeue", false, "keep failed batches queued instead of dropping them")
	if err := flags.Parse(args); err != nil {
		return err
	}

	src := io.Reader(os.Stdin)
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		src = f
	}

	policy := queue.DropOnFailure
	if *requeue {
		policy = queue.RequeueOnFailure
	}

	capture := recorder.NewStreamCapture(src, logger)
	rec := recorder.New(capture, recorder.NewClient(*addr, nil), recorder.Options{
		FlushDelay: *flushDelay,
		Policy:     policy,
		Logger:     logger,
	})

	id, err := rec.Start(ctx, *sessionID)
	if err != nil {
		return err
	}
	logger.Info("recording", "session_id", id, "addr", *addr, "flush_policy", policy.String())

	select {
	case <-capture.Done():
	case <-ctx.Done():
		logger.Info("interrupted, finalizing", "session_id", id)
	}
	if err := capture.Err(); err != nil {
		logger.Warn("capture ended with error", "error", err)
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	meta, err := rec.Stop(stopCtx)
	if err != nil {
		return err
	}
	return printJSON(meta)
}

func runList(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("list", flag.ContinueOnError)
	addr := flags.String("addr", apiURL(), "API base URL")
	limit := flags.Int("limit", 0, "page size")
	offset := flags.Int("offset", 0, "page offset")
	if err := flags.Parse(args); err != nil {
		return err
	}

	sessions, err := recorder.NewClient(*addr, nil).List(ctx, *limit, *offset)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"sessions": sessions})
}

func runGet(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("get", flag.ContinueOnError)
	addr := flags.String("addr", apiURL(), "API base URL")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("usage: get [-addr URL] <session-id>")
	}

	data, err := recorder.NewClient(*addr, nil).Get(ctx, flags.Arg(0))
	if err != nil {
		return err
	}
	return printJSON(data)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runValidate(ctx context.Context, logger *slog.Logger) error {
	started := time.Now()

	if err := runGofmtCheck(ctx, logger); err != nil {
		return err
	}

	if err := runCommand(ctx, logger, "go vet", "go", "vet", "./..."); err != nil {
		return err
	}

	if err := runCommand(ctx, logger, "go test unit", "go", "test", "./..."); err != nil {
		return err
	}

	if strings.TrimSpace(os.Getenv("DATABASE_URL")) == "" {
		logger.Info("skipping integration tests", "reason", "DATABASE_URL is not set")
	} else {
		if err := runCommand(
			ctx,
			logger,
			"go test integration",
			"go",
			"test",
			"-count=1",
			"-tags=integration",
			"./internal/persistence/postgres",
		); err != nil {
			return err
		}
	}

	logger.Info("validation complete", "duration_ms", time.Since(started).Milliseconds())
	return nil
}

func runGofmtCheck(ctx context.Context, logger *slog.Logger) error {
	files, err := listGoFiles(".")
	if err != nil {
		return fmt.Errorf("list go files: %w", err)
	}

	if len(files) == 0 {
		logger.Info("skipping gofmt check", "reason", "no go files found")
		return nil
	}

	logger.Info("running step", "step", "gofmt check", "files", len(files))
	started := time.Now()

	args := make([]string, 0, len(files)+1)
	args = append(args, "-l")
	args = append(args, files...)

	cmd := exec.CommandContext(ctx, "gofmt", args...)
	cmd.Stderr = os.Stderr

	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("gofmt check failed: %w", err)
	}

	unformatted := strings.TrimSpace(string(out))
	if unformatted != "" {
		return fmt.Errorf("gofmt would change files:\n%s", unformatted)
	}

	logger.Info("step completed", "step", "gofmt check", "duration_ms", time.Since(started).Milliseconds())
	return nil
}

func runCommand(ctx context.Context, logger *slog.Logger, step string, name string, args ...string) error {
	logger.Info("running step", "step", step, "command", strings.Join(append([]string{name}, args...), " "))
	started := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	err := cmd.Run()
	duration := time.Since(started)
	if err != nil {
		exitCode := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		logger.Error("step failed", "step", step, "duration_ms", duration.Milliseconds(), "exit_code", exitCode)
		return err
	}

	logger.Info("step completed", "step", step, "duration_ms", duration.Milliseconds())
	return nil
}

func listGoFiles(root string) ([]string, error) {
	files := make([]string, 0, 64)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			name := d.Name()
			switch name {
			case ".git", ".cache", ".gocache", ".gomodcache", "vendor":
				return filepath.SkipDir
			}
			return nil
		}

		if filepath.Ext(path) != ".go" {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

func printUsage(w *os.File) {
	_, _ = fmt.Fprintln(w, `usage: cli <command> [flags]

commands:
  record [-addr URL] [-session ID] [-input FILE] [-flush-delay D] [-requeue]
  list   [-addr URL] [-limit N] [-offset N]
  get    [-addr URL] <session-id>
  validate`)
}
