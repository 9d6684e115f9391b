// Command gwaggli transcribes speech from audio files and live capture.
//
// Usage:
//
//	gwaggli transcribe -input <file> [-quality low|medium|high] [-provider name] [-convert]
//	gwaggli listen [-config path]
//	gwaggli download [-quality low|medium|high | -model name]
//	gwaggli clear-cache
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gwaggli/gwaggli/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// env carries the process-level dependencies of a subcommand.
type env struct {
	stdout io.Writer
	stderr io.Writer
	level  *slog.LevelVar
}

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, e *env, args []string) error
}

var commands = []command{
	{"transcribe", "Transcribes an audio file into text", cmdTranscribe},
	{"listen", "Transcribes live audio until interrupted", cmdListen},
	{"download", "Downloads a whisper model into the cache", cmdDownload},
	{"clear-cache", "Clears the local cache (downloaded models)", cmdClearCache},
}

func run(args []string, stdout, stderr io.Writer) int {
	e := &env{stdout: stdout, stderr: stderr, level: new(slog.LevelVar)}
	slog.SetDefault(newLogger(stderr, e.level))

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(stderr, "gwaggli: %v\n", err)
		return 1
	}

	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(stdout)
		return 0
	}

	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		err := c.run(ctx, e, args[1:])
		switch {
		case err == nil:
			return 0
		case errors.Is(err, flag.ErrHelp):
			return 0
		case errors.Is(err, errUsage):
			return 2
		default:
			fmt.Fprintf(stderr, "gwaggli %s: %v\n", c.name, err)
			return 1
		}
	}

	fmt.Fprintf(stderr, "gwaggli: unknown command %q\n\n", args[0])
	usage(stderr)
	return 2
}

// errUsage reports a flag error the flag set has already printed.
var errUsage = errors.New("usage error")

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: gwaggli <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-12s %s\n", c.name, c.usage)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'gwaggli <command> -h' for the options of a command.")
}

// newFlagSet returns a flag set that reports errors instead of exiting.
func newFlagSet(e *env, name string) *flag.FlagSet {
	fs := flag.NewFlagSet("gwaggli "+name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(fs.Output(), "unexpected arguments: %v\n", fs.Args())
		return errUsage
	}
	return nil
}

// loadConfig reads path, or the defaults when path is empty, and applies
// its log level.
func loadConfig(e *env, path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.Default()
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found: %w", path, err)
		}
		return nil, err
	}
	e.level.Set(cfg.LogLevel.Level())
	return cfg, nil
}

func newLogger(w io.Writer, level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
