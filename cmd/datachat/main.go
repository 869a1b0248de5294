package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/vango-go/datachat/internal/dotenv"
	"github.com/vango-go/datachat/pkg/backend"
	"github.com/vango-go/datachat/pkg/config"
	"github.com/vango-go/datachat/pkg/core/guard"
	"github.com/vango-go/datachat/pkg/core/stream"
	"github.com/vango-go/datachat/pkg/core/voice"
	"github.com/vango-go/datachat/pkg/metrics"
	"github.com/vango-go/datachat/pkg/store"
	datachat "github.com/vango-go/datachat/sdk"
)

type cliArgs struct {
	ConfigPath  string
	BackendURL  string
	Transport   string
	DataDir     string
	MetricsAddr string
	LogLevel    string
}

func parseArgs(args []string, getenv func(string) string) (cliArgs, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	var a cliArgs
	fs := flag.NewFlagSet("datachat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&a.ConfigPath, "config", strings.TrimSpace(getenv(config.EnvConfigFile)), "YAML config file (or DATACHAT_CONFIG)")
	fs.StringVar(&a.BackendURL, "backend-url", "", "data service base URL")
	fs.StringVar(&a.Transport, "transport", "", "stage stream transport: http or websocket")
	fs.StringVar(&a.DataDir, "data-dir", "", "directory of the local session store")
	fs.StringVar(&a.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.StringVar(&a.LogLevel, "log-level", "", "debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return cliArgs{}, err
	}
	if fs.NArg() > 0 {
		return cliArgs{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return a, nil
}

// loadConfig reads the file and environment, then applies flags on top.
func loadConfig(a cliArgs) (config.Config, error) {
	cfg, err := config.LoadFile(a.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if a.BackendURL != "" {
		cfg.BackendURL = a.BackendURL
	}
	if a.Transport != "" {
		cfg.Transport = config.TransportKind(strings.ToLower(a.Transport))
	}
	if a.DataDir != "" {
		cfg.DataDir = a.DataDir
	}
	if a.MetricsAddr != "" {
		cfg.MetricsAddr = a.MetricsAddr
	}
	if a.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(a.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newClient(cfg config.Config, st *store.Store, logger *slog.Logger, m *metrics.Metrics) *datachat.Client {
	be := backend.NewClient(cfg.BackendURL,
		backend.WithRequestTimeout(cfg.RequestTimeout),
		backend.WithSummaryWarnLatency(cfg.SummaryWarnLatency),
		backend.WithLogger(logger),
		backend.WithMetrics(m),
	)
	var transport stream.Transport = be.HTTPTransport()
	if cfg.Transport == config.TransportWebSocket {
		transport = be.WebSocketTransport()
	}
	return datachat.NewClient(be, transport, st,
		datachat.WithLogger(logger),
		datachat.WithMetrics(m),
		datachat.WithStallTimeout(cfg.StallTimeout),
		datachat.WithChunkSize(cfg.ChunkSize),
		datachat.WithGuardOptions(
			guard.WithIdleTimeout(cfg.IdleTimeout),
			guard.WithTouchInterval(cfg.TouchInterval),
			guard.WithCheckInterval(cfg.CheckInterval),
		),
		datachat.WithVoiceOptions(
			voice.WithFormat(cfg.AudioFormat),
			voice.WithPrebufferBytes(cfg.PrebufferBytes),
			voice.WithMaxCaptureBytes(cfg.MaxCaptureBytes),
		),
	)
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, m *metrics.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// tokenReader prompts for a credential without echo on a terminal and reads
// a plain line otherwise.
func tokenReader(lines *lineReader, out io.Writer, fd int, interactive bool) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		fmt.Fprint(out, "access token: ")
		if interactive {
			raw, err := term.ReadPassword(fd)
			fmt.Fprintln(out)
			if err != nil {
				return "", fmt.Errorf("read token: %w", err)
			}
			return strings.TrimSpace(string(raw)), nil
		}
		line, err := lines.Next(ctx)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
}

type ioStreams struct {
	in          io.Reader
	out         io.Writer
	errOut      io.Writer
	fd          int
	interactive bool
}

func run(ctx context.Context, cfg config.Config, ios ioStreams) error {
	out := &lockedWriter{w: ios.out}
	logger := newLogger(cfg, ios.errOut)
	m := metrics.New("datachat")

	st, err := store.Open(store.Options{Dir: cfg.DataDir, Logger: logger})
	if err != nil {
		return err
	}
	defer st.Close()

	client := newClient(cfg, st, logger, m)
	defer client.Close()

	lines := newLineReader(ios.in)
	r := newREPL(client, out, ios.errOut, tokenReader(lines, out, ios.fd, ios.interactive))
	r.mic = newFFmpegMic
	r.player = newFFplayPlayer

	ok, err := client.Start(ctx)
	if err != nil {
		return err
	}
	r.notifyExpiry()
	if !ok {
		fmt.Fprintln(out, "no valid session; log in to continue")
		if err := r.login(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	if cfg.MetricsAddr != "" {
		serveMetrics(gctx, g, cfg.MetricsAddr, m, logger)
	}
	g.Go(func() error {
		defer cancel()
		return r.run(gctx, lines)
	})
	return g.Wait()
}

func runMain(ctx context.Context, args []string, ios ioStreams) int {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(ios.errOut, "datachat: %v\n", err)
		return 1
	}
	a, err := parseArgs(args, os.Getenv)
	if err != nil {
		fmt.Fprintf(ios.errOut, "datachat: %v\n", err)
		return 2
	}
	cfg, err := loadConfig(a)
	if err != nil {
		fmt.Fprintf(ios.errOut, "datachat: %v\n", err)
		return 1
	}
	if err := run(ctx, cfg, ios); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(ios.errOut, "datachat: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)

	fd := int(os.Stdin.Fd())
	code := runMain(ctx, os.Args[1:], ioStreams{
		in:          os.Stdin,
		out:         os.Stdout,
		errOut:      os.Stderr,
		fd:          fd,
		interactive: term.IsTerminal(fd),
	})
	stop()
	os.Exit(code)
}
