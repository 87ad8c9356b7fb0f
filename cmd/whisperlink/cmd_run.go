package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"whisperlink/internal/domain"
	"whisperlink/internal/infra/config"
	"whisperlink/internal/infra/logger"
	"whisperlink/internal/infra/tracer"
)

type runOptions struct {
	username    string
	password    string
	console     bool
	printEvents bool
}

// newRunCmd creates the "whisperlink run" subcommand.
func newRunCmd(cfgPath func() string) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the worker and keep the client in sync",
		Long: "Starts the worker process, restores an existing login and polls the worker\n" +
			"until interrupted. With a console, actions are read from stdin one per line;\n" +
			"type 'help' for the list.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("console") {
				opts.console = isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
			}
			if opts.password == "" {
				opts.password = os.Getenv("WHISPERLINK_PASSWORD")
			}
			return runClient(cmd.Context(), cfgPath(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.username, "username", "", "log in as this user when no session exists")
	cmd.Flags().StringVar(&opts.password, "password", "", "password for --username (default: $WHISPERLINK_PASSWORD)")
	cmd.Flags().BoolVar(&opts.console, "console", false, "read actions from stdin (default: when stdin is a terminal)")
	cmd.Flags().BoolVar(&opts.printEvents, "events", false, "print every event as a JSON line")
	return cmd
}

func runClient(ctx context.Context, cfgPath string, opts runOptions, in io.Reader, out io.Writer) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closeLog()

	if ctx == nil {
		ctx = context.Background()
	}
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg, log)
	defer a.close()

	w := &lockedWriter{w: out}
	a.bus.Subscribe(domain.EventNotificationAdded, func(_ context.Context, evt domain.Event) {
		var n domain.Notification
		if err := json.Unmarshal(evt.Payload, &n); err == nil {
			w.Printf("[%s] %s\n", n.Severity, n.Message)
		}
	})
	if opts.printEvents {
		a.bus.SubscribeAll(func(_ context.Context, evt domain.Event) {
			if data, err := json.Marshal(evt); err == nil {
				w.Printf("%s\n", data)
			}
		})
	}

	user, ok := a.messenger.Boot(ctx)
	switch {
	case ok:
		log.Info("session restored", "username", user.Username)
	case opts.username != "":
		if _, err := a.messenger.Login(ctx, opts.username, opts.password); err != nil {
			log.Error("login failed", "username", opts.username, "error", err)
		}
	}

	if opts.console {
		newConsole(a.messenger, w).Run(ctx, in)
	} else {
		<-ctx.Done()
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.TerminateGrace+2*time.Second)
	defer cancel()
	return a.messenger.Shutdown(shutdownCtx)
}

// lockedWriter serializes writes from event handlers and the console.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}
