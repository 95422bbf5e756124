package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/sysend/internal/otelsetup"
	"github.com/tailored-agentic-units/sysend/observability"
	"github.com/tailored-agentic-units/sysend/peer"
	"github.com/tailored-agentic-units/sysend/store"
	"github.com/tailored-agentic-units/sysend/store/sqlite"
)

type options struct {
	configFile string
	storePath  string
	timeout    time.Duration
	verbose    bool
	trace      bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "sysendctl",
		Short:         "Join, inspect and bridge sysend peers",
		Long:          "sysendctl runs a sysend peer against a shared store so processes on one host can broadcast, list presence, call RPC methods and bridge scopes over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Path to peer config JSON file")
	flags.StringVar(&opts.storePath, "store", "", "Shared store: a directory, a .db file or sqlite:<path>")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Roster collection window (overrides config)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging to stderr")
	flags.BoolVar(&opts.trace, "trace", false, "Also record peer events as OpenTelemetry spans (see SYSEND_OTEL_ENDPOINT)")

	rootCmd.AddCommand(
		newJoinCmd(opts),
		newListCmd(opts),
		newCallCmd(opts),
		newBridgeCmd(opts),
	)

	return rootCmd
}

func (o *options) config() (peer.Config, error) {
	cfg := peer.DefaultConfig()
	if o.configFile != "" {
		loaded, err := peer.LoadConfig(o.configFile)
		if err != nil {
			return peer.Config{}, err
		}
		cfg = *loaded
	}
	if err := cfg.ParseEnv(); err != nil {
		return peer.Config{}, err
	}
	if o.timeout > 0 {
		cfg.Timeout = peer.Duration(o.timeout)
	}
	return cfg, nil
}

func (o *options) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// observer returns the observer override for cfg, or nil to let the peer
// resolve cfg.Observer itself.
func (o *options) observer(cmd *cobra.Command, cfg peer.Config) (observability.Observer, error) {
	var base observability.Observer
	if cfg.Observer == "slog" {
		base = observability.NewSlogObserver(o.logger(cmd.ErrOrStderr()))
	}
	if !o.trace {
		return base, nil
	}
	if base == nil {
		named, err := observability.GetObserver(cfg.Observer)
		if err != nil {
			return nil, err
		}
		base = named
	}
	tracer, err := observability.GetObserver(otelsetup.ObserverName)
	if err != nil {
		return nil, err
	}
	return observability.NewMultiObserver(base, tracer), nil
}

// session is a peer bound to the shared store named on the command line.
type session struct {
	peer  *peer.Peer
	store store.Store
}

func (o *options) open(cmd *cobra.Command, extra ...peer.Option) (*session, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	st, err := openStore(o.storePath)
	if err != nil {
		return nil, err
	}

	opts := []peer.Option{
		peer.WithStore(st),
		peer.WithErrorHandler(func(err error) {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
		}),
	}
	obs, err := o.observer(cmd, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	if obs != nil {
		opts = append(opts, peer.WithObserver(obs))
	}
	opts = append(opts, extra...)

	p, err := peer.New(cfg, opts...)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &session{peer: p, store: st}, nil
}

func (s *session) start(ctx context.Context) error {
	if err := s.peer.Start(ctx); err != nil {
		s.close()
		return err
	}
	return nil
}

func (s *session) close() {
	s.peer.Close()
	s.store.Close()
}

func openStore(path string) (store.Store, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return nil, errors.New("--store is required")
	case strings.HasPrefix(path, "sqlite:"):
		return sqlite.Open(strings.TrimPrefix(path, "sqlite:"))
	case filepath.Ext(path) == ".db":
		return sqlite.Open(path)
	default:
		return store.NewFileStore(path), nil
	}
}
