package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/sysend/peer"
)

func newBridgeCmd(opts *options) *cobra.Command {
	var (
		listen string
		allow  []string
	)

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Serve this scope to peers elsewhere over HTTP",
		Long:  "bridge runs a proxy-mode peer on the shared store and serves the bridge protocol, so peers started with --proxy extend their scope into this one.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.open(cmd, peer.WithProxyMode())
			if err != nil {
				return err
			}
			if len(allow) > 0 {
				if err := s.peer.AllowOrigins(allow...); err != nil {
					s.close()
					return err
				}
			}
			if err := s.start(cmd.Context()); err != nil {
				return err
			}
			defer s.close()

			mux := http.NewServeMux()
			path, handler := s.peer.BridgeHandler()
			mux.Handle(path, handler)

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "bridge listening on http://%s%s\n", ln.Addr(), path)

			errs := make(chan error, 1)
			go func() { errs <- srv.Serve(ln) }()

			select {
			case err := <-errs:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-cmd.Context().Done():
			}

			// Closing the peer ends open Subscribe streams so Shutdown can drain.
			s.peer.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8080", "Address to serve the bridge on")
	cmd.Flags().StringSliceVar(&allow, "allow", nil, "Origins allowed to use the bridge (default: config allow_origins)")
	return cmd
}
