package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/sysend/rpc"
)

func newCallCmd(opts *options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call TARGET METHOD [ARGS...]",
		Short: "Call an RPC method on a running peer",
		Long:  "call invokes METHOD on the peer with id TARGET, or on the primary when TARGET is \"primary\". Arguments are parsed as JSON when possible.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			if err := s.start(cmd.Context()); err != nil {
				return err
			}
			defer s.close()

			var surfaceOpts []rpc.Option
			if timeout > 0 {
				surfaceOpts = append(surfaceOpts, rpc.WithTimeout(timeout))
			}
			surface, err := rpc.New(s.peer, methods(s.peer), surfaceOpts...)
			if err != nil {
				return err
			}
			defer surface.Close()

			callArgs := make([]any, 0, len(args)-2)
			for _, a := range args[2:] {
				callArgs = append(callArgs, parseArg(a))
			}

			result, err := surface.Call(cmd.Context(), args[0], args[1], callArgs...)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), formatValue(result))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "rpc-timeout", 0, "Time to wait for the response (overrides config)")
	return cmd
}
