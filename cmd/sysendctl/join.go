package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/sysend/peer"
	"github.com/tailored-agentic-units/sysend/rpc"
)

func newJoinCmd(opts *options) *cobra.Command {
	var (
		event   string
		proxies []string
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Run an interactive peer",
		Long: `join starts a peer, prints presence changes and messages, and broadcasts
every line read from stdin on the chat event. Lines starting with a slash
are commands:

  /list                       print the roster
  /post TARGET TEXT           send TEXT to a peer id or "primary"
  /call TARGET METHOD [ARGS]  call an RPC method
  /status                     print this peer's role
  /quit                       leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			if len(proxies) > 0 {
				if err := s.peer.Proxy(proxies...); err != nil {
					s.close()
					return err
				}
			}

			j := &joiner{peer: s.peer, event: event, out: cmd.OutOrStdout()}
			j.track()
			surface, err := rpc.New(s.peer, methods(s.peer))
			if err != nil {
				s.close()
				return err
			}
			j.surface = surface

			if err := s.start(cmd.Context()); err != nil {
				surface.Close()
				return err
			}
			defer s.close()
			defer surface.Close()

			j.printf("joined as %s (%s)\n", s.peer.ID(), s.peer.State())
			return j.run(cmd.Context(), cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVar(&event, "event", "chat", "Event stdin lines are broadcast on")
	cmd.Flags().StringSliceVar(&proxies, "proxy", nil, "Bridge URLs to extend the scope through")
	return cmd
}

type joiner struct {
	peer    *peer.Peer
	surface *rpc.Surface
	event   string

	mu  sync.Mutex
	out io.Writer
}

func (j *joiner) printf(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, _ = fmt.Fprintf(j.out, format, args...)
}

func (j *joiner) track() {
	p := j.peer
	peer.Track(p, peer.Open, func(e peer.OpenEvent) {
		j.printf("open %s (count %d)\n", e.ID, e.Count)
	})
	peer.Track(p, peer.Close, func(e peer.CloseEvent) {
		if !e.Self {
			j.printf("close %s (count %d)\n", e.ID, e.Count)
		}
	})
	peer.Track(p, peer.Primary, func(peer.Status) {
		j.printf("now primary\n")
	})
	peer.Track(p, peer.Message, func(e peer.MessageEvent) {
		j.printf("message from %s: %s\n", e.Origin, formatValue(e.Data))
	})
	p.On(j.event, func(data any, _ string) {
		j.printf("%s: %s\n", j.event, formatValue(data))
	})
}

func (j *joiner) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := j.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				j.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (j *joiner) handle(ctx context.Context, line string) (quit bool, err error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, j.peer.Broadcast(ctx, j.event, line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true, nil
	case "/status":
		st := j.peer.Status()
		j.printf("%s %s (count %d)\n", st.ID, j.peer.State(), st.Count)
	case "/list":
		roster, err := j.peer.List(ctx)
		if err != nil {
			return false, err
		}
		for _, e := range roster {
			j.printf("  %s primary=%t\n", e.ID, e.Primary)
		}
		j.printf("%d other peer(s)\n", len(roster))
	case "/post":
		if len(fields) < 3 {
			return false, fmt.Errorf("usage: /post TARGET TEXT")
		}
		return false, j.peer.Post(ctx, fields[1], strings.Join(fields[2:], " "))
	case "/call":
		if len(fields) < 3 {
			return false, fmt.Errorf("usage: /call TARGET METHOD [ARGS]")
		}
		args := make([]any, 0, len(fields)-3)
		for _, a := range fields[3:] {
			args = append(args, parseArg(a))
		}
		result, err := j.surface.Call(ctx, fields[1], fields[2], args...)
		if err != nil {
			return false, err
		}
		j.printf("%s\n", formatValue(result))
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}
