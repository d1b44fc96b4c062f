package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/danmuck/ictrl/internal/logging"
	"github.com/danmuck/ictrl/internal/protocol/frame"
	"github.com/danmuck/ictrl/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var defaultSegments = []string{"hoge", "common"}

type options struct {
	socket  string
	typ     uint16
	timeout time.Duration
	noReply bool
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "ictrlctl [segment...]",
		Short: "Send one control frame and print the reply",
		Long: `Connects to the control socket, sends one frame of the given type with up
to three segments and prints the header of the reply. Each segment is sent
NUL terminated. Without segments the request carries "hoge" and "common".`,
		Args:          cobra.MaximumNArgs(frame.MaxSegments),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.ConfigureRuntime("ictrlctl")
			if len(args) == 0 {
				args = defaultSegments
			}
			cfg := session.DefaultConfig()
			cfg.Path = opts.socket
			cfg.Logger = logger

			c, err := session.Dial(cfg)
			if err != nil {
				log.Fatal().Err(err).Str("socket", opts.socket).Msg("connect failed")
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return exchange(ctx, c, opts, args, cmd.OutOrStdout(), logger)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.socket, "socket", "s", session.DefaultConfig().Path, "control socket path")
	flags.Uint16VarP(&opts.typ, "type", "t", 123, "frame type")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Second, "give up waiting after this long")
	flags.BoolVar(&opts.noReply, "no-reply", false, "do not wait for a reply")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ictrlctl: %s\n", err)
		os.Exit(1)
	}
}

// endpoint is the client side of one exchange.
type endpoint interface {
	Build(typ uint16, segs ...[]byte) error
	SendContext(ctx context.Context) error
	RecvContext(ctx context.Context) (*frame.Buffer, error)
}

func exchange(ctx context.Context, c endpoint, opts options, args []string, out io.Writer, logger zerolog.Logger) error {
	segs := make([][]byte, len(args))
	for i, a := range args {
		segs[i] = append([]byte(a), 0)
	}
	if err := c.Build(opts.typ, segs...); err != nil {
		return err
	}
	if err := c.SendContext(ctx); err != nil {
		return err
	}
	logger.Debug().Uint16("type", opts.typ).Int("segments", len(segs)).Msg("sent")
	if opts.noReply {
		return nil
	}

	reply, err := c.RecvContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for reply: %w", err)
	}
	defer reply.Release()
	h, err := reply.Header()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "type=%d len=%d,%d,%d\n", h.Type, h.Len[0], h.Len[1], h.Len[2])
	for i, seg := range reply.Segments() {
		if seg != nil {
			fmt.Fprintf(out, "segment %d: %q\n", i+1, seg)
		}
	}
	return nil
}
