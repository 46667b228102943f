package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanpawarit/persona-router/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/persona-router/agent/contract"
	"github.com/tanpawarit/persona-router/agent/transport"
	configx "github.com/tanpawarit/persona-router/pkg/config"
	logx "github.com/tanpawarit/persona-router/pkg/logger"
	qstashx "github.com/tanpawarit/persona-router/pkg/qstash"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:          "persona-router",
		Short:        "Persona-gated router that answers through specialist agents",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				configx.SetEnvFile(envFile)
			}
			logx.Init(*configx.MustNew[logx.Config]("LOG"))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env", "", "env file to load (default .env)")

	root.AddCommand(serveCmd(), askCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP router",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			opts := []transport.Option{
				transport.WithLogger(componentLogger("http")),
				transport.WithMemoryAdmin(a.store),
				transport.WithMetrics(a.metrics),
			}
			qstashCfg := configx.MustNew[qstashx.Config]("QSTASH")
			if qstashCfg.Enabled() {
				client, err := qstashx.NewClient(*qstashCfg)
				if err != nil {
					return fmt.Errorf("qstash: %w", err)
				}
				opts = append(opts, transport.WithQStash(client, client, qstashCfg.ReplyURL))
			}

			srv, err := transport.New(*configx.MustNew[transport.Config]("APP"), a.orchestrator, opts...)
			if err != nil {
				return err
			}
			return srv.ListenAndServe(ctx)
		},
	}
}

func askCmd() *cobra.Command {
	var (
		identity string
		channel  string
		turnID   string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "ask [text]",
		Short: "Run a single turn and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			reply, err := a.orchestrator.HandleMessage(ctx, orchestrator.Request{
				TurnID: turnID,
				Signal: contractx.IdentitySignal{Identity: identity, Channel: channel},
				Text:   strings.Join(args, " "),
			})
			if err != nil {
				return err
			}
			return printReply(cmd, reply, asJSON)
		},
	}
	cmd.Flags().StringVarP(&identity, "identity", "i", "cli-user", "caller identity")
	cmd.Flags().StringVar(&channel, "channel", "cli", "channel the identity belongs to")
	cmd.Flags().StringVar(&turnID, "turn-id", "", "turn id, generated when empty")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full reply as JSON")
	return cmd
}

func printReply(cmd *cobra.Command, reply orchestrator.Reply, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(reply)
	}

	fmt.Fprintln(out, reply.Text)
	if reply.Status != contractx.TurnOK {
		log.Warn().Str("status", string(reply.Status)).Strs("notes", reply.Notes).Msg("turn not fully served")
	}
	return nil
}
