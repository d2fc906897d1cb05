package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hirecj/cj-gateway/internal/config"
	"github.com/hirecj/cj-gateway/internal/domain"
	"github.com/hirecj/cj-gateway/internal/gateway"
	"github.com/hirecj/cj-gateway/internal/identity"
	"github.com/spf13/cobra"
)

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Talk to a running gateway",
	}

	cmd.AddCommand(newClientSendCmd())
	return cmd
}

func newClientSendCmd() *cobra.Command {
	var (
		url          string
		userID       string
		workflowName string
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message through a running gateway and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")

			cfg, err := config.Load(paths.Config)
			if err != nil {
				cfg = config.Defaults()
			}

			if url == "" {
				url = fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.Gateway.Port)
			}

			header := http.Header{}
			if userID != "" {
				if cfg.Identity.Secret == "" {
					return fmt.Errorf("identity.secret is not configured, cannot mint a token for --user")
				}
				resolver := identity.NewResolver(cfg.Identity.CookieName, cfg.Identity.Secret)
				header.Set("Cookie", cfg.Identity.CookieName+"="+resolver.MintToken(userID))
			}

			inbound := make(chan domain.Envelope, 64)
			opts := gateway.ClientOptionsFromConfig(cfg.Client, url)
			opts.Header = header
			opts.OnEnvelope = func(env domain.Envelope) { inbound <- env }

			client := gateway.NewClient(opts, log)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			runErr := make(chan error, 1)
			go func() { runErr <- client.Run(ctx) }()

			// Both envelopes queue until the dial succeeds and replay in order.
			start, err := domain.NewEnvelope(domain.TypeStartConversation,
				domain.StartConversationPayload{Workflow: workflowName})
			if err != nil {
				return err
			}
			if err := client.Send(start); err != nil {
				return err
			}

			msg, err := domain.NewEnvelope(domain.TypeMessage, domain.MessagePayload{Text: message})
			if err != nil {
				return err
			}
			msg.CorrelationID = "cli-1"
			if err := client.Send(msg); err != nil {
				return err
			}

			deadline := time.After(timeout)
			for {
				select {
				case err := <-runErr:
					return fmt.Errorf("gateway connection failed: %w", err)
				case <-deadline:
					return fmt.Errorf("timed out after %s waiting for a reply", timeout)
				case env := <-inbound:
					switch env.Type {
					case domain.TypeConversationStarted:
						var p domain.ConversationStartedPayload
						if err := json.Unmarshal(env.Payload, &p); err == nil {
							fmt.Fprintf(cmd.ErrOrStderr(), "[conversation %s, workflow %s]\n", p.ConversationID, p.Workflow)
						}
					case domain.TypeSystem:
						var p domain.SystemPayload
						if err := json.Unmarshal(env.Payload, &p); err == nil {
							fmt.Fprintf(cmd.ErrOrStderr(), "[system] %s\n", p.Message)
						}
					case domain.TypeCJMessage:
						if env.CorrelationID != "cli-1" {
							continue
						}
						var p domain.CJMessagePayload
						if err := json.Unmarshal(env.Payload, &p); err != nil {
							return fmt.Errorf("malformed reply: %w", err)
						}
						fmt.Fprintln(cmd.OutOrStdout(), p.Content)
						return nil
					case domain.TypeError:
						var p domain.ErrorPayload
						if err := json.Unmarshal(env.Payload, &p); err != nil {
							return fmt.Errorf("gateway reported an error")
						}
						return fmt.Errorf("gateway error (%s): %s", p.Code, p.Message)
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "gateway WebSocket URL (default ws://127.0.0.1:<gateway.port>/ws)")
	cmd.Flags().StringVar(&userID, "user", "", "authenticate as this user (requires identity.secret)")
	cmd.Flags().StringVar(&workflowName, "workflow", "", "request a specific workflow")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for a reply")

	return cmd
}
