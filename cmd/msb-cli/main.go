package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	msb "github.com/glimte/msb-go"
	"github.com/glimte/msb-go/config"
	"github.com/glimte/msb-go/contracts"
	"github.com/glimte/msb-go/messaging"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "msb-cli",
		Short: "Listen to and send msb messages",
		Long: `msb-cli prints messages published on msb topics and sends one-off requests.
Broker settings come from the configuration file and MSB_ environment variables.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	// Global flags
	var (
		configPath string
		brokerType string
		brokerURL  string
	)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&brokerType, "broker", "", "Broker type: amqp, redis or mock")
	rootCmd.PersistentFlags().StringVarP(&brokerURL, "url", "u", "", "Broker connection URL")

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if brokerType != "" {
			cfg.Broker.Type = brokerType
		}
		if brokerURL != "" {
			cfg.Broker.URL = brokerURL
		}
		return cfg, cfg.Validate()
	}

	// Listen command
	var (
		follow []string
		pretty bool
	)
	listenCmd := &cobra.Command{
		Use:   "listen <topic> [topics...]",
		Short: "Print every message published on the given topics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// a private group, so the listener does not take messages from services
			cfg.Broker.GroupID = ""
			cfg.Broker.Durable = false

			ctx, cancel := signalContext()
			defer cancel()

			client, err := msb.NewClient(cfg)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Shutdown()

			l := newListener(ctx, client.Bus(), cmd.OutOrStdout(), pretty, contains(follow, "response"))
			for _, topic := range args {
				if err := l.Listen(topic); err != nil {
					return err
				}
			}

			fmt.Fprintln(cmd.ErrOrStderr(), "Listening... Press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		},
	}
	listenCmd.Flags().StringSliceVarP(&follow, "follow", "f", nil, "Also listen to topics found in messages (response)")
	listenCmd.Flags().BoolVarP(&pretty, "pretty", "p", true, "Indent printed messages")

	// Request command
	var (
		payload         string
		waitFor         int
		responseTimeout time.Duration
		ackTimeout      time.Duration
		tags            []string
		routingKey      string
	)
	requestCmd := &cobra.Command{
		Use:   "request <topic>",
		Short: "Publish a request and print the acks and responses it collects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var body interface{}
			if err := json.Unmarshal([]byte(payload), &body); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}

			options, err := messaging.NewRequestOptions(
				messaging.WithWaitForResponses(waitFor),
				messaging.WithResponseTimeout(responseTimeout),
				messaging.WithAckTimeout(ackTimeout),
				messaging.WithRoutingKey(routingKey),
			)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := msb.NewClient(cfg)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Shutdown()

			return runRequest(ctx, client.Bus(), cmd.OutOrStdout(), args[0], options, body, tags)
		},
	}
	requestCmd.Flags().StringVarP(&payload, "payload", "d", "{}", "Request payload (JSON)")
	requestCmd.Flags().IntVarP(&waitFor, "wait", "w", 1, "Responses to wait for, -1 to collect until the timeout")
	requestCmd.Flags().DurationVarP(&responseTimeout, "timeout", "t", 3*time.Second, "Response timeout")
	requestCmd.Flags().DurationVar(&ackTimeout, "ack-timeout", 0, "Acknowledgement timeout")
	requestCmd.Flags().StringSliceVar(&tags, "tag", nil, "Tags to attach to the request")
	requestCmd.Flags().StringVar(&routingKey, "routing-key", "", "Routing key of the request")

	// Config command
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return cfg.Dump(cmd.OutOrStdout())
		},
	}

	// Health command
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Connect to the broker and print the client health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client, err := msb.NewClient(cfg)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Shutdown()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(client.Health(ctx))
		},
	}

	rootCmd.AddCommand(listenCmd, requestCmd, configCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// runRequest publishes one request and prints what comes back until the
// collection ends or ctx is cancelled
func runRequest(ctx context.Context, bus *messaging.Bus, out io.Writer,
	topic string, options messaging.RequestOptions, body interface{}, tags []string) error {

	requester, err := messaging.NewRequester[interface{}](bus, topic, options)
	if err != nil {
		return err
	}

	p := &printer{out: out, codec: bus.Codec(), pretty: true}
	done := make(chan int, 1)
	requester.
		OnAcknowledge(func(_ *contracts.Acknowledge, mctx *messaging.MessageContext) {
			p.Print(mctx.Message)
		}).
		OnRawResponse(func(msg *contracts.Message, _ *messaging.MessageContext) {
			p.Print(msg)
		}).
		OnEnd(func(messages []*contracts.Message) {
			done <- len(messages)
		})

	if err := requester.Publish(ctx, body, tags...); err != nil {
		return fmt.Errorf("failed to publish request: %w", err)
	}
	if !options.ExpectsReply() {
		return nil
	}

	select {
	case n := <-done:
		if n == 0 {
			return fmt.Errorf("no acknowledgement or response on %s", topic)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
