// Command chatlink is a terminal client for the multi-agent chat backend:
// send messages with delivery tracking, watch the live event stream, and
// inspect backend health.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/chatlink"
	"github.com/opd-ai/chatlink/config"
	"github.com/opd-ai/chatlink/message"
	"github.com/opd-ai/chatlink/status"
)

var (
	flagConfig   string
	flagEndpoint string
)

func main() {
	root := &cobra.Command{
		Use:           "chatlink",
		Short:         "Client for the multi-agent chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to chatlink.toml")
	root.PersistentFlags().StringVarP(&flagEndpoint, "endpoint", "e", "", "backend API base URL (overrides config)")

	root.AddCommand(newSendCommand(), newWatchCommand(), newStatusCommand(), newHistoryCommand())

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration from file, environment,
// and flags, and applies the configured log level.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, err
	}
	if flagEndpoint != "" {
		cfg.Endpoint = flagEndpoint
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logrus.SetLevel(level)
	return cfg, nil
}

func newClient() (*chatlink.Client, config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, config.Config{}, err
	}
	client, err := chatlink.New(chatlink.OptionsFromConfig(cfg))
	if err != nil {
		return nil, config.Config{}, err
	}
	return client, cfg, nil
}

func newSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message and wait for the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			done := make(chan error, 1)
			var mu sync.Mutex
			var sentID string
			isOurs := func(id string) bool {
				mu.Lock()
				defer mu.Unlock()
				return sentID != "" && id == sentID
			}

			client.OnMessage(func(msg *message.Message) {
				if isOurs(msg.ResponseTo) {
					fmt.Printf("[%s] %s\n", msg.Type, msg.Content)
					done <- nil
				}
			})
			client.OnMessageError(func(id string, err error) {
				if isOurs(id) {
					done <- fmt.Errorf("delivery failed: %w", err)
				}
			})
			client.OnMessageTimeout(func(id string) {
				if isOurs(id) {
					done <- fmt.Errorf("no reply within %s", cfg.Delivery.MessageTimeout())
				}
			})

			if err := client.Start(ctx); err != nil {
				return err
			}

			id, err := client.Send(strings.Join(args, " "))
			if err != nil {
				return err
			}
			mu.Lock()
			sentID = id
			mu.Unlock()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream incoming messages until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			client.OnMessage(func(msg *message.Message) {
				fmt.Printf("%s [%s] %s\n", msg.Timestamp.Format(time.RFC3339), msg.Type, msg.Content)
			})
			client.OnConnectionStatus(func(connected bool) {
				if connected {
					logrus.Info("Push channel connected")
				} else {
					logrus.Warn("Push channel disconnected, reconnecting")
				}
			})

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			poller := status.NewPoller(cfg.Endpoint, cfg.Status.PollInterval(), func(s status.BackendStatus) {
				logrus.WithFields(logrus.Fields{
					"mongodb":  s.MongoConnected,
					"rabbitmq": s.RabbitConnected,
				}).Debug("Backend status")
			})
			poller.Start(ctx)
			defer poller.Stop()

			if err := client.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			st, err := client.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("mongodb:  %s\n", onOff(st.MongoConnected))
			fmt.Printf("rabbitmq: %s\n", onOff(st.RabbitConnected))
			if st.ModelName != "" {
				fmt.Printf("model:    %s\n", st.ModelName)
			}
			return nil
		},
	}
}

func newHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the server-side transcript",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if _, err := client.LoadHistory(ctx); err != nil {
				return err
			}
			for _, msg := range client.History().Messages() {
				fmt.Printf("%s [%s] %s\n", msg.Timestamp.Format(time.RFC3339), msg.Type, msg.Content)
			}
			return nil
		},
	}
}

func onOff(connected bool) string {
	if connected {
		return "connected"
	}
	return "disconnected"
}
