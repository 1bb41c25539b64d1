// Command agentwire runs the unix-socket router daemon and a small CLI
// for sending tasks to it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentwire/agentwire-go/bridge"
	"github.com/agentwire/agentwire-go/config"
	"github.com/agentwire/agentwire-go/contracts"
	"github.com/agentwire/agentwire-go/messaging"
	"github.com/agentwire/agentwire-go/monitor"
	"github.com/agentwire/agentwire-go/transports/unixsock"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentwire",
		Short: "Message transport daemon and CLI for agent tasks",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.AddCommand(newServeCmd())
	root.AddCommand(newCallCmd())
	return root
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newServeCmd() *cobra.Command {
	var echoAgent bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the unix-socket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger := newLogger()
			metrics := monitor.NewSimpleMetricsCollector()

			server := unixsock.NewServer(cfg.SocketPath,
				unixsock.WithServerName(cfg.ServerName),
				unixsock.WithHandshakeTimeout(cfg.HandshakeTimeout),
				unixsock.WithHeartbeatInterval(cfg.HeartbeatInterval),
				unixsock.WithMaxFrameSize(cfg.MaxFrameSize),
				unixsock.WithServerLogger(logger),
				unixsock.WithServerMetrics(metrics),
			)

			if echoAgent {
				server.OnMessage(echoHandler(cfg.ServerName, logger))
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := server.Start(ctx); err != nil {
				return err
			}
			logger.Info("server listening", "socket", cfg.SocketPath)

			if cfg.HTTPAddr != "" {
				httpSrv, err := startBridge(ctx, cfg, logger)
				if err != nil {
					server.Stop()
					return err
				}
				defer httpSrv.Close()
			}

			<-ctx.Done()
			logger.Info("shutting down")
			return server.Stop()
		},
	}
	cmd.Flags().BoolVar(&echoAgent, "echo", true, "serve a built-in echo task agent")
	return cmd
}

// echoHandler answers every task request with its own parameters,
// which keeps `agentwire call` usable against a bare daemon.
func echoHandler(serverName string, logger *slog.Logger) unixsock.MessageHandler {
	return func(ctx context.Context, env *contracts.Envelope, conn *unixsock.ServerConn) {
		if env.Type != contracts.MessageTypeTaskRequest {
			return
		}
		var req contracts.TaskRequest
		if err := env.UnmarshalPayload(&req); err != nil {
			logger.Warn("undecodable task request", "messageId", env.ID, "error", err)
			return
		}
		resp := &contracts.TaskResponse{
			TaskID: req.TaskID,
			Status: contracts.TaskStatusCompleted,
			Result: req.Parameters,
		}
		reply := contracts.NewEnvelope(serverName, env.Sender, contracts.MessageTypeTaskResponse,
			contracts.WithCorrelationID(req.TaskID),
			contracts.WithPayload(resp),
			contracts.WithTrace(env.TraceID, env.SpanID),
		)
		if err := conn.Send(reply); err != nil {
			logger.Error("failed to send echo response", "taskId", req.TaskID, "error", err)
		}
	}
}

// startBridge connects a loopback client to the daemon's own socket and
// exposes it over HTTP for legacy callers.
func startBridge(ctx context.Context, cfg config.Config, logger *slog.Logger) (*http.Server, error) {
	client := unixsock.NewClient(cfg.SocketPath, "legacy-bridge",
		unixsock.WithClientLogger(logger),
	)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("bridge failed to connect: %w", err)
	}
	taskClient, err := messaging.NewTaskClient(client, "legacy-bridge",
		messaging.WithTaskClientLogger(logger),
	)
	if err != nil {
		client.Close()
		return nil, err
	}
	b, err := bridge.NewBridge(taskClient, bridge.StaticRecipient(cfg.ServerName),
		bridge.WithBridgeLogger(logger),
	)
	if err != nil {
		client.Close()
		return nil, err
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: b}
	go func() {
		logger.Info("bridge listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("bridge server stopped", "error", err)
		}
	}()
	return srv, nil
}

func newCallCmd() *cobra.Command {
	var (
		taskType string
		params   string
		agent    string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Send one task to an agent and print the response",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger := newLogger()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			clientName := "cli-" + uuid.New().String()[:8]
			client := unixsock.NewClient(cfg.SocketPath, clientName,
				unixsock.WithClientLogger(logger),
			)
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect to %s: %w", cfg.SocketPath, err)
			}
			defer client.Close()

			taskClient, err := messaging.NewTaskClient(client, clientName,
				messaging.WithTaskClientLogger(logger),
			)
			if err != nil {
				return err
			}
			defer taskClient.Close()

			req, err := contracts.NewTaskRequest(taskType, json.RawMessage(params))
			if err != nil {
				return err
			}

			resp, err := taskClient.SendTaskRequest(ctx, req, agent, timeout)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "echo", "task type")
	cmd.Flags().StringVar(&params, "params", "{}", "task parameters as JSON")
	cmd.Flags().StringVar(&agent, "agent", "router", "recipient agent id")
	cmd.Flags().DurationVar(&timeout, "timeout", messaging.DefaultTaskTimeout, "response timeout")
	return cmd
}
