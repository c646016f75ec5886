// pincerd hosts the tab bridge: a WebSocket endpoint tabs connect to, a
// status surface for observers, and an optional Redis relay for registry
// events.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"

	"github.com/pincerhq/pincer/config"
	"github.com/pincerhq/pincer/src/bridge"
	"github.com/pincerhq/pincer/src/client"
	"github.com/pincerhq/pincer/src/protocol"
	"github.com/pincerhq/pincer/src/registry"
	"github.com/pincerhq/pincer/src/server"
	"github.com/pincerhq/pincer/src/service"
)

// version is set via ldflags at release time.
var version = "dev"

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "pincerd",
		Short:         "Bridge between browser tabs and a remote assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml")

	root.AddCommand(serveCmd(), probeCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.FromEnv()
	if configPath != "" {
		if err := config.LoadFile(configPath, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger()

			reg := registry.New(logger, cfg.RequestTimeout)
			svc := service.New(reg, logger)
			srv := server.New(cfg, reg, logger)

			app := fiber.New()
			srv.RegisterRoutes(app.Group(cfg.Path))

			// Redis relay is best-effort; without it the host runs standalone.
			initBridge(reg, logger)

			svc.OnConnection(func(info registry.ConnInfo) {
				logger.Info().Str("connection_id", info.ID).Int("tab_id", info.TabID).Msg("tab online")
			})
			svc.OnDisconnection(func(info registry.ConnInfo) {
				logger.Info().Str("connection_id", info.ID).Msg("tab offline")
			})

			wsHandler := srv.Handler()
			appHandler := app.Handler()
			httpSrv := &fasthttp.Server{
				Handler: func(ctx *fasthttp.RequestCtx) {
					if string(ctx.Path()) == cfg.Path {
						wsHandler(ctx)
						return
					}
					appHandler(ctx)
				},
			}

			go func() {
				sig := make(chan os.Signal, 1)
				signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
				<-sig
				logger.Info().Msg("shutting down")
				_ = httpSrv.Shutdown()
			}()

			logger.Info().
				Str("addr", cfg.ListenAddr).
				Str("path", cfg.Path).
				Bool("auth", cfg.AuthToken != "").
				Msg("pincerd listening")
			return httpSrv.ListenAndServe(cfg.ListenAddr)
		},
	}
}

// initBridge wires registry events into the Redis relay when Redis is
// reachable.
func initBridge(reg *registry.Registry, logger zerolog.Logger) {
	rb := bridge.NewRedisBridge(bridge.RedisConfigFromEnv(), remoteLogger{logger}, logger)
	if err := rb.Start(); err != nil {
		logger.Warn().Err(err).Msg("redis bridge unavailable, running standalone")
		return
	}

	publish := func(ev bridge.RegistryEvent) {
		if err := rb.Publish(ev); err != nil {
			logger.Error().Err(err).Str("kind", ev.Kind).Msg("bridge publish failed")
		}
	}
	reg.OnConnection(func(info registry.ConnInfo) {
		publish(bridge.RegistryEvent{
			Kind:         bridge.KindTabConnected,
			ConnectionID: info.ID,
			TabID:        info.TabID,
			URL:          info.URL,
			Title:        info.Title,
			Timestamp:    time.Now(),
		})
	})
	reg.OnDisconnection(func(info registry.ConnInfo) {
		publish(bridge.RegistryEvent{
			Kind:         bridge.KindTabDisconnected,
			ConnectionID: info.ID,
			TabID:        info.TabID,
			Timestamp:    time.Now(),
		})
	})
	reg.OnContextUpdate(func(connID string, pc protocol.PageContext) error {
		publish(bridge.RegistryEvent{
			Kind:         bridge.KindContextUpdated,
			ConnectionID: connID,
			URL:          pc.URL,
			Title:        pc.Title,
			Context:      &pc,
			Timestamp:    time.Now(),
		})
		return nil
	})
}

// remoteLogger surfaces events relayed from other instances.
type remoteLogger struct {
	logger zerolog.Logger
}

func (r remoteLogger) DeliverRemote(ev bridge.RegistryEvent) {
	r.logger.Info().
		Str("kind", ev.Kind).
		Str("connection_id", ev.ConnectionID).
		Str("url", ev.URL).
		Msg("remote registry event")
}

func probeCmd() *cobra.Command {
	var hold time.Duration
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect to a host as a synthetic tab and publish a test context",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger()

			c := client.New(cfg.ServerURL,
				client.WithAuthToken(cfg.AuthToken),
				client.WithSendOnTabSwitch(cfg.SendOnTabSwitch),
				client.WithReconnectPolicy(cfg.MaxReconnectAttempts, cfg.ReconnectBaseDelay),
				client.WithLogger(logger),
				client.WithCommandHandler(func(incoming protocol.Command) (map[string]any, error) {
					return map[string]any{"ok": true, "echo": string(incoming.Type)}, nil
				}),
			)
			c.OnStateChange(func(s client.State) {
				logger.Info().Str("state", s.String()).Msg("connection state")
			})

			// The probe behaves like a real tab: it only dials at startup
			// when auto-connect is on.
			if !cfg.AutoConnect {
				logger.Info().Msg("auto_connect is off, not dialing")
				return nil
			}
			if err := c.Connect(); err != nil {
				return err
			}
			if err := c.PublishContext(protocol.PageContext{
				URL:        "https://example.com/probe",
				Title:      "pincerd probe",
				CapturedAt: time.Now(),
			}); err != nil {
				return err
			}

			time.Sleep(hold)
			c.Disconnect()
			return nil
		},
	}
	cmd.Flags().DurationVar(&hold, "hold", 5*time.Second, "how long to stay connected")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pincerd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pincerd %s\n", version)
		},
	}
}
