package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/usock/internal/client"
	"github.com/danmuck/usock/internal/logging"
	"github.com/danmuck/usock/internal/observability"
	"github.com/danmuck/usock/internal/peer"
	"github.com/danmuck/usock/internal/protocol/frame"
	"github.com/danmuck/usock/internal/rendezvous"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "usockctl: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	var (
		configPath = defaultConfigPath
		logLevel   string
		serverURI  string
		namespace  string
		rank       uint
		securityID string
		cfg        cliConfig
	)
	return &cli.App{
		Name:  "usockctl",
		Usage: "rendezvous with a local usock server and exchange frames",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: configPath, Destination: &configPath, EnvVars: []string{"USOCK_CONFIG"}, Usage: "TOML config file"},
			&cli.StringFlag{Name: "log-level", Destination: &logLevel, Usage: "debug, info, warn, error"},
			&cli.StringFlag{Name: "server-uri", Destination: &serverURI, Usage: "namespace:rank:path descriptor (default $" + rendezvous.EnvServerURI + ")"},
			&cli.StringFlag{Name: "namespace", Destination: &namespace, Usage: "local identity namespace"},
			&cli.UintFlag{Name: "rank", Destination: &rank, Usage: "local identity rank"},
			&cli.StringFlag{Name: "security", Destination: &securityID, Usage: "security module: native, none, sharedkey"},
		},
		Before: func(c *cli.Context) error {
			logging.ConfigureRuntime()
			if logLevel != "" && !logging.SetLevel(logLevel) {
				return fmt.Errorf("unknown log level %q", logLevel)
			}
			loaded, err := loadCLIConfig(configPath)
			if err != nil {
				return err
			}
			if c.IsSet("server-uri") {
				loaded.ServerURI = serverURI
			}
			if c.IsSet("namespace") {
				loaded.Client.Identity.Namespace = namespace
			}
			if c.IsSet("rank") {
				loaded.Client.Identity.Rank = uint32(rank)
			}
			if c.IsSet("security") {
				loaded.Client.Security = securityID
			}
			cfg = loaded
			return nil
		},
		Commands: []*cli.Command{
			resolveCmd(&cfg),
			connectCmd(&cfg),
			sendCmd(&cfg),
			attachCmd(&cfg),
		},
	}
}

// locate resolves the configured descriptor, falling back to the
// environment.
func locate(c *client.Context, cfg *cliConfig) (rendezvous.Locator, error) {
	if cfg.ServerURI != "" {
		return c.Resolve(cfg.ServerURI)
	}
	return c.ResolveEnv()
}

func resolveCmd(cfg *cliConfig) *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "parse and check a rendezvous descriptor",
		ArgsUsage: "[descriptor]",
		Action: func(c *cli.Context) error {
			var (
				loc rendezvous.Locator
				err error
			)
			if d := c.Args().First(); d != "" {
				loc, err = rendezvous.Resolve(cfg.Client.Role, d)
			} else if cfg.ServerURI != "" {
				loc, err = rendezvous.Resolve(cfg.Client.Role, cfg.ServerURI)
			} else {
				loc, err = rendezvous.FromEnv(cfg.Client.Role, os.LookupEnv)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "namespace=%s rank=%d path=%s\n", loc.Namespace, loc.Rank, loc.SocketPath)
			return nil
		},
	}
}

// withServer runs fn against a connected context and finalizes it
// afterwards.
func withServer(ctx context.Context, cfg *cliConfig, unexpected func(*peer.Peer, frame.Frame), fn func(*client.Context, *peer.Peer) error) error {
	c, err := client.Init(cfg.Client, unexpected)
	if err != nil {
		return err
	}
	defer c.Finalize()

	loc, err := locate(c, cfg)
	if err != nil {
		return err
	}
	p, err := client.ConnectWithRetry(ctx, c, loc, cfg.Retry)
	if err != nil {
		return err
	}
	return fn(c, p)
}

func connectCmd(cfg *cliConfig) *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "run the handshake and report the assigned index",
		Action: func(c *cli.Context) error {
			return withServer(c.Context, cfg, nil, func(_ *client.Context, p *peer.Peer) error {
				fmt.Fprintf(c.App.Writer, "connected to %s index=%d\n", p.ID(), p.Index())
				return nil
			})
		},
	}
}

func sendCmd(cfg *cliConfig) *cli.Command {
	var (
		tag     uint
		wait    bool
		timeout time.Duration
	)
	return &cli.Command{
		Name:      "send",
		Usage:     "send one payload to the server",
		ArgsUsage: "<payload>",
		Flags: []cli.Flag{
			&cli.UintFlag{Name: "tag", Value: 1, Destination: &tag, Usage: "tag for fire-and-forget sends"},
			&cli.BoolFlag{Name: "wait", Destination: &wait, Usage: "wait for the correlated reply"},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Destination: &timeout, Usage: "reply wait bound"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("send takes exactly one payload argument", 2)
			}
			payload := []byte(c.Args().First())
			return withServer(c.Context, cfg, nil, func(cc *client.Context, _ *peer.Peer) error {
				if !wait {
					return cc.Send(payload, uint32(tag))
				}
				type result struct {
					reply []byte
					err   error
				}
				done := make(chan result, 1)
				if err := cc.SendRecv(payload, func(reply []byte, err error) {
					done <- result{reply: reply, err: err}
				}); err != nil {
					return err
				}
				select {
				case r := <-done:
					if r.err != nil {
						return r.err
					}
					fmt.Fprintf(c.App.Writer, "%s\n", r.reply)
					return nil
				case <-time.After(timeout):
					return fmt.Errorf("no reply within %s", timeout)
				case <-c.Context.Done():
					return c.Context.Err()
				}
			})
		},
	}
}

func attachCmd(cfg *cliConfig) *cli.Command {
	var (
		metricsAddr string
		origins     cli.StringSlice
	)
	return &cli.Command{
		Name:  "attach",
		Usage: "stay connected, log server events and serve /health and /metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "metrics-addr", Destination: &metricsAddr, Usage: "listen address for /health and /metrics"},
			&cli.StringSliceFlag{Name: "cors-origin", Destination: &origins, Usage: "browser origin allowed to read the surface"},
		},
		Action: func(c *cli.Context) error {
			if c.IsSet("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if c.IsSet("cors-origin") {
				cfg.CORSOrigins = normalizeOrigins(origins.Value())
			}
			unexpected := func(p *peer.Peer, f frame.Frame) {
				log.Info().
					Str("component", "attach").
					Str("peer", p.ID().String()).
					Uint32("tag", f.Header.Tag).
					Int("bytes", len(f.Payload)).
					Msg("attach.event")
			}
			return withServer(c.Context, cfg, unexpected, func(cc *client.Context, p *peer.Peer) error {
				return serveAttach(c.Context, cfg, cc, p)
			})
		},
	}
}

func serveAttach(ctx context.Context, cfg *cliConfig, cc *client.Context, p *peer.Peer) error {
	identity := cc.Config().Identity.String()
	router := observability.NewRouter(identity, log.Logger, func() gin.H {
		return gin.H{
			"identity": identity,
			"server":   p.ID().String(),
			"state":    p.State().String(),
			"index":    p.Index(),
		}
	}, cfg.CORSOrigins...)
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "attach").Str("addr", cfg.MetricsAddr).Strs("cors", cfg.CORSOrigins).Msg("attach.listen")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err, ok := <-errCh:
			if ok {
				serveErr = err
			}
			break loop
		case <-ticker.C:
			if p.State() != peer.StateConnected {
				serveErr = fmt.Errorf("server %s %s", p.ID(), p.State())
				break loop
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("attach.shutdown")
	}
	return serveErr
}
