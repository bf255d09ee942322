package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/konakweb/konak/internal/config"
	"github.com/konakweb/konak/internal/ipnet"
	"github.com/konakweb/konak/internal/logging"
	"github.com/konakweb/konak/internal/server"
)

// serveCommand runs the server in the foreground until interrupted.
func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "start the web server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				EnvVars: []string{"KONAK_CONFIG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "listen port (overrides the configuration file)",
			},
			&cli.StringFlag{
				Name:  "docroot",
				Usage: "directory served at the URL root",
			},
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "how long to wait for in-flight requests on shutdown",
				Value: 30 * time.Second,
			},
		},
		Action: runServe,
	}
}

// validateCommand checks a configuration file without starting anything.
func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "validate a configuration file",
		ArgsUsage: "<config-file>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one configuration file argument")
			}
			if _, err := config.Load(c.Args().First()); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "%s: configuration is valid\n", c.Args().First())
			return nil
		},
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	ws, err := buildServer(cfg, log)
	if err != nil {
		return err
	}

	if docroot := c.String("docroot"); docroot != "" {
		repo, err := server.NewDirRepository(docroot)
		if err != nil {
			return fmt.Errorf("docroot: %w", err)
		}
		ws.AddRepository(repo)
	}

	if err := ws.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("signal received, shutting down", "signal", sig.String())

	if err := ws.StopBlocking(c.Duration("shutdown-timeout")); err != nil {
		return err
	}
	return nil
}

// loadConfig resolves the effective configuration from file and flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildServer maps the configuration onto an engine instance.
func buildServer(cfg *config.Config, log logging.Logger) (*server.WebServer, error) {
	ws := server.New()
	ws.SetLogger(log)
	ws.ListenTo(cfg.Server.Port)
	if cfg.Server.ServerName != "" {
		ws.SetServerName(cfg.Server.ServerName)
	}
	if cfg.Server.ThreadPoolSize > 0 {
		ws.SetThreadsPoolSize(cfg.Server.ThreadPoolSize)
	}
	if cfg.Server.Device != "" {
		ws.SetDevice(cfg.Server.Device)
	}
	if cfg.Server.IPv4Only {
		ws.ListenIPv4Only()
	}
	if cfg.Server.IPv6Only {
		ws.ListenIPv6Only()
	}
	ws.SetReadTimeout(cfg.Server.ReadTimeout)
	ws.SetWriteTimeout(cfg.Server.WriteTimeout)

	if cfg.TLS.Enabled {
		ws.SetUseSSL(true, cfg.TLS.CertFile, cfg.TLS.CertPassword)
		if cfg.TLS.PeerAuth {
			ws.SetAuthPeerSSL(true, cfg.TLS.CAFile)
			for _, dn := range cfg.TLS.AllowedDNs {
				ws.AddAuthPeerDN(dn)
			}
			if cfg.TLS.VerifyDepth > 0 {
				ws.SetVerifyDepth(cfg.TLS.VerifyDepth)
			}
		}
	}

	for _, entry := range cfg.Auth.Logins {
		login, password, ok := config.SplitLogin(entry)
		if !ok {
			return nil, fmt.Errorf("%w: %q", config.ErrInvalidLogin, entry)
		}
		ws.AddLoginPass(login, password)
	}
	for _, cidr := range cfg.Auth.AllowedNetworks {
		n, err := ipnet.ParseNetwork(cidr)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", config.ErrInvalidNetwork, cidr)
		}
		ws.AddHostsAllowed(n)
	}

	if cfg.Multipart.TempDir != "" {
		ws.SetMultipartTempDir(cfg.Multipart.TempDir)
	}
	if cfg.Multipart.MaxCollectedLength > 0 {
		ws.SetMultipartMaxCollectedLength(cfg.Multipart.MaxCollectedLength)
	}

	return ws, nil
}
