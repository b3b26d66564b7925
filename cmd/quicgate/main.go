// Package main provides the CLI entry point for QuicGate.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/quicgate/quicgate/internal/agent"
	"github.com/quicgate/quicgate/internal/certutil"
	"github.com/quicgate/quicgate/internal/config"
	"github.com/quicgate/quicgate/internal/connector"
	"github.com/quicgate/quicgate/internal/health"
	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/metrics"
	"github.com/quicgate/quicgate/internal/relay"
	"github.com/quicgate/quicgate/internal/transport"
	"github.com/quicgate/quicgate/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quicgate",
		Short: "QuicGate - Zero trust network overlay",
		Long: `QuicGate tunnels service traffic between agents and app connectors
through an intermediate relay over QUIC application datagrams.

Agents register interest in services, connectors register ownership
and proxy to backends, and the relay routes datagrams between them.
Endpoints may negotiate a hole-punched direct path; traffic falls
back to the relay whenever the direct path is unavailable.`,
		Version: Version,
	}

	// Add subcommands
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(connectorCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(certsCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long:  "Create a configuration file and TLS material interactively.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func relayCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the intermediate relay",
		Long:  "Start the relay that agents and connectors tunnel through.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.ValidateRelay(); err != nil {
				return err
			}

			log := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			r, err := relay.New(relay.Config{
				ListenAddr:   cfg.Relay.Listen,
				CertFile:     cfg.Relay.TLS.Cert,
				KeyFile:      cfg.Relay.TLS.Key,
				ClientCAFile: cfg.Relay.TLS.ClientCA,
				TokenSecret:  []byte(cfg.Relay.TokenSecret),
				Logger:       log,
				Metrics:      metrics.Default(),
			})
			if err != nil {
				return fmt.Errorf("failed to create relay: %w", err)
			}
			if err := r.Start(); err != nil {
				return fmt.Errorf("failed to start relay: %w", err)
			}
			fmt.Printf("Relay listening on %s\n", r.Addr())

			stopHealth, err := startHealth(cfg,
				func() bool { return true },
				func() health.Stats {
					conns, connectors, agents := r.Counts()
					return health.Stats{
						Role:        "relay",
						Connections: conns,
						Services:    connectors + agents,
					}
				})
			if err != nil {
				_ = r.Close()
				return err
			}
			defer stopHealth()

			sig := waitForSignal()
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
			return r.Close()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func connectorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "connector",
		Short: "Run the app connector",
		Long:  "Register services with a relay and proxy tunnel traffic to their backends.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.ValidateConnector(); err != nil {
				return err
			}

			log := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			tlsCfg, err := transport.LoadClientTLSConfig(
				cfg.Connector.TLS.Cert, cfg.Connector.TLS.Key,
				cfg.Connector.TLS.CA, cfg.Connector.TLS.InsecureSkipVerify)
			if err != nil {
				return fmt.Errorf("failed to load TLS config: %w", err)
			}

			services := make([]connector.ServiceSpec, 0, len(cfg.Connector.Services))
			for _, svc := range cfg.Connector.Services {
				services = append(services, connector.ServiceSpec{
					ID:      svc.ID,
					Backend: svc.Backend,
				})
			}

			c, err := connector.New(connector.Config{
				RelayAddr:        cfg.Connector.Relay,
				TLSConfig:        tlsCfg,
				Services:         services,
				DisableHolePunch: cfg.Connector.DisableHolePunch,
				Logger:           log,
				Metrics:          metrics.Default(),
			})
			if err != nil {
				return fmt.Errorf("failed to create connector: %w", err)
			}
			if err := c.Start(context.Background()); err != nil {
				return fmt.Errorf("failed to start connector: %w", err)
			}
			fmt.Printf("Connected to relay %s\n", cfg.Connector.Relay)
			for _, svc := range services {
				fmt.Printf("  %s -> %s\n", svc.ID, svc.Backend)
			}

			stopHealth, err := startHealth(cfg,
				c.Registered,
				func() health.Stats {
					return health.Stats{
						Role:     "connector",
						Services: len(services),
						Flows:    c.FlowCount(),
					}
				})
			if err != nil {
				_ = c.Close()
				return err
			}
			defer stopHealth()

			sig := waitForSignal()
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
			return c.Close()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func agentCmd() *cobra.Command {
	var configPath string
	var direct bool

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the agent tunnel",
		Long:  "Connect to a relay, register interest in services, and keep the tunnel up.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.ValidateAgent(); err != nil {
				return err
			}

			log := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			tlsCfg, err := transport.LoadClientTLSConfig(
				cfg.Agent.TLS.Cert, cfg.Agent.TLS.Key,
				cfg.Agent.TLS.CA, cfg.Agent.TLS.InsecureSkipVerify)
			if err != nil {
				return fmt.Errorf("failed to load TLS config: %w", err)
			}

			a, err := agent.New(agent.Config{
				RelayAddr: cfg.Agent.Relay,
				TLSConfig: tlsCfg,
				Services:  cfg.Agent.Services,
				Logger:    log,
				Metrics:   metrics.Default(),
			})
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err = a.Start(startCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to start agent: %w", err)
			}
			fmt.Printf("Tunnel established to %s\n", cfg.Agent.Relay)
			fmt.Printf("Services: %s\n", strings.Join(cfg.Agent.Services, ", "))

			if direct {
				go attemptDirectPaths(a, cfg.Agent.Services)
			}

			stopHealth, err := startHealth(cfg,
				a.Registered,
				func() health.Stats {
					_, _, up := a.DirectPath()
					return health.Stats{
						Role:       "agent",
						Services:   len(cfg.Agent.Services),
						DirectPath: up,
					}
				})
			if err != nil {
				_ = a.Close()
				return err
			}
			defer stopHealth()

			sig := waitForSignal()
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			err = a.Close()
			sent, received := a.Traffic()
			fmt.Printf("Transferred: %s sent, %s received\n",
				humanize.Bytes(sent), humanize.Bytes(received))
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&direct, "direct", false, "Attempt a hole-punched direct path per service")

	return cmd
}

// attemptDirectPaths tries a hole punch for each service. A failed punch is
// not fatal; traffic keeps flowing over the relay.
func attemptDirectPaths(a *agent.Agent, services []string) {
	for _, svc := range services {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		res, err := a.Punch(ctx, svc)
		cancel()
		switch {
		case err != nil:
			fmt.Printf("Hole punch for %s failed: %v\n", svc, err)
		case res.Direct:
			fmt.Printf("Direct path for %s: %s\n", svc, res.RemoteAddr)
			return
		default:
			fmt.Printf("Hole punch for %s fell back to relay (%s)\n", svc, res.Reason)
		}
	}
}

func certsCmd() *cobra.Command {
	var dir, commonName string
	var days int
	var services []string

	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Generate a CA and role certificates",
		Long: `Generate a CA plus relay, connector, and agent certificates.
Service grants are encoded as SAN entries in the client certificates;
the relay checks them at registration time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("failed to create certs directory: %w", err)
			}
			validFor := time.Duration(days) * 24 * time.Hour

			ca, err := certutil.GenerateCA(commonName+" CA", validFor)
			if err != nil {
				return fmt.Errorf("failed to generate CA: %w", err)
			}
			if err := ca.SaveToFiles(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key")); err != nil {
				return err
			}
			fmt.Printf("CA:        %s\n", filepath.Join(dir, "ca.crt"))

			roles := []struct {
				name     string
				generate func() (*certutil.GeneratedCert, error)
			}{
				{"relay", func() (*certutil.GeneratedCert, error) {
					return certutil.GenerateRelayCert(commonName, validFor, ca)
				}},
				{"connector", func() (*certutil.GeneratedCert, error) {
					return certutil.GenerateConnectorCert(commonName, services, validFor, ca)
				}},
				{"agent", func() (*certutil.GeneratedCert, error) {
					return certutil.GenerateAgentCert(commonName, services, validFor, ca)
				}},
			}
			for _, role := range roles {
				cert, err := role.generate()
				if err != nil {
					return fmt.Errorf("failed to generate %s certificate: %w", role.name, err)
				}
				certPath := filepath.Join(dir, role.name+".crt")
				keyPath := filepath.Join(dir, role.name+".key")
				if err := cert.SaveToFiles(certPath, keyPath); err != nil {
					return err
				}
				fmt.Printf("%-10s %s (%s)\n", role.name+":", certPath, cert.Fingerprint())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "./certs", "Directory for generated files")
	cmd.Flags().StringVar(&commonName, "cn", "quicgate", "Certificate common name")
	cmd.Flags().IntVar(&days, "days", 365, "Validity in days")
	cmd.Flags().StringSliceVar(&services, "service", []string{"*"}, "Service grants for client certificates")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("quicgate %s\n", Version)
		},
	}
}

// statsFunc adapts closures to the health.StatsProvider interface.
type statsFunc struct {
	running func() bool
	stats   func() health.Stats
}

func (s statsFunc) IsRunning() bool     { return s.running() }
func (s statsFunc) Stats() health.Stats { return s.stats() }

func startHealth(cfg *config.Config, running func() bool, stats func() health.Stats) (func(), error) {
	if !cfg.Health.Enabled {
		return func() {}, nil
	}
	srv := health.NewServer(health.ServerConfig{
		Address:      cfg.Health.Address,
		ReadTimeout:  cfg.Health.ReadTimeout,
		WriteTimeout: cfg.Health.WriteTimeout,
	}, statsFunc{running: running, stats: stats})
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("failed to start health server: %w", err)
	}
	fmt.Printf("Health endpoint: http://%s/health\n", srv.Address())
	return func() { _ = srv.Stop() }, nil
}

func waitForSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return <-sigCh
}
