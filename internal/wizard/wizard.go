// Package wizard provides an interactive setup wizard for QuicGate.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/quicgate/quicgate/internal/certutil"
	"github.com/quicgate/quicgate/internal/config"
)

// Role names accepted by the wizard. They match the CLI subcommands.
const (
	RoleRelay     = "relay"
	RoleConnector = "connector"
	RoleAgent     = "agent"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	CertsDir   string
	Role       string
}

// answers collects everything the forms gather before the config is built.
type answers struct {
	Role             string
	Listen           string
	TokenSecret      string
	RelayAddr        string
	Services         []config.ServiceConfig
	AgentServices    []string
	DisableHolePunch bool
	TLS              config.TLSConfig
	HealthEnabled    bool
	HealthAddress    string
	LogLevel         string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	// Step 1: Role and paths
	role, configPath, certsDir, err := w.askBasicSetup()
	if err != nil {
		return nil, err
	}

	a := answers{Role: role}

	// Step 2: Role-specific settings
	switch role {
	case RoleRelay:
		a.Listen, a.TokenSecret, err = w.askRelaySetup()
	case RoleConnector:
		a.RelayAddr, a.Services, a.DisableHolePunch, err = w.askConnectorSetup()
	case RoleAgent:
		a.RelayAddr, a.AgentServices, err = w.askAgentSetup()
	}
	if err != nil {
		return nil, err
	}

	// Step 3: TLS setup
	a.TLS, err = w.askTLSSetup(role, certsDir, serviceIDs(a))
	if err != nil {
		return nil, err
	}

	// Step 4: Advanced options
	a.HealthEnabled, a.HealthAddress, a.LogLevel, err = w.askAdvancedOptions()
	if err != nil {
		return nil, err
	}

	// Build and validate configuration
	cfg := buildConfig(a)
	if err := validateRole(role, cfg); err != nil {
		return nil, err
	}

	// Write configuration file
	if err := writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	// Print summary
	w.printSummary(role, configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
		CertsDir:   certsDir,
		Role:       role,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
   ___        _      ____       _
  / _ \ _   _(_) ___/ ___| __ _| |_ ___
 | | | | | | | |/ __| |  _ / _' | __/ _ \
 | |_| | |_| | | (__| |_| | (_| | ||  __/
  \__\_\\__,_|_|\___|\____|\__,_|\__\___|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Zero Trust Network Overlay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup() (role, configPath, certsDir string, err error) {
	role = RoleAgent
	configPath = "./config.yaml"
	certsDir = "./certs"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose the role this host will run and where to keep its files."),

			huh.NewSelect[string]().
				Title("Role").
				Options(
					huh.NewOption("Relay (rendezvous server for agents and connectors)", RoleRelay),
					huh.NewOption("Connector (exposes backend services)", RoleConnector),
					huh.NewOption("Agent (client-side tunnel endpoint)", RoleAgent),
				).
				Value(&role),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),

			huh.NewInput().
				Title("Certificates Directory").
				Description("Where to store/find certificate files").
				Placeholder("./certs").
				Value(&certsDir).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("certificates directory is required")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askRelaySetup() (listen, tokenSecret string, err error) {
	listen = "0.0.0.0:4433"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Relay Configuration").
				Description("The relay accepts QUIC tunnels from agents and connectors."),

			huh.NewInput().
				Title("Listen Address").
				Description("UDP address and port to listen on").
				Placeholder("0.0.0.0:4433").
				Value(&listen).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("listen address is required")
					}
					_, _, err := net.SplitHostPort(s)
					if err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),

			huh.NewInput().
				Title("Retry Token Secret").
				Description("Seeds the address-validation token key.\nLeave empty for a random per-process key").
				EchoMode(huh.EchoModePassword).
				Value(&tokenSecret),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askConnectorSetup() (relayAddr string, services []config.ServiceConfig, disablePunch bool, err error) {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Connector Configuration").
				Description("The connector registers services with a relay and proxies\ntunnel traffic to backend addresses."),

			huh.NewInput().
				Title("Relay Address").
				Description("Address of the relay (host:port)").
				Placeholder("relay.example.com:4433").
				Value(&relayAddr).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("relay address is required")
					}
					_, _, err := net.SplitHostPort(s)
					if err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),

			huh.NewConfirm().
				Title("Disable hole punching?").
				Description("Keep all traffic relayed; never attempt direct paths").
				Value(&disablePunch),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	addMore := true
	for addMore {
		var svc config.ServiceConfig
		svc, err = w.askSingleService(len(services) + 1)
		if err != nil {
			return
		}
		services = append(services, svc)

		confirmForm := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Add another service?").
					Value(&addMore),
			),
		).WithTheme(w.theme)

		if err = confirmForm.Run(); err != nil {
			return
		}
	}

	return
}

func (w *Wizard) askSingleService(num int) (config.ServiceConfig, error) {
	var svc config.ServiceConfig

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(fmt.Sprintf("Service #%d", num)),

			huh.NewInput().
				Title("Service ID").
				Description("Name agents use to reach this service").
				Placeholder("postgres").
				Value(&svc.ID).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("service id is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Backend Address").
				Description("Where the connector forwards traffic (host:port)").
				Placeholder("127.0.0.1:5432").
				Value(&svc.Backend).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("backend is required")
					}
					_, _, err := net.SplitHostPort(s)
					if err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err := form.Run()
	return svc, err
}

func (w *Wizard) askAgentSetup() (relayAddr string, services []string, err error) {
	var servicesStr string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Agent Configuration").
				Description("The agent connects to a relay and registers interest\nin the services it wants to reach."),

			huh.NewInput().
				Title("Relay Address").
				Description("Address of the relay (host:port)").
				Placeholder("relay.example.com:4433").
				Value(&relayAddr).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("relay address is required")
					}
					_, _, err := net.SplitHostPort(s)
					if err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),

			huh.NewText().
				Title("Services").
				Description("One service id per line").
				Placeholder("postgres\nssh").
				Value(&servicesStr).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("at least one service is required")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	for _, line := range strings.Split(servicesStr, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			services = append(services, line)
		}
	}

	return
}

func (w *Wizard) askTLSSetup(role, certsDir string, services []string) (tlsConfig config.TLSConfig, err error) {
	var tlsChoice string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Configuration").
				Description("Mutual TLS is required between every role and the relay.\nYou can generate new certificates or use existing ones."),

			huh.NewSelect[string]().
				Title("Certificate Setup").
				Options(
					huh.NewOption("Generate new CA and certificate (Recommended for testing)", "generate"),
					huh.NewOption("Paste certificate and key content", "paste"),
					huh.NewOption("Use existing certificate files", "existing"),
				).
				Value(&tlsChoice),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	// Ensure certs directory exists
	if err = os.MkdirAll(certsDir, 0700); err != nil {
		return tlsConfig, fmt.Errorf("failed to create certs directory: %w", err)
	}

	switch tlsChoice {
	case "generate":
		tlsConfig, err = w.generateCertificates(role, certsDir, services)
	case "paste":
		tlsConfig, err = w.pasteCertificates(role, certsDir)
	case "existing":
		tlsConfig, err = w.useExistingCertificates(role, certsDir)
	}

	return
}

func (w *Wizard) generateCertificates(role, certsDir string, services []string) (config.TLSConfig, error) {
	var commonName string = "quicgate"
	var validDays int = 365

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Generate Certificates").
				Description("A CA and a role certificate will be generated.\nDistribute ca.crt to the other side of every tunnel."),

			huh.NewInput().
				Title("Common Name").
				Description("Name for the certificate (e.g., hostname)").
				Placeholder("quicgate").
				Value(&commonName),

			huh.NewInput().
				Title("Validity (days)").
				Description("How long the certificate should be valid").
				Placeholder("365").
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					d, err := strconv.Atoi(s)
					if err != nil || d < 1 {
						return fmt.Errorf("must be a positive number")
					}
					validDays = d
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	validFor := time.Duration(validDays) * 24 * time.Hour
	tlsConfig, fingerprint, err := generateMaterial(role, certsDir, commonName, services, validFor)
	if err != nil {
		return config.TLSConfig{}, err
	}

	fmt.Printf("\n✓ Generated CA certificate: %s\n", filepath.Join(certsDir, "ca.crt"))
	fmt.Printf("✓ Generated %s certificate: %s\n", role, tlsConfig.Cert)
	fmt.Printf("  Fingerprint: %s\n\n", fingerprint)

	return tlsConfig, nil
}

// generateMaterial creates a CA plus a role certificate under certsDir and
// returns the matching TLS file paths and the role cert fingerprint. Client
// roles carry service grants as SAN entries; the relay checks them at
// registration time.
func generateMaterial(role, certsDir, commonName string, services []string, validFor time.Duration) (config.TLSConfig, string, error) {
	ca, err := certutil.GenerateCA(commonName+" CA", validFor)
	if err != nil {
		return config.TLSConfig{}, "", fmt.Errorf("failed to generate CA: %w", err)
	}

	caPath := filepath.Join(certsDir, "ca.crt")
	caKeyPath := filepath.Join(certsDir, "ca.key")
	if err := ca.SaveToFiles(caPath, caKeyPath); err != nil {
		return config.TLSConfig{}, "", fmt.Errorf("failed to save CA: %w", err)
	}

	var cert *certutil.GeneratedCert
	switch role {
	case RoleRelay:
		cert, err = certutil.GenerateRelayCert(commonName, validFor, ca)
	case RoleConnector:
		cert, err = certutil.GenerateConnectorCert(commonName, services, validFor, ca)
	case RoleAgent:
		cert, err = certutil.GenerateAgentCert(commonName, services, validFor, ca)
	default:
		return config.TLSConfig{}, "", fmt.Errorf("unknown role: %s", role)
	}
	if err != nil {
		return config.TLSConfig{}, "", fmt.Errorf("failed to generate certificate: %w", err)
	}

	certPath := filepath.Join(certsDir, role+".crt")
	keyPath := filepath.Join(certsDir, role+".key")
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		return config.TLSConfig{}, "", fmt.Errorf("failed to save certificate: %w", err)
	}

	tlsConfig := config.TLSConfig{
		Cert: certPath,
		Key:  keyPath,
	}
	if role == RoleRelay {
		tlsConfig.ClientCA = caPath
	} else {
		tlsConfig.CA = caPath
	}

	return tlsConfig, cert.Fingerprint(), nil
}

func (w *Wizard) pasteCertificates(role, certsDir string) (config.TLSConfig, error) {
	var certContent, keyContent, caContent string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Paste Certificate").
				Description("Paste your PEM-encoded certificate content.\nInclude the BEGIN/END markers."),

			huh.NewText().
				Title("Certificate (PEM)").
				Description("Paste the role certificate").
				CharLimit(10000).
				Value(&certContent).
				Validate(func(s string) error {
					if !strings.Contains(s, "-----BEGIN CERTIFICATE-----") {
						return fmt.Errorf("invalid certificate format")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewText().
				Title("Private Key (PEM)").
				Description("Paste private key").
				CharLimit(10000).
				Value(&keyContent).
				Validate(func(s string) error {
					if !strings.Contains(s, "-----BEGIN") || !strings.Contains(s, "PRIVATE KEY-----") {
						return fmt.Errorf("invalid private key format")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewText().
				Title("CA Certificate (PEM)").
				Description("Paste the CA that signed the other side's certificates").
				CharLimit(10000).
				Value(&caContent),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	// Write certificate files
	certPath := filepath.Join(certsDir, role+".crt")
	keyPath := filepath.Join(certsDir, role+".key")

	if err := os.WriteFile(certPath, []byte(certContent), 0644); err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(keyContent), 0600); err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to write key: %w", err)
	}

	tlsConfig := config.TLSConfig{
		Cert: certPath,
		Key:  keyPath,
	}

	if caContent != "" && strings.Contains(caContent, "-----BEGIN CERTIFICATE-----") {
		caPath := filepath.Join(certsDir, "ca.crt")
		if err := os.WriteFile(caPath, []byte(caContent), 0644); err != nil {
			return config.TLSConfig{}, fmt.Errorf("failed to write CA: %w", err)
		}
		if role == RoleRelay {
			tlsConfig.ClientCA = caPath
		} else {
			tlsConfig.CA = caPath
		}
	}

	fmt.Printf("\n✓ Saved certificate to: %s\n", certPath)
	fmt.Printf("✓ Saved private key to: %s\n\n", keyPath)

	return tlsConfig, nil
}

func (w *Wizard) useExistingCertificates(role, certsDir string) (config.TLSConfig, error) {
	certPath := filepath.Join(certsDir, role+".crt")
	keyPath := filepath.Join(certsDir, role+".key")
	caPath := filepath.Join(certsDir, "ca.crt")

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Existing Certificates").
				Description("Specify paths to your existing certificate files."),

			huh.NewInput().
				Title("Certificate File").
				Placeholder(certPath).
				Value(&certPath).
				Validate(func(s string) error {
					if _, err := os.Stat(s); os.IsNotExist(err) {
						return fmt.Errorf("file not found: %s", s)
					}
					return nil
				}),

			huh.NewInput().
				Title("Private Key File").
				Placeholder(keyPath).
				Value(&keyPath).
				Validate(func(s string) error {
					if _, err := os.Stat(s); os.IsNotExist(err) {
						return fmt.Errorf("file not found: %s", s)
					}
					return nil
				}),

			huh.NewInput().
				Title("CA Certificate File (optional)").
				Placeholder(caPath).
				Value(&caPath),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	tlsConfig := config.TLSConfig{
		Cert: certPath,
		Key:  keyPath,
	}

	if caPath != "" {
		if _, err := os.Stat(caPath); err == nil {
			if role == RoleRelay {
				tlsConfig.ClientCA = caPath
			} else {
				tlsConfig.CA = caPath
			}
		}
	}

	return tlsConfig, nil
}

func (w *Wizard) askAdvancedOptions() (healthEnabled bool, healthAddr, logLevel string, err error) {
	healthEnabled = true
	healthAddr = ":8080"
	logLevel = "info"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&logLevel),

			huh.NewConfirm().
				Title("Enable health endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&healthEnabled),

			huh.NewInput().
				Title("Health Listen Address").
				Placeholder(":8080").
				Value(&healthAddr),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func serviceIDs(a answers) []string {
	if a.Role == RoleAgent {
		return a.AgentServices
	}
	ids := make([]string, 0, len(a.Services))
	for _, svc := range a.Services {
		ids = append(ids, svc.ID)
	}
	return ids
}

func buildConfig(a answers) *config.Config {
	cfg := config.Default()

	cfg.Log.Level = a.LogLevel
	cfg.Log.Format = "text"

	switch a.Role {
	case RoleRelay:
		cfg.Relay.Listen = a.Listen
		cfg.Relay.TLS = a.TLS
		cfg.Relay.TokenSecret = a.TokenSecret
	case RoleConnector:
		cfg.Connector.Relay = a.RelayAddr
		cfg.Connector.TLS = a.TLS
		cfg.Connector.Services = a.Services
		cfg.Connector.DisableHolePunch = a.DisableHolePunch
	case RoleAgent:
		cfg.Agent.Relay = a.RelayAddr
		cfg.Agent.TLS = a.TLS
		cfg.Agent.Services = a.AgentServices
	}

	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthEnabled && a.HealthAddress != "" {
		cfg.Health.Address = a.HealthAddress
	}

	return cfg
}

func validateRole(role string, cfg *config.Config) error {
	switch role {
	case RoleRelay:
		return cfg.ValidateRelay()
	case RoleConnector:
		return cfg.ValidateConnector()
	case RoleAgent:
		return cfg.ValidateAgent()
	}
	return fmt.Errorf("unknown role: %s", role)
}

func writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add header comment
	header := `# QuicGate Configuration
# Generated by setup wizard
# See https://github.com/quicgate/quicgate for documentation

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(role, configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Role:         %s\n", role)
	fmt.Printf("  Config file:  %s\n", configPath)

	switch role {
	case RoleRelay:
		fmt.Printf("  Listen:       %s\n", cfg.Relay.Listen)
	case RoleConnector:
		fmt.Printf("  Relay:        %s\n", cfg.Connector.Relay)
		for _, svc := range cfg.Connector.Services {
			fmt.Printf("  Service:      %s -> %s\n", svc.ID, svc.Backend)
		}
	case RoleAgent:
		fmt.Printf("  Relay:        %s\n", cfg.Agent.Relay)
		fmt.Printf("  Services:     %s\n", strings.Join(cfg.Agent.Services, ", "))
	}

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start:")
	fmt.Printf("    quicgate %s -c %s\n", role, configPath)
	fmt.Println()
}
