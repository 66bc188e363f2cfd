// Package main is the CLI entry point for webmon.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/eliteGoblin/focusd/web_mon/internal/certs"
	"github.com/eliteGoblin/focusd/web_mon/internal/config"
	"github.com/eliteGoblin/focusd/web_mon/internal/control"
	"github.com/eliteGoblin/focusd/web_mon/internal/daemon"
	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
	"github.com/eliteGoblin/focusd/web_mon/internal/infra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

const requestTimeout = 15 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "webmon",
	Short: "Web monitor - blocks distracting websites",
	Long: `webmon runs a local proxy that blocks distracting websites for HTTP and
HTTPS traffic. A watcher daemon enforces the block list and watches for
circumvention; a guardian daemon restarts the watcher if it is killed.

Stopping protection requires the credential set on first start.`,
	Version:      Version,
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start protection (launches watcher and guardian daemons)",
	Long: `Starts both the watcher and guardian daemons.
On first run you are asked for the credential that gates stopping
protection, and the local root certificate is created.`,
	RunE: runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop protection (requires the credential)",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check protection status",
	Long:  `Shows whether the daemons are running and what the proxy is doing.`,
	RunE:  runStatus,
}

var securityCmd = &cobra.Command{
	Use:   "security",
	Short: "Show circumvention findings",
	Long:  `Shows the security status. Use --scan to run every check immediately.`,
	RunE:  runSecurity,
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage blocked domains",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List block rules",
	RunE:  runRulesList,
}

var rulesAddCmd = &cobra.Command{
	Use:   "add <domain>",
	Short: "Block a domain (use *.example.com for subdomains only)",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesAdd,
}

var rulesRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a block rule (requires the credential)",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesRemove,
}

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage the local root certificate",
}

var certInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Trust the root certificate in the OS trust store",
	RunE:  runCertInstall,
}

var certStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the root certificate is trusted",
	RunE:  runCertStatus,
}

var certExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the root certificate in PEM form",
	RunE:  runCertExport,
}

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage the stop credential",
}

var credentialSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set or change the stop credential",
	RunE:  runCredentialSet,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

// Hidden daemon command - used for self-exec when spawning daemons
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Hidden: true,
	RunE:   runDaemon,
}

var (
	configPath    string
	daemonRole    string
	daemonName    string
	jsonOutput    bool
	runScan       bool
	ruleMatchType string
	ruleCategory  string
	exportOut     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	daemonCmd.Flags().StringVar(&daemonRole, "role", "", "Daemon role (watcher/guardian)")
	daemonCmd.Flags().StringVar(&daemonName, "name", "", "Obfuscated process name")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	securityCmd.Flags().BoolVar(&runScan, "scan", false, "Run all checks now")
	rulesAddCmd.Flags().StringVar(&ruleMatchType, "match", "", "Match type (exact/subdomain/wildcard)")
	rulesAddCmd.Flags().StringVar(&ruleCategory, "category", "", "Category shown on the block page")
	certExportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Write to file instead of stdout")

	rulesCmd.AddCommand(rulesListCmd, rulesAddCmd, rulesRemoveCmd)
	certCmd.AddCommand(certInstallCmd, certStatusCmd, certExportCmd)
	credentialCmd.AddCommand(credentialSetCmd)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(securityCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(credentialCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
}

// environment is the resolved execution mode and configuration.
type environment struct {
	mode       *infra.ExecModeConfig
	config     *config.Config
	configPath string
}

func (e *environment) dataDir() string {
	if e.config.Store.DataDir != "" {
		return e.config.Store.DataDir
	}
	return e.mode.DataDir
}

func (e *environment) caDir() string {
	return filepath.Join(e.dataDir(), "ca")
}

// loadEnvironment detects the execution mode and loads the config, using
// the mode's default config file when --config is not given and it exists.
func loadEnvironment() (*environment, error) {
	mode := infra.DetectExecMode()
	path := configPath
	if path == "" {
		if _, err := os.Stat(mode.ConfigPath); err == nil {
			path = mode.ConfigPath
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return &environment{mode: mode, config: cfg, configPath: path}, nil
}

func newCLILogger() *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func runStart(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	logger := newCLILogger()
	defer func() { _ = logger.Sync() }()

	fmt.Printf("Execution mode: %s\n", env.mode.Mode)

	pm := infra.NewProcessManager()
	store, err := infra.OpenStore(env.dataDir(), pm)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	registry := infra.OpenRegistry(store, pm)

	// Check if already running
	entry, _ := registry.GetAll()
	if entry != nil && pm.IsRunning(entry.WatcherPID) && pm.IsRunning(entry.GuardianPID) {
		store.Close()
		fmt.Println("webmon is already running (fully protected)")
		return nil
	}

	creds := infra.NewCredentialStore(store)
	if !creds.HasCredential() {
		fmt.Println("Set the credential that will be required to stop protection.")
		next, err := promptNewCredential()
		if err != nil {
			store.Close()
			return err
		}
		if err := creds.SetCredential("", next); err != nil {
			store.Close()
			return err
		}
		fmt.Println("Credential saved")
	}
	store.Close()

	authority, err := certs.NewAuthority(env.config.AuthorityConfig(env.caDir()), certs.NewSystemTrustStore(), logger.Named("certs"))
	if err != nil {
		return fmt.Errorf("failed to prepare root certificate: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if !authority.Installed(ctx) {
		fmt.Printf("Root certificate: %s (not trusted yet, run 'webmon cert install')\n", authority.CertPath())
	}

	currentExecPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// Copy binary to appropriate location if not already there
	binaryPath := env.mode.BinaryPath
	if currentExecPath != binaryPath {
		if err := os.MkdirAll(filepath.Dir(binaryPath), 0755); err != nil {
			fmt.Printf("Warning: Could not create binary directory: %v\n", err)
			binaryPath = currentExecPath
		} else if err := copyBinary(currentExecPath, binaryPath); err != nil {
			fmt.Printf("Warning: Could not copy binary to %s: %v\n", binaryPath, err)
			binaryPath = currentExecPath
		} else {
			fmt.Printf("Installed binary to %s\n", binaryPath)
		}
	}

	if err := daemon.StartBothDaemons(daemon.NewSelfLauncher(binaryPath, env.configPath)); err != nil {
		return fmt.Errorf("failed to start daemons: %w", err)
	}

	// Wait a moment for daemons to register and the proxy to bind
	time.Sleep(500 * time.Millisecond)

	proxyCfg := env.config.Proxy
	fmt.Println("\n=== webmon Started ===")
	fmt.Printf("Mode: %s\n", env.mode.Mode)
	fmt.Printf("Binary: %s\n", binaryPath)
	fmt.Printf("HTTP proxy:  %s:%d\n", proxyCfg.ListenAddr, proxyCfg.HTTPPort)
	fmt.Printf("HTTPS proxy: %s:%d\n", proxyCfg.ListenAddr, proxyCfg.HTTPSPort)
	fmt.Println("Status: PROTECTED")
	fmt.Println("\nDaemons are running in the background.")
	fmt.Println("They will restart each other if killed.")
	fmt.Println("======================")
	return nil
}

// copyBinary copies the binary file to destination using atomic write pattern.
// Writes to temp file first, syncs, chmods, then renames to avoid corruption.
func copyBinary(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".webmon-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err = io.Copy(tmpFile, sourceFile); err != nil {
		tmpFile.Close()
		return err
	}
	if err = tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err = os.Chmod(tmpPath, 0755); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, dst); err != nil {
		return err
	}

	success = true
	return nil
}

// runStop asks the guardian to stop supervision and the watcher. When the
// guardian is down the watcher is asked directly.
func runStop(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	credential, err := promptCredential("Credential: ")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	guardian := control.NewClient(env.config.Control.GuardianAddr)
	if guardian.Healthy(ctx) {
		err = guardian.GuardianShutdown(ctx, credential)
	} else {
		err = control.NewClient(env.config.Control.Addr).Shutdown(ctx, credential)
	}
	if errors.Is(err, domain.ErrUnauthorized) {
		return fmt.Errorf("credential rejected (the attempt was recorded)")
	}
	if err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}
	fmt.Println("Protection stopped")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}

	pm := infra.NewProcessManager()
	store, err := infra.OpenStore(env.dataDir(), pm)
	if err == nil {
		defer store.Close()
	}
	registry := infra.OpenRegistry(store, pm)

	fmt.Println("\n=== webmon Status ===")

	entry, err := registry.GetAll()
	if err != nil || entry == nil {
		fmt.Println("Status: NOT RUNNING")
		fmt.Println("\nRun 'webmon start' to enable protection.")
		return nil
	}

	watcherAlive := pm.IsRunning(entry.WatcherPID)
	guardianAlive := pm.IsRunning(entry.GuardianPID)

	if watcherAlive && guardianAlive {
		fmt.Println("Status: RUNNING (fully protected)")
	} else if watcherAlive || guardianAlive {
		fmt.Println("Status: DEGRADED (partial protection)")
		if !watcherAlive {
			fmt.Println("        Watcher is down (will be restarted by guardian)")
		}
		if !guardianAlive {
			fmt.Println("        Guardian is down (will be restarted by watcher)")
		}
	} else {
		fmt.Println("Status: NOT RUNNING")
	}

	if entry.Mode != "" {
		fmt.Printf("\nExecution mode: %s\n", entry.Mode)
	}
	if hb := entry.Heartbeat(domain.RoleWatcher); !hb.IsZero() {
		fmt.Printf("Last heartbeat: %s ago\n", time.Since(hb).Round(time.Second))
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if st, err := control.NewClient(env.config.Control.Addr).Status(ctx); err == nil {
		fmt.Println("\nProxy:")
		fmt.Printf("  Running: %t\n", st.Running)
		fmt.Printf("  Ports: %v\n", st.BoundPorts)
		fmt.Printf("  Active connections: %d\n", st.ActiveConnections)
		fmt.Printf("  Blocked today: %d\n", st.TodayBlockedCount)
		fmt.Printf("  Allowed since start: %d\n", st.AllowedCount)
		for _, d := range st.TopBlocked {
			fmt.Printf("    %-30s %d\n", d.Domain, d.Count)
		}
	}
	if rec, err := control.NewClient(env.config.Control.GuardianAddr).GuardianStatus(ctx); err == nil {
		fmt.Println("\nSupervision:")
		fmt.Printf("  State: %s\n", rec.State)
		fmt.Printf("  Watcher PID: %d\n", rec.PID)
		fmt.Printf("  Restarts: %d\n", rec.RestartCount)
	}

	fmt.Println("=====================")
	return nil
}

func runSecurity(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	client := control.NewClient(env.config.Control.Addr)
	var st control.SecurityResponse
	if runScan {
		st, err = client.Scan(ctx)
	} else {
		st, err = client.Security(ctx)
	}
	if err != nil {
		return notRunning(err)
	}

	fmt.Println("\n=== Security Status ===")
	fmt.Printf("Overall: %s\n", strings.ToUpper(string(st.Overall)))
	if len(st.RecentEvents) == 0 {
		fmt.Println("\nNo findings.")
	}
	for _, e := range st.RecentEvents {
		state := "open"
		if e.Resolved {
			state = "resolved"
		}
		fmt.Printf("\n[%s] %s (%s)\n", e.Severity, e.Type, state)
		fmt.Printf("  %s\n", e.Description)
		fmt.Printf("  at %s\n", e.Timestamp.Local().Format(time.RFC3339))
	}
	fmt.Println("=======================")
	return nil
}

func runRulesList(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	rules, err := control.NewClient(env.config.Control.Addr).Rules(ctx)
	if err != nil {
		return notRunning(err)
	}

	fmt.Println("\n=== Blocked Domains ===")
	for _, r := range rules {
		enabled := ""
		if !r.Enabled {
			enabled = " (disabled)"
		}
		fmt.Printf("\n[%s] %s%s\n", r.ID, r.RawInput, enabled)
		fmt.Printf("  Match: %s %s\n", r.MatchType, r.NormalizedDomain)
		if r.Category != "" {
			fmt.Printf("  Category: %s\n", r.Category)
		}
	}
	fmt.Printf("\nTotal: %d rules\n", len(rules))
	fmt.Println("=======================")
	return nil
}

func runRulesAdd(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	rule, err := control.NewClient(env.config.Control.Addr).AddRule(ctx, control.RuleRequest{
		Pattern:   args[0],
		MatchType: ruleMatchType,
		Category:  ruleCategory,
	})
	if err != nil {
		return notRunning(err)
	}
	fmt.Printf("Blocked %s (%s, id %s)\n", rule.NormalizedDomain, rule.MatchType, rule.ID)
	return nil
}

func runRulesRemove(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	credential, err := promptCredential("Credential: ")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	err = control.NewClient(env.config.Control.Addr).RemoveRule(ctx, args[0], credential)
	if errors.Is(err, domain.ErrUnauthorized) {
		return fmt.Errorf("credential rejected (the attempt was recorded)")
	}
	if err != nil {
		return notRunning(err)
	}
	fmt.Printf("Removed rule %s\n", args[0])
	return nil
}

// localAuthority opens the root certificate without a running daemon.
func localAuthority(env *environment, trust certs.TrustStore) (*certs.Authority, error) {
	return certs.NewAuthority(env.config.AuthorityConfig(env.caDir()), trust, zap.NewNop())
}

func runCertInstall(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var installed bool
	client := control.NewClient(env.config.Control.Addr)
	if client.Healthy(ctx) {
		installed, err = client.InstallCertificate(ctx)
	} else {
		authority, aerr := localAuthority(env, certs.NewSystemTrustStore())
		if aerr != nil {
			return aerr
		}
		installed, err = authority.InstallRoot(ctx)
	}
	if err != nil {
		return fmt.Errorf("install failed: %w", err)
	}
	if !installed {
		return fmt.Errorf("the root certificate is still not trusted")
	}
	fmt.Println("Root certificate installed")
	return nil
}

func runCertStatus(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var installed bool
	client := control.NewClient(env.config.Control.Addr)
	if client.Healthy(ctx) {
		if installed, err = client.CertificateInstalled(ctx); err != nil {
			return err
		}
	} else {
		authority, err := localAuthority(env, certs.NewSystemTrustStore())
		if err != nil {
			return err
		}
		installed = authority.Installed(ctx)
	}

	if installed {
		fmt.Println("Root certificate: trusted")
	} else {
		fmt.Println("Root certificate: NOT trusted (HTTPS sites cannot be blocked cleanly)")
		fmt.Println("Run 'webmon cert install' to trust it.")
	}
	return nil
}

func runCertExport(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	authority, err := localAuthority(env, nil)
	if err != nil {
		return err
	}
	if exportOut == "" {
		_, err = os.Stdout.Write(authority.RootPEM())
		return err
	}
	if err := os.WriteFile(exportOut, authority.RootPEM(), 0644); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", exportOut)
	return nil
}

func runCredentialSet(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	store, err := infra.OpenStore(env.dataDir(), infra.NewProcessManager())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	creds := infra.NewCredentialStore(store)
	var current string
	if creds.HasCredential() {
		if current, err = promptCredential("Current credential: "); err != nil {
			return err
		}
	}
	next, err := promptNewCredential()
	if err != nil {
		return err
	}
	if err := creds.SetCredential(current, next); err != nil {
		return err
	}
	fmt.Println("Credential updated")
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		out, _ := json.Marshal(map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		})
		fmt.Println(string(out))
	} else {
		fmt.Printf("webmon %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
	}
}

// promptCredential reads a credential without echo when stdin is a
// terminal, and a plain line otherwise.
func promptCredential(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read credential: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read credential: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func promptNewCredential() (string, error) {
	next, err := promptCredential("New credential: ")
	if err != nil {
		return "", err
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		again, err := promptCredential("Repeat credential: ")
		if err != nil {
			return "", err
		}
		if again != next {
			return "", fmt.Errorf("credentials do not match")
		}
	}
	return next, nil
}

// notRunning turns a refused control connection into a readable error.
func notRunning(err error) error {
	var statusErr *control.StatusError
	if errors.As(err, &statusErr) {
		return errors.New(statusErr.Message)
	}
	return fmt.Errorf("webmon does not appear to be running (%w)", err)
}
