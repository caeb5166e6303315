package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/wristclaw-gateway/internal/config"
	"github.com/hrygo/wristclaw-gateway/internal/history"
	"github.com/hrygo/wristclaw-gateway/internal/hostrt"
	"github.com/hrygo/wristclaw-gateway/internal/monitor"
	"github.com/hrygo/wristclaw-gateway/internal/policy"
	"github.com/hrygo/wristclaw-gateway/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "wristclaw-gateway",
	Short: `A WebSocket/REST inbound gateway bridging a conversational-AI host to an external chat server.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		return run()
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a secret key for WRISTCLAW_GATEWAY_SECRET_KEY",
	RunE: func(_ *cobra.Command, _ []string) error {
		key, err := config.GenerateKey()
		if err != nil {
			return err
		}
		slog.Info("wristclaw-gateway: generated secret key", "key", key)
		return nil
	},
}

var encryptKeyCmd = &cobra.Command{
	Use:   "encrypt-key <api-key>",
	Short: "Encrypt an account API key for accounts.yaml's api_key_encrypted field",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		secretKey := viper.GetString("secret-key")
		if secretKey == "" {
			return fmt.Errorf("--secret-key (or WRISTCLAW_GATEWAY_SECRET_KEY) is required")
		}
		encrypted, err := config.EncryptToken(args[0], secretKey)
		if err != nil {
			return err
		}
		slog.Info("wristclaw-gateway: encrypted api key", "apiKeyEncrypted", encrypted)
		return nil
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("accounts-file", "accounts.yaml")
	viper.SetDefault("status-addr", ":8085")
	viper.SetDefault("data", "./data")
	viper.SetDefault("max-concurrent", 3)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of the gateway, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("accounts-file", "accounts.yaml", "path to the accounts YAML file, relative to --data")
	rootCmd.PersistentFlags().String("secret-key", "", "32-byte secret key used to decrypt encrypted api keys")
	rootCmd.PersistentFlags().String("status-addr", ":8085", "listen address for the operator status surface")
	rootCmd.PersistentFlags().String("data", "./data", "data directory for session state and downloaded media")
	rootCmd.PersistentFlags().Int64("max-concurrent", 3, "maximum concurrent pipeline dispatches per account")

	for _, name := range []string{"mode", "accounts-file", "secret-key", "status-addr", "data", "max-concurrent"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("wristclaw_gateway")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	rootCmd.AddCommand(keygenCmd, encryptKeyCmd)
}

func run() error {
	profile := &config.ProcessProfile{
		Mode:         viper.GetString("mode"),
		AccountsFile: viper.GetString("accounts-file"),
		SecretKey:    viper.GetString("secret-key"),
		StatusAddr:   viper.GetString("status-addr"),
	}
	profile.FromEnv()
	if err := profile.Validate(); err != nil {
		return err
	}

	dataDir := viper.GetString("data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	loader := config.NewLoader(dataDir)
	accounts, err := loader.LoadAccounts(profile.AccountsFile, profile.SecretKey)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		slog.Warn("wristclaw-gateway: no accounts configured, nothing to do", "accountsFile", profile.AccountsFile)
	}

	registry := prometheus.NewRegistry()
	metrics := monitor.NewMetrics(registry)
	crossAccountDedup := policy.NewCrossAccountDedup()
	groupHistory := history.NewGroupHistory()
	host := hostrt.NewDefault(dataDir, groupHistory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitors := make(map[string]*monitor.Monitor, len(accounts))
	for i := range accounts {
		acct := &accounts[i]
		m := monitor.New(monitor.Config{
			Account:           acct,
			Host:              host,
			CrossAccountDedup: crossAccountDedup,
			Metrics:           metrics,
			MaxConcurrent:     viper.GetInt64("max-concurrent"),
		})
		monitors[acct.AccountID] = m
		go func(accountID string, m *monitor.Monitor) {
			if err := m.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("wristclaw-gateway: monitor exited", "account", accountID, "error", err)
			}
		}(acct.AccountID, m)
	}

	statusServer := newStatusServer(monitors, registry)
	go func() {
		if err := statusServer.Start(profile.StatusAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("wristclaw-gateway: status server failed", "error", err)
		}
	}()

	printGreetings(profile, accounts)

	c := make(chan os.Signal, 1)
	signal.Notify(c, terminationSignals...)
	<-c

	slog.Info("wristclaw-gateway: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = statusServer.Shutdown(shutdownCtx)

	for _, m := range monitors {
		m.Stop()
	}
	cancel()
	return nil
}

// newStatusServer builds the operator-facing HTTP surface (§6 [ADD]): GET
// /status reports every account's StatusSink snapshot, GET /healthz reports
// process liveness, and /metrics exposes the Prometheus registry.
func newStatusServer(monitors map[string]*monitor.Monitor, registry *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version.String()})
	})

	e.GET("/status", func(c echo.Context) error {
		out := make(map[string]monitor.StatusSnapshot, len(monitors))
		for accountID, m := range monitors {
			out[accountID] = m.Status()
		}
		return c.JSON(http.StatusOK, out)
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return e
}

func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func printGreetings(profile *config.ProcessProfile, accounts []config.Account) {
	slog.Info("wristclaw-gateway started", "version", version.String(), "mode", profile.Mode, "accounts", len(accounts), "statusAddr", profile.StatusAddr)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("wristclaw-gateway: fatal", "error", err)
		os.Exit(1)
	}
}
