package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kirogate/internal/account"
	"kirogate/internal/admin"
	"kirogate/internal/config"
	"kirogate/internal/proxy"
	"kirogate/internal/server"
	"kirogate/internal/store"
	"kirogate/internal/token"
	"kirogate/internal/version"
)

var (
	cfgFile   string
	staticDir string
	port      int
)

var rootCmd = &cobra.Command{
	Use:   "kirogate",
	Short: "Anthropic-compatible gateway in front of CodeWhisperer",
	Long: `Kirogate exposes an Anthropic Messages-compatible HTTP API and proxies
requests to AWS CodeWhisperer, translating the binary event-stream
responses back into Anthropic JSON and SSE.`,
	Version: version.Full(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage gateway accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		st, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		accounts, err := st.ListAccounts()
		if err != nil {
			return err
		}
		for _, a := range accounts {
			state := "disabled"
			if a.Enabled {
				state = "enabled"
			}
			fmt.Printf("%s\t%s\t%s\n", a.Name, state, a.APIKey)
		}
		return nil
	},
}

var accountsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an account with a generated API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		st, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		svc := account.NewService(st, nil, nil)
		created, err := svc.Create(args[0], "")
		if err != nil {
			return err
		}
		fmt.Printf("created %s\napi key: %s\n", created.Name, created.APIKey)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kirogate %s\n", version.Full())
		if version.BuildDate != "unknown" {
			fmt.Printf("Build date: %s\n", version.BuildDate)
		}
		fmt.Printf("Go version: %s\n", version.GoVersion)
	},
}

func defaultConfigPath() string {
	if path := os.Getenv("KIROGATE_CONFIG"); path != "" {
		return path
	}
	return "config.yaml"
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath(), "config file path")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "override the configured listen port")
	serveCmd.Flags().StringVar(&staticDir, "static", "static", "admin UI directory served at /")

	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsCreateCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(versionCmd)
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.ResolveSQLitePath())
	default:
		return store.NewFileStore(cfg.Storage.DataDir)
	}
}

func runServer() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	staticPaths := make(map[string]string, len(cfg.Accounts))
	for _, sa := range cfg.Accounts {
		staticPaths[sa.Name] = sa.TokenFile
	}
	blobs := token.Layered{st, token.NewStaticBlobs(staticPaths)}

	tokens := token.NewManager(blobs, cfg.API.RefreshURL, cfg.API.ProfilesURL)
	for _, sa := range cfg.Accounts {
		tokens.SetProfileArn(sa.Name, sa.ProfileArn)
	}

	orchestrator := proxy.NewOrchestrator(cfg, st, tokens)
	accounts := account.NewService(st, tokens, orchestrator)
	adminHandler := admin.NewHandler(cfg.Admin.Username, cfg.Admin.Password, accounts)
	srv := server.New(cfg.ListenAddr(), orchestrator, adminHandler, staticDir)

	var refresher *token.Refresher
	if cfg.RefreshSchedule != "" {
		refresher = token.NewRefresher(tokens, accounts)
		if err := refresher.Start(cfg.RefreshSchedule); err != nil {
			return fmt.Errorf("start token refresher: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if refresher != nil {
			refresher.Stop()
		}
		return err
	case sig := <-sigCh:
		log.Printf("[Server] received %s, shutting down", sig)
	}

	if refresher != nil {
		refresher.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
