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

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"request-guardian/internal/config"
	"request-guardian/internal/domain"
	"request-guardian/internal/guardian"
	"request-guardian/internal/handler"
	"request-guardian/internal/logger"
	"request-guardian/internal/middleware"
	"request-guardian/internal/storage"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "guardian",
		Short:         "Rate limiting and error policy guard for HTTP workloads",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")

	root.AddCommand(
		serveCmd(&envFile),
		statusCmd(&envFile),
		clearCmd(&envFile),
		versionCmd(),
	)
	return root
}

// app is everything a command needs, built from the configuration.
type app struct {
	cfg     *config.Config
	logger  domain.Logger
	store   domain.Store
	factory *guardian.Factory
}

func bootstrap(envFile string) (*app, error) {
	cfg, err := config.NewConfigLoader(envFile).LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.NewLogger(cfg.LogLevel, cfg.LogFormat)

	rules, err := config.ParseRateRules(cfg.RateRules)
	if err != nil {
		return nil, err
	}
	errorRules, err := config.ParseErrorRules(cfg.ErrorRules)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewFactory().Create(cfg.StorageConfig(), log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	factory, err := guardian.NewFactory(store,
		guardian.WithPrefix(cfg.KeyPrefix),
		guardian.WithRules(rules),
		guardian.WithErrorRules(errorRules),
		guardian.WithLogger(log),
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build guardian factory: %w", err)
	}

	return &app{cfg: cfg, logger: log, store: store, factory: factory}, nil
}

func serveCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*envFile)
			if err != nil {
				return err
			}
			defer a.store.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	gin.SetMode(a.cfg.GinMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))

	handler.Version = Version
	handler.NewHandlers(a.factory, a.store, a.logger, a.cfg.ThrowIfBlocked).SetupRoutes(router)

	server := &http.Server{
		Addr:         ":" + a.cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("Starting HTTP server", map[string]interface{}{
			"version":     Version,
			"addr":        server.Addr,
			"storage":     a.cfg.StorageType,
			"rate_rules":  a.cfg.RateRules,
			"error_rules": a.cfg.ErrorRules,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down server...", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		a.logger.Info("Server stopped gracefully", nil)
		return nil
	})

	if p, ok := a.store.(storage.Pruner); ok {
		janitor := storage.NewJanitor(p, a.cfg.PruneInterval, a.logger)
		g.Go(func() error {
			return janitor.Run(gctx)
		})
	}

	return g.Wait()
}

// target holds the flags naming one client.
type target struct {
	identifier string
	ip         string
	token      string
}

func (t *target) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&t.identifier, "identifier", "", "raw client identifier")
	cmd.Flags().StringVar(&t.ip, "ip", "", "client IP, as resolved by the HTTP middleware")
	cmd.Flags().StringVar(&t.token, "token", "", "client API key, as resolved by the HTTP middleware")
	cmd.MarkFlagsMutuallyExclusive("identifier", "ip", "token")
	cmd.MarkFlagsOneRequired("identifier", "ip", "token")
}

func (t *target) resolve() string {
	switch {
	case t.token != "":
		return middleware.IdentifierForToken(t.token)
	case t.ip != "":
		return middleware.IdentifierForIP(t.ip)
	default:
		return t.identifier
	}
}

func statusCmd(envFile *string) *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the counters of one client as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*envFile)
			if err != nil {
				return err
			}
			defer a.store.Close()

			g, err := a.factory.Create(t.resolve())
			if err != nil {
				return err
			}
			usage, err := g.Usage(cmd.Context())
			if err != nil {
				return fmt.Errorf("read usage: %w", err)
			}

			out, err := sonic.ConfigStd.MarshalIndent(usage, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	t.register(cmd)
	return cmd
}

func clearCmd(envFile *string) *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the counters and retry-after of one client",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*envFile)
			if err != nil {
				return err
			}
			defer a.store.Close()

			g, err := a.factory.Create(t.resolve())
			if err != nil {
				return err
			}
			cleared, err := g.ClearCache(cmd.Context())
			if err != nil {
				return fmt.Errorf("clear cache: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s cleared: %t\n", g.Identifier(), cleared)
			return nil
		},
	}
	t.register(cmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "guardian %s\n", Version)
		},
	}
}
