package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/n3health/pix/internal/config"
	"github.com/n3health/pix/internal/pix"
	"github.com/n3health/pix/internal/platform/auth"
	"github.com/n3health/pix/internal/platform/db"
	"github.com/n3health/pix/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pix-server",
		Short: "Patient identity cross-reference service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the cross-reference API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage system access tokens",
	}

	withManager := func(fn func(ctx context.Context, m *auth.Manager) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, auth.NewManager(auth.NewPGTokenStore(pool)))
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			orgs, _ := cmd.Flags().GetStringSlice("org")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if len(orgs) == 0 {
				return fmt.Errorf("at least one --org is required")
			}

			var expiresAt *time.Time
			if ttl > 0 {
				t := time.Now().Add(ttl)
				expiresAt = &t
			}

			return withManager(func(ctx context.Context, m *auth.Manager) error {
				token, raw, err := m.Issue(ctx, name, orgs, expiresAt)
				if err != nil {
					return err
				}
				fmt.Printf("Token ID:  %s\n", token.ID)
				fmt.Printf("Name:      %s\n", token.Name)
				fmt.Printf("Orgs:      %s\n", strings.Join(token.OrgScopes, ", "))
				fmt.Printf("Token:     %s\n", raw)
				fmt.Println("Store the token now; it cannot be recovered later.")
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Human-readable name of the consuming system")
	createCmd.Flags().StringSlice("org", nil, "Organization OID the token may act for (repeatable, \"*\" for all)")
	createCmd.Flags().Duration("ttl", 0, "Token lifetime (0 = no expiry)")
	cmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List access tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, m *auth.Manager) error {
				tokens, total, err := m.List(ctx, 100, 0)
				if err != nil {
					return err
				}
				fmt.Printf("%-38s %-24s %-10s %s\n", "ID", "NAME", "STATUS", "ORGS")
				for _, t := range tokens {
					fmt.Printf("%-38s %-24s %-10s %s\n", t.ID, t.Name, t.Status, strings.Join(t.OrgScopes, ","))
				}
				fmt.Printf("%d token(s) total\n", total)
				return nil
			})
		},
	}
	cmd.AddCommand(listCmd)

	revokeCmd := &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke an access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, m *auth.Manager) error {
				if err := m.Revoke(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Token %s revoked.\n", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(revokeCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete <token-id>",
		Short: "Permanently remove an access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, m *auth.Manager) error {
				if err := m.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Token %s deleted.\n", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(deleteCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.Audit(logger))

	// Domain wiring
	repo := pix.NewPGRepository(pool)
	tokenStore := auth.NewPGTokenStore(pool)
	tokenManager := auth.NewManager(tokenStore)
	matcher := pix.NewMatcher(repo)
	svc := pix.NewService(repo, matcher, tokenManager, logger)
	handler := pix.NewHandler(svc, tokenManager)

	// API groups
	pixGroup := e.Group("/pix")
	adminGroup := e.Group("/admin", auth.AdminJWT(cfg.AdminJWTSecret))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	pixGroup.Use(middleware.RateLimit(rateLimitCfg))

	handler.RegisterRoutes(pixGroup, adminGroup)

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
