package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/lcpsychadmin/lcpsych/internal"
	"github.com/lcpsychadmin/lcpsych/internal/config"
	"github.com/lcpsychadmin/lcpsych/internal/log"
	"github.com/lcpsychadmin/lcpsych/internal/storage"
	"github.com/spf13/cobra"
)

var BuildVersion = "dev"

func defaultConfig() map[string]any {
	return map[string]any{
		"version": config.SupportedVersion,
		"server": map[string]any{
			"baseURL":       "https://www.lcpsych.com",
			"addr":          ":8080",
			"name":          "L+C Psychological Services",
			"canonicalHost": "www.lcpsych.com",
		},
		"azure": map[string]any{
			"enabled":        true,
			"tenantId":       map[string]string{"$env": "AZURE_TENANT_ID"},
			"clientId":       map[string]string{"$env": "AZURE_CLIENT_ID"},
			"clientSecret":   map[string]string{"$env": "AZURE_CLIENT_SECRET"},
			"redirectUri":    "https://www.lcpsych.com" + config.DefaultCallbackPath,
			"scopes":         []string{"email"},
			"allowedDomains": []string{"lcpsych.com"},
		},
		"session": map[string]any{
			"cookieName":        config.DefaultSessionCookieName,
			"legacyCookieNames": []string{"csrftoken_sessionid"},
			"domain":            "www.lcpsych.com",
			"sameSite":          "lax",
			"maxAge":            config.DefaultSessionMaxAge.String(),
			"signingKey":        map[string]string{"$env": "SESSION_SIGNING_KEY"},
		},
		"auth": map[string]any{
			"defaultPostLoginPath": config.DefaultPostLoginPath,
			"profileEditPath":      "/profile/edit/",
			"defaultRole":          config.DefaultRole,
			"stateTtl":             config.DefaultStateTTL.String(),
			"invitationTtl":        config.DefaultInvitationTTL.String(),
		},
		"storage": map[string]any{
			"kind": config.StoragePostgres,
			"dsn":  map[string]string{"$env": "DATABASE_URL"},
		},
		"cache": map[string]any{
			"kind":   config.CacheRedis,
			"addr":   "localhost:6379",
			"prefix": "lcpsych:",
		},
		"mail": map[string]any{
			"kind":     config.MailSMTP,
			"host":     "smtp.office365.com",
			"port":     587,
			"username": map[string]string{"$env": "SMTP_USERNAME"},
			"password": map[string]string{"$env": "SMTP_PASSWORD"},
			"from":     "no-reply@lcpsych.com",
		},
		"analytics": map[string]any{
			"enabled":    true,
			"ipHashSalt": map[string]string{"$env": "IP_HASH_SALT"},
		},
		"metrics": map[string]any{
			"enabled": true,
		},
	}
}

func generateDefaultConfig(path string) error {
	data, err := json.MarshalIndent(defaultConfig(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func validateConfig(cmd *cobra.Command, path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating: %s\n", path)

	report := func(title string, issues []config.ValidationError) {
		if len(issues) == 0 {
			return
		}
		fmt.Fprintf(out, "\n%s (%d):\n", title, len(issues))
		for _, issue := range issues {
			if issue.Path != "" {
				fmt.Fprintf(out, "  - %s: %s\n", issue.Path, issue.Message)
			} else {
				fmt.Fprintf(out, "  - %s\n", issue.Message)
			}
		}
	}
	report("Errors", result.Errors)
	report("Warnings", result.Warnings)

	fmt.Fprintln(out)
	switch {
	case len(result.Errors) == 0 && len(result.Warnings) == 0:
		fmt.Fprintln(out, "Result: PASS")
		return nil
	case len(result.Errors) == 0:
		fmt.Fprintln(out, "Result: FAIL (warnings present)")
	default:
		fmt.Fprintln(out, "Result: FAIL")
	}
	return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
}

// loadDotEnv reads .env from the working directory when present
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "lcpsych",
		Short:         "Sign-in and account service for the L+C Psychological Services site",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadDotEnv()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	requireConfig := func() (config.Config, error) {
		if configPath == "" {
			return config.Config{}, errors.New("--config is required")
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			log.LogInfoWithFields("main", "Starting lcpsych", map[string]any{
				"version": BuildVersion,
				"config":  configPath,
			})
			app, err := internal.NewApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}
			return app.Run()
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Kind != config.StoragePostgres {
				return fmt.Errorf("migrate needs postgres storage, got %q", cfg.Storage.Kind)
			}
			store, err := storage.NewPostgresStorage(cmd.Context(), string(cfg.Storage.DSN))
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return nil
		},
	}

	var isAdmin, isTherapist bool
	inviteCmd := &cobra.Command{
		Use:   "invite EMAIL",
		Short: "Invite a staff member and email an activation link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			store, err := storage.New(cmd.Context(), cfg.Storage)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			svc, err := internal.NewInviteService(cfg, store)
			if err != nil {
				return err
			}
			result, err := svc.Invite(cmd.Context(), args[0], isAdmin, isTherapist, cfg.Server.BaseURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Invited %s (delivered: %t)\n", result.Account.Email, result.Delivered)
			if cfg.Server.Debug || !result.Delivered {
				fmt.Fprintf(cmd.OutOrStdout(), "Activation URL: %s\n", result.ActivationURL)
			}
			return nil
		},
	}
	inviteCmd.Flags().BoolVar(&isAdmin, "admin", false, "grant the admin role")
	inviteCmd.Flags().BoolVar(&isTherapist, "therapist", false, "grant the therapist role")

	configInit := &cobra.Command{
		Use:   "config-init PATH",
		Short: "Write a default config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := generateDefaultConfig(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated default config at: %s\n", args[0])
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return errors.New("--config is required for validation")
			}
			return validateConfig(cmd, configPath)
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), BuildVersion)
		},
	}

	root.AddCommand(serve, migrate, inviteCmd, configInit, validate, version)
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.LogError("%v", err)
		os.Exit(1)
	}
}
