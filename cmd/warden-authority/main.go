// Package main is the entrypoint for the Warden license authority CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aegislabs/warden/internal/audit"
	"github.com/aegislabs/warden/internal/config"
	"github.com/aegislabs/warden/internal/keys"
	"github.com/aegislabs/warden/internal/ledger"
	"github.com/aegislabs/warden/internal/license"
	"github.com/aegislabs/warden/internal/server"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "warden-authority",
		Short:        "Warden license authority - issues and revokes Aegis OS licenses",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to authority config file")

	rootCmd.AddCommand(
		newVersionCmd(),
		newKeygenCmd(&configPath),
		newRotateCmd(&configPath),
		newExportKeyCmd(&configPath),
		newIssueCmd(&configPath),
		newRevokeCmd(&configPath),
		newAuditCmd(&configPath),
		newServeCmd(&configPath),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Warden Authority %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func loadAuthorityConfig(configPath string) (*config.AuthorityConfig, error) {
	path := configPath
	if path == "" {
		dir, err := config.DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "authority.yml")
	}
	cfg, err := config.LoadAuthority(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// exportPublicKeys writes both encodings of every key version next to the
// private keys so installer builds can embed them.
func exportPublicKeys(manager *keys.Manager, dir string) error {
	for _, version := range manager.Versions() {
		for enc, ext := range map[keys.Encoding]string{keys.EncodingPEM: "pem", keys.EncodingXML: "xml"} {
			data, err := manager.ExportPublic(version, enc)
			if err != nil {
				return err
			}
			path := filepath.Join(dir, fmt.Sprintf("v%d-public.%s", version, ext))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}
		}
	}
	return nil
}

func newKeygenCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate the initial signing keypair (version 1)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAuthorityConfig(*configPath)
			if err != nil {
				return err
			}

			manager := keys.NewManager(newLogger())
			version, err := manager.Generate()
			if err != nil {
				return err
			}
			if err := manager.SelfTest(); err != nil {
				return fmt.Errorf("key encoding self-test: %w", err)
			}
			if err := manager.SaveDir(cfg.KeyDir()); err != nil {
				return err
			}
			if err := exportPublicKeys(manager, cfg.KeyDir()); err != nil {
				return err
			}

			fmt.Printf("Generated signing key version %d in %s\n", version, cfg.KeyDir())
			fmt.Println("Keep the private key files out of any client artifact.")
			return nil
		},
	}
}

func newRotateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate to a new signing key version",
		Long: `Rotate allocates a new signing key version. Previously issued licenses
stay verifiable: verifiers retain older public keys across their retention window.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAuthorityConfig(*configPath)
			if err != nil {
				return err
			}

			manager, err := keys.LoadDir(cfg.KeyDir(), newLogger())
			if err != nil {
				return err
			}
			version, err := manager.Rotate()
			if err != nil {
				return err
			}
			if err := manager.SelfTest(); err != nil {
				return fmt.Errorf("key encoding self-test: %w", err)
			}
			if err := manager.SaveDir(cfg.KeyDir()); err != nil {
				return err
			}
			if err := exportPublicKeys(manager, cfg.KeyDir()); err != nil {
				return err
			}

			fmt.Printf("Rotated to signing key version %d\n", version)
			return nil
		},
	}
}

func newExportKeyCmd(configPath *string) *cobra.Command {
	var version int
	var encoding string

	cmd := &cobra.Command{
		Use:   "export-key",
		Short: "Print a public key in the requested encoding",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAuthorityConfig(*configPath)
			if err != nil {
				return err
			}
			manager, err := keys.LoadDir(cfg.KeyDir(), newLogger())
			if err != nil {
				return err
			}
			if version == 0 {
				version = manager.CurrentVersion()
			}
			data, err := manager.ExportPublic(version, keys.Encoding(encoding))
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "key version (default: current)")
	cmd.Flags().StringVar(&encoding, "encoding", "pem", "encoding: pem or xml")
	return cmd
}

// openAuthority wires the key manager, ledger, and audit log for issuance
// commands and the server.
func openAuthority(cfg *config.AuthorityConfig, logger zerolog.Logger) (*keys.Manager, *ledger.Store, *audit.Logger, error) {
	manager, err := keys.LoadDir(cfg.KeyDir(), logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load signing keys (run keygen first): %w", err)
	}
	store, err := ledger.Open(cfg.DataDir, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	audits, err := audit.Open(cfg.AuditLogPath(), []byte(cfg.AuditKey), logger)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return manager, store, audits, nil
}

func newIssueCmd(configPath *string) *cobra.Command {
	var (
		tier        string
		days        int
		perpetual   bool
		fingerprint string
		count       int
		output      string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue one or more signed licenses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAuthorityConfig(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger()

			manager, store, audits, err := openAuthority(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			defer audits.Close()

			if err := manager.SelfTest(); err != nil {
				return fmt.Errorf("key encoding self-test: %w", err)
			}

			issuer := license.NewIssuer(manager, store, audits, logger)
			if count < 1 {
				count = 1
			}

			for i := 0; i < count; i++ {
				file, err := issuer.Issue(cmd.Context(), license.IssueRequest{
					Tier:        license.Tier(tier),
					Validity:    time.Duration(days) * 24 * time.Hour,
					Perpetual:   perpetual,
					Fingerprint: fingerprint,
				})
				if err != nil {
					return err
				}

				outPath := output
				if count > 1 {
					ext := filepath.Ext(output)
					outPath = fmt.Sprintf("%s_%03d%s", output[:len(output)-len(ext)], i+1, ext)
				}
				data, err := json.MarshalIndent(file, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal license file: %w", err)
				}
				if err := os.WriteFile(outPath, data, 0o644); err != nil {
					return fmt.Errorf("write license file: %w", err)
				}

				fmt.Printf("License key: %s\n", file.Key)
				fmt.Printf("  Serial:      %s\n", file.License.Serial)
				fmt.Printf("  Tier:        %s\n", file.License.Tier)
				if file.License.ExpiresAt != nil {
					fmt.Printf("  Expires:     %s\n", file.License.ExpiresAt.Format("2006-01-02"))
				} else {
					fmt.Printf("  Expires:     never\n")
				}
				fmt.Printf("  Key version: %d\n", file.License.KeyVersion)
				fmt.Printf("  Written to:  %s\n", outPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "", "product tier (basic, workplace, gamer, aidev, gamer_ai, server)")
	cmd.Flags().IntVar(&days, "days", 365, "validity window in days")
	cmd.Flags().BoolVar(&perpetual, "perpetual", false, "issue a perpetual license (no expiry)")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "bind the license to this hardware fingerprint")
	cmd.Flags().IntVar(&count, "count", 1, "number of licenses to issue")
	cmd.Flags().StringVar(&output, "output", "license.json", "output license file path")
	cmd.MarkFlagRequired("tier")
	return cmd
}

func newRevokeCmd(configPath *string) *cobra.Command {
	var serial string

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Centrally revoke an issued license",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAuthorityConfig(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger()

			store, err := ledger.Open(cfg.DataDir, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			audits, err := audit.Open(cfg.AuditLogPath(), []byte(cfg.AuditKey), logger)
			if err != nil {
				return err
			}
			defer audits.Close()

			if err := store.Revoke(cmd.Context(), serial); err != nil {
				return err
			}
			if _, err := audits.Append(audit.Event{
				Type:    audit.EventRevoked,
				Subject: serial,
				Result:  "revoked",
			}); err != nil {
				return fmt.Errorf("append audit entry: %w", err)
			}

			fmt.Printf("Revoked %s\n", serial)
			return nil
		},
	}
	cmd.Flags().StringVar(&serial, "serial", "", "license serial to revoke")
	cmd.MarkFlagRequired("serial")
	return cmd
}

func newAuditCmd(configPath *string) *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail operations",
	}

	auditCmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Re-verify the audit log hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAuthorityConfig(*configPath)
			if err != nil {
				return err
			}

			ok, badIndex, err := audit.VerifyChain(cfg.AuditLogPath(), []byte(cfg.AuditKey))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("audit chain BROKEN at entry %d: tampering detected", badIndex)
			}
			fmt.Println("Audit chain verified: no tampering detected.")
			return nil
		},
	})

	return auditCmd
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authority HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAuthorityConfig(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger()

			manager, store, audits, err := openAuthority(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			defer audits.Close()

			if err := manager.SelfTest(); err != nil {
				return fmt.Errorf("key encoding self-test: %w", err)
			}

			issuer := license.NewIssuer(manager, store, audits, logger)
			srv, err := server.New(server.Config{
				Issuer:       issuer,
				Ledger:       store,
				Audits:       audits,
				AuditLogPath: cfg.AuditLogPath(),
				AuditKey:     []byte(cfg.AuditKey),
				AuthToken:    cfg.AuthToken,
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Start(ctx, cfg.ListenAddr)
		},
	}
}
