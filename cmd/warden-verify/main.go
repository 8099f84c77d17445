// Package main is the entrypoint for the Warden client-side license
// verifier. It validates a license file offline against embedded public
// keys and, when a server is configured, reconciles revocation status.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aegislabs/warden/internal/audit"
	"github.com/aegislabs/warden/internal/cache"
	"github.com/aegislabs/warden/internal/config"
	"github.com/aegislabs/warden/internal/fingerprint"
	"github.com/aegislabs/warden/internal/keys"
	"github.com/aegislabs/warden/internal/license"
	"github.com/aegislabs/warden/internal/reconcile"
	"github.com/aegislabs/warden/internal/verify"
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
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:          "warden-verify",
		Short:        "Warden license verifier - offline validation for Aegis OS",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to client config file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	rootCmd.AddCommand(
		newVersionCmd(),
		newCheckCmd(&configPath, &verbose),
		newFingerprintCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Warden Verify %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()
}

func loadClientConfig(configPath string) (*config.ClientConfig, string, error) {
	path := configPath
	if path == "" {
		dir, err := config.DefaultConfigDir()
		if err != nil {
			return nil, "", err
		}
		path = filepath.Join(dir, "client.yml")
	}
	cfg, err := config.LoadClient(path)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

// buildKeyring loads the configured public keys. Key paths are resolved
// relative to the config file so installer bundles stay relocatable.
func buildKeyring(cfg *config.ClientConfig, configPath string) (*keys.Keyring, error) {
	ring := keys.NewKeyring(cfg.CurrentKeyVersion, cfg.KeyRetention)

	for _, ref := range cfg.PublicKeys {
		keyPath := ref.Path
		if !filepath.IsAbs(keyPath) {
			keyPath = filepath.Join(filepath.Dir(configPath), keyPath)
		}
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read public key v%d: %w", ref.Version, err)
		}
		enc := keys.Encoding(ref.Encoding)
		if enc == "" {
			enc = keys.EncodingPEM
		}
		if err := ring.AddEncoded(ref.Version, data, enc); err != nil {
			return nil, err
		}
	}
	return ring, nil
}

func loadLicenseFile(path string) (*license.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read license file: %w", err)
	}
	var f license.File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse license file: %w", err)
	}
	return &f, nil
}

func newCheckCmd(configPath *string, verbose *bool) *cobra.Command {
	var licensePath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify a license file against the embedded public keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadClientConfig(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(*verbose)

			ring, err := buildKeyring(cfg, cfgPath)
			if err != nil {
				return err
			}

			file, err := loadLicenseFile(licensePath)
			if err != nil {
				return err
			}

			fp, err := fingerprint.NewCollector().Fingerprint(cmd.Context())
			if err != nil {
				return fmt.Errorf("collect hardware fingerprint: %w", err)
			}

			store, err := cache.NewStore(cfg.CachePath, fp, logger)
			if err != nil {
				return err
			}

			var checker verify.RevocationChecker
			if cfg.ServerURL != "" {
				client, err := reconcile.New(reconcile.Config{
					BaseURL: cfg.ServerURL,
					Proxy:   cfg.Proxy,
					Cache:   store,
					Logger:  logger,
				})
				if err != nil {
					return err
				}
				checker = client
			}

			audits, err := audit.Open(cfg.AuditLogPath, []byte(cfg.AuditKey), logger)
			if err != nil {
				return err
			}
			defer audits.Close()

			verifier, err := verify.New(verify.Config{
				Keyring:     ring,
				Cache:       store,
				Checker:     checker,
				Audits:      audits,
				GracePeriod: time.Duration(cfg.GraceDays) * 24 * time.Hour,
				Logger:      logger,
			})
			if err != nil {
				return err
			}

			res, err := verifier.Verify(cmd.Context(), file, fp)
			if err != nil {
				return err
			}

			fmt.Println(res.Status.UserMessage())
			if res.Valid() {
				fmt.Printf("  Serial: %s\n", res.Serial)
				fmt.Printf("  Tier:   %s\n", res.Tier)
				features := res.Tier.Features()
				names := make([]string, 0, len(features))
				for name, enabled := range features {
					if enabled {
						names = append(names, name)
					}
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Printf("    - %s\n", name)
				}
				return nil
			}

			// Exit non-zero without cobra's error prefix; the user message
			// above is the whole story.
			os.Exit(1)
			return nil
		},
	}
	cmd.Flags().StringVar(&licensePath, "license", "license.json", "path to the license file")
	return cmd
}

// newFingerprintCmd prints the local hardware fingerprint so users can
// request hardware-bound licenses.
func newFingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this machine's hardware fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := fingerprint.NewCollector().Fingerprint(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(fp)
			return nil
		},
	}
}
