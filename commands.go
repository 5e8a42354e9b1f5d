package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cfilipov/dockstate/internal/auth"
	"github.com/cfilipov/dockstate/internal/config"
	"github.com/cfilipov/dockstate/internal/db"
	"github.com/cfilipov/dockstate/internal/images"
	"github.com/cfilipov/dockstate/internal/imagesync"
	"github.com/cfilipov/dockstate/internal/inventory"
)

// newRootCmd builds the command tree. The root command serves; every command
// shares the configuration flags.
func newRootCmd() *cobra.Command {
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:           "dockstate",
		Short:         "Container inventory and image sync service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg.Resolve(args)
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: cfg.LogLevel,
			})))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cfg)
		},
	}
	cfg.BindFlags(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP and WebSocket API",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cfg)
			},
		},
		&cobra.Command{
			Use:   "ps",
			Short: "List containers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return ps(cmd, cfg)
			},
		},
		&cobra.Command{
			Use:   "sync <reference>...",
			Short: "Bring images up to date and print the decisions as JSON lines",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return syncOnce(cmd, cfg, args)
			},
		},
		&cobra.Command{
			Use:   "token [subject]",
			Short: "Mint an API token",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				subject := "cli"
				if len(args) > 0 {
					subject = args[0]
				}
				return printToken(cmd, cfg, subject)
			},
		},
		// Used by the container HEALTHCHECK: no server initialization.
		&cobra.Command{
			Use:   "healthcheck",
			Short: "Exit non-zero unless the local server answers /healthz",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return healthcheck(cfg.Port)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func healthcheck(port int) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	return nil
}

// ps prints the container inventory as a table.
func ps(cmd *cobra.Command, cfg *config.Config) error {
	rt, cleanup, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	records, err := inventory.NewReader(rt).ListAll(cmd.Context())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tIMAGE\tSTATE")
	for _, r := range records {
		id := r.ID
		if len(id) > 12 {
			id = id[:12]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, r.Name, r.Image, r.State)
	}
	return tw.Flush()
}

// syncOnce runs the sync policy for each reference and prints the decisions
// as JSON lines.
func syncOnce(cmd *cobra.Command, cfg *config.Config, refs []string) error {
	rt, cleanup, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	resolver, err := images.NewResolver(cfg.IdentityMode, rt)
	if err != nil {
		return err
	}
	policy := imagesync.NewPolicy(resolver, rt)

	enc := json.NewEncoder(cmd.OutOrStdout())
	var failed int
	for _, ref := range refs {
		d, err := policy.EnsureUpToDate(cmd.Context(), ref)
		if err != nil {
			slog.Error("sync", "ref", ref, "err", err)
			failed++
			continue
		}
		enc.Encode(d)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d references failed", failed, len(refs))
	}
	return nil
}

func printToken(cmd *cobra.Command, cfg *config.Config, subject string) error {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	secret, err := apiSecret(cfg, database)
	if err != nil {
		return err
	}
	tok, err := auth.Sign(secret, subject, auth.DefaultTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
