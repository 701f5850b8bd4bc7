package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/inbox-digest/internal/api"
	"github.com/Martian-dev/inbox-digest/internal/auth"
	"github.com/Martian-dev/inbox-digest/internal/config"
	"github.com/Martian-dev/inbox-digest/internal/digest"
	natsjs "github.com/Martian-dev/inbox-digest/internal/nats"
	"github.com/Martian-dev/inbox-digest/internal/store"
	"github.com/Martian-dev/inbox-digest/internal/sync"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the per-minute scheduler and the event dispatcher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.pipeline(); err != nil {
				return err
			}
			verifier, err := a.verifier(ctx)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error { return a.manager.Run(ctx) })

			if a.cfg.NATS.URL != "" {
				pub, err := natsjs.NewPublisher(a.cfg.NATS.URL, a.log)
				if err != nil {
					return err
				}
				defer pub.Close()
				if err := pub.EnsureStream(ctx); err != nil {
					return err
				}
				d := &sync.Dispatcher{
					Outbox:    a.store,
					Publisher: pub,
					Log:       a.log.With().Str("component", "dispatcher").Logger(),
				}
				g.Go(func() error {
					d.Run(ctx)
					return nil
				})
			} else {
				a.log.Warn().Msg("nats.url not set, digest events stay in the outbox")
			}

			srv := api.NewServer(a.store, a.manager, verifier, a.log)
			g.Go(func() error { return srv.Run(ctx, a.cfg.HTTP.Addr) })

			err = g.Wait()
			if errors.Is(err, cmd.Context().Err()) {
				return nil
			}
			return err
		},
	}
}

func newSweepCmd(a *app) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep for the users due at a UTC minute",
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now().UTC()
			if at != "" {
				if !api.ValidClock(at) {
					return fmt.Errorf("--at must be HH:MM, got %q", at)
				}
				t, _ := time.Parse("15:04", at)
				now = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
			}
			if err := a.pipeline(); err != nil {
				return err
			}
			return printJSON(a.manager.Sweep(cmd.Context(), now))
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "UTC time HH:MM (default: now)")
	return cmd
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync USER_ID",
		Short: "Run one sync cycle for a user and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.pipeline(); err != nil {
				return err
			}
			report, err := a.manager.Trigger(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("stage %s: %w", sync.StageOf(err), err)
			}
			return printJSON(report)
		},
	}
}

func newResetSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-sync USER_ID",
		Short: "Forget a user's watermark so the next cycle looks back 24h",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.store.ResetWatermark(cmd.Context(), args[0])
		},
	}
}

func newUsersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "users", Short: "Manage registered users"}

	var u store.User
	add := &cobra.Command{
		Use:   "add USER_ID",
		Short: "Register or update a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u.ID = args[0]
			switch u.Provider {
			case store.ProviderGoogle, store.ProviderMicrosoft, store.ProviderIMAP:
			default:
				return fmt.Errorf("--provider must be google, microsoft or imap")
			}
			if u.NotificationTime != "" && !api.ValidClock(u.NotificationTime) {
				return fmt.Errorf("--notify-at must be HH:MM")
			}
			return a.store.UpsertUser(cmd.Context(), u)
		},
	}
	add.Flags().StringVar(&u.Email, "email", "", "mailbox address")
	add.Flags().StringVar(&u.Name, "name", "", "display name")
	add.Flags().StringVar(&u.Provider, "provider", store.ProviderGoogle, "google, microsoft or imap")
	add.Flags().StringVar(&u.RefreshToken, "refresh-token", "", "OAuth refresh token or IMAP app password")
	add.Flags().StringVar(&u.NotificationTime, "notify-at", "", "daily UTC digest time HH:MM")
	add.Flags().StringVar(&u.SummaryFormat, "format", store.FormatConcise, "concise or detailed")
	add.Flags().BoolVar(&u.NotifyByEmail, "email-digest", false, "mail the digest after scheduled cycles")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered users",
		RunE: func(cmd *cobra.Command, _ []string) error {
			users, err := a.store.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMAIL\tPROVIDER\tNOTIFY AT\tLAST SYNC")
			for _, u := range users {
				last := "-"
				if u.LastSyncAt != nil {
					last = u.LastSyncAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.ID, u.Email, u.Provider, u.NotificationTime, last)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func newDigestCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "digest", Short: "Inspect stored digests"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show USER_ID",
		Short: "Print a user's current digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := a.store.GetDigest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if snap == nil {
				snap = digest.EmptySnapshot()
			}
			return printJSON(snap)
		},
	})
	return cmd
}

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "API tokens"}
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint USER_ID",
		Short: "Mint an HS256 API token for a registered user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.HTTP.JWTSecret == "" {
				return errors.New("http.jwt_secret is not set")
			}
			u, err := a.store.GetUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tok, err := auth.SignHMAC(a.cfg.HTTP.JWTSecret, auth.User{ID: u.ID, Email: u.Email, Name: u.Name}, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	mint.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	cmd.AddCommand(mint)
	return cmd
}

func newSecretsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "secrets", Short: "Manage secrets in the system keyring"}
	cmd.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store a secret (" + strings.Join(config.SecretKeys, ", ") + ")",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			if a.ring == nil {
				return errors.New("keyring unavailable")
			}
			return config.SetSecret(a.ring, args[0], args[1])
		},
	})
	return cmd
}
