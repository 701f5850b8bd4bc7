package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/99designs/keyring"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Martian-dev/inbox-digest/internal/api"
	"github.com/Martian-dev/inbox-digest/internal/auth"
	"github.com/Martian-dev/inbox-digest/internal/config"
	"github.com/Martian-dev/inbox-digest/internal/llm"
	"github.com/Martian-dev/inbox-digest/internal/logging"
	"github.com/Martian-dev/inbox-digest/internal/notify"
	"github.com/Martian-dev/inbox-digest/internal/providers/gmail"
	"github.com/Martian-dev/inbox-digest/internal/providers/imap"
	"github.com/Martian-dev/inbox-digest/internal/providers/outlook"
	"github.com/Martian-dev/inbox-digest/internal/store"
	"github.com/Martian-dev/inbox-digest/internal/sync"
)

// app holds the components shared by every command.
type app struct {
	cfg   *config.Config
	ring  keyring.Keyring
	log   zerolog.Logger
	store *store.Store

	identity *auth.OAuthIdentity
	runner   *sync.Runner
	manager  *sync.Manager
}

type rootFlags struct {
	configPath string
	envFile    string
	keyringDir string
	noKeyring  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	a := &app{}

	root := &cobra.Command{
		Use:           "inbox-digest",
		Short:         "Daily AI digest of your inbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.Context(), flags)
		},
	}
	cobra.OnFinalize(a.close)

	root.PersistentFlags().StringVar(&flags.configPath, "config", config.DefaultPath, "config file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	root.PersistentFlags().StringVar(&flags.keyringDir, "keyring-dir", defaultKeyringDir(), "directory for the file keyring backend")
	root.PersistentFlags().BoolVar(&flags.noKeyring, "no-keyring", false, "do not read secrets from the system keyring")

	root.AddCommand(
		newServeCmd(a),
		newSweepCmd(a),
		newSyncCmd(a),
		newResetSyncCmd(a),
		newUsersCmd(a),
		newDigestCmd(a),
		newTokenCmd(a),
		newSecretsCmd(a),
	)
	return root
}

// defaultKeyringDir is under the user config directory, or the working
// directory when none is known.
func defaultKeyringDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		wd, werr := os.Getwd()
		if werr != nil {
			wd = "."
		}
		dir = wd
	}
	return filepath.Join(dir, "inbox-digest", "credentials")
}

func (a *app) init(ctx context.Context, flags *rootFlags) error {
	if err := config.LoadDotEnv(flags.envFile); err != nil {
		return err
	}

	if !flags.noKeyring {
		ring, err := config.OpenKeyring(flags.keyringDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "warning: keyring unavailable:", err)
		} else {
			a.ring = ring
		}
	}

	cfg, err := config.Load(flags.configPath, a.ring)
	if err != nil {
		return err
	}
	a.cfg = cfg

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	a.log = log

	st, err := store.Open(ctx, store.Driver(cfg.Store.Driver), cfg.Store.Path)
	if err != nil {
		return err
	}
	a.store = st

	a.identity = auth.NewOAuthIdentity(cfg.GoogleClient(), cfg.MicrosoftClient(), &http.Client{Timeout: 30 * time.Second})
	return nil
}

// pipeline builds the runner and manager. The generator is only needed by
// commands that run cycles.
func (a *app) pipeline() error {
	if a.manager != nil {
		return nil
	}
	gen, err := llm.New(a.cfg.LLMConfig())
	if err != nil {
		return err
	}

	a.runner = &sync.Runner{
		Store:     a.store,
		Identity:  a.identity,
		Providers: a.providerFactory(),
		Generator: gen,
		Options:   a.cfg.PipelineOptions(),
		Log:       a.log,
	}

	var notifier sync.Notifier
	if a.cfg.Mail().Enabled() {
		m, err := notify.NewMailer(a.cfg.Mail(), a.log)
		if err != nil {
			return err
		}
		notifier = m
	}

	a.manager = sync.NewManager(a.runner, a.store, notifier, a.cfg.Pipeline.SweepConcurrency, a.log)
	return nil
}

func (a *app) providerFactory() sync.ProviderFactory {
	imapServer := a.cfg.IMAPServer()
	return func(ctx context.Context, u *store.User, tok *auth.Token) (sync.MailProvider, error) {
		switch u.Provider {
		case store.ProviderGoogle:
			return gmail.New(ctx, tok)
		case store.ProviderMicrosoft:
			return outlook.New(ctx, tok)
		case store.ProviderIMAP:
			return imap.New(imapServer, u.Email, tok.RefreshToken)
		default:
			return nil, fmt.Errorf("%w: %q", auth.ErrUnsupportedProvider, u.Provider)
		}
	}
}

func (a *app) verifier(ctx context.Context) (api.Verifier, error) {
	switch {
	case a.cfg.HTTP.JWTSecret != "":
		return auth.NewHMACVerifier(a.cfg.HTTP.JWTSecret)
	case a.cfg.HTTP.JWKSURL != "":
		return auth.NewJWTVerifier(ctx, a.cfg.HTTP.JWKSURL)
	default:
		return nil, errors.New("http.jwt_secret or http.jwks_url must be set")
	}
}

func (a *app) close() {
	if a.manager != nil {
		a.manager.StopAll()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error().Err(err).Msg("closing store")
		}
	}
}
