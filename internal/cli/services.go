package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/lu-zhengda/mailbroker/internal/app"
	"github.com/lu-zhengda/mailbroker/internal/automation"
	"github.com/lu-zhengda/mailbroker/internal/config"
	"github.com/lu-zhengda/mailbroker/internal/oauth"
	"github.com/lu-zhengda/mailbroker/internal/provider"
	"github.com/lu-zhengda/mailbroker/internal/provider/gmail"
	"github.com/lu-zhengda/mailbroker/internal/store"
	"github.com/lu-zhengda/mailbroker/internal/store/sqlite"
)

// services is the object graph one command runs against.
type services struct {
	db       *sqlite.DB
	accounts *app.AccountService
	factory  *gmail.Factory
	sync     *app.SyncService
	mail     *app.MailService
}

// openServices opens the store. withProvider also resolves the OAuth client,
// which commands that only read the cache can do without.
func openServices(withProvider bool) (*services, error) {
	db, err := openDB()
	if err != nil {
		return nil, err
	}
	s := &services{db: db, accounts: app.NewAccountService(db)}

	var sessions provider.SessionFactory
	if withProvider {
		f, err := newFactory(cfg, store.NewKeyringCredentialStore())
		if err != nil {
			db.Close()
			return nil, err
		}
		s.factory = f
		sessions = f
	}
	s.sync = app.NewSyncService(db, sessions, s.accounts,
		app.WithPageSize(cfg.Sync.PageSize),
		app.WithConcurrency(cfg.Sync.Concurrency),
		app.WithAccountDelay(cfg.Sync.Delay()),
	)
	s.mail = app.NewMailService(s.accounts, db, sessions, s.sync)
	return s, nil
}

func (s *services) Close() error { return s.db.Close() }

// acquirer wires the callback bridge and the browser driver. The caller
// closes the returned bridge.
func (s *services) acquirer() (*app.Acquirer, *oauth.Bridge) {
	bridge := oauth.NewBridge(cfg.Callback.Addr(), s.factory, s.accounts, cfg.Callback.Grace())
	driver := automation.NewDriver(
		&automation.ChromeLauncher{
			ExecPath: cfg.Automation.ChromePath,
			Headless: cfg.Automation.Headless,
		},
		cfg.Callback.RedirectURL(),
		automation.WithVerificationTimeout(cfg.Automation.Verification()),
		automation.WithSnapshotDir(cfg.Automation.SnapshotDir()),
	)
	return app.NewAcquirer(bridge, s.factory, driver, s.accounts, cfg.Automation.Delay()), bridge
}

type credentialLoader interface {
	Load() (*store.ClientCredentials, error)
}

// oauthClient is a resolved OAuth client, either as an id/secret pair or as
// a Google credentials JSON document.
type oauthClient struct {
	ClientID     string
	ClientSecret string
	JSON         []byte
	Source       string
}

// resolveOAuthClient picks the first configured client: config file and its
// environment overrides, then the credentials file, then the keyring.
func resolveOAuthClient(c *config.Config, keyring credentialLoader) (*oauthClient, error) {
	if c.Gmail.ClientID != "" && c.Gmail.ClientSecret != "" {
		return &oauthClient{ClientID: c.Gmail.ClientID, ClientSecret: c.Gmail.ClientSecret, Source: "config"}, nil
	}
	if path := c.Gmail.CredentialsFile; path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			return &oauthClient{JSON: data, Source: path}, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read credentials file: %w", err)
		}
	}
	creds, err := keyring.Load()
	switch {
	case err == nil:
		return &oauthClient{ClientID: creds.ClientID, ClientSecret: creds.ClientSecret, Source: "keyring"}, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("no OAuth client configured; set GMAIL_CLIENT_ID and GMAIL_CLIENT_SECRET, " +
			"place credentials.json in the config directory, or run 'mailbroker credentials set'")
	default:
		return nil, err
	}
}

func newFactory(c *config.Config, keyring credentialLoader) (*gmail.Factory, error) {
	client, err := resolveOAuthClient(c, keyring)
	if err != nil {
		return nil, err
	}
	redirect := c.Callback.RedirectURL()
	if client.JSON != nil {
		return gmail.NewFactoryFromJSON(client.JSON, redirect)
	}
	return gmail.NewFactory(client.ClientID, client.ClientSecret, redirect)
}
