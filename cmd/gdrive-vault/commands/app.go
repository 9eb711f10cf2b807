package commands

import (
	"os"

	"github.com/AojdevStudio/gdrive-sub003/internal/auth"
	"github.com/AojdevStudio/gdrive-sub003/internal/config"
	"github.com/AojdevStudio/gdrive-sub003/internal/health"
	"github.com/AojdevStudio/gdrive-sub003/internal/keyring"
	"github.com/AojdevStudio/gdrive-sub003/internal/logging"
	"github.com/AojdevStudio/gdrive-sub003/internal/rotation"
	"github.com/AojdevStudio/gdrive-sub003/internal/tokenstore"
)

// App carries the state shared by every command: flag-derived settings from
// the root command and the loaded configuration. Exit is swappable so
// command tests can observe exit codes without killing the test process.
type App struct {
	ConfigPath string
	Logger     *logging.Logger
	Metrics    *health.Metrics
	Exit       func(int)
}

// NewApp returns an App with production defaults. The Logger is replaced by
// the root command once global flags are parsed.
func NewApp() *App {
	return &App{
		Logger: logging.New(false, false),
		Exit:   os.Exit,
	}
}

// Core bundles the constructed vault components.
type Core struct {
	Cfg   *config.Config
	Keys  *keyring.Manager
	Audit *tokenstore.AuditLog
	Store *tokenstore.Manager
	Orch  *rotation.Orchestrator
}

// loadCore resolves configuration and wires the storage and key components.
// Commands that touch tokens or keys all start here.
func (a *App) loadCore() (*Core, error) {
	cfg, err := config.Load(a.ConfigPath)
	if err != nil {
		return nil, err
	}

	keys, err := cfg.NewKeyring()
	if err != nil {
		return nil, err
	}

	audit := tokenstore.NewAuditLog(cfg.AuditPath, cfg.UserID, a.Logger)
	store := tokenstore.NewManager(cfg.TokenPath, keys, audit, a.Logger)
	orch := rotation.New(store, keys, cfg.BackupDir, a.Logger, a.Metrics)

	return &Core{Cfg: cfg, Keys: keys, Audit: audit, Store: store, Orch: orch}, nil
}

// authManager builds the refresh state machine on top of a loaded core.
func (a *App) authManager(core *Core) *auth.Manager {
	endpoint := auth.NewGoogleEndpoint(core.Cfg.ClientID, core.Cfg.ClientSecret, core.Cfg.Scopes)
	return auth.NewManager(core.Store, endpoint, auth.Config{
		MaxRetries:      core.Cfg.MaxRetries,
		BaseRetryDelay:  core.Cfg.BaseRetryDelay,
		MonitorInterval: core.Cfg.MonitorInterval,
		ExpiryBuffer:    core.Cfg.ExpiryBuffer,
	}, a.Logger, a.Metrics)
}
