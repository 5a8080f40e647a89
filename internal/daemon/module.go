package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/matheus3301/chatcore/internal/api"
	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/config"
	"github.com/matheus3301/chatcore/internal/conn"
	"github.com/matheus3301/chatcore/internal/lock"
	"github.com/matheus3301/chatcore/internal/logging"
	"github.com/matheus3301/chatcore/internal/profile"
	"github.com/matheus3301/chatcore/internal/rest"
	"github.com/matheus3301/chatcore/internal/status"
	"github.com/matheus3301/chatcore/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideProfile,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCredentials,
			provideDialer,
			provideREST,
			provideManager,
			provideFacade,
			provideChatService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if p.Debug {
		level = zapcore.DebugLevel
	}
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, level)
}

func provideProfile(p Params, logger *zap.Logger) (*config.Profile, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	cfg, err := profile.Load(p.ProfileName)
	if err != nil {
		return nil, err
	}
	logger.Info("profile loaded",
		zap.String("server", cfg.ServerURL),
		zap.String("identity", cfg.Identity),
		zap.Bool("has_token", cfg.Token != ""),
	)
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, cfg *config.Profile, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName), cfg.Identity)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCredentials(p Params, cfg *config.Profile, lk *lock.Lock) *Credentials {
	return NewCredentials(profile.ProfilePath(p.ProfileName), cfg, lk)
}

func provideDialer(cfg *config.Profile, logger *zap.Logger) transport.Dialer {
	return transport.NewWSDialer(transport.WSConfig{URL: cfg.ServerURL}, logger)
}

func provideREST(cfg *config.Profile, creds *Credentials) *rest.Client {
	return rest.New(cfg.ServerURL, "", rest.WithTokenSource(creds.Token))
}

func provideManager(d transport.Dialer, b *bus.Bus, m *status.Machine, cfg *config.Profile, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(d, b, m, conn.Config{
		ReconnectInterval: cfg.Tunables.ReconnectInterval.Duration,
		MaxAttempts:       cfg.Tunables.MaxAttempts,
	}, nil, logger)
}

func provideFacade(mgr *conn.Manager, client *rest.Client, b *bus.Bus, cfg *config.Profile, logger *zap.Logger) *chat.Facade {
	t := cfg.Tunables
	return chat.New(mgr, client, b, chat.Config{
		DuplicateWindow: t.DuplicateWindow.Duration,
		TypingExpiry:    t.TypingExpiry.Duration,
		TypingDebounce:  t.TypingDebounce.Duration,
		SendTimeout:     t.SendTimeout.Duration,
		PageSize:        t.PageSize,
	}, nil, logger)
}

func provideChatService(p Params, facade *chat.Facade, creds *Credentials, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(facade, creds, p.ProfileName, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, mgr *conn.Manager, facade *chat.Facade, creds *Credentials, logger *zap.Logger) {
	signals := make(chan os.Signal, 1)
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// SIGUSR1 is the visibility hook: the host woke up or the
			// terminal regained focus.
			signal.Notify(signals, syscall.SIGUSR1)
			go func() {
				for range signals {
					logger.Info("resume requested")
					if err := facade.Resume(context.Background()); err != nil {
						logger.Warn("resume failed", zap.Error(err))
					}
				}
			}()

			identity, token := creds.Identity(), creds.Token()
			if token == "" {
				logger.Info("no credentials found, login required")
				return nil
			}
			go func() {
				// An empty identity comes from the token claims.
				state, err := facade.Initialize(context.Background(), identity, token)
				if err != nil {
					logger.Error("initialize failed", zap.Error(err))
					return
				}
				self := facade.Diagnostics().Self
				if self != identity {
					if err := creds.Store(self, token); err != nil {
						logger.Warn("saving identity failed", zap.Error(err))
					}
				}
				logger.Info("initialized", zap.String("identity", self), zap.String("state", string(state)))
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			signal.Stop(signals)
			close(signals)
			facade.Close()
			if err := mgr.Close(); err != nil {
				logger.Warn("error closing connection", zap.Error(err))
			}
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
