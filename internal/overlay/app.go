package overlay

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/channel"
	"github.com/cory-johannsen/tablesync/internal/console"
	"github.com/cory-johannsen/tablesync/internal/credentials"
	"github.com/cory-johannsen/tablesync/internal/resilience"
	"github.com/cory-johannsen/tablesync/internal/server"
	"github.com/cory-johannsen/tablesync/internal/statesync"
)

// Session is one logical session with the authority: a channel driven by a
// connection manager and mirrored by a sync engine.
type Session struct {
	Channel     channel.Channel
	Manager     *resilience.Manager
	Engine      *statesync.Engine
	Credentials *credentials.Store

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewSession groups the session components.
func NewSession(ch channel.Channel, m *resilience.Manager, e *statesync.Engine, creds *credentials.Store) *Session {
	return &Session{
		Channel:     ch,
		Manager:     m,
		Engine:      e,
		Credentials: creds,
		stopped:     make(chan struct{}),
	}
}

// Connect attaches the channel to the manager, which starts dialing.
func (s *Session) Connect() {
	s.Manager.Attach(s.Channel)
}

// Start connects and blocks until Stop.
func (s *Session) Start() error {
	s.Connect()
	<-s.stopped
	return nil
}

// Stop disconnects deliberately and releases Start.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.Manager.Disconnect()
		close(s.stopped)
	})
}

// App is the overlay process: a session plus the console driving it.
type App struct {
	Session *Session
	Console *console.Loop
	logger  *zap.Logger
}

// NewApp creates an App.
func NewApp(s *Session, c *console.Loop, logger *zap.Logger) *App {
	return &App{Session: s, Console: c, logger: logger}
}

// Run serves the session and the console until the console quits, ctx is
// done, or the process is signalled.
func (a *App) Run(ctx context.Context) error {
	lc := server.NewLifecycle(a.logger)
	lc.Add("session", a.Session)
	lc.Add("console", server.NewContextService(func(ctx context.Context) error {
		stop := a.Console.Watch()
		defer stop()
		return a.Console.Run(ctx)
	}))
	return lc.Run(ctx)
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }
