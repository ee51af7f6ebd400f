package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/protocol"
	"github.com/cory-johannsen/tablesync/internal/resilience"
	"github.com/cory-johannsen/tablesync/internal/statesync"
)

// Engine is the part of the sync engine the console drives.
type Engine interface {
	SendAction(a protocol.Action) bool
	Snapshot() statesync.Replica
	Pending() []statesync.PendingUpdate
	Subscribe(topic statesync.Topic, fn func(statesync.Notification)) (unsubscribe func())
}

// Connection is the part of the connection manager the console drives.
type Connection interface {
	State() resilience.SessionState
	Retry()
	HealthCheck(ctx context.Context) (time.Duration, error)
}

// Credentials receives a replacement token after the authority refused the old one.
type Credentials interface {
	Set(token string)
}

const helpText = `commands:
  fold | check | call [N] | bet N | raise N | allin
  state    show the table
  retry    reconnect now
  token T  replace the session token and reconnect
  health   measure round trip
  quit
`

// Loop reads commands from in and writes output to out.
type Loop struct {
	engine        Engine
	conn          Connection
	creds         Credentials
	playerID      string
	healthTimeout time.Duration
	logger        *zap.Logger

	in io.Reader

	outMu sync.Mutex
	out   io.Writer
}

// NewLoop creates a console acting for playerID.
//
// Precondition: engine, conn and creds must not be nil; playerID must be non-empty.
func NewLoop(engine Engine, conn Connection, creds Credentials, playerID string, in io.Reader, out io.Writer, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		engine:        engine,
		conn:          conn,
		creds:         creds,
		playerID:      playerID,
		healthTimeout: 5 * time.Second,
		logger:        logger,
		in:            in,
		out:           out,
	}
}

func (l *Loop) println(s string) {
	l.outMu.Lock()
	defer l.outMu.Unlock()
	fmt.Fprintln(l.out, s)
}

// Watch prints notifications as they arrive.
//
// Postcondition: Returns a func that stops watching.
func (l *Loop) Watch() (stop func()) {
	topics := []statesync.Topic{
		statesync.TopicAction,
		statesync.TopicConflict,
		statesync.TopicConnection,
		statesync.TopicPhase,
		statesync.TopicCards,
	}
	offs := make([]func(), 0, len(topics))
	for _, topic := range topics {
		offs = append(offs, l.engine.Subscribe(topic, func(n statesync.Notification) {
			if line := RenderNotification(n); line != "" {
				l.println(line)
			}
		}))
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// Run reads lines until quit, end of input, or ctx is done.
//
// Postcondition: Returns nil on quit or end of input, ctx.Err() on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		sc := bufio.NewScanner(l.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if l.Execute(ctx, line) {
				return nil
			}
		}
	}
}

// Execute runs one command line.
//
// Postcondition: Returns true when the line asked to quit.
func (l *Loop) Execute(ctx context.Context, line string) (quit bool) {
	parsed := Parse(line)
	if parsed.Command == "" {
		return false
	}
	cmd, err := Resolve(parsed)
	if err != nil {
		if errors.Is(err, ErrUnknownCommand) {
			l.println(Colorize(Red, err.Error()) + " (try help)")
		} else {
			l.println(Colorize(Red, err.Error()))
		}
		return false
	}

	switch cmd.Kind {
	case KindQuit:
		return true
	case KindHelp:
		l.println(helpText)
	case KindState:
		l.println(RenderSession(l.conn.State()))
		l.println(RenderReplica(l.engine.Snapshot(), l.playerID))
		if n := len(l.engine.Pending()); n > 0 {
			l.println(Colorf(Dim, "%d action(s) awaiting confirmation", n))
		}
	case KindRetry:
		l.conn.Retry()
		l.println("reconnecting")
	case KindToken:
		l.creds.Set(cmd.Token)
		l.conn.Retry()
		l.println("token updated, reconnecting")
	case KindHealth:
		hctx, cancel := context.WithTimeout(ctx, l.healthTimeout)
		rtt, err := l.conn.HealthCheck(hctx)
		cancel()
		if err != nil {
			l.println(Colorf(Red, "health check failed: %v", err))
			break
		}
		l.println(Colorf(Green, "round trip %s", rtt.Round(time.Millisecond)))
	case KindAction:
		a := protocol.Action{PlayerID: l.playerID, Type: cmd.Action, Amount: cmd.Amount}
		if !l.engine.SendAction(a) {
			l.println(Colorize(Red, "not sent: not connected"))
			break
		}
		l.logger.Debug("action sent", zap.String("type", string(cmd.Action)), zap.Int64("amount", cmd.Amount))
	}
	return false
}
