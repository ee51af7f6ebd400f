package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/tablesync/internal/channel"
	"github.com/cory-johannsen/tablesync/internal/channel/channeltest"
	"github.com/cory-johannsen/tablesync/internal/credentials"
	"github.com/cory-johannsen/tablesync/internal/protocol"
	"github.com/cory-johannsen/tablesync/internal/timer/timertest"
)

var errRefused = errors.New("dial tcp 10.0.0.1:8080: connect: connection refused")

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(m *Manager, kinds ...EventKind) *recorder {
	r := &recorder{}
	for _, k := range kinds {
		m.On(k, func(ev Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) of(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) phases() []Phase {
	var out []Phase
	for _, ev := range r.of(EventConnectionStateChange) {
		out = append(out, ev.State.Phase)
	}
	return out
}

func testOptions(sched *timertest.Fake) Options {
	return Options{
		Backoff:              Backoff{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second},
		MaxReconnectAttempts: 5,
		HeartbeatInterval:    5 * time.Second,
		HeartbeatTimeout:     2 * time.Second,
		Scheduler:            sched,
		Now:                  sched.Now,
	}
}

func newTestManager(t *testing.T, mutate ...func(*Options)) (*Manager, *channeltest.Fake, *timertest.Fake) {
	t.Helper()
	sched := timertest.New()
	opts := testOptions(sched)
	for _, f := range mutate {
		f(&opts)
	}
	m := NewManager(opts, zaptest.NewLogger(t))
	t.Cleanup(m.Close)
	return m, channeltest.New(), sched
}

// connected attaches ch and completes the dial.
func connected(t *testing.T, m *Manager, ch *channeltest.Fake) {
	t.Helper()
	m.Attach(ch)
	ch.FireConnect()
	require.True(t, m.IsConnected())
}

func TestManager_AttachStartsConnecting(t *testing.T) {
	m, ch, _ := newTestManager(t)
	rec := record(m, EventConnectionStateChange)

	assert.Equal(t, PhaseIdle, m.State().Phase)
	m.Attach(ch)
	assert.Equal(t, 1, ch.Connects())
	st := m.State()
	assert.Equal(t, PhaseConnecting, st.Phase)
	assert.True(t, st.Connecting)
	assert.NotEmpty(t, st.SessionID)

	ch.FireConnect()
	st = m.State()
	assert.Equal(t, PhaseConnected, st.Phase)
	assert.True(t, st.Connected)
	assert.False(t, st.Connecting)
	assert.Equal(t, 0, st.ReconnectAttempts)
	assert.False(t, st.LastConnectedAt.IsZero())
	assert.Equal(t, []Phase{PhaseConnecting, PhaseConnected}, rec.phases())
}

func TestManager_AttachSameChannelIsIdempotent(t *testing.T) {
	m, ch, _ := newTestManager(t)
	rec := record(m, EventConnectionStateChange)

	m.Attach(ch)
	m.Attach(ch)
	assert.Equal(t, 1, ch.Connects())
	assert.Equal(t, 1, ch.Handlers(channel.TopicConnect))

	ch.FireConnect()
	assert.Equal(t, []Phase{PhaseConnecting, PhaseConnected}, rec.phases())
}

func TestManager_AttachDifferentChannelUnbindsPrevious(t *testing.T) {
	m, first, _ := newTestManager(t)
	second := channeltest.New()

	m.Attach(first)
	m.Attach(second)
	assert.Equal(t, 0, first.Handlers(channel.TopicConnect))
	assert.Equal(t, 0, first.Handlers(channel.TopicDisconnect))

	first.FireConnect()
	assert.False(t, m.IsConnected())

	second.FireConnect()
	assert.True(t, m.IsConnected())
}

func TestManager_AttachAlreadyConnectedChannel(t *testing.T) {
	m, ch, _ := newTestManager(t)
	ch.SetConnected(true)

	m.Attach(ch)
	assert.Equal(t, 0, ch.Connects())
	assert.Equal(t, PhaseConnected, m.State().Phase)
}

func TestManager_TransportCloseSchedulesOneRetryAtBaseDelay(t *testing.T) {
	m, ch, sched := newTestManager(t)
	connected(t, m, ch)
	rec := record(m, EventReconnectScheduled, EventReconnectAttempt, EventReconnect)
	sched.Reset()

	ch.FireDisconnect(channel.ReasonTransportClose)
	st := m.State()
	assert.Equal(t, PhaseDisconnected, st.Phase)
	assert.Equal(t, channel.ReasonTransportClose, st.DisconnectReason)
	assert.Equal(t, 1, st.ReconnectAttempts)
	assert.Equal(t, []time.Duration{time.Second}, sched.Active())
	scheduled := rec.of(EventReconnectScheduled)
	require.Len(t, scheduled, 1)
	assert.Equal(t, 1, scheduled[0].Attempt)
	assert.Equal(t, time.Second, scheduled[0].Delay)

	sched.Advance(time.Second)
	assert.Equal(t, 2, ch.Connects())
	assert.Equal(t, PhaseConnecting, m.State().Phase)
	require.Len(t, rec.of(EventReconnectAttempt), 1)
	assert.Equal(t, 1, rec.of(EventReconnectAttempt)[0].Attempt)

	ch.FireConnect()
	assert.Len(t, rec.of(EventReconnect), 1)
	assert.Equal(t, 0, m.State().ReconnectAttempts)
}

func TestManager_DeliberateDisconnectDoesNotReconnect(t *testing.T) {
	for _, reason := range []string{channel.ReasonServerDisconnect, channel.ReasonClientDisconnect} {
		t.Run(reason, func(t *testing.T) {
			m, ch, sched := newTestManager(t)
			connected(t, m, ch)

			ch.FireDisconnect(reason)
			assert.Equal(t, PhaseDisconnected, m.State().Phase)
			assert.Empty(t, sched.Active())

			sched.Advance(time.Minute)
			assert.Equal(t, 1, ch.Connects())
		})
	}
}

func TestManager_FiveConnectErrorsExhaust(t *testing.T) {
	m, ch, sched := newTestManager(t)
	rec := record(m, EventReconnectFailed, EventError)
	m.Attach(ch)

	for i := 0; i < 5; i++ {
		ch.FireConnectError(errRefused)
	}

	st := m.State()
	assert.Equal(t, PhaseRetryExhausted, st.Phase)
	require.NotNil(t, st.LastError)
	assert.Equal(t, KindExhausted, st.LastError.Kind)
	assert.Len(t, rec.of(EventReconnectFailed), 1)
	assert.Empty(t, sched.Active())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, sched.History())

	ch.FireConnectError(errRefused)
	sched.Advance(time.Hour)
	assert.Empty(t, sched.Active())
	assert.Equal(t, 1, ch.Connects())
	assert.Len(t, rec.of(EventReconnectFailed), 1)

	m.Retry()
	st = m.State()
	assert.Equal(t, PhaseConnecting, st.Phase)
	assert.Equal(t, 0, st.ReconnectAttempts)
	assert.Equal(t, 2, ch.Connects())
}

func TestManager_BackoffGrowsAcrossFiredRetriesAndResetsOnConnect(t *testing.T) {
	m, ch, sched := newTestManager(t, func(o *Options) { o.MaxReconnectAttempts = 10 })
	m.Attach(ch)

	var delays []time.Duration
	for i := 0; i < 6; i++ {
		ch.FireConnectError(errRefused)
		active := sched.Active()
		require.Len(t, active, 1)
		delays = append(delays, active[0])
		sched.Advance(active[0])
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second,
	}, delays)
	assert.Equal(t, 7, ch.Connects())

	ch.FireConnect()
	ch.FireDisconnect(channel.ReasonTransportError)
	assert.Contains(t, sched.Active(), time.Second)
}

func TestManager_NewerFailureReplacesPendingTimer(t *testing.T) {
	m, ch, sched := newTestManager(t)
	m.Attach(ch)

	ch.FireConnectError(errRefused)
	ch.FireConnectError(errRefused)
	assert.Equal(t, []time.Duration{2 * time.Second}, sched.Active())
}

func TestManager_CriticalErrorRequiresReauthentication(t *testing.T) {
	creds := credentials.NewStore("stale-token", nil)
	m, ch, sched := newTestManager(t, func(o *Options) { o.Credentials = creds })
	rec := record(m, EventAuthRequired, EventError)
	m.Attach(ch)

	ch.FireConnectError(fmt.Errorf("handshake: %w", channel.ErrUnauthorized))

	st := m.State()
	assert.Equal(t, PhaseErrored, st.Phase)
	require.NotNil(t, st.LastError)
	assert.Equal(t, KindCritical, st.LastError.Kind)
	assert.Len(t, rec.of(EventAuthRequired), 1)
	assert.Len(t, rec.of(EventError), 1)
	assert.Empty(t, sched.Active())
	assert.Empty(t, creds.Token())

	creds.Set("fresh-token")
	m.Retry()
	assert.Equal(t, 2, ch.Connects())
	ch.FireConnect()
	assert.True(t, m.IsConnected())
}

func TestManager_RefusedDialToAuthLikePortIsTransient(t *testing.T) {
	creds := credentials.NewStore("tok", nil)
	m, ch, sched := newTestManager(t, func(o *Options) { o.Credentials = creds })
	rec := record(m, EventAuthRequired)
	m.Attach(ch)

	ch.FireConnectError(errors.New("dialing ws://127.0.0.1:40123/session: dial tcp 127.0.0.1:40123: connect: connection refused"))

	st := m.State()
	require.NotNil(t, st.LastError)
	assert.Equal(t, KindTransient, st.LastError.Kind)
	assert.Equal(t, PhaseErrored, st.Phase)
	assert.Equal(t, []time.Duration{time.Second}, sched.Active())
	assert.Empty(t, rec.of(EventAuthRequired))
	assert.Equal(t, "tok", creds.Token())
}

func TestManager_ConnectTimeoutIsTransient(t *testing.T) {
	m, ch, sched := newTestManager(t)
	m.Attach(ch)

	ch.Fire(channel.Event{Topic: channel.TopicConnectTimeout})
	st := m.State()
	require.NotNil(t, st.LastError)
	assert.Equal(t, KindTransient, st.LastError.Kind)
	assert.Equal(t, []time.Duration{time.Second}, sched.Active())
}

func TestManager_UnreachableNetworkSkipsDial(t *testing.T) {
	reachable := false
	m, ch, sched := newTestManager(t, func(o *Options) {
		o.Prober = ProberFunc(func(context.Context) error {
			if reachable {
				return nil
			}
			return errors.New("no route to host")
		})
	})
	connected(t, m, ch)
	sched.Reset()

	ch.FireDisconnect(channel.ReasonTransportClose)
	sched.Advance(time.Second)
	assert.Equal(t, 1, ch.Connects())
	st := m.State()
	assert.Equal(t, 2, st.ReconnectAttempts)
	require.NotNil(t, st.LastError)
	assert.Contains(t, st.LastError.Message, "network unreachable")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sched.History())

	reachable = true
	sched.Advance(2 * time.Second)
	assert.Equal(t, 2, ch.Connects())
	assert.Equal(t, PhaseConnecting, m.State().Phase)
}

func TestManager_RetryMidBackoff(t *testing.T) {
	m, ch, sched := newTestManager(t)
	connected(t, m, ch)
	ch.FireDisconnect(channel.ReasonTransportClose)
	require.Len(t, sched.Active(), 1)

	m.Retry()
	assert.Empty(t, sched.Active())
	assert.Equal(t, 2, ch.Connects())
	assert.Equal(t, 0, m.State().ReconnectAttempts)

	sched.Advance(time.Minute)
	assert.Equal(t, 2, ch.Connects())
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	m, ch, sched := newTestManager(t)
	connected(t, m, ch)

	m.Disconnect()
	assert.Equal(t, PhaseIdle, m.State().Phase)
	assert.False(t, m.IsConnected())
	assert.Equal(t, 1, ch.Disconnects())
	assert.Empty(t, sched.Active())

	m.Disconnect()
	assert.Equal(t, 1, ch.Disconnects())
	assert.Equal(t, PhaseIdle, m.State().Phase)
}

func TestManager_DisconnectDuringBackoffCancelsRetry(t *testing.T) {
	m, ch, sched := newTestManager(t)
	connected(t, m, ch)
	ch.FireDisconnect(channel.ReasonTransportClose)

	m.Disconnect()
	assert.Empty(t, sched.Active())
	sched.Advance(time.Minute)
	assert.Equal(t, 1, ch.Connects())
}

func TestManager_PanickingListenerDoesNotBlockOthers(t *testing.T) {
	m, ch, _ := newTestManager(t)
	m.On(EventConnectionStateChange, func(Event) { panic("listener bug") })
	var phases []Phase
	m.OnStateChange(func(s SessionState) { phases = append(phases, s.Phase) })

	connected(t, m, ch)
	assert.Equal(t, []Phase{PhaseConnecting, PhaseConnected}, phases)
}

func TestManager_StateIsACopy(t *testing.T) {
	m, ch, _ := newTestManager(t)
	m.Attach(ch)
	ch.FireConnectError(errRefused)

	st := m.State()
	require.NotNil(t, st.LastError)
	st.LastError.Message = "mutated"
	st.ReconnectAttempts = 99
	assert.NotEqual(t, "mutated", m.State().LastError.Message)
	assert.Equal(t, 1, m.State().ReconnectAttempts)
}

func TestManager_RoutesSurviveReattach(t *testing.T) {
	m, first, _ := newTestManager(t)
	second := channeltest.New()

	var got []string
	m.Route(protocol.TopicPotUpdate, func(ev channel.Event) { got = append(got, string(ev.Data)) })

	m.Attach(first)
	require.NoError(t, first.Deliver(protocol.TopicPotUpdate, protocol.PotUpdate{Pot: 1}))
	m.Attach(second)
	require.NoError(t, second.Deliver(protocol.TopicPotUpdate, protocol.PotUpdate{Pot: 2}))
	require.NoError(t, first.Deliver(protocol.TopicPotUpdate, protocol.PotUpdate{Pot: 3}))

	assert.Equal(t, []string{`{"updateId":0,"pot":1}`, `{"updateId":0,"pot":2}`}, got)
}

func TestManager_EmitRequiresConnection(t *testing.T) {
	m, ch, _ := newTestManager(t)
	assert.ErrorIs(t, m.Emit(protocol.TopicGameAction, nil), channel.ErrNotConnected)

	m.Attach(ch)
	assert.ErrorIs(t, m.Emit(protocol.TopicGameAction, nil), channel.ErrNotConnected)

	ch.FireConnect()
	require.NoError(t, m.Emit(protocol.TopicRequestFullState, nil))
	assert.Len(t, ch.EmittedOn(protocol.TopicRequestFullState), 1)
}

func TestManager_HealthCheckRoundTrip(t *testing.T) {
	m, ch, _ := newTestManager(t)
	connected(t, m, ch)

	type result struct {
		rtt time.Duration
		err error
	}
	done := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		rtt, err := m.HealthCheck(ctx)
		done <- result{rtt, err}
	}()

	require.Eventually(t, func() bool {
		return len(ch.EmittedOn(protocol.TopicHealthCheck)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var probe protocol.HealthCheck
	require.NoError(t, json.Unmarshal(ch.EmittedOn(protocol.TopicHealthCheck)[0].Payload, &probe))
	require.NoError(t, ch.Deliver(protocol.TopicHealthCheckAck, probe))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, time.Duration(0), res.rtt)
}

func TestManager_HealthCheckWhileDisconnected(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.HealthCheck(context.Background())
	assert.ErrorIs(t, err, channel.ErrNotConnected)
}

func TestManager_CloseDropsListeners(t *testing.T) {
	m, ch, _ := newTestManager(t)
	rec := record(m, EventConnectionStateChange)
	connected(t, m, ch)

	m.Close()
	before := len(rec.phases())
	ch.FireConnect()
	m.Attach(channeltest.New())
	assert.Len(t, rec.phases(), before)
	assert.Equal(t, 0, ch.Handlers(channel.TopicConnect))
}
