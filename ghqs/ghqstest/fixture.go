package ghqstest

import (
	"context"
	"testing"

	"github.com/gordian-engine/ghq/ghqs"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

// Fixture bundles one session with its scripted transport.
type Fixture struct {
	T  *testing.T
	Tr *Transport
	S  *ghqs.Session
}

// FixtureConfig is the configuration value for [NewFixture].
type FixtureConfig struct {
	ALPN      string
	Direction ghqs.Direction

	// Session overrides merged into the generated config.
	// Transport and Direction are always replaced.
	Session ghqs.SessionConfig
}

// NewFixture starts a session over a fresh scripted transport and
// settles its setup work (control stream prefaces, SETTINGS).
func NewFixture(t *testing.T, ctx context.Context, cfg FixtureConfig) *Fixture {
	t.Helper()

	tr := NewTransport(TransportConfig{
		ALPN:     cfg.ALPN,
		IsClient: cfg.Direction == ghqs.DirectionUpstream,
	})

	sc := cfg.Session
	sc.Direction = cfg.Direction
	sc.Transport = tr
	if sc.Direction == ghqs.DirectionDownstream && sc.OnRequest == nil {
		sc.OnRequest = func(*ghqs.Transaction) ghqs.Handler { return nil }
	}

	s, err := ghqs.NewSession(ctx, slogt.New(t), sc)
	require.NoError(t, err)

	f := &Fixture{T: t, Tr: tr, S: s}
	f.Settle()
	return f
}

// WaitLoop runs one round trip through the session loop,
// guaranteeing every previously delivered event was handled.
func (f *Fixture) WaitLoop() {
	f.T.Helper()
	done := make(chan struct{})
	f.S.RunOnLoop(func() { close(done) })
	select {
	case <-done:
	case <-f.S.Done():
	}
}

// Settle pumps queued transport responses (write grants, delivery
// acks) into the session until both sides quiesce.
func (f *Fixture) Settle() {
	f.T.Helper()
	for i := 0; i < 64; i++ {
		f.WaitLoop()
		evs := f.Tr.TakePending()
		if len(evs) == 0 {
			return
		}
		for _, ev := range evs {
			f.S.Deliver(ev)
		}
	}
	f.T.Fatal("transport and session did not settle")
}

// Deliver forwards one event and settles.
func (f *Fixture) Deliver(ev ghqs.Event) {
	f.T.Helper()
	f.S.Deliver(ev)
	f.Settle()
}

// RunOnLoop executes f on the session loop and waits for it.
func (f *Fixture) RunOnLoop(fn func()) {
	f.T.Helper()
	done := make(chan struct{})
	f.S.RunOnLoop(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-f.S.Done():
	}
	f.Settle()
}
