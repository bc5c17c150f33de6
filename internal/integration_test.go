package internal_test

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/gordian-engine/ghq/ghqcodec"
	"github.com/gordian-engine/ghq/ghqs"
	"github.com/gordian-engine/ghq/ghqs/ghqstest"
	"github.com/stretchr/testify/require"
)

// wirePump forwards bytes written on one scripted transport to the
// peer session as stream events, so two sessions converse end to end
// without a real QUIC stack.
type wirePump struct {
	forwarded map[ghqs.StreamID]int
	announced map[ghqs.StreamID]bool
	finned    map[ghqs.StreamID]bool
}

func newWirePump() *wirePump {
	return &wirePump{
		forwarded: make(map[ghqs.StreamID]int),
		announced: make(map[ghqs.StreamID]bool),
		finned:    make(map[ghqs.StreamID]bool),
	}
}

// pump forwards fresh bytes and stream events from one side to the
// other's session. It reports whether anything moved.
func (p *wirePump) pump(from *ghqstest.Transport, fromIsClient bool, to *ghqs.Session) bool {
	moved := false
	for _, id := range from.StreamIDs() {
		data := from.Written(id)
		fin := from.Stream(id).FinSent

		if len(data) == 0 && !fin {
			continue
		}

		// Streams the writing side initiated are announced to the
		// peer first; the response half of a peer-initiated
		// bidirectional stream is already known over there.
		if id.InitiatedByClient() == fromIsClient && !p.announced[id] {
			p.announced[id] = true
			moved = true
			if id.IsBidi() {
				to.Deliver(ghqs.EventNewBidiStream{ID: id})
			} else {
				to.Deliver(ghqs.EventNewUniStream{ID: id})
			}
		}

		already := p.forwarded[id]
		fresh := data[already:]
		finNow := fin && !p.finned[id]
		if len(fresh) == 0 && !finNow {
			continue
		}

		p.forwarded[id] = len(data)
		if finNow {
			p.finned[id] = true
		}
		moved = true
		to.Deliver(ghqs.EventStreamData{
			ID:   id,
			Data: append([]byte(nil), fresh...),
			FIN:  finNow,
		})
	}
	return moved
}

// converse pumps both directions until the wire quiesces.
func converse(t *testing.T, client, server *ghqstest.Fixture, c2s, s2c *wirePump) {
	t.Helper()
	for i := 0; i < 200; i++ {
		client.Settle()
		server.Settle()
		a := c2s.pump(client.Tr, true, server.S)
		server.Settle()
		b := s2c.pump(server.Tr, false, client.S)
		client.Settle()
		if !a && !b {
			return
		}
	}
	t.Fatal("sessions did not quiesce")
}

// clientHandler records the exchange for assertions.
type clientHandler struct {
	mu     sync.Mutex
	status int
	body   bytes.Buffer
	eom    bool
	errs   []error
	txn    *ghqs.Transaction
}

func (h *clientHandler) OnTransaction(txn *ghqs.Transaction)                { h.txn = txn }
func (h *clientHandler) OnTrailers([]ghqcodec.HeaderField)                  {}
func (h *clientHandler) OnPushPromise(*ghqs.Transaction, *ghqcodec.Message) {}
func (h *clientHandler) OnEgressPaused()                                    {}
func (h *clientHandler) OnEgressResumed()                                   {}
func (h *clientHandler) OnDetach()                                          {}

func (h *clientHandler) OnHeaders(msg *ghqcodec.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = msg.Status
}

func (h *clientHandler) OnBody(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.body.Write(b)
}

func (h *clientHandler) OnEOM() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eom = true
}

func (h *clientHandler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

// echoServer responds to every request with "echo:" and the request
// path as body.
type echoServer struct {
	ghqs.BaseHandler
	path string
}

func (h *echoServer) OnHeaders(msg *ghqcodec.Message) {
	h.path = msg.Path
}

func (h *echoServer) OnEOM() {
	_ = h.Txn.SendHeaders(&ghqcodec.Message{Status: 200})
	_ = h.Txn.SendBody([]byte("echo:" + h.path))
	_ = h.Txn.SendEOM()
}

// Upstream and downstream sessions, wired back to back over the
// scripted transports: a full request/response exchange in each
// dialect, then an orderly drain.
func TestSessions_endToEnd(t *testing.T) {
	t.Parallel()

	for _, alpn := range []string{"h3-29", "h1q-fb-v2", "h1q-fb"} {
		t.Run(alpn, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
				ALPN:      alpn,
				Direction: ghqs.DirectionDownstream,
				Session: ghqs.SessionConfig{
					OnRequest: func(txn *ghqs.Transaction) ghqs.Handler {
						return new(echoServer)
					},
				},
			})
			client := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
				ALPN:      alpn,
				Direction: ghqs.DirectionUpstream,
			})

			c2s := newWirePump()
			s2c := newWirePump()

			// The control stream plumbing settles first.
			converse(t, client, server, c2s, s2c)

			h := new(clientHandler)
			txn, err := client.S.NewTransaction(h)
			require.NoError(t, err)
			client.RunOnLoop(func() {
				msg := &ghqcodec.Message{
					Method: "GET", Scheme: "https", Authority: "test", Path: "/it",
				}
				if alpn == "h1q-fb" || alpn == "h1q-fb-v2" {
					msg.Headers = []ghqcodec.HeaderField{
						{Name: "Content-Length", Value: "0"},
					}
				}
				require.NoError(t, txn.SendHeaders(msg))
				require.NoError(t, txn.SendEOM())
			})

			converse(t, client, server, c2s, s2c)

			h.mu.Lock()
			require.Empty(t, h.errs)
			require.Equal(t, 200, h.status)
			require.Equal(t, "echo:/it", h.body.String())
			require.True(t, h.eom)
			h.mu.Unlock()

			// Orderly drain from the server side.
			server.S.CloseWhenIdle()
			converse(t, client, server, c2s, s2c)

			server.S.Wait()
			require.True(t, server.Tr.Closed)
		})
	}
}
