package ghqs_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gordian-engine/ghq/ghqcodec"
	"github.com/gordian-engine/ghq/ghqs"
	"github.com/gordian-engine/ghq/ghqs/ghqstest"
	"github.com/gordian-engine/ghq/ghqwire"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

// recHandler records every transaction callback for assertions.
// Callbacks run on the session loop; tests read after settling,
// so everything is mutex-guarded.
type recHandler struct {
	mu sync.Mutex

	txn      *ghqs.Transaction
	headers  []*ghqcodec.Message
	body     bytes.Buffer
	trailers [][]ghqcodec.HeaderField
	eom      int
	errs     []error
	paused   int
	resumed  int
	detached bool

	pushTxns []*ghqs.Transaction
	pushMsgs []*ghqcodec.Message

	// Optional hook invoked on push promises, on the loop.
	onPush func(*ghqs.Transaction, *ghqcodec.Message)
}

func (h *recHandler) OnTransaction(txn *ghqs.Transaction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.txn = txn
}

func (h *recHandler) OnHeaders(msg *ghqcodec.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.headers = append(h.headers, msg)
}

func (h *recHandler) OnBody(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.body.Write(b)
}

func (h *recHandler) OnTrailers(trailers []ghqcodec.HeaderField) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trailers = append(h.trailers, trailers)
}

func (h *recHandler) OnEOM() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eom++
}

func (h *recHandler) OnPushPromise(pushTxn *ghqs.Transaction, msg *ghqcodec.Message) {
	h.mu.Lock()
	h.pushTxns = append(h.pushTxns, pushTxn)
	h.pushMsgs = append(h.pushMsgs, msg)
	hook := h.onPush
	h.mu.Unlock()
	if hook != nil {
		hook(pushTxn, msg)
	}
}

func (h *recHandler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *recHandler) OnEgressPaused() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused++
}

func (h *recHandler) OnEgressResumed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resumed++
}

func (h *recHandler) OnDetach() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detached = true
}

func (h *recHandler) snapshot() recSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return recSnapshot{
		Headers:  append([]*ghqcodec.Message(nil), h.headers...),
		Body:     h.body.String(),
		EOM:      h.eom,
		Errs:     append([]error(nil), h.errs...),
		Paused:   h.paused,
		Resumed:  h.resumed,
		Detached: h.detached,
	}
}

type recSnapshot struct {
	Headers  []*ghqcodec.Message
	Body     string
	EOM      int
	Errs     []error
	Paused   int
	Resumed  int
	Detached bool
}

// peerWire builds wire bytes the way a remote H3 peer would,
// with its own QPACK state.
type peerWire struct {
	qp *ghqcodec.QPACK
}

func newPeerWire() *peerWire {
	return &peerWire{qp: ghqcodec.NewQPACK(4096)}
}

func (p *peerWire) request(t *testing.T, path string, body []byte, eom bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	c := ghqcodec.NewH3Codec(ghqcodec.TransmitRequests, p.qp, nil)
	require.NoError(t, c.GenerateHeader(&buf, &ghqcodec.Message{
		Method: "GET", Scheme: "https", Authority: "test", Path: path,
	}))
	if len(body) > 0 {
		require.NoError(t, c.GenerateBody(&buf, body))
	}
	if eom {
		require.NoError(t, c.GenerateEOM(&buf))
	}
	return buf.Bytes()
}

func (p *peerWire) response(t *testing.T, status int, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	c := ghqcodec.NewH3Codec(ghqcodec.TransmitResponses, p.qp, nil)
	require.NoError(t, c.GenerateHeader(&buf, &ghqcodec.Message{Status: status}))
	if len(body) > 0 {
		require.NoError(t, c.GenerateBody(&buf, body))
	}
	return buf.Bytes()
}

// parseFrames decodes the frame sequence on a control stream,
// skipping the stream-type preface.
func parseControlFrames(t *testing.T, raw []byte) []ghqwire.FrameHeader {
	t.Helper()
	_, n, err := ghqwire.ParseVarint(raw)
	require.NoError(t, err)
	require.Positive(t, n)
	raw = raw[n:]

	var out []ghqwire.FrameHeader
	for len(raw) > 0 {
		hdr, n, err := ghqwire.ParseFrameHeader(raw)
		require.NoError(t, err)
		require.Positive(t, n)
		require.GreaterOrEqual(t, uint64(len(raw)-n), hdr.Length)
		out = append(out, hdr)
		raw = raw[n+int(hdr.Length):]
	}
	return out
}

// goawayBounds extracts the GOAWAY payloads in order.
func goawayBounds(t *testing.T, raw []byte) []uint64 {
	t.Helper()
	_, n, err := ghqwire.ParseVarint(raw)
	require.NoError(t, err)
	raw = raw[n:]

	var bounds []uint64
	for len(raw) > 0 {
		hdr, n, err := ghqwire.ParseFrameHeader(raw)
		require.NoError(t, err)
		payload := raw[n : n+int(hdr.Length)]
		if hdr.Type == ghqwire.FrameTypeGoAway {
			id, err := ghqwire.ParseGoAway(payload)
			require.NoError(t, err)
			bounds = append(bounds, id)
		}
		raw = raw[n+int(hdr.Length):]
	}
	return bounds
}

func TestSession_h3SetupStreams(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
		ALPN:      "h3-29",
		Direction: ghqs.DirectionUpstream,
	})
	require.Equal(t, ghqs.DialectH3, f.S.Dialect())

	// Control, QPACK encoder, QPACK decoder prefaces, in order,
	// on the three self uni streams (client ids 2, 6, 10).
	ctl := f.Tr.Written(2)
	require.NotEmpty(t, ctl)
	require.Equal(t, byte(0x00), ctl[0])

	frames := parseControlFrames(t, ctl)
	require.Len(t, frames, 1)
	require.Equal(t, ghqwire.FrameTypeSettings, frames[0].Type)

	require.Equal(t, []byte{0x02}, f.Tr.Written(6))
	require.Equal(t, []byte{0x03}, f.Tr.Written(10))
}

func TestSession_unsupportedALPN(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	tr := ghqstest.NewTransport(ghqstest.TransportConfig{
		ALPN: "spdy/3", IsClient: true,
	})
	s, err := ghqs.NewSession(ctx, slogt.New(t), ghqs.SessionConfig{
		Direction: ghqs.DirectionUpstream,
		Transport: tr,
		OnConnectError: func(err error) {
			errCh <- err
		},
	})
	require.NoError(t, err)

	select {
	case err := <-errCh:
		require.ErrorContains(t, err, "ALPN")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connect error")
	}
	s.Wait()
	require.True(t, tr.Closed)
}

func TestSession_connectFailsWithoutUniCredit(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	tr := ghqstest.NewTransport(ghqstest.TransportConfig{
		ALPN: "h3-29", IsClient: true,
	}).WithUniCredit(1) // H3 needs three.

	s, err := ghqs.NewSession(ctx, slogt.New(t), ghqs.SessionConfig{
		Direction: ghqs.DirectionUpstream,
		Transport: tr,
		OnConnectError: func(err error) {
			errCh <- err
		},
	})
	require.NoError(t, err)

	select {
	case err := <-errCh:
		require.ErrorContains(t, err, "connect failed")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connect error")
	}
	s.Wait()
}

func TestSession_simpleGetUpstream(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
		ALPN:      "h3-29",
		Direction: ghqs.DirectionUpstream,
	})

	rec := new(recHandler)
	txn, err := f.S.NewTransaction(rec)
	require.NoError(t, err)

	f.RunOnLoop(func() {
		require.NoError(t, txn.SendHeaders(&ghqcodec.Message{
			Method: "GET", Scheme: "https", Authority: "test", Path: "/",
		}))
		require.NoError(t, txn.SendEOM())
	})

	// The request went out on stream 0, FIN set.
	req := f.Tr.Written(0)
	require.NotEmpty(t, req)
	require.True(t, f.Tr.Stream(0).FinSent)
	hdr, _, err := ghqwire.ParseFrameHeader(req)
	require.NoError(t, err)
	require.Equal(t, ghqwire.FrameTypeHeaders, hdr.Type)

	// Deliver the peer's response.
	peer := newPeerWire()
	body := bytes.Repeat([]byte("x"), 100)
	f.Deliver(ghqs.EventStreamData{
		ID:   0,
		Data: peer.response(t, 200, body),
		FIN:  true,
	})

	snap := rec.snapshot()
	require.Len(t, snap.Headers, 1)
	require.Equal(t, 200, snap.Headers[0].Status)
	require.Len(t, snap.Body, 100)
	require.Equal(t, 1, snap.EOM)
	require.True(t, snap.Detached)
	require.Empty(t, snap.Errs)
}

// responder answers every request with a fixed body once EOM arrives.
type responder struct {
	recHandler
	status int
	body   []byte
}

func (h *responder) OnEOM() {
	h.recHandler.OnEOM()
	_ = h.txn.SendHeaders(&ghqcodec.Message{Status: h.status})
	_ = h.txn.SendBody(h.body)
	_ = h.txn.SendEOM()
}

func TestSession_simpleGetDownstream(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := &responder{status: 200, body: bytes.Repeat([]byte("y"), 100)}
	f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
		ALPN:      "h3-29",
		Direction: ghqs.DirectionDownstream,
		Session: ghqs.SessionConfig{
			OnRequest: func(txn *ghqs.Transaction) ghqs.Handler { return h },
		},
	})

	peer := newPeerWire()
	f.Deliver(ghqs.EventNewBidiStream{ID: 0})
	f.Deliver(ghqs.EventStreamData{
		ID:   0,
		Data: peer.request(t, "/", nil, true),
		FIN:  true,
	})

	// Headers plus 100 body bytes plus framing, FIN-terminated.
	resp := f.Tr.Written(0)
	require.Greater(t, len(resp), 110)
	require.True(t, f.Tr.Stream(0).FinSent)

	snap := h.snapshot()
	require.Len(t, snap.Headers, 1)
	require.Equal(t, "GET", snap.Headers[0].Method)
	require.Equal(t, 1, snap.EOM)
	require.True(t, snap.Detached)
}

func TestSession_goawayTwice(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var accepted []ghqs.StreamID
	f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
		ALPN:      "h3-29",
		Direction: ghqs.DirectionDownstream,
		Session: ghqs.SessionConfig{
			OnRequest: func(txn *ghqs.Transaction) ghqs.Handler {
				if id, ok := txn.ID(); ok {
					accepted = append(accepted, id)
				}
				return nil
			},
		},
	})

	peer := newPeerWire()
	for _, id := range []ghqs.StreamID{0, 8, 16} {
		f.Deliver(ghqs.EventNewBidiStream{ID: id})
		// Partial request keeps the stream open.
		f.Deliver(ghqs.EventStreamData{ID: id, Data: peer.request(t, "/", nil, false)})
	}
	require.Equal(t, []ghqs.StreamID{0, 8, 16}, accepted)

	f.S.CloseWhenIdle()
	f.Settle()

	// Two GOAWAYs on the control stream (server uni id 3):
	// the sentinel first, then the highest accepted stream id.
	bounds := goawayBounds(t, f.Tr.Written(3))
	require.Equal(t, []uint64{ghqwire.MaxStreamID, 16}, bounds)

	// A stream past the bound is refused as retryable...
	f.Deliver(ghqs.EventNewBidiStream{ID: 20})
	require.True(t, f.Tr.Stream(20).ResetSent)
	require.Equal(t, ghqwire.ErrorRequestRejected, f.Tr.Stream(20).ResetCode)

	// ...while one under the bound is still accepted.
	f.Deliver(ghqs.EventNewBidiStream{ID: 12})
	require.False(t, f.Tr.Stream(12).ResetSent)
	require.Equal(t, []ghqs.StreamID{0, 8, 16, 12}, accepted)
}

func TestSession_goawayReceivedUpstream(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
		ALPN:      "h3-29",
		Direction: ghqs.DirectionUpstream,
	})

	rec0 := new(recHandler)
	_, err := f.S.NewTransaction(rec0)
	require.NoError(t, err)
	rec4 := new(recHandler)
	_, err = f.S.NewTransaction(rec4)
	require.NoError(t, err)

	// Peer control stream: preface, SETTINGS, then GOAWAY with
	// bound 0: only stream 0 was processed.
	var ctl []byte
	ctl = ghqwire.AppendStreamPreface(ctl, ghqwire.StreamTypeControl)
	ctl = ghqwire.DefaultSettings().AppendFrame(ctl)
	ctl = ghqwire.AppendGoAway(ctl, 0)

	f.Deliver(ghqs.EventNewUniStream{ID: 3})
	f.Deliver(ghqs.EventStreamData{ID: 3, Data: ctl})

	// Stream 4 exceeds the bound: errored as retryable.
	snap := rec4.snapshot()
	require.Len(t, snap.Errs, 1)
	var se *ghqs.StreamError
	require.ErrorAs(t, snap.Errs[0], &se)
	require.True(t, se.Retryable)
	require.Equal(t, ghqwire.ErrorRequestRejected, se.Code)

	// Stream 0 is untouched.
	require.Empty(t, rec0.snapshot().Errs)

	// Draining past pending: no new transactions.
	_, err = f.S.NewTransaction(new(recHandler))
	require.ErrorIs(t, err, ghqs.ErrDraining)
}

func TestSession_flowControlPause(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
		ALPN:      "h3-29",
		Direction: ghqs.DirectionUpstream,
	})

	rec := new(recHandler)
	txn, err := f.S.NewTransaction(rec)
	require.NoError(t, err)

	f.RunOnLoop(func() {
		require.NoError(t, txn.SendHeaders(&ghqcodec.Message{
			Method: "POST", Scheme: "https", Authority: "test", Path: "/up",
		}))
	})
	headerLen := len(f.Tr.Written(0))
	require.Positive(t, headerLen)

	// Choke the stream, then queue a 100-byte body.
	f.Tr.SetSendWindow(0, 10)
	f.Settle()

	body := bytes.Repeat([]byte("z"), 100)
	f.RunOnLoop(func() {
		require.NoError(t, txn.SendBody(body))
	})

	// Ten bytes squeeze out; the transaction is paused.
	require.Equal(t, headerLen+10, len(f.Tr.Written(0)))
	require.Equal(t, 1, rec.snapshot().Paused)

	// Raise the window: the rest flushes, and the handler resumes.
	f.Tr.SetSendWindow(0, 200)
	f.Settle()

	wire := f.Tr.Written(0)
	require.Equal(t, headerLen+3+100, len(wire)) // DATA frame header is 3 bytes: type plus a 2-byte length varint.
	require.Equal(t, 1, rec.snapshot().Resumed)

	// No loss, no duplication: the DATA payload is intact.
	require.Equal(t, body, wire[headerLen+3:])

	f.RunOnLoop(func() {
		require.NoError(t, txn.SendEOM())
	})
	require.True(t, f.Tr.Stream(0).FinSent)
}

func TestSession_peerReset(t *testing.T) {
	t.Parallel()

	t.Run("downstream mid-ingress replies no-error", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		h := new(recHandler)
		f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
			ALPN:      "h3-29",
			Direction: ghqs.DirectionDownstream,
			Session: ghqs.SessionConfig{
				OnRequest: func(txn *ghqs.Transaction) ghqs.Handler { return h },
			},
		})

		peer := newPeerWire()
		f.Deliver(ghqs.EventNewBidiStream{ID: 0})
		f.Deliver(ghqs.EventStreamData{ID: 0, Data: peer.request(t, "/", nil, false)})
		require.Len(t, h.snapshot().Headers, 1)

		f.Deliver(ghqs.EventReadError{
			ID: 0, Reset: true, Code: ghqwire.ErrorInternalError,
		})

		snap := h.snapshot()
		require.Len(t, snap.Errs, 1)
		require.True(t, f.Tr.Stream(0).ResetSent)
		require.Equal(t, ghqwire.ErrorNoError, f.Tr.Stream(0).ResetCode)
	})

	t.Run("downstream before ingress replies rejected", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
			ALPN:      "h3-29",
			Direction: ghqs.DirectionDownstream,
		})

		f.Deliver(ghqs.EventNewBidiStream{ID: 0})
		f.Deliver(ghqs.EventReadError{
			ID: 0, Reset: true, Code: ghqwire.ErrorInternalError,
		})

		require.True(t, f.Tr.Stream(0).ResetSent)
		require.Equal(t, ghqwire.ErrorRequestRejected, f.Tr.Stream(0).ResetCode)
	})

	t.Run("upstream replies cancelled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
			ALPN:      "h3-29",
			Direction: ghqs.DirectionUpstream,
		})

		rec := new(recHandler)
		txn, err := f.S.NewTransaction(rec)
		require.NoError(t, err)
		f.RunOnLoop(func() {
			require.NoError(t, txn.SendHeaders(&ghqcodec.Message{
				Method: "GET", Scheme: "https", Authority: "test", Path: "/",
			}))
		})

		f.Deliver(ghqs.EventReadError{
			ID: 0, Reset: true, Code: ghqwire.ErrorInternalError,
		})

		require.Len(t, rec.snapshot().Errs, 1)
		require.True(t, f.Tr.Stream(0).ResetSent)
		require.Equal(t, ghqwire.ErrorRequestCancelled, f.Tr.Stream(0).ResetCode)
	})
}

func TestSession_pushBind(t *testing.T) {
	t.Parallel()

	run := func(t *testing.T, promiseFirst bool) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
			ALPN:      "h3-29",
			Direction: ghqs.DirectionUpstream,
		})

		pushRec := new(recHandler)
		rec := &recHandler{
			onPush: func(pushTxn *ghqs.Transaction, _ *ghqcodec.Message) {
				pushTxn.SetHandler(pushRec)
			},
		}
		txn, err := f.S.NewTransaction(rec)
		require.NoError(t, err)
		f.RunOnLoop(func() {
			require.NoError(t, txn.SendHeaders(&ghqcodec.Message{
				Method: "GET", Scheme: "https", Authority: "test", Path: "/",
			}))
			require.NoError(t, txn.SendEOM())
		})

		peer := newPeerWire()

		// The promise rides the request stream.
		var promise bytes.Buffer
		serverCodec := ghqcodec.NewH3Codec(ghqcodec.TransmitResponses, peer.qp, nil)
		require.NoError(t, serverCodec.GeneratePushPromise(&promise, 4, &ghqcodec.Message{
			Method: "GET", Scheme: "https", Authority: "test", Path: "/style.css",
		}))

		// The pushed response arrives on a server unidirectional
		// stream carrying the push preface and PushId 4.
		pushed := ghqwire.AppendPushStreamPreface(nil, 4)
		pushed = append(pushed, peer.response(t, 200, []byte("pushed body"))...)

		deliverPromise := func() {
			f.Deliver(ghqs.EventStreamData{ID: 0, Data: promise.Bytes()})
		}
		deliverNascent := func() {
			f.Deliver(ghqs.EventNewUniStream{ID: 15})
			f.Deliver(ghqs.EventStreamData{ID: 15, Data: pushed, FIN: true})
		}

		if promiseFirst {
			deliverPromise()
			deliverNascent()
		} else {
			deliverNascent()
			// Held nascent streams pause until the promise shows up.
			require.True(t, f.Tr.Stream(15).Paused)
			deliverPromise()
		}

		rs := rec.snapshot()
		require.Empty(t, rs.Errs)

		rec.mu.Lock()
		require.Len(t, rec.pushTxns, 1)
		pid, ok := rec.pushTxns[0].PushID()
		rec.mu.Unlock()
		require.True(t, ok)
		require.Equal(t, ghqs.PushID(4), pid)

		ps := pushRec.snapshot()
		require.Len(t, ps.Headers, 1)
		require.Equal(t, 200, ps.Headers[0].Status)
		require.Equal(t, "pushed body", ps.Body)
		require.Equal(t, 1, ps.EOM)
	}

	t.Run("promise then nascent", func(t *testing.T) {
		t.Parallel()
		run(t, true)
	})
	t.Run("nascent then promise", func(t *testing.T) {
		t.Parallel()
		run(t, false)
	})
}

func TestSession_qpackBlockedHeaders(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := new(recHandler)
	f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
		ALPN:      "h3-29",
		Direction: ghqs.DirectionDownstream,
		Session: ghqs.SessionConfig{
			OnRequest: func(txn *ghqs.Transaction) ghqs.Handler { return h },
		},
	})

	// A header section whose prefix requires one dynamic insert,
	// with field lines decodable without the dynamic table.
	helperQP := ghqcodec.NewQPACK(4096)
	plain, err := helperQP.EncodeHeaders([]ghqcodec.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "test"},
		{Name: ":path", Value: "/blocked"},
	})
	require.NoError(t, err)
	block := append(helperQP.PrefixForInsertCount(1), plain[2:]...)

	frame := ghqwire.AppendFrameHeader(nil, ghqwire.FrameTypeHeaders, uint64(len(block)))
	frame = append(frame, block...)

	f.Deliver(ghqs.EventNewBidiStream{ID: 0})
	f.Deliver(ghqs.EventStreamData{ID: 0, Data: frame})

	// Zero bytes parse until the encoder stream catches up.
	require.Empty(t, h.snapshot().Headers)

	// The peer's encoder stream (client uni id 2) delivers the insert.
	enc := ghqwire.AppendStreamPreface(nil, ghqwire.StreamTypeQPACKEncoder)
	enc = ghqcodec.AppendInsertWithLiteralName(enc, "x-dyn", "v")
	f.Deliver(ghqs.EventNewUniStream{ID: 2})
	f.Deliver(ghqs.EventStreamData{ID: 2, Data: enc})

	snap := h.snapshot()
	require.Len(t, snap.Headers, 1)
	require.Equal(t, "/blocked", snap.Headers[0].Path)

	// The decoder stream owes an insert count increment
	// (our decoder egress stream, server uni id 11).
	dec := f.Tr.Written(11)
	require.Greater(t, len(dec), 1)
	require.Equal(t, byte(0x03), dec[0])
	require.Equal(t, byte(0x01), dec[1]) // Increment of one.
}

func TestSession_controlStreamClosedIsFatal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
		ALPN:      "h3-29",
		Direction: ghqs.DirectionUpstream,
	})

	var ctl []byte
	ctl = ghqwire.AppendStreamPreface(ctl, ghqwire.StreamTypeControl)
	ctl = ghqwire.DefaultSettings().AppendFrame(ctl)
	f.Deliver(ghqs.EventNewUniStream{ID: 3})
	f.Deliver(ghqs.EventStreamData{ID: 3, Data: ctl})

	// The peer closing its control stream kills the connection.
	f.Deliver(ghqs.EventStreamData{ID: 3, FIN: true})

	f.S.Wait()
	require.True(t, f.Tr.Closed)
	require.Equal(t, ghqwire.ErrorClosedCriticalStream, f.Tr.CloseCode)
}

func TestSession_duplicateControlStream(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
		ALPN:      "h3-29",
		Direction: ghqs.DirectionUpstream,
	})

	preface := ghqwire.AppendStreamPreface(nil, ghqwire.StreamTypeControl)

	f.Deliver(ghqs.EventNewUniStream{ID: 3})
	f.Deliver(ghqs.EventStreamData{ID: 3, Data: preface})

	f.Deliver(ghqs.EventNewUniStream{ID: 7})
	f.Deliver(ghqs.EventStreamData{ID: 7, Data: preface})

	f.S.Wait()
	require.True(t, f.Tr.Closed)
	require.Equal(t, ghqwire.ErrorWrongStreamCount, f.Tr.CloseCode)
}

func TestSession_settingsViolations(t *testing.T) {
	t.Parallel()

	t.Run("frame before SETTINGS", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
			ALPN:      "h3-29",
			Direction: ghqs.DirectionUpstream,
		})

		var ctl []byte
		ctl = ghqwire.AppendStreamPreface(ctl, ghqwire.StreamTypeControl)
		ctl = ghqwire.AppendGoAway(ctl, 0)
		f.Deliver(ghqs.EventNewUniStream{ID: 3})
		f.Deliver(ghqs.EventStreamData{ID: 3, Data: ctl})

		f.S.Wait()
		require.Equal(t, ghqwire.ErrorMissingSettings, f.Tr.CloseCode)
	})

	t.Run("second SETTINGS", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
			ALPN:      "h3-29",
			Direction: ghqs.DirectionUpstream,
		})

		var ctl []byte
		ctl = ghqwire.AppendStreamPreface(ctl, ghqwire.StreamTypeControl)
		ctl = ghqwire.DefaultSettings().AppendFrame(ctl)
		ctl = ghqwire.DefaultSettings().AppendFrame(ctl)
		f.Deliver(ghqs.EventNewUniStream{ID: 3})
		f.Deliver(ghqs.EventStreamData{ID: 3, Data: ctl})

		f.S.Wait()
		require.Equal(t, ghqwire.ErrorUnexpectedFrame, f.Tr.CloseCode)
	})
}

func TestSession_greaseStreamRefused(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
		ALPN:      "h3-29",
		Direction: ghqs.DirectionUpstream,
	})

	f.Deliver(ghqs.EventNewUniStream{ID: 3})
	f.Deliver(ghqs.EventStreamData{ID: 3, Data: []byte{0x21}})

	require.True(t, f.Tr.Stream(3).StopSent)
	require.Equal(t, ghqwire.ErrorUnknownStreamType, f.Tr.Stream(3).StopCode)

	// The session shrugs it off.
	select {
	case <-f.S.Done():
		t.Fatal("session died on a grease stream")
	default:
	}
}

func TestSession_h1qV1RejectsUniStreams(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
		ALPN:      "h1q-fb",
		Direction: ghqs.DirectionUpstream,
	})

	f.Deliver(ghqs.EventNewUniStream{ID: 3})
	require.True(t, f.Tr.Stream(3).StopSent)
}

func TestSession_h1qV1DrainLatch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
		ALPN:      "h1q-fb",
		Direction: ghqs.DirectionUpstream,
	})

	f.S.Drain()
	f.Settle()

	rec := new(recHandler)
	txn, err := f.S.NewTransaction(rec)
	require.NoError(t, err)
	f.RunOnLoop(func() {
		require.NoError(t, txn.SendHeaders(&ghqcodec.Message{
			Method: "GET", Path: "/",
			Headers: []ghqcodec.HeaderField{{Name: "Content-Length", Value: "0"}},
		}))
		require.NoError(t, txn.SendEOM())
	})

	require.Contains(t, string(f.Tr.Written(0)), "Connection: close")
}

func TestSession_transactionTimeout408(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// OnRequest returns nil: nothing ever attaches.
	f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
		ALPN:      "h1q-fb",
		Direction: ghqs.DirectionDownstream,
		Session: ghqs.SessionConfig{
			TransactionTimeout: 25 * time.Millisecond,
		},
	})

	f.Deliver(ghqs.EventNewBidiStream{ID: 0})
	f.Deliver(ghqs.EventStreamData{ID: 0, Data: []byte("GET / HTTP/1.1\r\n")})

	require.Eventually(t, func() bool {
		f.Settle()
		return bytes.Contains(f.Tr.Written(0), []byte("408"))
	}, time.Second, 10*time.Millisecond)

	require.True(t, f.Tr.Stream(0).StopSent)
}

func TestSession_partialReliabilitySkip(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
		ALPN:      "h3-29",
		Direction: ghqs.DirectionUpstream,
		Session: ghqs.SessionConfig{
			EnablePartialReliability: true,
		},
	})

	rec := new(recHandler)
	txn, err := f.S.NewTransaction(rec)
	require.NoError(t, err)
	f.RunOnLoop(func() {
		require.NoError(t, txn.SendHeaders(&ghqcodec.Message{
			Method: "PUT", Scheme: "https", Authority: "test", Path: "/media",
		}))
	})
	headerLen := len(f.Tr.Written(0))

	// Choke the window so the body stays queued.
	f.Tr.SetSendWindow(0, 0)
	f.Settle()

	body := bytes.Repeat([]byte("m"), 100)
	f.RunOnLoop(func() {
		require.NoError(t, txn.SendBody(body))
	})
	require.Equal(t, headerLen, len(f.Tr.Written(0)))

	f.RunOnLoop(func() {
		require.NoError(t, txn.SkipBodyTo(50))
	})

	// The skip is announced at the translated stream offset:
	// headers + DATA frame header (3 bytes) + 50 body bytes.
	expired := f.Tr.Stream(0).DataExpiredAt
	require.Equal(t, []uint64{uint64(headerLen) + 3 + 50}, expired)

	// Open the window: only the tail of the body goes out.
	f.Tr.SetSendWindow(0, 1<<20)
	f.Settle()
	require.Equal(t, body[50:], f.Tr.Written(0)[headerLen:])

	// Skips must advance.
	f.RunOnLoop(func() {
		require.Error(t, txn.SkipBodyTo(10))
	})
}

func TestSession_bytesAfterEOMAbort(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := new(recHandler)
	f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
		ALPN:      "h3-29",
		Direction: ghqs.DirectionDownstream,
		Session: ghqs.SessionConfig{
			OnRequest: func(txn *ghqs.Transaction) ghqs.Handler { return h },
		},
	})

	peer := newPeerWire()
	f.Deliver(ghqs.EventNewBidiStream{ID: 0})
	f.Deliver(ghqs.EventStreamData{ID: 0, Data: peer.request(t, "/", nil, true), FIN: true})
	require.Equal(t, 1, h.snapshot().EOM)

	f.Deliver(ghqs.EventStreamData{ID: 0, Data: []byte("stray")})
	require.True(t, f.Tr.Stream(0).ResetSent)
}

func TestSession_dropConnection(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := ghqstest.NewFixture(t, ctx, ghqstest.FixtureConfig{
		ALPN:      "h3-29",
		Direction: ghqs.DirectionUpstream,
	})

	rec := new(recHandler)
	_, err := f.S.NewTransaction(rec)
	require.NoError(t, err)

	f.S.DropConnection(nil)
	f.S.Wait()

	snap := rec.snapshot()
	require.Len(t, snap.Errs, 1)
	require.True(t, snap.Detached)
	require.True(t, f.Tr.Closed)

	// Idempotent and safe after destruction.
	f.S.DropConnection(nil)
}
