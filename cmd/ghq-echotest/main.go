// Command ghq-echotest exercises the session core over a real quic-go
// connection: a downstream echo server, an upstream client, or a
// self-contained loopback run of both.
package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"time"

	"github.com/gordian-engine/ghq/ghqcodec"
	"github.com/gordian-engine/ghq/ghqquic"
	"github.com/gordian-engine/ghq/ghqs"
	"github.com/quic-go/quic-go"
	"github.com/spf13/cobra"
)

const alpn = "h3-29"

func main() {
	if err := mainE(); err != nil {
		os.Exit(1)
	}
}

func mainE() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	root := NewRootCmd(logger)
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error("Failure", "err", err)
		return err
	}
	return nil
}

func NewRootCmd(log *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use: "ghq-echotest SUBCOMMAND",

		Long: `ghq-echotest exercises the HTTP-over-QUIC session core end to end,
with a downstream echo server and an upstream client over loopback.
`,
	}

	rootCmd.AddCommand(
		newServeCmd(log),
		newRequestCmd(log),
		newSelftestCmd(log),
	)
	return rootCmd
}

func newServeCmd(log *slog.Logger) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a downstream echo session until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ln, err := listenQUIC(listen)
			if err != nil {
				return err
			}
			log.Info("Listening", "addr", ln.Addr().String())
			return serveLoop(cmd.Context(), log, ln)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:4780", "UDP address to listen on")
	return cmd
}

func newRequestCmd(log *slog.Logger) *cobra.Command {
	var addr, path string
	var count int
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Run upstream GET exchanges against a serve instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), log, addr, path, count)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:4780", "server address")
	cmd.Flags().StringVar(&path, "path", "/", "request path")
	cmd.Flags().IntVar(&count, "count", 3, "number of exchanges")
	return cmd
}

func newSelftestCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run server and client over loopback and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			ln, err := listenQUIC("127.0.0.1:0")
			if err != nil {
				return err
			}
			go func() {
				if err := serveLoop(ctx, log.With("side", "server"), ln); err != nil {
					log.Warn("Server loop ended", "err", err)
				}
			}()

			if err := runClient(ctx, log.With("side", "client"), ln.Addr().String(), "/selftest", 3); err != nil {
				return err
			}
			log.Info("Selftest passed")
			return nil
		},
	}
	return cmd
}

func listenQUIC(addr string) (*quic.Listener, error) {
	tlsConf, err := selfSignedTLS()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

func serveLoop(ctx context.Context, log *slog.Logger, ln *quic.Listener) error {
	defer ln.Close()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		go serveConn(ctx, log, conn)
	}
}

func serveConn(ctx context.Context, log *slog.Logger, conn quic.Connection) {
	tr := ghqquic.NewTransport(log, conn)
	sess, err := ghqs.NewSession(ctx, log, ghqs.SessionConfig{
		Direction: ghqs.DirectionDownstream,
		Transport: tr,
		OnRequest: func(txn *ghqs.Transaction) ghqs.Handler {
			return new(echoHandler)
		},
		IdleTimeout: time.Minute,
	})
	if err != nil {
		log.Warn("Failed to create session", "err", err)
		return
	}
	tr.Run(ctx, sess)
	sess.Wait()
}

// echoHandler answers every request with its own method, path,
// and body echoed back.
type echoHandler struct {
	ghqs.BaseHandler

	method, path string
	body         bytes.Buffer
}

func (h *echoHandler) OnHeaders(msg *ghqcodec.Message) {
	h.method = msg.Method
	h.path = msg.Path
}

func (h *echoHandler) OnBody(b []byte) {
	h.body.Write(b)
}

func (h *echoHandler) OnEOM() {
	var out bytes.Buffer
	fmt.Fprintf(&out, "%s %s\n", h.method, h.path)
	out.Write(h.body.Bytes())

	_ = h.Txn.SendHeaders(&ghqcodec.Message{Status: 200})
	_ = h.Txn.SendBody(out.Bytes())
	_ = h.Txn.SendEOM()
}

func runClient(ctx context.Context, log *slog.Logger, addr, path string, count int) error {
	conn, err := quic.DialAddr(ctx, addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	tr := ghqquic.NewTransport(log, conn)
	sess, err := ghqs.NewSession(ctx, log, ghqs.SessionConfig{
		Direction: ghqs.DirectionUpstream,
		Transport: tr,
	})
	if err != nil {
		return err
	}
	tr.Run(ctx, sess)

	for i := 0; i < count; i++ {
		h := newWaitHandler()
		txn, err := sess.NewTransaction(h)
		if err != nil {
			return fmt.Errorf("failed to open transaction %d: %w", i, err)
		}
		sess.RunOnLoop(func() {
			_ = txn.SendHeaders(&ghqcodec.Message{
				Method:    "GET",
				Scheme:    "https",
				Authority: addr,
				Path:      path,
			})
			_ = txn.SendEOM()
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-h.done:
			if err != nil {
				return fmt.Errorf("exchange %d failed: %w", i, err)
			}
		}
		log.Info("Exchange complete",
			"i", i, "status", h.status, "body_len", h.body.Len())
	}

	sess.CloseWhenIdle()
	sess.Wait()
	return nil
}

// waitHandler signals the main goroutine when its exchange finishes.
type waitHandler struct {
	ghqs.BaseHandler

	status int
	body   bytes.Buffer
	done   chan error
}

func newWaitHandler() *waitHandler {
	return &waitHandler{done: make(chan error, 1)}
}

func (h *waitHandler) OnHeaders(msg *ghqcodec.Message) {
	h.status = msg.Status
}

func (h *waitHandler) OnBody(b []byte) {
	h.body.Write(b)
}

func (h *waitHandler) OnEOM() {
	h.done <- nil
}

func (h *waitHandler) OnError(err error) {
	select {
	case h.done <- err:
	default:
	}
}

// selfSignedTLS builds a throwaway ed25519 certificate for loopback
// testing.
func selfSignedTLS() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ghq-echotest"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
		}},
		NextProtos: []string{alpn},
	}, nil
}
