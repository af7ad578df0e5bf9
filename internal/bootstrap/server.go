package bootstrap

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/MrDenfish/BotTrader-sub001/internal/webhook"
)

// webhookHTTPServer adapts webhook.Handler (an http.Handler) to the
// Runner/webhookServer shape the rest of bootstrap uses, following
// health.Server's own Start/Stop-over-http.Server pattern.
type webhookHTTPServer struct {
	addr string
	srv  *http.Server
}

func newWebhookHTTPServer(addr string, handler *webhook.Handler) *webhookHTTPServer {
	return &webhookHTTPServer{addr: addr, srv: &http.Server{Addr: addr, Handler: handler}}
}

// Run blocks until ctx is cancelled, then drains the listener, matching
// the Runner contract the errgroup in App.Run expects.
func (s *webhookHTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("bootstrap: webhook server: %w", err)
		}
		return nil
	}
}

// Stop is also called directly from App.Shutdown so the listener drains
// before the deadline even if Run's ctx cancellation races it.
func (s *webhookHTTPServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// healthPort extracts the numeric port health.NewServer wants out of an
// addr of the form ":9090" or "0.0.0.0:9090" (telemetry.metrics_addr).
func healthPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		portStr = addr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 9090
	}
	return port
}
