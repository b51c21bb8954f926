package daemon

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/darknightghost/LinuxSourceMirror/internal/metrics"
	"github.com/darknightghost/LinuxSourceMirror/internal/mirror"
)

// Run starts the mirror daemon and blocks until ctx is cancelled or one of
// the protocols ends on its own.
//
// The first thing to do is to acquire flock on the lock file in the data
// directory. Protocols are started in Kinds order and stopped in reverse.
func Run(ctx context.Context, config *mirror.Config) error {
	release, err := mirror.LockDataPath(config.DataPath)
	if err != nil {
		return errors.Wrap(err, "Run")
	}
	defer release()

	registry, err := mirror.NewRegistry(config)
	if err != nil {
		return errors.Wrap(err, "Run")
	}

	var protocols []Protocol
	for _, kind := range Kinds() {
		p, err := New(kind, config, registry)
		if err != nil {
			return errors.Wrap(err, "Run")
		}
		slog.Debug("protocol configured", "protocol", kind.String(), "role", kind.Role().String())
		protocols = append(protocols, p)
	}
	if config.MetricsAddress != "" {
		protocols = append(protocols, newMetricsEndpoint(config.MetricsAddress))
	}

	slog.Info("mirror daemon starting", "data_path", registry.DataPath(), "distros", len(registry.Names()))
	return serve(ctx, protocols)
}

// serve starts protocols, waits and stops the started ones in reverse
// order. Errors of every stage are combined.
func serve(ctx context.Context, protocols []Protocol) error {
	var (
		started []Protocol
		result  error
	)
	for _, p := range protocols {
		if err := p.Start(ctx); err != nil {
			result = errors.Wrapf(err, "start %s", p.Name())
			break
		}
		started = append(started, p)
	}

	if result == nil {
		result = wait(ctx, started)
	}

	for i := len(started) - 1; i >= 0; i-- {
		p := started[i]
		if err := p.Stop(); err != nil {
			result = errors.CombineErrors(result, errors.Wrapf(err, "%s", p.Name()))
		}
		slog.Debug("protocol stopped", "protocol", p.Name())
	}
	if result == nil {
		slog.Info("mirror daemon stopped")
	}
	return result
}

// wait blocks until ctx is cancelled or a protocol ends by itself.
func wait(ctx context.Context, protocols []Protocol) error {
	group, gctx := errgroup.WithContext(ctx)
	for _, p := range protocols {
		group.Go(func() error {
			select {
			case <-p.Done():
				if ctx.Err() != nil {
					return nil
				}
				slog.Error("protocol stopped unexpectedly", "protocol", p.Name(), "error", p.Err())
				return errors.Newf("%s stopped unexpectedly", p.Name())
			case <-gctx.Done():
				return nil
			}
		})
	}
	return group.Wait()
}

// metricsEndpoint serves the Prometheus registry on its own listener.
type metricsEndpoint struct {
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
	err  error
}

func newMetricsEndpoint(addr string) *metricsEndpoint {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	return &metricsEndpoint{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (m *metricsEndpoint) Name() string {
	return "metrics"
}

func (m *metricsEndpoint) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.srv.Addr)
	if err != nil {
		return errors.Wrap(err, "metrics server")
	}
	m.ln = ln
	m.done = make(chan struct{})

	slog.Info("metrics server listening", "address", ln.Addr().String())
	go func() {
		defer close(m.done)
		if err := m.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			m.err = errors.Wrap(err, "metrics server")
		}
	}()
	return nil
}

func (m *metricsEndpoint) Stop() error {
	if m.done == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		slog.Warn("failed to shut down metrics server", "error", err)
	}
	<-m.done
	return m.err
}

func (m *metricsEndpoint) Done() <-chan struct{} {
	return m.done
}

func (m *metricsEndpoint) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}
