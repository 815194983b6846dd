package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/sysarray/api/rest"
	"yqhp/sysarray/internal/array"
	"yqhp/sysarray/internal/channel"
	"yqhp/sysarray/internal/config"
	"yqhp/sysarray/internal/parallel"
	"yqhp/sysarray/internal/slave"
	"yqhp/sysarray/internal/store"
	"yqhp/sysarray/internal/system"
	"yqhp/sysarray/pkg/logger"
)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

func nodeName(cfg *config.Config, kind string) string {
	if cfg.Node.Name != "" {
		return cfg.Node.Name
	}
	return fmt.Sprintf("%s-%s", kind, uuid.New().String()[:8])
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newStore(ctx context.Context, cfg *config.StoreConfig) (store.PerformanceStore, error) {
	switch cfg.Driver {
	case "redis":
		return store.NewRedisStore(ctx, cfg.RedisOptions())
	case "mysql", "postgres":
		return store.NewSQLStore(ctx, cfg.SQLOptions())
	default:
		return store.NewMemoryStore(), nil
	}
}

func newDialer(transport, path string, timeout time.Duration) channel.Dialer {
	if transport == system.TransportWebSocket {
		return channel.WebDialer{HandshakeTimeout: timeout, Path: path}
	}
	return channel.TCPDialer{Timeout: timeout}
}

func newAcceptor(transport, path string) channel.Acceptor {
	if transport == system.TransportWebSocket {
		return channel.NewWebAcceptor(path)
	}
	return channel.NewTCPAcceptor()
}

// newParallelArray builds the master side of a node and starts accepting
// children on cfg.Array.Listen.
func newParallelArray(ctx context.Context, cfg *config.Config) (*parallel.Array, error) {
	st, err := newStore(ctx, &cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("performance store: %w", err)
	}

	base := array.New(
		array.WithPeers(cfg.Array.Peers...),
		array.WithDialer(system.TransportTCP, newDialer(system.TransportTCP, "", cfg.Array.DialTimeout)),
		array.WithDialer("", newDialer(system.TransportTCP, "", cfg.Array.DialTimeout)),
		array.WithDialer(system.TransportWebSocket, newDialer(system.TransportWebSocket, cfg.Array.Path, cfg.Array.DialTimeout)),
		array.WithObserver(array.ObserverFunc(func(ev array.Event) {
			logger.Debug("array: topology changed",
				zap.String("kind", string(ev.Kind)),
				zap.String("system", ev.SystemName),
				zap.String("role", ev.Role),
			)
		})),
	)
	arr := parallel.New(base, cfg.Parallel.ParallelOptions(), parallel.WithStore(st))

	if cfg.Array.Listen != "" {
		if err := arr.Open(newAcceptor(cfg.Array.Transport, cfg.Array.Path), cfg.Array.Listen); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	if err := arr.Connect(ctx); err != nil {
		logger.Warn("array: some peers are unreachable", zap.Error(err))
	}
	return arr, nil
}

// startAPI serves the status API until ctx is done.
func startAPI(ctx context.Context, cfg *config.Config, name string, arr *parallel.Array, opts ...rest.Option) {
	if !cfg.API.Enabled {
		return
	}
	server := rest.NewServer(arr, &rest.Config{
		Address:      cfg.API.Address,
		Node:         name,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}, opts...)
	go func() {
		if err := server.StartWithContext(ctx); err != nil {
			logger.Error("api: server stopped", zap.Error(err))
		}
	}()
}

// runUpstream keeps s attached to its master until ctx is done. In client
// mode it redials with backoff after every disconnect.
func runUpstream(ctx context.Context, cfg *config.SlaveConfig, s *slave.Slave) error {
	if cfg.Mode == "server" {
		if err := s.Serve(newAcceptor(cfg.Transport, cfg.Path), cfg.ListenAddress); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	}

	lost := make(chan struct{}, 1)
	s.OnDisconnect(func(error) {
		select {
		case lost <- struct{}{}:
		default:
		}
	})

	dialer := newDialer(cfg.Transport, cfg.Path, 5*time.Second)
	backoff := reconnectMin
	for {
		err := s.Connect(ctx, dialer, cfg.MasterAddr)
		if err == nil {
			backoff = reconnectMin
			select {
			case <-ctx.Done():
				return nil
			case <-lost:
				continue
			}
		}

		logger.Warn("slave: connect failed", zap.String("master", cfg.MasterAddr), zap.Duration("retry_in", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, reconnectMax)
	}
}
