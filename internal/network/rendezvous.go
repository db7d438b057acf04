package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/annel0/gotas/internal/logging"
)

// Listener - сторона целевого процесса: создаёт сокет и принимает одного контроллера
type Listener struct {
	ln     net.Listener
	config *ChannelConfig
	logger *logging.Logger
}

// Listen создаёт unix сокет по пути из конфигурации
func Listen(config *ChannelConfig, logger *logging.Logger) (*Listener, error) {
	if config == nil || config.SocketPath == "" {
		return nil, errors.New("socket path is required")
	}

	ln, err := net.Listen("unix", config.SocketPath)
	if err != nil {
		return nil, transportError("listen "+config.SocketPath, err)
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(true)
	}

	logger.Info("🔌 Listening on %s", config.SocketPath)
	return &Listener{ln: ln, config: config, logger: logger}, nil
}

// Accept ждёт подключения контроллера
func (l *Listener) Accept(ctx context.Context) (*Channel, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, transportError("accept", r.err)
		}
		l.logger.Info("✅ Controller connected")
		return NewChannel(r.conn, l.config, l.logger), nil
	case <-ctx.Done():
		_ = l.ln.Close()
		return nil, ctx.Err()
	}
}

// Close закрывает сокет и удаляет его файл
func (l *Listener) Close() error {
	err := l.ln.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Addr возвращает путь сокета
func (l *Listener) Addr() string {
	return l.config.SocketPath
}

// Dial подключается к целевому процессу с ограниченным числом попыток
// и экспоненциальной задержкой между ними.
func Dial(ctx context.Context, config *ChannelConfig, logger *logging.Logger) (*Channel, error) {
	if config == nil || config.SocketPath == "" {
		return nil, errors.New("socket path is required")
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = config.RetryInterval
	eb.MaxInterval = config.MaxInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, config.MaxRetries), ctx)

	dialer := net.Dialer{Timeout: config.DialTimeout}
	var conn net.Conn
	attempt := 0
	operation := func() error {
		attempt++
		c, err := dialer.DialContext(ctx, "unix", config.SocketPath)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Debug("Connect attempt %d to %s failed: %v, retry in %v", attempt, config.SocketPath, err, next)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, transportError(fmt.Sprintf("connect %s after %d attempts", config.SocketPath, attempt), err)
	}

	logger.Info("✅ Connected to %s (attempt %d)", config.SocketPath, attempt)
	return NewChannel(conn, config, logger), nil
}
