package network

import (
	"bufio"
	"context"
	"encoding"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/annel0/gotas/internal/logging"
	"github.com/annel0/gotas/internal/protocol"
)

// Channel - канал кадров поверх установленного соединения.
// Каждый кадр: 4-байтовый тег, затем нагрузка фиксированного размера
// или строка с 4-байтовой длиной. Запись кадра выполняется одним Write,
// чтения выполняет единственный поток, ведущий протокол.
type Channel struct {
	conn   net.Conn
	reader *bufio.Reader
	logger *logging.Logger

	writeMu sync.Mutex

	// Статистика
	stats ConnectionStats
	mu    sync.RWMutex
}

// NewChannel создаёт канал из существующего соединения
func NewChannel(conn net.Conn, config *ChannelConfig, logger *logging.Logger) *Channel {
	bufSize := 4096
	path := ""
	if config != nil {
		if config.BufferSize > 0 {
			bufSize = config.BufferSize
		}
		path = config.SocketPath
	}

	ch := &Channel{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, bufSize),
		logger: logger,
	}
	ch.stats.Connected = true
	ch.stats.SocketPath = path
	ch.stats.LastActivity = time.Now()
	return ch
}

// Send отправляет кадр с готовой нагрузкой
func (c *Channel) Send(msg protocol.Message, payload []byte) error {
	frame := make([]byte, 4, 4+len(payload))
	protocol.ByteOrder.PutUint32(frame, uint32(msg))
	frame = append(frame, payload...)

	c.writeMu.Lock()
	_, err := c.conn.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.markDisconnected()
		return transportError(fmt.Sprintf("write %s", msg), err)
	}

	c.logger.LogMessage("→", msg, payload)

	c.mu.Lock()
	c.stats.FramesSent++
	c.stats.BytesSent += uint64(len(frame))
	c.stats.LastActivity = time.Now()
	c.mu.Unlock()
	return nil
}

// SendEmpty отправляет кадр без нагрузки
func (c *Channel) SendEmpty(msg protocol.Message) error {
	return c.Send(msg, nil)
}

// SendString отправляет кадр со строкой (4-байтовая длина + байты)
func (c *Channel) SendString(msg protocol.Message, s string) error {
	if len(s) > protocol.MaxStringSize {
		return fmt.Errorf("string too long for %s: %d bytes", msg, len(s))
	}
	return c.Send(msg, protocol.AppendBytes(nil, []byte(s)))
}

// SendUint64 отправляет кадр с 8-байтовым числом
func (c *Channel) SendUint64(msg protocol.Message, v uint64) error {
	var b [8]byte
	protocol.ByteOrder.PutUint64(b[:], v)
	return c.Send(msg, b[:])
}

// SendUint32 отправляет кадр с 4-байтовым числом
func (c *Channel) SendUint32(msg protocol.Message, v uint32) error {
	var b [4]byte
	protocol.ByteOrder.PutUint32(b[:], v)
	return c.Send(msg, b[:])
}

// SendRecord отправляет кадр с записью фиксированного размера
func (c *Channel) SendRecord(msg protocol.Message, rec encoding.BinaryMarshaler) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg, err)
	}
	return c.Send(msg, data)
}

// ReadMessage блокируется до получения тега следующего кадра.
// Отмена контекста прерывает ожидание через дедлайн чтения.
func (c *Channel) ReadMessage(ctx context.Context) (protocol.Message, error) {
	if ctx.Done() != nil {
		fired := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			_ = c.conn.SetReadDeadline(time.Unix(1, 0))
			close(fired)
		})
		defer func() {
			if !stop() {
				<-fired
				_ = c.conn.SetReadDeadline(time.Time{})
			}
		}()
	}

	v, err := c.ReadUint32()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, err
	}

	msg := protocol.Message(v)
	c.logger.LogMessage("←", msg, nil)

	c.mu.Lock()
	c.stats.FramesReceived++
	c.stats.LastActivity = time.Now()
	c.mu.Unlock()
	return msg, nil
}

// ReadData читает ровно n байт нагрузки
func (c *Channel) ReadData(n int) ([]byte, error) {
	data := make([]byte, n)
	if _, err := io.ReadFull(c.reader, data); err != nil {
		c.markDisconnected()
		return nil, transportError("read payload", err)
	}
	c.mu.Lock()
	c.stats.BytesReceived += uint64(n)
	c.mu.Unlock()
	return data, nil
}

// ReadUint32 читает 4-байтовое число
func (c *Channel) ReadUint32() (uint32, error) {
	data, err := c.ReadData(4)
	if err != nil {
		return 0, err
	}
	return protocol.ByteOrder.Uint32(data), nil
}

// ReadUint64 читает 8-байтовое число
func (c *Channel) ReadUint64() (uint64, error) {
	data, err := c.ReadData(8)
	if err != nil {
		return 0, err
	}
	return protocol.ByteOrder.Uint64(data), nil
}

// ReadBytes читает блоб с 4-байтовой длиной
func (c *Channel) ReadBytes() ([]byte, error) {
	n, err := c.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n > protocol.MaxStringSize {
		return nil, protocol.Violation("length-prefixed payload too large: %d bytes", n)
	}
	if n == 0 {
		return []byte{}, nil
	}
	return c.ReadData(int(n))
}

// ReadString читает строку с 4-байтовой длиной
func (c *Channel) ReadString() (string, error) {
	data, err := c.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadRecord читает запись фиксированного размера
func (c *Channel) ReadRecord(size int, rec encoding.BinaryUnmarshaler) error {
	data, err := c.ReadData(size)
	if err != nil {
		return err
	}
	if err := rec.UnmarshalBinary(data); err != nil {
		return protocol.Violation("malformed record: %v", err)
	}
	c.logger.LogMessage("←", fmt.Sprintf("%T", rec), data)
	return nil
}

// Close закрывает канал
func (c *Channel) Close() error {
	c.markDisconnected()
	err := c.conn.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	c.logger.Info("🔌 Channel closed")
	return nil
}

// IsConnected проверяет состояние соединения
func (c *Channel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats.Connected
}

// Stats возвращает статистику соединения
func (c *Channel) Stats() ConnectionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Channel) markDisconnected() {
	c.mu.Lock()
	c.stats.Connected = false
	c.mu.Unlock()
}
