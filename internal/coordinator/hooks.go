package coordinator

import (
	"context"

	"github.com/annel0/gotas/internal/session"
)

// NotificationSource - точки перехвата, через которые целевая программа
// сообщает о жизни потоков и о завершении кадра. Как конкретная реализация
// находит эти вызовы, зависит от платформы.
type NotificationSource interface {
	ThreadCreated(id session.ThreadID, tid int32, name string)
	ThreadExited(id session.ThreadID)
	BoundaryReached(ctx context.Context, caller session.ThreadID) error
}

var _ NotificationSource = (*Coordinator)(nil)

// ThreadCreated регистрирует поток
func (c *Coordinator) ThreadCreated(id session.ThreadID, tid int32, name string) {
	c.registry.OnThreadCreated(id, tid, name)
	tracked, _ := c.registry.Len()
	c.metrics.SetLiveThreads(tracked)
}

// ThreadExited снимает поток с учёта
func (c *Coordinator) ThreadExited(id session.ThreadID) {
	c.registry.OnThreadExited(id)
	tracked, _ := c.registry.Len()
	c.metrics.SetLiveThreads(tracked)
}

// SafePoint вызывается неглавными потоками там, где их можно остановить
func (c *Coordinator) SafePoint(ctx context.Context, id session.ThreadID) error {
	return c.registry.SafePoint(ctx, id)
}

// Now возвращает детерминированное время сессии
func (c *Coordinator) Now() (sec, nsec int64) {
	t := c.sess.Now()
	return t.Unix(), int64(t.Nanosecond())
}
