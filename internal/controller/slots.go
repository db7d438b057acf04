package controller

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/annel0/gotas/internal/checkpoint"
	"github.com/annel0/gotas/internal/coordinator"
	"github.com/annel0/gotas/internal/eventbus"
	"github.com/annel0/gotas/internal/movie"
	"github.com/annel0/gotas/internal/protocol"
	"github.com/annel0/gotas/internal/session"
	"github.com/annel0/gotas/internal/threads"
)

// ErrPrefixMismatch - живой фильм не является префиксом фильма слота, загрузка отклонена
var ErrPrefixMismatch = errors.New("prefix mismatch")

// errImageIO - сборщик образа не смог записать или прочитать образ
var errImageIO = errors.New("checkpoint image I/O failed")

// statusError переводит код исхода в ошибку с соответствующим sentinel
func statusError(op string, slot int, res protocol.CheckpointResult) error {
	var base error
	switch res.Status {
	case protocol.StatusCapacityExceeded:
		base = threads.ErrCapacityExceeded
	case protocol.StatusNotResumable:
		base = threads.ErrNotResumable
	case protocol.StatusRestoreInconsistent:
		base = coordinator.ErrRestoreInconsistent
	case protocol.StatusIOError:
		base = errImageIO
	default:
		base = protocol.Violation("unknown checkpoint status %d", uint32(res.Status))
	}
	return fmt.Errorf("%s slot %d: %w: %s", op, slot, base, res.Detail)
}

// saveToSlot готовит копию фильма, просит цель снять точку и при успехе
// фиксирует слот. Отказ по числу потоков не прерывает сессию.
func (c *Controller) saveToSlot(ctx context.Context, slot int) error {
	frame := c.frame.Load()
	mode := c.sess.Mode()
	ctx, span := c.tracer.Start(ctx, "controller.savestate", oteltrace.WithAttributes(
		attribute.Int("slot", slot),
		attribute.Int64("frame", int64(frame)),
		attribute.String("mode", mode.String())))
	defer span.End()

	var log *movie.Log
	if mode != protocol.ModeDisabled {
		log = c.movie
	}
	if err := c.store.Stage(slot, log); err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.metrics.ObserveSavestate("STAGE_FAILED")
		c.logger.Error("Savestate %d not staged: %v", slot, err)
		return nil
	}

	statePath, err := c.store.StagedStatePath(slot)
	if err != nil {
		c.store.Abort(slot)
		return err
	}
	if err := c.ch.SendString(protocol.MsgSavestate, statePath); err != nil {
		c.store.Abort(slot)
		return err
	}
	res, err := c.readResult(ctx)
	if err != nil {
		c.store.Abort(slot)
		return err
	}

	span.SetAttributes(attribute.String("status", res.Status.String()))
	c.metrics.ObserveSavestate(res.Status.String())
	if res.Status != protocol.StatusOK {
		c.store.Abort(slot)
		span.SetStatus(codes.Error, res.Detail)
		c.emit(ctx, eventbus.EventSavestate, map[string]interface{}{
			"slot": slot, "frame": frame, "status": res.Status.String(), "detail": res.Detail,
		})
		err := statusError("savestate", slot, res)
		if res.Status.Fatal() {
			return err
		}
		c.logger.Warn("⚠️ %v", err)
		return nil
	}

	var hdr checkpoint.Header
	if err := hdr.UnmarshalBinary(res.Header); err != nil {
		c.store.Abort(slot)
		return protocol.Violation("malformed checkpoint header: %v", err)
	}
	rec, err := c.store.Commit(ctx, slot, checkpoint.CommitInfo{
		Frame:     frame,
		Mode:      mode,
		Header:    res.Header,
		Threads:   hdr.Count(),
		Rerecords: c.movie.Header().RerecordCount,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("Savestate %d captured but not committed: %v", slot, err)
		return nil
	}

	c.lastSavedSlot.Store(int32(slot))
	c.logger.Info("💾 Saved slot %d at frame %d", slot, frame)
	c.emit(ctx, eventbus.EventSavestate, map[string]interface{}{
		"slot": slot, "frame": frame, "status": res.Status.String(), "threads": rec.Threads,
	})
	return nil
}

// loadFromSlot решает, совместим ли фильм слота с живым, и загружает состояние:
//   - DISABLED: без условий;
//   - WRITE: слот, сохранённый последним, оставляет живой фильм, иначе он заменяется фильмом слота;
//   - READ_WRITE, READ_ONLY: живой фильм обязан быть префиксом фильма слота,
//     сам фильм остаётся прежним, переносится только позиция воспроизведения.
func (c *Controller) loadFromSlot(ctx context.Context, slot int) error {
	frame := c.frame.Load()
	mode := c.sess.Mode()
	ctx, span := c.tracer.Start(ctx, "controller.loadstate", oteltrace.WithAttributes(
		attribute.Int("slot", slot),
		attribute.Int64("frame", int64(frame)),
		attribute.String("mode", mode.String())))
	defer span.End()

	scratch, rec, err := c.store.LoadMovie(ctx, slot, c.logger)
	if err != nil {
		c.refuseLoad(ctx, span, slot, err)
		return nil
	}

	replace := false
	switch mode {
	case protocol.ModeDisabled:
	case protocol.ModeWrite:
		replace = scratch != nil && int32(slot) != c.lastSavedSlot.Load()
	default:
		if scratch == nil || !c.movie.IsPrefixOf(scratch) {
			c.refuseLoad(ctx, span, slot, fmt.Errorf("slot %d saved at frame %d: %w", slot, rec.Frame, ErrPrefixMismatch))
			return nil
		}
	}

	if err := c.ch.SendString(protocol.MsgLoadstate, rec.StatePath); err != nil {
		return err
	}
	res, err := c.readResult(ctx)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("status", res.Status.String()))
	c.metrics.ObserveLoadstate(res.Status.String())
	if res.Status != protocol.StatusOK {
		span.SetStatus(codes.Error, res.Detail)
		err := statusError("loadstate", slot, res)
		if res.Status.Fatal() {
			return err
		}
		c.logger.Warn("⚠️ %v", err)
		c.emit(ctx, eventbus.EventLoadRefused, map[string]interface{}{
			"slot": slot, "frame": frame, "reason": err.Error(),
		})
		return nil
	}

	msg, err := c.ch.ReadMessage(ctx)
	if err != nil {
		return err
	}
	if msg != protocol.MsgFrameCount {
		return protocol.Violation("expected FRAMECOUNT after loadstate, got %s", msg)
	}
	restored, err := c.ch.ReadUint64()
	if err != nil {
		return err
	}
	c.frame.Store(restored)

	if replace {
		rerecords := c.movie.Header().RerecordCount
		c.movie.CopyFrom(scratch)
		c.movie.SetRerecords(rerecords)
	}
	switch mode {
	case protocol.ModeWrite:
		c.movie.IncrementRerecords()
		c.movie.TruncateAt(restored)
	case protocol.ModeReadWrite:
		c.movie.IncrementRerecords()
		c.movie.SetPlayhead(restored)
	case protocol.ModeReadOnly:
		c.movie.SetPlayhead(restored)
	}
	c.sess.MarkDirty(session.DirtyConfig)

	c.logger.Info("♻️ Loaded slot %d: frame %d -> %d", slot, frame, restored)
	c.emit(ctx, eventbus.EventLoadstate, map[string]interface{}{
		"slot": slot, "from": frame, "to": restored, "replaced_movie": replace,
	})
	return nil
}

func (c *Controller) refuseLoad(ctx context.Context, span oteltrace.Span, slot int, err error) {
	reason := "ERROR"
	switch {
	case errors.Is(err, ErrPrefixMismatch):
		reason = "PREFIX_MISMATCH"
	case errors.Is(err, checkpoint.ErrEmptySlot):
		reason = "EMPTY_SLOT"
	case errors.Is(err, movie.ErrCorruptMovie):
		reason = "CORRUPT_MOVIE"
	}
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("status", reason))
	c.metrics.ObserveLoadstate(reason)
	c.logger.Warn("⚠️ Load from slot %d refused: %v", slot, err)
	c.emit(ctx, eventbus.EventLoadRefused, map[string]interface{}{
		"slot": slot, "frame": c.frame.Load(), "reason": reason, "detail": err.Error(),
	})
}

// readResult ждёт CHECKPOINT_RESULT. Сообщения об ошибках цели по пути запоминаются.
func (c *Controller) readResult(ctx context.Context) (protocol.CheckpointResult, error) {
	for {
		msg, err := c.ch.ReadMessage(ctx)
		if err != nil {
			return protocol.CheckpointResult{}, err
		}
		switch msg {
		case protocol.MsgCheckpointResult:
			return protocol.DecodeCheckpointResult(c.ch)
		case protocol.MsgErrorMsg:
			text, err := c.ch.ReadString()
			if err != nil {
				return protocol.CheckpointResult{}, err
			}
			c.errMu.Lock()
			c.lastError = text
			c.errMu.Unlock()
			c.logger.Error("❌ Target: %s", text)
		default:
			return protocol.CheckpointResult{}, protocol.Violation("expected CHECKPOINT_RESULT, got %s", msg)
		}
	}
}
