package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/annel0/gotas/internal/protocol"
	"github.com/annel0/gotas/internal/session"
)

// StateProvider - состояние самой целевой программы
type StateProvider interface {
	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error
}

// ProcessImage собирает образ процесса из контекста сессии и состояния программы.
// Реализует checkpoint.Snapshotter.
type ProcessImage struct {
	sess    *session.Context
	program StateProvider
}

// NewProcessImage создаёт снимщик образа
func NewProcessImage(sess *session.Context, program StateProvider) *ProcessImage {
	return &ProcessImage{sess: sess, program: program}
}

type imageRecord struct {
	Frame     uint64             `json:"frame"`
	ExtraTime time.Duration      `json:"extra_time"`
	Inputs    protocol.AllInputs `json:"inputs"`
	Program   []byte             `json:"program"`
}

// Snapshot сериализует образ
func (p *ProcessImage) Snapshot() ([]byte, error) {
	rec := imageRecord{
		Frame:     p.sess.FrameCount(),
		ExtraTime: p.sess.ExtraTime(),
		Inputs:    p.sess.Inputs(),
	}
	if p.program != nil {
		data, err := p.program.MarshalState()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal program state: %w", err)
		}
		rec.Program = data
	}
	return json.Marshal(rec)
}

// Restore возвращает процесс к образу: счётчик кадров, часы, ввод и состояние программы
func (p *ProcessImage) Restore(data []byte) error {
	var rec imageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to decode process image: %w", err)
	}
	if p.program != nil {
		if err := p.program.UnmarshalState(rec.Program); err != nil {
			return fmt.Errorf("failed to restore program state: %w", err)
		}
	}
	p.sess.SetFrameCount(rec.Frame)
	p.sess.SetExtraTime(rec.ExtraTime)
	p.sess.PublishInputs(rec.Inputs)
	return nil
}
