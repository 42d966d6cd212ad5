// Package trace records CAN frames crossing the tester's bus connection as
// candump text or CBOR.
package trace

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LoveWonYoung/udsstack/tp"
)

type Direction string

const (
	TX Direction = "TX"
	RX Direction = "RX"
)

// Record 是一帧带时间戳的 CAN 报文
type Record struct {
	Time     time.Time `cbor:"1,keyasint"`
	Dir      Direction `cbor:"2,keyasint,omitempty"`
	ID       uint32    `cbor:"3,keyasint"`
	Extended bool      `cbor:"4,keyasint,omitempty"`
	FD       bool      `cbor:"5,keyasint,omitempty"`
	BRS      bool      `cbor:"6,keyasint,omitempty"`
	Data     []byte    `cbor:"7,keyasint"`
}

func FromMessage(t time.Time, dir Direction, msg tp.CanMessage) Record {
	return Record{
		Time:     t,
		Dir:      dir,
		ID:       msg.ArbitrationID,
		Extended: msg.IsExtendedID,
		FD:       msg.IsFD,
		BRS:      msg.BitrateSwitch,
		Data:     append([]byte(nil), msg.Data...),
	}
}

func (r Record) Message() tp.CanMessage {
	return tp.CanMessage{
		ArbitrationID: r.ID,
		Data:          append([]byte(nil), r.Data...),
		IsExtendedID:  r.Extended,
		IsFD:          r.FD,
		BitrateSwitch: r.BRS,
	}
}

// Sink 接收记录，CandumpWriter 和 CBORWriter 实现此接口
type Sink interface {
	WriteRecord(Record) error
}

// Recorder 把报文写入 Sink。OnFrame 记录接收方向，可以直接注册到
// driver.Adapter；Tap 包装发送方向的 tp.Connector。
type Recorder struct {
	mu     sync.Mutex
	sink   Sink
	now    func() time.Time
	logger *slog.Logger
	count  int
}

func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, now: time.Now, logger: logger}
}

func (r *Recorder) record(dir Direction, msg tp.CanMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.sink.WriteRecord(FromMessage(r.now(), dir, msg)); err != nil {
		r.logger.Warn("写入 trace 失败", "err", err)
		return
	}
	r.count++
}

// OnFrame 记录一帧接收报文
func (r *Recorder) OnFrame(msg tp.CanMessage) error {
	r.record(RX, msg)
	return nil
}

// Count 返回已写入的记录数
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Tap 返回一个先记录再转发给 next 的 Connector，只记录发送成功的报文
func (r *Recorder) Tap(next tp.Connector) tp.Connector {
	return tp.ConnectorFunc(func(msg tp.CanMessage) error {
		if err := next.Transmit(msg); err != nil {
			return fmt.Errorf("trace tap: %w", err)
		}
		r.record(TX, msg)
		return nil
	})
}
