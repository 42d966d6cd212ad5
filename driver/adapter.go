package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/udsstack/tp"
)

// Receiver 接收总线上的报文，*tp.Transport 满足此接口
type Receiver interface {
	OnFrame(msg tp.CanMessage) error
}

// ReceiverFunc 让普通函数满足 Receiver
type ReceiverFunc func(msg tp.CanMessage) error

func (f ReceiverFunc) OnFrame(msg tp.CanMessage) error { return f(msg) }

// Adapter 是连接协议栈和 CAN 驱动的适配器。发送方向实现 tp.Connector，
// 接收方向把每一帧分发给所有已注册的 Receiver。
type Adapter struct {
	driver CANDriver
	logger *slog.Logger

	mu        sync.RWMutex
	receivers []receiverEntry
	nextID    int
}

type receiverEntry struct {
	id int
	r  Receiver
}

type AdapterOption func(*Adapter)

func WithAdapterLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAdapter 初始化并启动驱动
func NewAdapter(dev CANDriver, opts ...AdapterOption) (*Adapter, error) {
	if dev == nil {
		return nil, errors.New("CAN driver instance cannot be nil")
	}
	a := &Adapter{driver: dev, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize CAN device: %w", err)
	}
	dev.Start()
	a.logger.Info("CAN 适配器已创建，设备已启动")
	return a, nil
}

// Transmit 实现 tp.Connector
func (a *Adapter) Transmit(msg tp.CanMessage) error {
	return a.driver.Write(msg)
}

// Attach 注册接收者，返回的函数用于注销
func (a *Adapter) Attach(r Receiver) (detach func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := a.nextID
	a.receivers = append(a.receivers, receiverEntry{id: id, r: r})
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, e := range a.receivers {
			if e.id == id {
				a.receivers = append(a.receivers[:i:i], a.receivers[i+1:]...)
				return
			}
		}
	}
}

func (a *Adapter) dispatch(msg tp.CanMessage) {
	a.mu.RLock()
	receivers := append([]receiverEntry(nil), a.receivers...)
	a.mu.RUnlock()
	for _, e := range receivers {
		if err := e.r.OnFrame(msg); err != nil {
			a.logger.Debug("接收者处理报文失败", "id", fmt.Sprintf("0x%X", msg.ArbitrationID), "err", err)
		}
	}
}

// Run 分发接收到的报文直到 ctx 结束或驱动停止。ctx 结束时停止驱动并返回 nil，
// 驱动自行停止时返回 ErrDriverStopped。
func (a *Adapter) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	rx := a.driver.RxChan()

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-a.driver.Context().Done():
		}
		a.driver.Stop()
		return nil
	})
	g.Go(func() error {
		for msg := range rx {
			a.dispatch(msg.CanMessage())
		}
		if ctx.Err() != nil {
			return nil
		}
		return ErrDriverStopped
	})
	return g.Wait()
}

// Close 用于停止驱动并释放资源
func (a *Adapter) Close() {
	a.logger.Info("关闭 CAN 适配器")
	a.driver.Stop()
}
