// Package keepalive runs the background TesterPresent loop shared by every
// diagnostic session in the process.
package keepalive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval 是轮询所有会话的间隔
const DefaultInterval = time.Second

// Target 是需要保活的会话
type Target interface {
	// Transmitting 为 true 时本轮跳过该会话
	Transmitting() bool
	// KeepaliveDue 报告当前诊断会话是否要求保活且空闲时间已到
	KeepaliveDue(now time.Time) bool
	// SendKeepalive 发送一次不要求响应的 TesterPresent
	SendKeepalive(ctx context.Context) error
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// Scheduler 按固定间隔轮询已注册的会话，对到期的会话发送保活报文。
// 循环在第一次 Register 时启动，Shutdown 后可以再次 Register 重新启动。
type Scheduler struct {
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	targets map[Target]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		interval: DefaultInterval,
		logger:   slog.Default(),
		targets:  make(map[Target]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	sharedOnce sync.Once
	shared     *Scheduler
)

// Shared 返回进程内共享的调度器
func Shared() *Scheduler {
	sharedOnce.Do(func() {
		shared = New()
	})
	return shared
}

// Register 把 t 加入轮询集合，重复注册无副作用
func (s *Scheduler) Register(t Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t] = struct{}{}
	if s.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.run(ctx, s.done)
		s.logger.Debug("keepalive loop started", "interval", s.interval)
	}
}

func (s *Scheduler) Deregister(t Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.targets, t)
}

func (s *Scheduler) Registered(t Target) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.targets[t]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets)
}

// Shutdown 停止轮询循环并等待其退出。已注册的会话保留。
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) snapshot() []Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Target, 0, len(s.targets))
	for t := range s.targets {
		out = append(out, t)
	}
	return out
}

// tick 处理一轮。单个会话的失败只记录日志，不影响其他会话。
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, t := range s.snapshot() {
		if ctx.Err() != nil {
			return
		}
		if err := s.visit(ctx, t, now); err != nil {
			s.logger.Warn("keepalive skipped", "target", targetName(t), "err", err)
		}
	}
}

func (s *Scheduler) visit(ctx context.Context, t Target, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if t.Transmitting() {
		return nil
	}
	if !t.KeepaliveDue(now) {
		return nil
	}
	return t.SendKeepalive(ctx)
}

func targetName(t Target) string {
	if s, ok := t.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", t)
}
