package udsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/LoveWonYoung/udsstack/keepalive"
)

const (
	defaultP2Timeout   = 1000 * time.Millisecond // 单次等待响应的超时 (P2)
	defaultBusyRetries = 3                       // NRC 0x21 默认重试次数
	defaultBusyDelay   = 100 * time.Millisecond  // NRC 0x21 重试间隔
)

// Transport 是客户端需要的 ISO-TP 传输层接口，*tp.Transport 满足它
type Transport interface {
	Encode(ctx context.Context, payload []byte, functional bool) ([]byte, error)
	Decode(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// SendOptions 控制一次 Send。零值表示物理寻址、需要响应、使用默认超时。
type SendOptions struct {
	SuppressResponse bool
	Functional       bool
	// Timeout 是每次等待响应的超时，收到 0x78 后重新计时
	Timeout time.Duration
}

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithSession(s *Session) Option {
	return func(c *Client) {
		if s != nil {
			c.session = s
		}
	}
}

// WithScheduler 指定保活调度器，默认使用 keepalive.Shared()
func WithScheduler(s *keepalive.Scheduler) Option {
	return func(c *Client) { c.scheduler = s }
}

func WithP2Timeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.p2 = d
		}
	}
}

// WithDIDCache 缓存 ReadDataByIdentifier 的结果 ttl 时长，ttl <= 0 关闭缓存
func WithDIDCache(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl <= 0 {
			c.didCache = nil
			return
		}
		c.didCache = ttlcache.New[uint16, []byte](ttlcache.WithTTL[uint16, []byte](ttl))
	}
}

// WithBusyRetry 设置 Call 遇到 NRC 0x21 时的重试次数和间隔
func WithBusyRetry(attempts uint, delay time.Duration) Option {
	return func(c *Client) {
		c.busyRetries = attempts
		c.busyDelay = delay
	}
}

// Client 是一个 tester 到 ECU 的会话。发送锁覆盖完整的请求/响应过程，
// 所以同一会话上的调用者和保活调度器不会交错发送。
type Client struct {
	tr      Transport
	session *Session
	logger  *slog.Logger

	mu           sync.Mutex
	// transmitting 统计进行中和等锁的请求数
	transmitting atomic.Int32
	closed       atomic.Bool

	p2          time.Duration
	scheduler   *keepalive.Scheduler
	didCache    *ttlcache.Cache[uint16, []byte]
	busyRetries uint
	busyDelay   time.Duration
}

func NewClient(tr Transport, opts ...Option) *Client {
	c := &Client{
		tr:          tr,
		logger:      slog.Default(),
		p2:          defaultP2Timeout,
		busyRetries: defaultBusyRetries,
		busyDelay:   defaultBusyDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.session == nil {
		c.session = NewSession(0, 0, 0)
	}
	c.logger = c.logger.With("session", c.session.ID.String())
	return c
}

func (c *Client) Session() *Session { return c.session }

func (c *Client) String() string {
	return fmt.Sprintf("uds(0x%X->0x%X %s)", c.session.RequestID, c.session.ResponseID, c.session.ID)
}

// Send 发送请求并等待响应。[0x7F, sid, 0x78] 被丢弃并继续等待，没有次数上限，
// 每次等待受 Timeout 约束。其他负响应作为数据原样返回。
// 不需要响应或功能寻址时返回 nil, nil。
// 进入 Send 后先标记 transmitting 再取锁，等锁的调用也让调度器跳过本会话。
func (c *Client) Send(ctx context.Context, payload []byte, opts SendOptions) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyRequest
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	c.transmitting.Add(1)
	defer c.transmitting.Add(-1)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.tr.Encode(ctx, payload, opts.Functional); err != nil {
		return nil, fmt.Errorf("发送 SID=0x%02X 失败: %w", payload[0], err)
	}

	if opts.SuppressResponse || opts.Functional {
		c.session.MarkSent(time.Now())
		return nil, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.p2
	}
	pending := 0
	for {
		resp, err := c.tr.Decode(ctx, timeout)
		if err != nil {
			return nil, fmt.Errorf("等待 SID=0x%02X 响应失败: %w", payload[0], err)
		}
		if IsResponsePending(resp) {
			pending++
			c.logger.Debug("收到 Response Pending，继续等待", "sid", fmt.Sprintf("0x%02X", resp[1]), "count", pending)
			continue
		}
		c.session.MarkSent(time.Now())
		return resp, nil
	}
}

// Transmitting 报告是否有请求正在进行
func (c *Client) Transmitting() bool {
	return c.transmitting.Load() > 0
}

func (c *Client) KeepaliveDue(now time.Time) bool {
	return c.session.KeepaliveDue(now)
}

// SendKeepalive 发送抑制正响应的 TesterPresent
func (c *Client) SendKeepalive(ctx context.Context) error {
	_, err := c.Send(ctx, []byte{SIDTesterPresent, suppressPositiveResponse}, SendOptions{SuppressResponse: true})
	return err
}

func (c *Client) schedulerOrShared() *keepalive.Scheduler {
	if c.scheduler == nil {
		c.scheduler = keepalive.Shared()
	}
	return c.scheduler
}

// DisableKeepalive 关闭当前诊断会话的保活
func (c *Client) DisableKeepalive() {
	c.session.DisableKeepalive()
}

// Close 从保活调度器注销并拒绝后续请求
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.scheduler != nil {
		c.scheduler.Deregister(c)
	}
	if c.didCache != nil {
		c.didCache.DeleteAll()
	}
}

// IsClosed 检查客户端是否已关闭
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}
