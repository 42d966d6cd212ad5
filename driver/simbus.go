package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	red "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/LoveWonYoung/udsstack/tp"
)

const simbusMagic = "CANF"

var (
	recvTimeout    = time.Second
	connectRetries = uint(5)
)

var ErrSimBusEnvelope = errors.New("simbus: 无效的报文封装")

// SimBus 通过 Redis 列表模拟 CAN 总线。每个节点从 udsstack.can.<uid> 上 BRPOP，
// 发送时向每个对端的列表 LPUSH 一个 msgpack 封装的报文。
type SimBus struct {
	URL   string
	UID   uint32
	Peers []uint32

	canType CanType
	logger  *slog.Logger
	client  *red.Client

	mu        sync.Mutex
	started   bool
	rxChan    chan UnifiedCANMessage
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewSimBus(url string, uid uint32, peers []uint32, canType CanType, logger *slog.Logger) *SimBus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SimBus{
		URL:     url,
		UID:     uid,
		Peers:   peers,
		canType: canType,
		logger:  logger.With("uid", uid),
		rxChan:  make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func simbusKey(uid uint32) string {
	return fmt.Sprintf("udsstack.can.%d", uid)
}

// Init 连接 Redis，连接失败时按固定间隔重试
func (b *SimBus) Init() error {
	if b.UID == 0 {
		return fmt.Errorf("simbus: UID not configured")
	}
	opt, err := red.ParseURL(b.URL)
	if err != nil {
		return fmt.Errorf("simbus: %w", err)
	}
	b.client = red.NewClient(opt)

	err = retry.Do(func() error {
		return b.client.Ping(b.ctx).Err()
	},
		retry.Context(b.ctx),
		retry.Attempts(connectRetries),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Warn("Redis 连接失败，重试", "attempt", n+1, "err", err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		b.client.Close()
		return fmt.Errorf("simbus: connect %s: %w", b.URL, err)
	}
	b.logger.Info("SimBus 已连接", "url", b.URL, "pull", simbusKey(b.UID), "peers", b.Peers)
	return nil
}

func (b *SimBus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.client == nil || b.ctx.Err() != nil {
		return
	}
	b.started = true
	go b.pollLoop()
}

func (b *SimBus) Stop() {
	b.closeOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		started := b.started
		b.mu.Unlock()
		if !started {
			close(b.rxChan)
			if b.client != nil {
				b.client.Close()
			}
		}
	})
}

func (b *SimBus) pollLoop() {
	defer func() {
		close(b.rxChan)
		b.client.Close()
	}()
	key := simbusKey(b.UID)
	for {
		res, err := b.client.BRPop(b.ctx, recvTimeout, key).Result()
		if b.ctx.Err() != nil {
			return
		}
		if errors.Is(err, red.Nil) {
			continue
		}
		if err != nil {
			b.logger.Error("BRPOP 失败", "err", err)
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(recvTimeout):
			}
			continue
		}
		if len(res) != 2 {
			continue
		}
		from, msg, err := DecodeEnvelope([]byte(res[1]))
		if err != nil {
			b.logger.Warn("丢弃无效报文", "err", err)
			continue
		}
		if from == b.UID {
			continue
		}
		logCANMessage(b.logger, "RX", msg)
		select {
		case b.rxChan <- msg:
		default:
			b.logger.Warn("驱动接收channel已满，消息被丢弃")
		}
	}
}

func (b *SimBus) Write(msg tp.CanMessage) error {
	if err := checkLength(b.canType, len(msg.Data)); err != nil {
		return err
	}
	if b.ctx.Err() != nil {
		return ErrDriverStopped
	}
	if b.client == nil {
		return ErrNotStarted
	}
	env, err := EncodeEnvelope(b.UID, msg)
	if err != nil {
		return err
	}
	pipe := b.client.Pipeline()
	for _, peer := range b.Peers {
		pipe.LPush(b.ctx, simbusKey(peer), env)
	}
	if _, err := pipe.Exec(b.ctx); err != nil {
		return fmt.Errorf("simbus: LPUSH: %w", err)
	}
	logCANMessage(b.logger, "TX", FromCanMessage(msg))
	return nil
}

func (b *SimBus) RxChan() <-chan UnifiedCANMessage { return b.rxChan }

func (b *SimBus) Context() context.Context { return b.ctx }

// EncodeEnvelope 把报文编码为 [magic, from, id, ext, fd, brs, data] 的 msgpack 序列
func EncodeEnvelope(from uint32, msg tp.CanMessage) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := msgpack.NewEncoder(buf)
	for _, step := range []func() error{
		func() error { return enc.EncodeString(simbusMagic) },
		func() error { return enc.EncodeUint32(from) },
		func() error { return enc.EncodeUint32(msg.ArbitrationID) },
		func() error { return enc.EncodeBool(msg.IsExtendedID) },
		func() error { return enc.EncodeBool(msg.IsFD) },
		func() error { return enc.EncodeBool(msg.BitrateSwitch) },
		func() error { return enc.EncodeBytes(msg.Data) },
	} {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope 解码 EncodeEnvelope 的输出，返回发送方 UID 和报文
func DecodeEnvelope(buf []byte) (uint32, UnifiedCANMessage, error) {
	var msg UnifiedCANMessage
	dec := msgpack.NewDecoder(bytes.NewReader(buf))
	magic, err := dec.DecodeString()
	if err != nil || magic != simbusMagic {
		return 0, msg, ErrSimBusEnvelope
	}
	from, err := dec.DecodeUint32()
	if err != nil {
		return 0, msg, fmt.Errorf("%w: from: %v", ErrSimBusEnvelope, err)
	}
	if msg.ID, err = dec.DecodeUint32(); err != nil {
		return 0, msg, fmt.Errorf("%w: id: %v", ErrSimBusEnvelope, err)
	}
	if msg.IsExtended, err = dec.DecodeBool(); err != nil {
		return 0, msg, fmt.Errorf("%w: ext: %v", ErrSimBusEnvelope, err)
	}
	if msg.IsFD, err = dec.DecodeBool(); err != nil {
		return 0, msg, fmt.Errorf("%w: fd: %v", ErrSimBusEnvelope, err)
	}
	if msg.BRS, err = dec.DecodeBool(); err != nil {
		return 0, msg, fmt.Errorf("%w: brs: %v", ErrSimBusEnvelope, err)
	}
	data, err := dec.DecodeBytes()
	if err != nil {
		return 0, msg, fmt.Errorf("%w: data: %v", ErrSimBusEnvelope, err)
	}
	if len(data) > len(msg.Data) {
		return 0, msg, fmt.Errorf("%w: 数据长度 %d", ErrSimBusEnvelope, len(data))
	}
	msg.DLC = byte(copy(msg.Data[:], data))
	return from, msg, nil
}
