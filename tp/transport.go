package tp

import (
	"context"
	"errors"
	"log/slog"
)

// Transport 是ISOTP协议栈的核心结构。Encode/Decode 是同步调用，
// 等待对端帧时阻塞在接收队列上；接收队列由总线回调 OnFrame 填充。
// 同一时间只允许一个 Encode 或 Decode 在运行，调用方负责串行化。
type Transport struct {
	address *Address
	conn    Connector
	config  Config
	isFD    bool

	rxQueue *SafeQueue[[]byte]
	logger  *slog.Logger
}

// Option 用于 NewTransport 的可选配置
type Option func(*Transport)

func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

func NewTransport(address *Address, conn Connector, cfg Config, opts ...Option) (*Transport, error) {
	if address == nil {
		return nil, errors.New("address must not be nil")
	}
	if conn == nil {
		return nil, errors.New("connector must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Transport{
		address: address,
		conn:    conn,
		config:  cfg,
		isFD:    cfg.CANFD,
		rxQueue: NewSafeQueue[[]byte](),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("tx", t.address.TxID, "rx", t.address.RxID)
	return t, nil
}

func (t *Transport) Address() *Address { return t.address }

func (t *Transport) Config() Config { return t.config }

// SetFDMode 切换 CAN FD，不能在收发过程中调用。
func (t *Transport) SetFDMode(isFD bool) {
	t.isFD = isFD
}

func (t *Transport) frameLength() int {
	if t.isFD {
		return fdFrameLength
	}
	return classicFrameLength
}

// capacity 是一帧中去掉寻址前缀后留给 ISO-TP 的字节数
func (t *Transport) capacity() int {
	return t.frameLength() - len(t.address.TxPayloadPrefix)
}

// MaxPDULength 是连续帧携带的数据字节数：普通寻址 7 (FD 63)，扩展/混合寻址 6 (FD 62)。
func (t *Transport) MaxPDULength() int {
	return t.capacity() - 1
}

// OnFrame 是总线接收回调。匹配响应ID的报文去掉寻址前缀后进入接收队列。
func (t *Transport) OnFrame(msg CanMessage) error {
	if !t.address.ReceiveSupported() {
		return UnsupportedAddressingError{Mode: t.address.AddressingMode}
	}
	if !t.address.IsForMe(&msg) {
		return nil
	}
	if len(msg.Data) <= t.address.RxPrefixSize {
		return InvalidCanDataError{}
	}
	data := make([]byte, len(msg.Data)-t.address.RxPrefixSize)
	copy(data, msg.Data[t.address.RxPrefixSize:])
	t.rxQueue.Push(data)
	return nil
}

// ClearRx 丢弃接收队列中尚未处理的帧
func (t *Transport) ClearRx() {
	t.rxQueue.Clear()
}

func (t *Transport) makeTxMsg(data []byte, addrType AddressType) CanMessage {
	fullPayload := make([]byte, 0, t.frameLength())
	fullPayload = append(fullPayload, t.address.TxPayloadPrefix...)
	fullPayload = append(fullPayload, data...)

	if t.config.PaddingByte != nil {
		targetLen := classicFrameLength
		if t.isFD {
			targetLen = nearestCanFdSize(len(fullPayload))
		}
		for len(fullPayload) < targetLen {
			fullPayload = append(fullPayload, *t.config.PaddingByte)
		}
	}

	return CanMessage{
		ArbitrationID: t.address.GetTxArbitrationID(addrType),
		Data:          fullPayload,
		IsExtendedID:  t.address.Is29Bit(),
		IsFD:          t.isFD,
		BitrateSwitch: t.isFD && t.config.BitrateSwitch,
	}
}

func (t *Transport) transmit(data []byte, addrType AddressType) (CanMessage, error) {
	msg := t.makeTxMsg(data, addrType)
	if err := t.conn.Transmit(msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// nextFrame 在 timer 到期前等待下一帧
func (t *Transport) nextFrame(ctx context.Context, timer *ResettableTimer, name string, state State) ([]byte, error) {
	for {
		remaining := timer.Remaining()
		if remaining <= 0 {
			return nil, ProtocolTimeoutError{Timer: name, Timeout: timer.Timeout().Seconds(), State: state}
		}
		raw, ok, err := t.rxQueue.Wait(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if ok {
			return raw, nil
		}
	}
}
