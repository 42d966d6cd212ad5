package driver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LoveWonYoung/udsstack/tp"
)

// VirtualBus 是进程内的虚拟 CAN 总线，一个节点写入的报文送达其他所有运行中的节点。
// 用于开发和测试，不依赖实际硬件。
type VirtualBus struct {
	mu    sync.Mutex
	nodes []*VirtualNode
}

func NewVirtualBus() *VirtualBus {
	return &VirtualBus{}
}

// NewNode 在总线上创建一个节点
func (b *VirtualBus) NewNode(name string, canType CanType) *VirtualNode {
	ctx, cancel := context.WithCancel(context.Background())
	n := &VirtualNode{
		name:    name,
		bus:     b,
		rxChan:  make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		canType: canType,
		logger:  slog.Default().With("node", name),
	}
	b.mu.Lock()
	b.nodes = append(b.nodes, n)
	b.mu.Unlock()
	return n
}

func (b *VirtualBus) peers(self *VirtualNode) []*VirtualNode {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*VirtualNode, 0, len(b.nodes))
	for _, n := range b.nodes {
		if n != self {
			out = append(out, n)
		}
	}
	return out
}

// WriteRecord 记录一次写入操作
type WriteRecord struct {
	Msg       tp.CanMessage
	Timestamp time.Time
}

// CannedResponse 定义预设的自动响应
type CannedResponse struct {
	TriggerID   uint32        // 触发响应的请求 ID
	ResponseID  uint32        // 响应的 ID
	TriggerData []byte        // 触发响应的数据前缀 (可选)
	Response    []byte        // 响应数据
	Delay       time.Duration // 响应延迟
}

// VirtualNode 是虚拟总线上的一个 CANDriver
type VirtualNode struct {
	name    string
	bus     *VirtualBus
	logger  *slog.Logger
	canType CanType

	mu        sync.Mutex
	rxChan    chan UnifiedCANMessage
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	stopped   bool
	writeLog  []WriteRecord
	responses []CannedResponse
}

func (n *VirtualNode) String() string { return n.name }

// SetLogger 替换节点的日志记录器
func (n *VirtualNode) SetLogger(l *slog.Logger) {
	n.logger = l.With("node", n.name)
}

// Init 初始化虚拟设备 (总是成功)
func (n *VirtualNode) Init() error {
	n.logger.Debug("虚拟 CAN 设备初始化成功")
	return nil
}

// Start 启动虚拟设备，停止后不能再次启动
func (n *VirtualNode) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running || n.stopped {
		return
	}
	n.running = true
	n.logger.Debug("虚拟 CAN 设备已启动", "type", n.canType)
}

// Stop 停止虚拟设备并关闭接收通道
func (n *VirtualNode) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.running = false
	n.stopped = true
	n.cancel()
	close(n.rxChan)
	n.logger.Debug("虚拟 CAN 设备已停止")
}

// Write 把报文送达总线上的其他节点，并触发匹配的预设响应
func (n *VirtualNode) Write(msg tp.CanMessage) error {
	if err := checkLength(n.canType, len(msg.Data)); err != nil {
		return err
	}
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return ErrNotStarted
	}
	msg.Data = append([]byte(nil), msg.Data...)
	msg.IsFD = msg.IsFD || n.canType == CANFD
	n.writeLog = append(n.writeLog, WriteRecord{Msg: msg, Timestamp: time.Now()})
	var canned []CannedResponse
	for _, r := range n.responses {
		if r.TriggerID == msg.ArbitrationID && bytes.HasPrefix(msg.Data, r.TriggerData) {
			canned = append(canned, r)
		}
	}
	n.mu.Unlock()

	u := FromCanMessage(msg)
	logCANMessage(n.logger, "TX", u)
	for _, peer := range n.bus.peers(n) {
		if err := peer.deliver(u); err != nil {
			n.logger.Warn("报文未送达", "peer", peer.name, "err", err)
		}
	}

	for _, r := range canned {
		go func(r CannedResponse) {
			time.Sleep(r.Delay)
			_ = n.InjectMessage(r.ResponseID, r.Response)
		}(r)
	}
	return nil
}

// deliver 把报文放入接收通道，未运行的节点静默忽略
func (n *VirtualNode) deliver(msg UnifiedCANMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return nil
	}
	select {
	case n.rxChan <- msg:
		logCANMessage(n.logger, "RX", msg)
		return nil
	default:
		return ErrRxFull
	}
}

// RxChan 返回接收通道
func (n *VirtualNode) RxChan() <-chan UnifiedCANMessage {
	return n.rxChan
}

// Context 返回设备上下文，Stop 后结束
func (n *VirtualNode) Context() context.Context {
	return n.ctx
}

// InjectMessage 向接收通道注入一条消息 (模拟接收)
func (n *VirtualNode) InjectMessage(id uint32, data []byte) error {
	if err := checkLength(n.canType, len(data)); err != nil {
		return err
	}
	n.mu.Lock()
	running := n.running
	n.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	msg := FromCanMessage(tp.CanMessage{ArbitrationID: id, Data: data, IsFD: n.canType == CANFD})
	if err := n.deliver(msg); err != nil {
		return fmt.Errorf("注入 0x%X: %w", id, err)
	}
	return nil
}

// AddResponse 添加一个预设响应
func (n *VirtualNode) AddResponse(r CannedResponse) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses = append(n.responses, r)
}

// ClearResponses 清除所有预设响应
func (n *VirtualNode) ClearResponses() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses = nil
}

// WriteLog 获取写入日志
func (n *VirtualNode) WriteLog() []WriteRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]WriteRecord(nil), n.writeLog...)
}

// ClearWriteLog 清除写入日志
func (n *VirtualNode) ClearWriteLog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.writeLog = nil
}

// IsRunning 检查设备是否正在运行
func (n *VirtualNode) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}
