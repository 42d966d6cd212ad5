// Package driver connects the ISO-TP transport to CAN hardware or a
// simulated bus.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LoveWonYoung/udsstack/tp"
)

// 缓冲区配置常量
const (
	RxChannelBufferSize = 1024
	PollingInterval     = time.Millisecond
)

var (
	ErrNotStarted    = errors.New("driver: 设备未启动")
	ErrDriverStopped = errors.New("driver: 设备已停止")
	ErrRxFull        = errors.New("driver: 接收通道已满")
)

// CanType 定义 CAN 类型
type CanType byte

const (
	CAN CanType = iota
	CANFD
)

func (t CanType) String() string {
	if t == CANFD {
		return "CANFD"
	}
	return "CAN"
}

// UnifiedCANMessage 是一个通用的CAN/CAN-FD消息结构体，用于在channel中传递。
// DLC 是数据字节长度，不是 DLC 码。
type UnifiedCANMessage struct {
	ID         uint32
	DLC        byte
	Data       [64]byte
	IsFD       bool
	IsExtended bool
	BRS        bool
}

// FromCanMessage 把协议栈的报文转换为驱动层报文
func FromCanMessage(msg tp.CanMessage) UnifiedCANMessage {
	u := UnifiedCANMessage{
		ID:         msg.ArbitrationID,
		DLC:        byte(len(msg.Data)),
		IsFD:       msg.IsFD,
		IsExtended: msg.IsExtendedID,
		BRS:        msg.BitrateSwitch,
	}
	copy(u.Data[:], msg.Data)
	return u
}

// CanMessage 转换为协议栈报文。DLC 大于数据数组长度时按数组长度截断。
func (m UnifiedCANMessage) CanMessage() tp.CanMessage {
	n := int(m.DLC)
	if n > len(m.Data) {
		n = len(m.Data)
	}
	data := make([]byte, n)
	copy(data, m.Data[:n])
	return tp.CanMessage{
		ArbitrationID: m.ID,
		Data:          data,
		IsExtendedID:  m.IsExtended,
		IsFD:          m.IsFD,
		BitrateSwitch: m.BRS,
	}
}

// CANDriver 定义了CAN/CAN-FD驱动的统一接口
type CANDriver interface {
	Init() error
	Start()
	Stop()
	Write(msg tp.CanMessage) error
	RxChan() <-chan UnifiedCANMessage
	Context() context.Context
}

// checkLength 检查数据长度是否符合 CAN 类型
func checkLength(canType CanType, n int) error {
	switch {
	case n == 0:
		return fmt.Errorf("数据长度 %d", n)
	case canType == CANFD && n > 64:
		return fmt.Errorf("数据长度 %d 超过CAN-FD最大长度64", n)
	case canType == CAN && n > 8:
		return fmt.Errorf("数据长度 %d 超过CAN最大长度8", n)
	}
	return nil
}

// lenToDLC 将数据字节长度转换为 CAN/CAN-FD 的 DLC 码
func lenToDLC(n int) byte {
	if n <= 8 {
		return byte(n)
	}
	switch {
	case n <= 12:
		return 9
	case n <= 16:
		return 10
	case n <= 20:
		return 11
	case n <= 24:
		return 12
	case n <= 32:
		return 13
	case n <= 48:
		return 14
	default:
		return 15
	}
}

var dlcLengths = [16]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// dlcToLen 将 DLC 码转换为数据字节长度
func dlcToLen(dlc byte) int {
	return dlcLengths[dlc&0x0F]
}

// logCANMessage 统一的CAN消息日志记录函数
func logCANMessage(logger *slog.Logger, direction string, msg UnifiedCANMessage) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	typeStr := "CAN"
	if msg.IsFD {
		typeStr = "CANFD"
	}
	logger.Debug(fmt.Sprintf("%s %s: ID=0x%03X, DLC=%02d, Data=% 02X", direction, typeStr, msg.ID, msg.DLC, msg.Data[:msg.DLC]))
}
