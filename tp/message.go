package tp

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// CanMessage 代表一个 CAN 报文 (ISO-11898)。
type CanMessage struct {
	ArbitrationID uint32
	Data          []byte
	IsExtendedID  bool
	IsFD          bool
	BitrateSwitch bool
}

// String 方法提供了 CanMessage 的字符串表示形式。
func (m *CanMessage) String() string {
	var idStr string
	if m.IsExtendedID {
		idStr = fmt.Sprintf("%08x", m.ArbitrationID)
	} else {
		idStr = fmt.Sprintf("%03x", m.ArbitrationID)
	}
	dataStr := hex.EncodeToString(m.Data)
	var flags []string
	if m.IsFD {
		flags = append(flags, "fd")
	}
	if m.BitrateSwitch {
		flags = append(flags, "brs")
	}
	var flagStr string
	if len(flags) > 0 {
		flagStr = fmt.Sprintf(" (%s)", strings.Join(flags, ","))
	}
	return fmt.Sprintf("<CanMessage %s [%d]%s \"%s\">", idStr, len(m.Data), flagStr, dataStr)
}

// Connector 是协议栈向总线发送报文的出口，每个输出帧调用一次。
type Connector interface {
	Transmit(msg CanMessage) error
}

// ConnectorFunc 让普通函数满足 Connector。
type ConnectorFunc func(msg CanMessage) error

func (f ConnectorFunc) Transmit(msg CanMessage) error { return f(msg) }

// State 定义了收发状态机的状态。
type State uint8

const (
	StateIdle State = iota
	StateSendSingleFrame
	StateSendFirstFrame
	StateWaitFC
	StateSendCF
	StateSendFC
	StateWaitCF
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSendSingleFrame:
		return "SEND_SINGLE_FRAME"
	case StateSendFirstFrame:
		return "SEND_FIRST_FRAME"
	case StateWaitFC:
		return "WAIT_FLOW_CONTROL"
	case StateSendCF:
		return "SEND_CONSECUTIVE_FRAME"
	case StateSendFC:
		return "SEND_FLOW_CONTROL"
	case StateWaitCF:
		return "RECEIVING_CONSECUTIVE_FRAME"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// FlowStatus 定义了流控帧的状态。
type FlowStatus uint8

const (
	FlowStatusContinueToSend FlowStatus = 0x00
	FlowStatusWait           FlowStatus = 0x01
	FlowStatusOverflow       FlowStatus = 0x02
)

func (f FlowStatus) String() string {
	switch f {
	case FlowStatusContinueToSend:
		return "CTS"
	case FlowStatusWait:
		return "WAIT"
	case FlowStatusOverflow:
		return "OVERFLOW"
	}
	return fmt.Sprintf("FS(0x%X)", uint8(f))
}
