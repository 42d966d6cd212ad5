package tp

import (
	"encoding/binary"
	"fmt"
	"time"
)

// ISOTPFrame 是 ParseFrame 的结果，具体类型为下面四种帧之一
type ISOTPFrame interface{}

type SingleFrame struct{ Data []byte }

// FirstFrame 携带报文总长度和第一段数据
type FirstFrame struct {
	TotalSize int
	Data      []byte
}

// ConsecutiveFrame 的 SequenceNumber 是 0..15 循环的低 4 位
type ConsecutiveFrame struct {
	SequenceNumber int
	Data           []byte
}

type FlowControlFrame struct {
	FlowStatus FlowStatus
	BlockSize  int
	STmin      time.Duration
}

// decodeSTmin 解码流控帧中的 STmin。0xF1..0xF9 是 100us 的倍数，保留值按 127ms 处理。
func decodeSTmin(b byte) time.Duration {
	switch {
	case b <= 0x7F:
		return time.Duration(b) * time.Millisecond
	case b >= 0xF1 && b <= 0xF9:
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	}
	return 127 * time.Millisecond
}

func invalidFrame(format string, args ...any) error {
	return InvalidCanDataError{IsoTpError: NewIsoTpError(fmt.Sprintf(format, args...))}
}

// ParseFrame 解析已去掉寻址前缀的 ISO-TP 帧，填充字节留在数据之外
func ParseFrame(payload []byte) (ISOTPFrame, error) {
	if len(payload) == 0 {
		return nil, invalidFrame("空帧")
	}
	switch pci := payload[0] & 0xF0; pci {
	case pciTypeSingleFrame:
		return parseSingleFrame(payload)
	case pciTypeFirstFrame:
		return parseFirstFrame(payload)
	case pciTypeConsecutiveFrame:
		return &ConsecutiveFrame{SequenceNumber: int(payload[0] & 0x0F), Data: payload[1:]}, nil
	case pciTypeFlowControl:
		if len(payload) < 3 {
			return nil, invalidFrame("FC 长度 %d 不足 3 字节", len(payload))
		}
		return &FlowControlFrame{
			FlowStatus: FlowStatus(payload[0] & 0x0F),
			BlockSize:  int(payload[1]),
			STmin:      decodeSTmin(payload[2]),
		}, nil
	default:
		return nil, invalidFrame("未知 PCI 类型 0x%02X", pci)
	}
}

func parseSingleFrame(payload []byte) (*SingleFrame, error) {
	length, start := int(payload[0]&0x0F), 1
	if length == 0 {
		// CAN FD 长度转义：第二个字节是长度
		if len(payload) < 2 {
			return nil, invalidFrame("SF(FD) 缺少长度字节")
		}
		length, start = int(payload[1]), 2
	}
	if len(payload)-start < length {
		return nil, invalidFrame("SF 声明 %d 字节，实际 %d 字节", length, len(payload)-start)
	}
	return &SingleFrame{Data: payload[start : start+length]}, nil
}

func parseFirstFrame(payload []byte) (*FirstFrame, error) {
	if len(payload) < 2 {
		return nil, invalidFrame("FF 长度 %d 不足 2 字节", len(payload))
	}
	total, start := int(payload[0]&0x0F)<<8|int(payload[1]), 2
	if total == 0 {
		// 长度转义：后 4 个字节是 32 位总长度，由调用方按 MaxPayloadLength 拒绝
		if len(payload) < 6 {
			return nil, invalidFrame("FF(32bit) 长度 %d 不足 6 字节", len(payload))
		}
		total, start = int(binary.BigEndian.Uint32(payload[2:6])), 6
	}
	return &FirstFrame{TotalSize: total, Data: payload[start:]}, nil
}
