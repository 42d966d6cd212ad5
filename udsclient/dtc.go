package udsclient

import (
	"fmt"
	"strings"
)

const reportDTCByStatusMask = 0x02

// DTC 是 3 字节故障码和状态字节
type DTC struct {
	Code   uint32
	Status byte
}

// ParseDTCRecords 解析 [DTC高, DTC中, DTC低, 状态] 组成的记录
func ParseDTCRecords(data []byte) ([]DTC, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: DTC 记录长度 %d 不是 4 的倍数", ErrUnexpectedResponse, len(data))
	}
	out := make([]DTC, 0, len(data)/4)
	for i := 0; i < len(data); i += 4 {
		out = append(out, DTC{
			Code:   uint32(data[i])<<16 | uint32(data[i+1])<<8 | uint32(data[i+2]),
			Status: data[i+3],
		})
	}
	return out, nil
}

// How to read DTC codes
// B0 B1    第一个字符: 00 P 动力, 01 C 底盘, 10 B 车身, 11 U 网络
// B2 B3    第二个字符: 0..3
// B4..B15  后三个字符: 十六进制
// 例: E1 03 -> U2103

// String 渲染为 "P0122-1A" 形式，后缀是故障类型字节
func (d DTC) String() string {
	return fmt.Sprintf("%s-%02X", DecodeDTC(byte(d.Code>>16), byte(d.Code>>8)), byte(d.Code))
}

// DecodeDTC 把 DTC 的高两个字节解码为 "P0122" 形式，两字节都为 0 时返回 ""
func DecodeDTC(a, b byte) string {
	if a == 0 && b == 0 {
		return ""
	}
	systemChars := [4]byte{'P', 'C', 'B', 'U'}
	hexDigits := "0123456789ABCDEF"

	code := make([]byte, 5)
	code[0] = systemChars[(a>>6)&0x03]
	code[1] = '0' + (a>>4)&0x03
	code[2] = hexDigits[a&0x0F]
	code[3] = hexDigits[(b>>4)&0x0F]
	code[4] = hexDigits[b&0x0F]
	return string(code)
}

/*
DTC Status Byte
bit  hex   state
0    0x01  testFailed
1    0x02  testFailedThisOperationCycle
2    0x04  pendingDTC
3    0x08  confirmedDTC
4    0x10  testNotCompletedSinceLastClear
5    0x20  testFailedSinceLastClear
6    0x40  testNotCompletedThisOperationCycle
7    0x80  warningIndicatorRequested
*/
func (d DTC) StatusString() string {
	names := []string{
		"failed at the time of the request",
		"failed on the current operation cycle",
		"failed on the current or previous operation cycle",
		"confirmed at the time of the request",
		"test not completed since the last code clear",
		"test failed at least once since last code clear",
		"test not completed this operation cycle",
		"warning indicator requested",
	}
	var parts []string
	for bit := 7; bit >= 0; bit-- {
		if d.Status&(1<<uint(bit)) != 0 {
			parts = append(parts, names[bit])
		}
	}
	return strings.Join(parts, ", ")
}

func (d DTC) Confirmed() bool { return d.Status&0x08 != 0 }
