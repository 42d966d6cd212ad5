package tp

import (
	"errors"
	"fmt"
	"time"
)

const (
	// pciTypeSingleFrame (SF) 是 0
	pciTypeSingleFrame = 0x00
	// pciTypeFirstFrame (FF) 是 1
	pciTypeFirstFrame = 0x10
	// pciTypeConsecutiveFrame (CF) 是 2
	pciTypeConsecutiveFrame = 0x20
	// pciTypeFlowControl (FC) 是 3
	pciTypeFlowControl = 0x30
)

// encodeSTmin 把间隔时间编码为流控帧的 STmin 字节
func encodeSTmin(d time.Duration) byte {
	switch {
	case d <= 0:
		return 0x00
	case d < time.Millisecond:
		units := d / (100 * time.Microsecond)
		if units < 1 {
			units = 1
		}
		return 0xF0 | byte(units)
	case d <= 127*time.Millisecond:
		return byte(d / time.Millisecond)
	}
	return 0x7F
}

// createFlowControlPayload 创建流控帧的数据负载
func createFlowControlPayload(status FlowStatus, blockSize int, stMin byte) []byte {
	return []byte{
		pciTypeFlowControl | byte(status),
		byte(blockSize),
		stMin,
	}
}

// singleFrameCapacity 返回一帧（去掉寻址前缀后 capacity 字节）能装下的单帧数据长度
func singleFrameCapacity(capacity int) int {
	if capacity <= classicFrameLength {
		return capacity - 1
	}
	// CAN FD 使用长度转义
	return capacity - 2
}

// createSingleFramePayload 创建单帧的数据负载
func createSingleFramePayload(data []byte, maxDataLength int) ([]byte, error) {
	dataLen := len(data)
	var pci []byte

	// 根据数据长度决定PCI格式
	if dataLen <= 7 {
		pci = []byte{pciTypeSingleFrame | byte(dataLen)}
	} else {
		pci = []byte{pciTypeSingleFrame, byte(dataLen)}
	}

	totalLength := len(pci) + dataLen
	if totalLength > maxDataLength {
		return nil, fmt.Errorf("单帧总长度 (%d) 超过最大限制 (%d)", totalLength, maxDataLength)
	}

	payload := make([]byte, 0, totalLength)
	payload = append(payload, pci...)
	payload = append(payload, data...)
	return payload, nil
}

// createFirstFramePayload 创建首帧的数据负载
func createFirstFramePayload(firstChunk []byte, totalMessageSize int, maxDataLength int) ([]byte, error) {
	if totalMessageSize > MaxPayloadLength {
		return nil, PayloadTooLargeError{Length: totalMessageSize}
	}
	pci := []byte{
		pciTypeFirstFrame | byte(totalMessageSize>>8&0x0F),
		byte(totalMessageSize & 0xFF),
	}

	totalLength := len(pci) + len(firstChunk)
	if totalLength > maxDataLength {
		return nil, fmt.Errorf("首帧总长度 (%d) 超过最大限制 (%d)", totalLength, maxDataLength)
	}

	payload := make([]byte, 0, totalLength)
	payload = append(payload, pci...)
	payload = append(payload, firstChunk...)
	return payload, nil
}

// createConsecutiveFramePayload 创建连续帧的数据负载
func createConsecutiveFramePayload(dataChunk []byte, sequenceNumber int) ([]byte, error) {
	if sequenceNumber < 0 || sequenceNumber > 15 {
		return nil, errors.New("序列号必须在0到15之间")
	}
	payload := make([]byte, 0, 1+len(dataChunk))
	payload = append(payload, pciTypeConsecutiveFrame|byte(sequenceNumber))
	payload = append(payload, dataChunk...)
	return payload, nil
}

// nearestCanFdSize 返回能容纳 size 字节的最小 CAN FD 数据长度
func nearestCanFdSize(size int) int {
	switch {
	case size <= 8:
		return 8
	case size <= 12:
		return 12
	case size <= 16:
		return 16
	case size <= 20:
		return 20
	case size <= 24:
		return 24
	case size <= 32:
		return 32
	case size <= 48:
		return 48
	}
	return 64
}
