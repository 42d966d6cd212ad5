package tp

import (
	"context"
	"time"
)

// Decode 从接收队列重组一条完整报文。timeout 约束整个重组过程，
// 每收到一个合法的连续帧就重新计时；timeout <= 0 时使用 TimeoutN_Cr。
func (t *Transport) Decode(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if !t.address.ReceiveSupported() {
		return nil, UnsupportedAddressingError{Mode: t.address.AddressingMode}
	}
	if timeout <= 0 {
		timeout = t.config.TimeoutN_Cr
	}
	timer := NewResettableTimer(timeout)
	timer.Start()

	state := StateIdle
	var (
		buffer      []byte
		totalSize   int
		expectedSeq int
		blockCount  int
	)

	for {
		raw, err := t.nextFrame(ctx, timer, "N_Cr", state)
		if err != nil {
			return nil, err
		}

		switch state {
		case StateIdle:
			frame, err := ParseFrame(raw)
			if err != nil {
				t.logger.Debug("isotp frame dropped", "err", err)
				continue
			}
			switch f := frame.(type) {
			case *SingleFrame:
				// 经典 CAN 上 SF_DL=0 不是合法的长度转义，空单帧同样丢弃
				if len(f.Data) == 0 || (raw[0]&0x0F == 0 && !t.isFD) {
					t.logger.Debug("isotp invalid single frame dropped", "data", raw)
					continue
				}
				out := make([]byte, len(f.Data))
				copy(out, f.Data)
				return out, nil
			case *FirstFrame:
				if f.TotalSize > MaxPayloadLength {
					return nil, PayloadTooLargeError{Length: f.TotalSize}
				}
				totalSize = f.TotalSize
				buffer = make([]byte, 0, totalSize)
				buffer = appendUpTo(buffer, f.Data, totalSize)
				expectedSeq = 1
				blockCount = 0

				state = StateSendFC
				if err := t.sendFlowControl(); err != nil {
					return nil, err
				}
				state = StateWaitCF
				timer.Restart()
				if len(buffer) >= totalSize {
					return buffer, nil
				}
			default:
				// 空闲状态下的流控帧或迟到的连续帧与本次接收无关
				t.logger.Debug("isotp frame ignored while idle", "pci", raw[0]>>4)
			}

		case StateWaitCF:
			if raw[0]&0xF0 != pciTypeConsecutiveFrame {
				return nil, UnexpectedFrameError{State: state, PCI: raw[0]}
			}
			seq := int(raw[0] & 0x0F)
			if seq != expectedSeq {
				return nil, SequenceError{Expected: expectedSeq, Received: seq}
			}
			expectedSeq = (expectedSeq + 1) % 16
			buffer = appendUpTo(buffer, raw[1:], totalSize)
			timer.Restart()

			if len(buffer) >= totalSize {
				return buffer, nil
			}

			blockCount++
			if t.config.BlockSize > 0 && blockCount >= t.config.BlockSize {
				blockCount = 0
				if err := t.sendFlowControl(); err != nil {
					return nil, err
				}
			}
		}
	}
}

func (t *Transport) sendFlowControl() error {
	payload := createFlowControlPayload(FlowStatusContinueToSend, t.config.BlockSize, t.config.StMin)
	_, err := t.transmit(payload, Physical)
	return err
}

// appendUpTo 追加数据但不超过声明的总长度，多余的填充字节被丢弃
func appendUpTo(buffer, data []byte, total int) []byte {
	need := total - len(buffer)
	if need <= 0 {
		return buffer
	}
	if len(data) > need {
		data = data[:need]
	}
	return append(buffer, data...)
}
