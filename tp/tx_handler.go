package tp

import (
	"context"
	"time"
)

// Encode 把 payload 分段发送。能放进单帧时直接发送；否则发送首帧，
// 之后按对端流控授予的块大小和 STmin 发送连续帧，直到全部发完。
// 返回最后一个发出的原始帧数据。
func (t *Transport) Encode(ctx context.Context, payload []byte, functional bool) ([]byte, error) {
	size := len(payload)
	if size == 0 {
		return nil, NewIsoTpError("empty payload")
	}
	if size > MaxPayloadLength {
		return nil, PayloadTooLargeError{Length: size}
	}

	t.ClearRx()

	addrType := Physical
	if functional {
		addrType = Functional
	}

	capacity := t.capacity()
	if size <= singleFrameCapacity(capacity) {
		data, err := createSingleFramePayload(payload, capacity)
		if err != nil {
			return nil, err
		}
		msg, err := t.transmit(data, addrType)
		if err != nil {
			return nil, err
		}
		t.logger.Debug("isotp single frame sent", "len", size, "state", StateSendSingleFrame)
		return msg.Data, nil
	}

	if functional {
		return nil, FunctionalMultiFrameError{}
	}
	if !t.address.ReceiveSupported() {
		return nil, UnsupportedAddressingError{Mode: t.address.AddressingMode}
	}

	return t.sendMultiFrame(ctx, payload)
}

func (t *Transport) sendMultiFrame(ctx context.Context, payload []byte) ([]byte, error) {
	capacity := t.capacity()
	ffChunk := capacity - 2
	cfChunk := capacity - 1

	data, err := createFirstFramePayload(payload[:ffChunk], len(payload), capacity)
	if err != nil {
		return nil, err
	}
	last, err := t.transmit(data, Physical)
	if err != nil {
		return nil, err
	}
	offset := ffChunk
	sequence := 1

	nBs := NewResettableTimer(t.config.TimeoutN_Bs)
	nBs.Start()
	waitFrames := 0

	t.logger.Debug("isotp first frame sent", "len", len(payload), "state", StateWaitFC)

	for offset < len(payload) {
		fc, err := t.waitFlowControl(ctx, nBs)
		if err != nil {
			return nil, err
		}

		switch fc.FlowStatus {
		case FlowStatusContinueToSend:
			waitFrames = 0
		case FlowStatusWait:
			waitFrames++
			if waitFrames > t.config.MaxWaitFrame {
				return nil, UnsupportedFlowControlError{Status: fc.FlowStatus}
			}
			t.logger.Debug("isotp flow control wait", "count", waitFrames)
			nBs.Restart()
			continue
		default:
			return nil, UnsupportedFlowControlError{Status: fc.FlowStatus}
		}
		nBs.Stop()

		blockSize := fc.BlockSize
		if blockSize == 0 {
			blockSize = unlimitedBlockSize
		}
		// STmin 从收到 CTS 开始计时，每个连续帧（包括块内第一帧）之前都要等到期
		stMin := NewResettableTimer(fc.STmin)
		stMin.Start()

		for sent := 0; sent < blockSize && offset < len(payload); sent++ {
			if err := waitSeparation(ctx, stMin); err != nil {
				return nil, err
			}
			end := offset + cfChunk
			if end > len(payload) {
				end = len(payload)
			}
			data, err := createConsecutiveFramePayload(payload[offset:end], sequence)
			if err != nil {
				return nil, err
			}
			if last, err = t.transmit(data, Physical); err != nil {
				return nil, err
			}
			stMin.Restart()
			sequence = (sequence + 1) % 16
			offset = end
		}

		if offset < len(payload) {
			nBs.Start()
		}
	}

	t.logger.Debug("isotp multi frame sent", "len", len(payload))
	return last.Data, nil
}

// waitFlowControl 等待下一帧并要求它是流控帧
func (t *Transport) waitFlowControl(ctx context.Context, nBs *ResettableTimer) (*FlowControlFrame, error) {
	raw, err := t.nextFrame(ctx, nBs, "N_Bs", StateWaitFC)
	if err != nil {
		return nil, err
	}
	if raw[0]&0xF0 != pciTypeFlowControl {
		return nil, UnexpectedFrameError{State: StateWaitFC, PCI: raw[0]}
	}
	frame, err := ParseFrame(raw)
	if err != nil {
		return nil, err
	}
	return frame.(*FlowControlFrame), nil
}

// waitSeparation 阻塞到 STmin 定时器到期
func waitSeparation(ctx context.Context, stMin *ResettableTimer) error {
	for !stMin.IsExpired() {
		remaining := stMin.Remaining()
		if remaining <= 0 {
			remaining = 50 * time.Microsecond
		}
		sleep := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			sleep.Stop()
			return ctx.Err()
		case <-sleep.C:
		}
	}
	return nil
}
