package tp

import "fmt"

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

type IsoTpError struct {
	msg string
}

func NewIsoTpError(msg string) IsoTpError {
	return IsoTpError{msg: msg}
}

func (e IsoTpError) Error() string {
	return messageOrDefault(e.msg, "ISO-TP error")
}

// ProtocolTimeoutError 表示 N_Bs 或接收定时器到期。
type ProtocolTimeoutError struct {
	IsoTpError
	Timer   string // "N_Bs" 或 "N_Cr"
	Timeout float64
	State   State
}

func (e ProtocolTimeoutError) Error() string {
	return messageOrDefault(e.msg, fmt.Sprintf("%s timer expired after %.3fs in %s", e.Timer, e.Timeout, e.State))
}

// SequenceError 表示连续帧序列号不连续。
type SequenceError struct {
	IsoTpError
	Expected int
	Received int
}

func (e SequenceError) Error() string {
	return messageOrDefault(e.msg, fmt.Sprintf("consecutive frame out of order: expected %d, got %d", e.Expected, e.Received))
}

// UnsupportedFlowControlError 表示收到 WAIT/OVERFLOW 或无法识别的流控状态。
type UnsupportedFlowControlError struct {
	IsoTpError
	Status FlowStatus
}

func (e UnsupportedFlowControlError) Error() string {
	return messageOrDefault(e.msg, fmt.Sprintf("flow control status %s not supported", e.Status))
}

type PayloadTooLargeError struct {
	IsoTpError
	Length int
}

func (e PayloadTooLargeError) Error() string {
	return messageOrDefault(e.msg, fmt.Sprintf("payload of %d bytes exceeds %d", e.Length, MaxPayloadLength))
}

type UnsupportedAddressingError struct {
	IsoTpError
	Mode AddressingMode
}

func (e UnsupportedAddressingError) Error() string {
	return messageOrDefault(e.msg, fmt.Sprintf("receiving with %s addressing is not implemented", e.Mode))
}

// UnexpectedFrameError 表示状态机收到了当前状态不接受的帧。
type UnexpectedFrameError struct {
	IsoTpError
	State State
	PCI   byte
}

func (e UnexpectedFrameError) Error() string {
	return messageOrDefault(e.msg, fmt.Sprintf("unexpected frame with PCI 0x%X in %s", e.PCI>>4, e.State))
}

type FunctionalMultiFrameError struct {
	IsoTpError
}

func (e FunctionalMultiFrameError) Error() string {
	return messageOrDefault(e.msg, "functional requests must fit into a single frame")
}

type InvalidCanDataError struct {
	IsoTpError
}

func (e InvalidCanDataError) Error() string {
	return messageOrDefault(e.msg, "invalid CAN data received")
}
