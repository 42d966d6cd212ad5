package tp

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MaxPayloadLength 是12位首帧长度字段能表示的最大负载
	MaxPayloadLength = 4095

	// unlimitedBlockSize 是 BS=0 时内部使用的块大小，一次发送内相当于不限
	unlimitedBlockSize = 585

	classicFrameLength = 8
	fdFrameLength      = 64
)

// Config defines the configuration for the ISO-TP Transport.
type Config struct {
	// PaddingByte, if not nil, is used to pad frames to the PDU floor
	// (8 bytes classic, nearest DLC size on CAN FD).
	PaddingByte *byte

	TimeoutN_Bs time.Duration // Time until reception of FlowControl
	TimeoutN_Cr time.Duration // Time until reception of next CF, default Decode timeout

	// Parameters granted to the peer in our own flow control frames.
	BlockSize int
	StMin     byte

	// MaxWaitFrame (WFTMax) is the number of FC WAIT frames honoured
	// before the send fails. 0 fails on the first WAIT.
	MaxWaitFrame int

	// CANFD switches the frame length from 8 to 64 bytes.
	CANFD         bool
	BitrateSwitch bool
}

// DefaultConfig returns the values used by the tester: N_Bs and N_Cr of
// one second, BS=0 and STmin=30ms in our flow control, 0x00 padding.
func DefaultConfig() Config {
	pad := byte(0x00)
	return Config{
		PaddingByte: &pad,

		TimeoutN_Bs: 1000 * time.Millisecond,
		TimeoutN_Cr: 1000 * time.Millisecond,

		BlockSize: 0,
		StMin:     0x1E,

		MaxWaitFrame: 0,
	}
}

// Validate checks if the configuration parameters are valid.
func (c *Config) Validate() error {
	if c.TimeoutN_Bs <= 0 {
		return errors.New("TimeoutN_Bs must be positive")
	}
	if c.TimeoutN_Cr <= 0 {
		return errors.New("TimeoutN_Cr must be positive")
	}
	if c.BlockSize < 0 || c.BlockSize > 0xFF {
		return fmt.Errorf("BlockSize out of range: %d", c.BlockSize)
	}
	if c.StMin > 0x7F && (c.StMin < 0xF1 || c.StMin > 0xF9) {
		return fmt.Errorf("StMin 0x%02X is reserved", c.StMin)
	}
	if c.MaxWaitFrame < 0 {
		return fmt.Errorf("MaxWaitFrame must not be negative: %d", c.MaxWaitFrame)
	}
	return nil
}

func (c *Config) frameLength() int {
	if c.CANFD {
		return fdFrameLength
	}
	return classicFrameLength
}
