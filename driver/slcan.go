package driver

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/LoveWonYoung/udsstack/tp"
)

var ErrSLCANFrame = errors.New("slcan: 无效的报文")

// Lawicel 位率命令 Sn
var slcanBitrates = map[int]byte{
	10_000:    '0',
	20_000:    '1',
	50_000:    '2',
	100_000:   '3',
	125_000:   '4',
	250_000:   '5',
	500_000:   '6',
	800_000:   '7',
	1_000_000: '8',
}

// SLCAN 是 Lawicel ASCII 协议的串口 CAN 适配器 (CANable, USBtin 等)
type SLCAN struct {
	port    string
	bitrate int
	canType CanType
	logger  *slog.Logger

	open func(port string) (io.ReadWriteCloser, error)
	sp   io.ReadWriteCloser

	wmu       sync.Mutex
	mu        sync.Mutex
	started   bool
	rxChan    chan UnifiedCANMessage
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewSLCAN(port string, bitrate int, canType CanType, logger *slog.Logger) *SLCAN {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SLCAN{
		port:    port,
		bitrate: bitrate,
		canType: canType,
		logger:  logger.With("port", port),
		open:    openSerial,
		rxChan:  make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func openSerial(port string) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	sp, err := serial.Open(port, mode)
	if err != nil {
		return nil, err
	}
	if err := sp.SetReadTimeout(50 * time.Millisecond); err != nil {
		sp.Close()
		return nil, err
	}
	return sp, nil
}

// Init 打开串口，设置位率并打开 CAN 通道
func (s *SLCAN) Init() error {
	code, ok := slcanBitrates[s.bitrate]
	if !ok {
		return fmt.Errorf("slcan: 不支持的位率 %d", s.bitrate)
	}
	sp, err := s.open(s.port)
	if err != nil {
		return fmt.Errorf("slcan: 打开 %s: %w", s.port, err)
	}
	s.sp = sp
	for _, cmd := range []string{"C\r", "S" + string(code) + "\r", "O\r"} {
		if err := s.command(cmd); err != nil {
			sp.Close()
			return err
		}
	}
	s.logger.Info("SLCAN 通道已打开", "bitrate", s.bitrate, "type", s.canType)
	return nil
}

func (s *SLCAN) command(cmd string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := io.WriteString(s.sp, cmd); err != nil {
		return fmt.Errorf("slcan: 写入 %q: %w", cmd, err)
	}
	return nil
}

// Start 启动接收循环
func (s *SLCAN) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.sp == nil || s.ctx.Err() != nil {
		return
	}
	s.started = true
	go s.readLoop()
}

// Stop 关闭 CAN 通道和串口
func (s *SLCAN) Stop() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.sp != nil {
			_ = s.command("C\r")
			if err := s.sp.Close(); err != nil {
				s.logger.Warn("关闭串口失败", "err", err)
			}
		}
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if !started {
			close(s.rxChan)
		}
	})
}

func (s *SLCAN) readLoop() {
	defer close(s.rxChan)
	buf := make([]byte, 256)
	var line []byte
	for {
		n, err := s.sp.Read(buf)
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Error("SLCAN 读取失败", "err", err)
			s.cancel()
			return
		}
		for _, b := range buf[:n] {
			switch b {
			case '\r':
				s.handleLine(line)
				line = line[:0]
			case '\a':
				s.logger.Warn("SLCAN 命令被拒绝")
				line = line[:0]
			default:
				line = append(line, b)
			}
		}
	}
}

func (s *SLCAN) handleLine(line []byte) {
	if len(line) == 0 {
		return
	}
	switch line[0] {
	case 'z', 'Z':
		return
	}
	msg, err := ParseSLCAN(line)
	if err != nil {
		s.logger.Debug("忽略 SLCAN 行", "line", string(line), "err", err)
		return
	}
	logCANMessage(s.logger, "RX", msg)
	select {
	case s.rxChan <- msg:
	default:
		s.logger.Warn("驱动接收channel已满，消息被丢弃")
	}
}

func (s *SLCAN) Write(msg tp.CanMessage) error {
	if err := checkLength(s.canType, len(msg.Data)); err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		return ErrDriverStopped
	}
	frame, err := FormatSLCAN(msg)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.sp.Write(frame); err != nil {
		return fmt.Errorf("slcan: 发送 0x%X: %w", msg.ArbitrationID, err)
	}
	logCANMessage(s.logger, "TX", FromCanMessage(msg))
	return nil
}

func (s *SLCAN) RxChan() <-chan UnifiedCANMessage { return s.rxChan }

func (s *SLCAN) Context() context.Context { return s.ctx }

// FormatSLCAN 编码一帧 Lawicel 发送命令，以 '\r' 结尾。
// CAN-FD 使用 d/D (无 BRS) 和 b/B (BRS) 命令。
func FormatSLCAN(msg tp.CanMessage) ([]byte, error) {
	n := len(msg.Data)
	dlc := lenToDLC(n)
	if n > 64 || dlcToLen(dlc) != n || (!msg.IsFD && n > 8) {
		return nil, fmt.Errorf("%w: 数据长度 %d", ErrSLCANFrame, n)
	}
	var cmd byte
	switch {
	case msg.IsFD && msg.BitrateSwitch:
		cmd = 'b'
	case msg.IsFD:
		cmd = 'd'
	default:
		cmd = 't'
	}
	var out bytes.Buffer
	if msg.IsExtendedID {
		if msg.ArbitrationID > 0x1FFFFFFF {
			return nil, fmt.Errorf("%w: ID 0x%X", ErrSLCANFrame, msg.ArbitrationID)
		}
		out.WriteByte(cmd - 'a' + 'A')
		fmt.Fprintf(&out, "%08X", msg.ArbitrationID)
	} else {
		if msg.ArbitrationID > 0x7FF {
			return nil, fmt.Errorf("%w: ID 0x%X", ErrSLCANFrame, msg.ArbitrationID)
		}
		out.WriteByte(cmd)
		fmt.Fprintf(&out, "%03X", msg.ArbitrationID)
	}
	fmt.Fprintf(&out, "%X%X\r", dlc, msg.Data)
	return out.Bytes(), nil
}

// ParseSLCAN 解析一行接收到的 Lawicel 报文 (不含 '\r')，忽略末尾的时间戳
func ParseSLCAN(line []byte) (UnifiedCANMessage, error) {
	var msg UnifiedCANMessage
	if len(line) == 0 {
		return msg, ErrSLCANFrame
	}
	idLen := 3
	switch line[0] {
	case 't':
	case 'T':
		idLen, msg.IsExtended = 8, true
	case 'd':
		msg.IsFD = true
	case 'D':
		idLen, msg.IsExtended, msg.IsFD = 8, true, true
	case 'b':
		msg.IsFD, msg.BRS = true, true
	case 'B':
		idLen, msg.IsExtended, msg.IsFD, msg.BRS = 8, true, true, true
	default:
		return msg, fmt.Errorf("%w: 未知命令 %q", ErrSLCANFrame, line[0])
	}
	if len(line) < 1+idLen+1 {
		return msg, fmt.Errorf("%w: 长度不足", ErrSLCANFrame)
	}
	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return msg, fmt.Errorf("%w: ID: %v", ErrSLCANFrame, err)
	}
	msg.ID = uint32(id)
	dlc, err := strconv.ParseUint(string(line[1+idLen:2+idLen]), 16, 8)
	if err != nil {
		return msg, fmt.Errorf("%w: DLC: %v", ErrSLCANFrame, err)
	}
	n := dlcToLen(byte(dlc))
	if !msg.IsFD && dlc > 8 {
		return msg, fmt.Errorf("%w: 经典 CAN DLC %d", ErrSLCANFrame, dlc)
	}
	data := line[2+idLen:]
	if len(data) < 2*n {
		return msg, fmt.Errorf("%w: 数据不足", ErrSLCANFrame)
	}
	if _, err := hex.Decode(msg.Data[:n], data[:2*n]); err != nil {
		return msg, fmt.Errorf("%w: 数据: %v", ErrSLCANFrame, err)
	}
	msg.DLC = byte(n)
	return msg, nil
}
