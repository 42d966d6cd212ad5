// Package ecusim is a scripted ECU that answers UDS requests over an ISO-TP
// transport. The tester tools and integration tests run it on a virtual bus.
package ecusim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/udsstack/firmware"
	"github.com/LoveWonYoung/udsstack/security"
	"github.com/LoveWonYoung/udsstack/tp"
)

const (
	nrcServiceNotSupported       = 0x11
	nrcSubFunctionNotSupported   = 0x12
	nrcIncorrectMessageLength    = 0x13
	nrcConditionsNotCorrect      = 0x22
	nrcRequestSequenceError      = 0x24
	nrcRequestOutOfRange         = 0x31
	nrcSecurityAccessDenied      = 0x33
	nrcInvalidKey                = 0x35
	nrcWrongBlockSequenceCounter = 0x73
	nrcResponsePending           = 0x78
)

// 功能寻址时不回复的负响应
var suppressedFunctionalNRC = map[byte]bool{
	nrcServiceNotSupported:     true,
	nrcSubFunctionNotSupported: true,
	nrcRequestOutOfRange:       true,
	0x7E:                       true,
	0x7F:                       true,
}

// 带子功能字节 (bit7 为抑制正响应) 的服务
var hasSubfunction = map[byte]bool{0x10: true, 0x11: true, 0x27: true, 0x31: true, 0x3E: true}

// HandlerFunc 处理一个请求并返回响应，返回 nil 表示不响应
type HandlerFunc func(req []byte) []byte

type Option func(*ECU)

func WithLogger(l *slog.Logger) Option {
	return func(e *ECU) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithDID 设置可读写的数据标识符
func WithDID(did uint16, data []byte) Option {
	return func(e *ECU) { e.dids[did] = append([]byte(nil), data...) }
}

// WithPending 让每个响应之前先发送 n 个 [0x7F, sid, 0x78]
func WithPending(n int) Option {
	return func(e *ECU) { e.pending = n }
}

// WithSecurity 启用安全访问，种子固定为 seed，写 DID 和下载需要解锁
func WithSecurity(key security.KeyFunc, seed []byte) Option {
	return func(e *ECU) {
		e.key = key
		e.seed = append([]byte(nil), seed...)
	}
}

// WithHandler 覆盖某个服务的处理
func WithHandler(sid byte, fn HandlerFunc) Option {
	return func(e *ECU) { e.handlers[sid] = fn }
}

// WithDTC 添加一条故障码
func WithDTC(code uint32, status byte) Option {
	return func(e *ECU) { e.dtcs[code&0xFFFFFF] = status }
}

// WithMaxBlock 设置 RequestDownload 响应的 maxNumberOfBlockLength
func WithMaxBlock(n int) Option {
	return func(e *ECU) { e.maxBlock = n }
}

// ECU 是一个可编程的 UDS 服务端
type ECU struct {
	phys   *tp.Transport
	fn     *tp.Transport
	logger *slog.Logger

	txMu sync.Mutex

	mu       sync.Mutex
	session  byte
	dids     map[uint16][]byte
	dtcs     map[uint32]byte
	pending  int
	key      security.KeyFunc
	seed     []byte
	unlocked bool
	handlers map[byte]HandlerFunc
	requests [][]byte

	maxBlock   int
	download   *firmware.Segment
	nextBlock  byte
	downloaded []firmware.Segment
}

// New 创建与 tester 地址 testerAddr 对应的 ECU：收发 ID 互换，
// 并在 tester 配置了功能地址时同时监听功能请求。
func New(conn tp.Connector, testerAddr *tp.Address, cfg tp.Config, opts ...Option) (*ECU, error) {
	e := &ECU{
		logger:   slog.Default(),
		session:  0x01,
		dids:     map[uint16][]byte{},
		dtcs:     map[uint32]byte{},
		handlers: map[byte]HandlerFunc{},
		maxBlock: 0x402,
	}
	for _, opt := range opts {
		opt(e)
	}

	ecuAddr := testerAddr.Swapped()
	phys, err := tp.NewTransport(ecuAddr, conn, cfg, tp.WithLogger(e.logger.With("ecu", "phys")))
	if err != nil {
		return nil, err
	}
	e.phys = phys

	if testerAddr.FunctionalID != 0 && testerAddr.ReceiveSupported() {
		fnAddr, err := tp.NewAddress(testerAddr.AddressingMode,
			tp.WithTxID(ecuAddr.TxID),
			tp.WithRxID(testerAddr.FunctionalID),
		)
		if err != nil {
			return nil, fmt.Errorf("ecusim: functional address: %w", err)
		}
		if e.fn, err = tp.NewTransport(fnAddr, conn, cfg, tp.WithLogger(e.logger.With("ecu", "func"))); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// OnFrame 把总线报文交给物理和功能接收通道
func (e *ECU) OnFrame(msg tp.CanMessage) error {
	err := e.phys.OnFrame(msg)
	if e.fn != nil {
		err = errors.Join(err, e.fn.OnFrame(msg))
	}
	return err
}

// Serve 接收并回答请求直到 ctx 结束
func (e *ECU) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.serve(ctx, e.phys, false) })
	if e.fn != nil {
		g.Go(func() error { return e.serve(ctx, e.fn, true) })
	}
	return g.Wait()
}

func (e *ECU) serve(ctx context.Context, tr *tp.Transport, functional bool) error {
	for {
		req, err := tr.Decode(ctx, 0)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			var timeout tp.ProtocolTimeoutError
			if !errors.As(err, &timeout) {
				e.logger.Warn("ECU 接收失败", "err", err)
			}
			continue
		}
		for _, resp := range e.Handle(req, functional) {
			if err := e.send(ctx, resp); err != nil {
				e.logger.Warn("ECU 发送失败", "err", err)
				break
			}
		}
	}
}

func (e *ECU) send(ctx context.Context, resp []byte) error {
	e.txMu.Lock()
	defer e.txMu.Unlock()
	_, err := e.phys.Encode(ctx, resp, false)
	return err
}

// Handle 处理一个请求，返回按顺序发送的响应 (包括 Response Pending)
func (e *ECU) Handle(req []byte, functional bool) [][]byte {
	if len(req) == 0 {
		return nil
	}
	e.mu.Lock()
	e.requests = append(e.requests, append([]byte(nil), req...))
	pending := e.pending
	custom := e.handlers[req[0]]
	e.mu.Unlock()

	var resp []byte
	if custom != nil {
		resp = custom(req)
	} else {
		resp = e.respond(req)
	}
	if resp == nil {
		return nil
	}

	isNegative := resp[0] == 0x7F
	switch {
	case !isNegative && hasSubfunction[req[0]] && len(req) > 1 && req[1]&0x80 != 0:
		return nil
	case isNegative && functional && len(resp) > 2 && suppressedFunctionalNRC[resp[2]]:
		return nil
	}

	out := make([][]byte, 0, pending+1)
	for i := 0; i < pending; i++ {
		out = append(out, []byte{0x7F, req[0], nrcResponsePending})
	}
	return append(out, resp)
}

// Requests 返回收到的所有请求
func (e *ECU) Requests() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.requests...)
}

// Session 返回当前诊断会话
func (e *ECU) Session() byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// DID 返回数据标识符的当前值
func (e *ECU) DID(did uint16) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.dids[did]
	return append([]byte(nil), v...), ok
}

// Downloaded 返回已完成下载的数据段
func (e *ECU) Downloaded() []firmware.Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]firmware.Segment(nil), e.downloaded...)
}

func negative(sid, nrc byte) []byte {
	return []byte{0x7F, sid, nrc}
}

func (e *ECU) respond(req []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	sid := req[0]
	if hasSubfunction[sid] && len(req) < 2 {
		return negative(sid, nrcIncorrectMessageLength)
	}
	switch sid {
	case 0x10:
		return e.sessionControl(req)
	case 0x11:
		e.session = 0x01
		e.unlocked = false
		return []byte{0x51, req[1] & 0x7F}
	case 0x3E:
		if req[1]&0x7F != 0x00 {
			return negative(sid, nrcSubFunctionNotSupported)
		}
		return []byte{0x7E, 0x00}
	case 0x22:
		return e.readDIDs(req)
	case 0x2E:
		return e.writeDID(req)
	case 0x27:
		return e.securityAccess(req)
	case 0x31:
		if len(req) < 4 {
			return negative(sid, nrcIncorrectMessageLength)
		}
		return []byte{0x71, req[1] & 0x7F, req[2], req[3], 0x00}
	case 0x14:
		if len(req) != 4 {
			return negative(sid, nrcIncorrectMessageLength)
		}
		e.dtcs = map[uint32]byte{}
		return []byte{0x54}
	case 0x19:
		return e.readDTCs(req)
	case 0x34:
		return e.requestDownload(req)
	case 0x36:
		return e.transferData(req)
	case 0x37:
		if e.download == nil {
			return negative(sid, nrcRequestSequenceError)
		}
		e.downloaded = append(e.downloaded, *e.download)
		e.download = nil
		return []byte{0x77}
	}
	return negative(sid, nrcServiceNotSupported)
}

func (e *ECU) sessionControl(req []byte) []byte {
	s := req[1] & 0x7F
	if s < 0x01 || s > 0x03 {
		return negative(req[0], nrcSubFunctionNotSupported)
	}
	e.session = s
	e.unlocked = false
	// P2 = 50ms, P2* = 5000ms (10ms 单位)
	return []byte{0x50, s, 0x00, 0x32, 0x01, 0xF4}
}

func (e *ECU) readDIDs(req []byte) []byte {
	if len(req) < 3 || (len(req)-1)%2 != 0 {
		return negative(req[0], nrcIncorrectMessageLength)
	}
	resp := []byte{0x62}
	for i := 1; i < len(req); i += 2 {
		did := binary.BigEndian.Uint16(req[i:])
		data, ok := e.dids[did]
		if !ok {
			return negative(req[0], nrcRequestOutOfRange)
		}
		resp = binary.BigEndian.AppendUint16(resp, did)
		resp = append(resp, data...)
	}
	return resp
}

func (e *ECU) writeDID(req []byte) []byte {
	if len(req) < 4 {
		return negative(req[0], nrcIncorrectMessageLength)
	}
	if e.key != nil && !e.unlocked {
		return negative(req[0], nrcSecurityAccessDenied)
	}
	did := binary.BigEndian.Uint16(req[1:])
	if _, ok := e.dids[did]; !ok {
		return negative(req[0], nrcRequestOutOfRange)
	}
	e.dids[did] = append([]byte(nil), req[3:]...)
	return []byte{0x6E, req[1], req[2]}
}

func (e *ECU) securityAccess(req []byte) []byte {
	level := req[1] & 0x7F
	if e.key == nil {
		return negative(req[0], nrcServiceNotSupported)
	}
	if level == 0 || level > 0x7E {
		return negative(req[0], nrcSubFunctionNotSupported)
	}
	if level%2 == 1 {
		if e.unlocked {
			return append([]byte{0x67, level}, make([]byte, len(e.seed))...)
		}
		return append([]byte{0x67, level}, e.seed...)
	}
	want, err := e.key(level-1, e.seed)
	if err != nil || string(want) != string(req[2:]) {
		return negative(req[0], nrcInvalidKey)
	}
	e.unlocked = true
	return []byte{0x67, level}
}

func (e *ECU) readDTCs(req []byte) []byte {
	if len(req) != 3 {
		return negative(req[0], nrcIncorrectMessageLength)
	}
	if req[1] != 0x02 {
		return negative(req[0], nrcSubFunctionNotSupported)
	}
	codes := make([]uint32, 0, len(e.dtcs))
	for code, status := range e.dtcs {
		if status&req[2] != 0 {
			codes = append(codes, code)
		}
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	resp := []byte{0x59, 0x02, 0xFF}
	for _, code := range codes {
		resp = append(resp, byte(code>>16), byte(code>>8), byte(code), e.dtcs[code])
	}
	return resp
}

func (e *ECU) requestDownload(req []byte) []byte {
	if e.session != 0x02 {
		return negative(req[0], nrcConditionsNotCorrect)
	}
	if e.key != nil && !e.unlocked {
		return negative(req[0], nrcSecurityAccessDenied)
	}
	if len(req) < 3 {
		return negative(req[0], nrcIncorrectMessageLength)
	}
	addrLen, sizeLen := int(req[2]&0x0F), int(req[2]>>4)
	if addrLen == 0 || addrLen > 4 || sizeLen == 0 || sizeLen > 4 || len(req) != 3+addrLen+sizeLen {
		return negative(req[0], nrcRequestOutOfRange)
	}
	addr := firmware.DecodeUint(req[3 : 3+addrLen])
	e.download = &firmware.Segment{Address: addr}
	e.nextBlock = 1
	return append([]byte{0x74, 0x20}, firmware.EncodeUint(uint32(e.maxBlock), 2)...)
}

func (e *ECU) transferData(req []byte) []byte {
	if e.download == nil {
		return negative(req[0], nrcRequestSequenceError)
	}
	if len(req) < 2 || len(req) > e.maxBlock {
		return negative(req[0], nrcIncorrectMessageLength)
	}
	if req[1] != e.nextBlock {
		return negative(req[0], nrcWrongBlockSequenceCounter)
	}
	e.nextBlock++
	e.download.Data = append(e.download.Data, req[2:]...)
	return []byte{0x76, req[1]}
}
