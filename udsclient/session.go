package udsclient

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LoveWonYoung/udsstack/tp"
)

// 诊断会话类型
const (
	DefaultSession     byte = 0x01
	ProgrammingSession byte = 0x02
	ExtendedSession    byte = 0x03
)

// DefaultKeepaliveTimeout 是保活记录未指定超时时使用的空闲时间
const DefaultKeepaliveTimeout = 10 * time.Second

// KeepaliveRecord 描述某个诊断会话是否需要 TesterPresent 以及空闲多久后发送
type KeepaliveRecord struct {
	Required bool
	Timeout  time.Duration
}

// Session 记录一个 tester 与 ECU 之间的会话状态。调度器在后台并发读取，
// 所有字段都通过方法访问。
type Session struct {
	ID         uuid.UUID
	RequestID  uint32
	ResponseID uint32
	Addressing tp.AddressingMode

	mu        sync.Mutex
	current   byte
	lastSend  time.Time
	keepalive map[byte]KeepaliveRecord
}

func NewSession(requestID, responseID uint32, mode tp.AddressingMode) *Session {
	return &Session{
		ID:         uuid.New(),
		RequestID:  requestID,
		ResponseID: responseID,
		Addressing: mode,
		current:    DefaultSession,
		keepalive:  make(map[byte]KeepaliveRecord),
	}
}

// SessionFor 根据协议栈地址创建会话描述
func SessionFor(addr *tp.Address) *Session {
	return NewSession(addr.TxID, addr.RxID, addr.AddressingMode)
}

func (s *Session) Current() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) setCurrent(session byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = session
}

// SetKeepalive 设置指定诊断会话的保活要求，Timeout 为 0 时使用默认值
func (s *Session) SetKeepalive(session byte, rec KeepaliveRecord) {
	if rec.Required && rec.Timeout <= 0 {
		rec.Timeout = DefaultKeepaliveTimeout
	}
	if !rec.Required {
		rec.Timeout = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepalive[session] = rec
}

// Keepalive 返回当前诊断会话的保活记录，未设置时为不需要
func (s *Session) Keepalive() KeepaliveRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalive[s.current]
}

// DisableKeepalive 取消当前诊断会话的保活并清除最后发送时间
func (s *Session) DisableKeepalive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepalive[s.current] = KeepaliveRecord{}
	s.lastSend = time.Time{}
}

func (s *Session) MarkSent(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSend = t
}

func (s *Session) LastSend() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSend
}

// SinceLastSend 返回距上次发送的时间，从未发送过时为 0
func (s *Session) SinceLastSend(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSend.IsZero() {
		return 0
	}
	return now.Sub(s.lastSend)
}

// KeepaliveDue 报告当前诊断会话是否需要保活且空闲时间已到
func (s *Session) KeepaliveDue(now time.Time) bool {
	rec := s.Keepalive()
	return rec.Required && s.SinceLastSend(now) >= rec.Timeout
}
