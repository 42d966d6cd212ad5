package tp

import (
	"fmt"
	"strings"
)

// AddressingMode 定义了ISOTP支持的寻址模式
type AddressingMode int

const (
	Normal11Bit      AddressingMode = iota // 11位ID，无地址扩展
	Normal29Bit                            // 29位ID，无地址扩展
	NormalFixed29Bit                       // 29位ID，目标/源地址在ID中
	Extended11Bit                          // 11位ID，目标地址在数据负载第一字节
	Extended29Bit                          // 29位ID，目标地址在数据负载第一字节
	Mixed11Bit                             // 11位ID，地址扩展在数据负载第一字节
	Mixed29Bit                             // 29位ID，目标/源地址在ID中，地址扩展在数据负载第一字节
)

var addressingModeNames = map[AddressingMode]string{
	Normal11Bit:      "normal11",
	Normal29Bit:      "normal29",
	NormalFixed29Bit: "normalfixed29",
	Extended11Bit:    "extended11",
	Extended29Bit:    "extended29",
	Mixed11Bit:       "mixed11",
	Mixed29Bit:       "mixed29",
}

func (m AddressingMode) String() string {
	if s, ok := addressingModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("AddressingMode(%d)", int(m))
}

// ParseAddressingMode 解析配置文件中的寻址模式名称，"normal" 等同于 normal11。
func ParseAddressingMode(s string) (AddressingMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "normal":
		return Normal11Bit, nil
	case "normal_fixed", "normalfixed":
		return NormalFixed29Bit, nil
	case "extended":
		return Extended11Bit, nil
	case "mixed":
		return Mixed11Bit, nil
	}
	for m, name := range addressingModeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("不支持的寻址模式: %q", s)
}

// AddressType 定义了寻址类型：物理或功能
type AddressType int

const (
	Physical AddressType = iota
	Functional
)

// Address 存储了所有与寻址相关的信息
type Address struct {
	AddressingMode AddressingMode

	// 用于 Normal, Extended, Mixed 模式
	TxID uint32
	RxID uint32
	// FunctionalID 为 0 时功能寻址沿用 TxID
	FunctionalID uint32

	// 用于 NormalFixed, Mixed 模式
	TargetAddress byte // 目标ECU地址 (TA)
	SourceAddress byte // 源ECU地址 (SA)

	// 用于 Extended, Mixed 模式
	AddressExtension byte // 地址扩展字节

	// 自动计算的字段
	TxPayloadPrefix []byte // 发送时附加到数据负载的前缀
	RxPrefixSize    int    // 接收时需跳过的负载前缀大小
	is29Bit         bool   // 缓存当前模式是否为29位
}

// NewAddress 是一个灵活的构造函数，用于创建地址对象
func NewAddress(mode AddressingMode, opts ...func(*Address)) (*Address, error) {
	addr := &Address{AddressingMode: mode}

	for _, opt := range opts {
		opt(addr)
	}

	switch mode {
	case Normal11Bit:
		addr.is29Bit = false
	case Normal29Bit, NormalFixed29Bit:
		addr.is29Bit = true
	case Extended11Bit:
		addr.TxPayloadPrefix = []byte{addr.TargetAddress}
		addr.RxPrefixSize = 1
	case Extended29Bit:
		addr.is29Bit = true
		addr.TxPayloadPrefix = []byte{addr.TargetAddress}
		addr.RxPrefixSize = 1
	case Mixed11Bit:
		addr.TxPayloadPrefix = []byte{addr.AddressExtension}
		addr.RxPrefixSize = 1
	case Mixed29Bit:
		addr.is29Bit = true
		addr.TxPayloadPrefix = []byte{addr.AddressExtension}
		addr.RxPrefixSize = 1
	default:
		return nil, fmt.Errorf("不支持的寻址模式: %d", mode)
	}

	if !addr.is29Bit {
		for _, id := range []uint32{addr.TxID, addr.RxID, addr.FunctionalID} {
			if id > 0x7FF {
				return nil, fmt.Errorf("11位寻址下ID超出范围: 0x%X", id)
			}
		}
	}

	return addr, nil
}

// 可选配置函数，用于 NewAddress

func WithTxID(id uint32) func(*Address)         { return func(a *Address) { a.TxID = id } }
func WithRxID(id uint32) func(*Address)         { return func(a *Address) { a.RxID = id } }
func WithFunctionalID(id uint32) func(*Address) { return func(a *Address) { a.FunctionalID = id } }
func WithTargetAddress(ta byte) func(*Address)  { return func(a *Address) { a.TargetAddress = ta } }
func WithSourceAddress(sa byte) func(*Address)  { return func(a *Address) { a.SourceAddress = sa } }
func WithAddressExtension(ae byte) func(*Address) {
	return func(a *Address) { a.AddressExtension = ae }
}

// GetTxArbitrationID 根据寻址模式和类型（物理/功能）动态计算发送ID
func (a *Address) GetTxArbitrationID(addrType AddressType) uint32 {
	switch a.AddressingMode {
	case Normal11Bit, Normal29Bit, Extended11Bit, Extended29Bit, Mixed11Bit:
		if addrType == Functional && a.FunctionalID != 0 {
			return a.FunctionalID
		}
		return a.TxID
	case NormalFixed29Bit:
		// 18DA[TA][SA] for physical, 18DB[TA][SA] for functional
		prefix := uint32(0x18DA0000)
		if addrType == Functional {
			prefix = 0x18DB0000
		}
		return prefix | (uint32(a.TargetAddress) << 8) | uint32(a.SourceAddress)
	case Mixed29Bit:
		// 18CE[TA][SA] for physical, 18CD[TA][SA] for functional
		prefix := uint32(0x18CE0000)
		if addrType == Functional {
			prefix = 0x18CD0000
		}
		return prefix | (uint32(a.TargetAddress) << 8) | uint32(a.SourceAddress)
	}
	return a.TxID
}

// ReceiveSupported 报告接收路径是否实现。只有普通寻址可以接收，
// 其他模式的前缀解析没有实现，直接报 UnsupportedAddressingError。
func (a *Address) ReceiveSupported() bool {
	return a.AddressingMode == Normal11Bit || a.AddressingMode == Normal29Bit
}

// IsForMe 检查收到的CAN报文是否是发给本节点的
func (a *Address) IsForMe(msg *CanMessage) bool {
	if msg.IsExtendedID != a.is29Bit {
		return false // 11/29位不匹配
	}
	switch a.AddressingMode {
	case Normal11Bit, Normal29Bit:
		return msg.ArbitrationID == a.RxID
	}
	return false
}

// Is29Bit 返回当前模式是否为29位
func (a *Address) Is29Bit() bool {
	return a.is29Bit
}

// Swapped 返回收发ID互换后的地址，供对端（例如ECU仿真）使用。
func (a *Address) Swapped() *Address {
	b, err := NewAddress(a.AddressingMode,
		WithTxID(a.RxID),
		WithRxID(a.TxID),
		WithTargetAddress(a.SourceAddress),
		WithSourceAddress(a.TargetAddress),
		WithAddressExtension(a.AddressExtension),
	)
	if err != nil {
		// 原地址已通过校验，互换后不会失败
		panic(err)
	}
	return b
}
