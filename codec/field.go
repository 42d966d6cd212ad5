// Package codec describes UDS services as tables of field descriptors and
// runs one generic encoder/decoder over them.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

type Encoding string

const (
	EncodingUint  Encoding = "uint"
	EncodingBytes Encoding = "bytes"
	EncodingASCII Encoding = "ascii"
	EncodingBCD   Encoding = "bcd"
)

// Role 决定字段的值从哪里来：固定值 (subfunction/did/const) 或调用参数 (param)
type Role string

const (
	RoleSubfunction Role = "subfunction"
	RoleDID         Role = "did"
	RoleParam       Role = "param"
	RoleConst       Role = "const"
)

var (
	ErrMissingParam = errors.New("codec: missing parameter")
	ErrShortMessage = errors.New("codec: message too short")
	ErrMismatch     = errors.New("codec: fixed field mismatch")
)

// Field 是报文中 SID 之后的一个字段。Width 是字节数，0 表示占用剩余全部字节。
type Field struct {
	Name     string   `yaml:"name"`
	Width    int      `yaml:"width"`
	Encoding Encoding `yaml:"encoding"`
	Role     Role     `yaml:"role"`
	Value    uint64   `yaml:"value"`
}

// Values 是参数名到值的映射。解码结果的类型: uint -> uint64,
// bytes -> []byte, ascii/bcd -> string。
type Values map[string]any

func (f Field) fixed() bool {
	return f.Role != RoleParam
}

func (f Field) encoding() Encoding {
	if f.Encoding != "" {
		return f.Encoding
	}
	if f.fixed() {
		return EncodingUint
	}
	return EncodingBytes
}

func (f *Field) validate(last bool) error {
	switch f.Role {
	case RoleSubfunction, RoleDID, RoleParam, RoleConst:
	case "":
		f.Role = RoleParam
	default:
		return fmt.Errorf("field %q: unknown role %q", f.Name, f.Role)
	}
	if f.Name == "" {
		return errors.New("field without name")
	}
	if f.Width < 0 {
		return fmt.Errorf("field %q: negative width", f.Name)
	}
	if f.Width == 0 && !last {
		return fmt.Errorf("field %q: only the last field may take the remainder", f.Name)
	}
	switch f.encoding() {
	case EncodingUint:
		if f.Width == 0 || f.Width > 8 {
			return fmt.Errorf("field %q: uint width must be 1..8", f.Name)
		}
	case EncodingBytes, EncodingASCII, EncodingBCD:
		if f.fixed() {
			return fmt.Errorf("field %q: fixed fields must be uint", f.Name)
		}
	default:
		return fmt.Errorf("field %q: unknown encoding %q", f.Name, f.Encoding)
	}
	if f.fixed() && f.Width < 8 && f.Value>>(8*uint(f.Width)) != 0 {
		return fmt.Errorf("field %q: value 0x%X does not fit %d bytes", f.Name, f.Value, f.Width)
	}
	return nil
}

func putUint(v uint64, width int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf[8-width:]
}

func getUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// encode 把一个参数值编码为字段的字节
func (f Field) encode(v any) ([]byte, error) {
	switch f.encoding() {
	case EncodingUint:
		n, err := toUint(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		if f.Width < 8 && n>>(8*uint(f.Width)) != 0 {
			return nil, fmt.Errorf("field %q: value 0x%X does not fit %d bytes", f.Name, n, f.Width)
		}
		return putUint(n, f.Width), nil
	case EncodingBytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("field %q: expected []byte, got %T", f.Name, v)
		}
		return f.fit(b)
	case EncodingASCII:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("field %q: expected string, got %T", f.Name, v)
		}
		return f.fit([]byte(s))
	case EncodingBCD:
		b, err := encodeBCD(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		return f.fit(b)
	}
	return nil, fmt.Errorf("field %q: unknown encoding %q", f.Name, f.Encoding)
}

// fit 检查变长数据的长度；固定宽度的字段不足时右侧补 0
func (f Field) fit(b []byte) ([]byte, error) {
	if f.Width == 0 {
		return b, nil
	}
	if len(b) > f.Width {
		return nil, fmt.Errorf("field %q: %d bytes exceed width %d", f.Name, len(b), f.Width)
	}
	out := make([]byte, f.Width)
	copy(out, b)
	return out, nil
}

func (f Field) decode(b []byte) any {
	switch f.encoding() {
	case EncodingUint:
		return getUint(b)
	case EncodingASCII:
		return strings.TrimRight(string(b), "\x00 ")
	case EncodingBCD:
		return decodeBCD(b)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func toUint(v any) (uint64, error) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	case uint:
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	}
	return 0, fmt.Errorf("expected unsigned integer, got %T", v)
}

func encodeBCD(v any) ([]byte, error) {
	var digits string
	switch d := v.(type) {
	case string:
		digits = d
	default:
		n, err := toUint(v)
		if err != nil {
			return nil, err
		}
		digits = fmt.Sprintf("%d", n)
	}
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	out := make([]byte, len(digits)/2)
	for i := 0; i < len(digits); i++ {
		c := digits[i]
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid BCD digit %q", c)
		}
		out[i/2] |= (c - '0') << (4 * uint(1-i%2))
	}
	return out, nil
}

func decodeBCD(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		sb.WriteByte('0' + c>>4)
		sb.WriteByte('0' + c&0x0F)
	}
	return sb.String()
}
