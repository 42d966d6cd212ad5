// Package firmware loads flash images for the RequestDownload/TransferData
// sequence.
package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/marcinbor85/gohex"
)

var ErrEmptyImage = errors.New("firmware: image has no data")

// Segment 是一段连续地址的数据
type Segment struct {
	Address uint32
	Data    []byte
}

// Image 是按地址排序的若干数据段
type Image struct {
	mem *gohex.Memory
}

// LoadHex 解析 Intel HEX 数据
func LoadHex(r io.Reader) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("parse intel hex: %w", err)
	}
	if len(mem.GetDataSegments()) == 0 {
		return nil, ErrEmptyImage
	}
	return &Image{mem: mem}, nil
}

func LoadHexFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadHex(f)
}

// FromBinary 把裸二进制数据放在 addr 处
func FromBinary(addr uint32, data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	mem := gohex.NewMemory()
	if err := mem.AddBinary(addr, data); err != nil {
		return nil, err
	}
	return &Image{mem: mem}, nil
}

func (img *Image) Segments() []Segment {
	raw := img.mem.GetDataSegments()
	out := make([]Segment, 0, len(raw))
	for _, s := range raw {
		out = append(out, Segment{Address: s.Address, Data: s.Data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Size 是所有数据段的字节数之和
func (img *Image) Size() int {
	n := 0
	for _, s := range img.mem.GetDataSegments() {
		n += len(s.Data)
	}
	return n
}

// WriteHex 以 Intel HEX 格式输出，每行 16 字节
func (img *Image) WriteHex(w io.Writer) error {
	return img.mem.DumpIntelHex(w, 16)
}

// Chunks 把数据段拆成不超过 n 字节的块
func (s Segment) Chunks(n int) [][]byte {
	if n <= 0 {
		return [][]byte{s.Data}
	}
	var chunks [][]byte
	for i := 0; i < len(s.Data); i += n {
		end := i + n
		// 最后一块可能不足 n 字节
		if end > len(s.Data) {
			end = len(s.Data)
		}
		chunks = append(chunks, s.Data[i:end])
	}
	return chunks
}

// EncodeUint 把 v 按大端写成 width 字节，用于 addressAndLengthFormatIdentifier 后的地址和长度
func EncodeUint(v uint32, width int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	if width >= 4 {
		return append(make([]byte, width-4), buf...)
	}
	return buf[4-width:]
}

// DecodeUint 是 EncodeUint 的逆操作，最多取末尾 4 字节
func DecodeUint(buf []byte) uint32 {
	if len(buf) > 4 {
		buf = buf[len(buf)-4:]
	}
	padded := make([]byte, 4)
	copy(padded[4-len(buf):], buf)
	return binary.BigEndian.Uint32(padded)
}
