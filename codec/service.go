package codec

import (
	"fmt"
)

const (
	positiveOffset   = 0x40
	negativeResponse = 0x7F
)

// Service 描述一个诊断服务：请求和正响应在 SID 之后的字段
type Service struct {
	Name     string  `yaml:"name"`
	SID      byte    `yaml:"sid"`
	Request  []Field `yaml:"request"`
	Response []Field `yaml:"response"`
}

func (s *Service) validate() error {
	if s.Name == "" {
		return fmt.Errorf("service with SID 0x%02X has no name", s.SID)
	}
	if s.SID == 0 || s.SID == negativeResponse || s.SID&positiveOffset != 0 {
		return fmt.Errorf("service %q: 0x%02X is not a request SID", s.Name, s.SID)
	}
	for _, list := range [][]Field{s.Request, s.Response} {
		seen := map[string]bool{}
		for i := range list {
			if err := list[i].validate(i == len(list)-1); err != nil {
				return fmt.Errorf("service %q: %w", s.Name, err)
			}
			if seen[list[i].Name] {
				return fmt.Errorf("service %q: duplicate field %q", s.Name, list[i].Name)
			}
			seen[list[i].Name] = true
		}
	}
	return nil
}

// EncodeRequest 生成请求报文。固定字段使用描述中的值，param 字段取自 params。
func (s *Service) EncodeRequest(params Values) ([]byte, error) {
	out := []byte{s.SID}
	for _, f := range s.Request {
		var (
			b   []byte
			err error
		)
		if f.fixed() {
			b = putUint(f.Value, f.Width)
		} else {
			v, ok := params[f.Name]
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s", ErrMissingParam, s.Name, f.Name)
			}
			if b, err = f.encode(v); err != nil {
				return nil, err
			}
		}
		out = append(out, b...)
	}
	return out, nil
}

// minResponseLength 是正响应的最短长度（剩余字段按 0 字节计）
func (s *Service) minResponseLength() int {
	n := 1
	for _, f := range s.Response {
		n += f.Width
	}
	return n
}

// CheckPositive 校验正响应的 SID、长度和固定字段
func (s *Service) CheckPositive(resp []byte) error {
	if len(resp) == 0 {
		return fmt.Errorf("%w: empty response to %s", ErrShortMessage, s.Name)
	}
	if resp[0] != s.SID+positiveOffset {
		return fmt.Errorf("%w: %s expects SID 0x%02X, got 0x%02X", ErrMismatch, s.Name, s.SID+positiveOffset, resp[0])
	}
	if len(resp) < s.minResponseLength() {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortMessage, s.Name, s.minResponseLength(), len(resp))
	}
	offset := 1
	for _, f := range s.Response {
		width := f.Width
		if width == 0 {
			width = len(resp) - offset
		}
		if f.fixed() {
			if got := getUint(resp[offset : offset+width]); got != f.Value {
				return fmt.Errorf("%w: %s.%s expects 0x%X, got 0x%X", ErrMismatch, s.Name, f.Name, f.Value, got)
			}
		}
		offset += width
	}
	return nil
}

// DecodePositive 校验并解码正响应中的 param 字段
func (s *Service) DecodePositive(resp []byte) (Values, error) {
	if err := s.CheckPositive(resp); err != nil {
		return nil, err
	}
	values := Values{}
	offset := 1
	for _, f := range s.Response {
		width := f.Width
		if width == 0 {
			width = len(resp) - offset
		}
		if !f.fixed() {
			values[f.Name] = f.decode(resp[offset : offset+width])
		}
		offset += width
	}
	return values, nil
}

// DecodeNegative 报告 resp 是否是本服务的负响应，并返回 NRC
func (s *Service) DecodeNegative(resp []byte) (nrc byte, negative bool) {
	if len(resp) >= 3 && resp[0] == negativeResponse && resp[1] == s.SID {
		return resp[2], true
	}
	return 0, false
}
