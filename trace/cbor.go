package trace

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// CBORWriter 把记录编码为连续的 CBOR 数据项
type CBORWriter struct {
	enc *cbor.Encoder
}

func NewCBORWriter(w io.Writer) (*CBORWriter, error) {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, err
	}
	return &CBORWriter{enc: em.NewEncoder(w)}, nil
}

func (c *CBORWriter) WriteRecord(r Record) error {
	return c.enc.Encode(r)
}

// ReadAll 解码 CBORWriter 写出的所有记录
func ReadAll(r io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(r)
	var out []Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("trace: record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}
