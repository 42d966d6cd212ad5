package codec

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const descriptor = `
services:
  - name: ReadHardwareNumber
    sid: 0x22
    request:
      - {name: did, role: did, width: 2, value: 0xF191}
    response:
      - {name: did, role: did, width: 2, value: 0xF191}
      - {name: number, width: 10, encoding: ascii}
  - name: WriteCalibrationDate
    sid: 0x2E
    request:
      - {name: did, role: did, width: 2, value: 0xF199}
      - {name: date, width: 4, encoding: bcd}
    response:
      - {name: did, role: did, width: 2, value: 0xF199}
  - name: StartEraseRoutine
    sid: 0x31
    request:
      - {name: control, role: subfunction, width: 1, value: 0x01}
      - {name: routine, role: const, width: 2, value: 0xFF00}
      - {name: address, width: 4, encoding: uint}
      - {name: length, width: 4, encoding: uint}
    response:
      - {name: control, role: subfunction, width: 1, value: 0x01}
      - {name: routine, role: const, width: 2, value: 0xFF00}
      - {name: status}
`

func loadDescriptor(t *testing.T) *Table {
	t.Helper()
	table, err := LoadYAML(strings.NewReader(descriptor))
	require.NoError(t, err)
	return table
}

func TestLoadYAML(t *testing.T) {
	table := loadDescriptor(t)
	assert.Equal(t, []string{"ReadHardwareNumber", "StartEraseRoutine", "WriteCalibrationDate"}, table.Names())

	svc, ok := table.Lookup("ReadHardwareNumber")
	require.True(t, ok)
	assert.Equal(t, byte(0x22), svc.SID)
	assert.Equal(t, uint64(0xF191), svc.Request[0].Value)
	assert.Equal(t, RoleParam, svc.Response[1].Role, "缺省角色是 param")

	assert.Len(t, table.BySID(0x31), 1)
	assert.Empty(t, table.BySID(0x19))
}

func TestLoadYAML_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"未知字段", "services:\n  - name: X\n    sid: 0x22\n    colour: red\n"},
		{"缺少名称", "services:\n  - sid: 0x22\n"},
		{"响应SID", "services:\n  - name: X\n    sid: 0x62\n"},
		{"负响应SID", "services:\n  - name: X\n    sid: 0x7F\n"},
		{"剩余字段不在末尾", "services:\n  - name: X\n    sid: 0x22\n    request:\n      - {name: a}\n      - {name: b, width: 1}\n"},
		{"uint宽度", "services:\n  - name: X\n    sid: 0x22\n    request:\n      - {name: a, width: 9, encoding: uint}\n"},
		{"固定值溢出", "services:\n  - name: X\n    sid: 0x22\n    request:\n      - {name: did, role: did, width: 1, value: 0x100}\n"},
		{"未知编码", "services:\n  - name: X\n    sid: 0x22\n    request:\n      - {name: a, width: 1, encoding: float}\n"},
		{"重复服务", "services:\n  - name: X\n    sid: 0x22\n  - name: X\n    sid: 0x2E\n"},
		{"重复字段", "services:\n  - name: X\n    sid: 0x22\n    request:\n      - {name: a, width: 1}\n      - {name: a, width: 1}\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadYAML(strings.NewReader(tc.doc))
			assert.Error(t, err)
		})
	}
}

func TestEncodeRequest(t *testing.T) {
	table := loadDescriptor(t)

	svc, _ := table.Lookup("StartEraseRoutine")
	req, err := svc.EncodeRequest(Values{"address": uint32(0x00080000), "length": 0x1000})
	require.NoError(t, err)
	expected := []byte{0x31, 0x01, 0xFF, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00}
	if diff := cmp.Diff(expected, req); diff != "" {
		t.Errorf("请求不匹配 (-期望 +实际):\n%s", diff)
	}

	_, err = svc.EncodeRequest(Values{"address": 1})
	assert.ErrorIs(t, err, ErrMissingParam)

	_, err = svc.EncodeRequest(Values{"address": -1, "length": 1})
	assert.Error(t, err)

	date, _ := table.Lookup("WriteCalibrationDate")
	req, err = date.EncodeRequest(Values{"date": "20261017"})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x2E, 0xF1, 0x99, 0x20, 0x26, 0x10, 0x17}, req)

	_, err = date.EncodeRequest(Values{"date": "2026-10"})
	assert.Error(t, err)
}

func TestDecodePositive(t *testing.T) {
	table := loadDescriptor(t)
	svc, _ := table.Lookup("ReadHardwareNumber")

	resp := append([]byte{0x62, 0xF1, 0x91}, []byte("HW-0042\x00\x00\x00")...)
	values, err := svc.DecodePositive(resp)
	require.NoError(t, err)
	assert.Equal(t, Values{"number": "HW-0042"}, values)

	_, err = svc.DecodePositive(append([]byte{0x62, 0xF1, 0x90}, make([]byte, 10)...))
	assert.ErrorIs(t, err, ErrMismatch, "DID 不匹配")
	_, err = svc.DecodePositive([]byte{0x62, 0xF1})
	assert.ErrorIs(t, err, ErrShortMessage)
	_, err = svc.DecodePositive([]byte{0x62, 0xF1, 0x91})
	assert.ErrorIs(t, err, ErrShortMessage)
	_, err = svc.DecodePositive([]byte{0x7F, 0x22, 0x31})
	assert.ErrorIs(t, err, ErrMismatch)

	routine, _ := table.Lookup("StartEraseRoutine")
	values, err = routine.DecodePositive([]byte{0x71, 0x01, 0xFF, 0x00, 0x00, 0x01})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01}, values["status"])
}

func TestDecodeNegative(t *testing.T) {
	svc, _ := Standard().Lookup("ReadVIN")
	nrc, neg := svc.DecodeNegative([]byte{0x7F, 0x22, 0x31})
	assert.True(t, neg)
	assert.Equal(t, byte(0x31), nrc)

	_, neg = svc.DecodeNegative([]byte{0x7F, 0x2E, 0x31})
	assert.False(t, neg, "其他服务的负响应")
	_, neg = svc.DecodeNegative([]byte{0x62, 0xF1, 0x90})
	assert.False(t, neg)
}

func TestStandard(t *testing.T) {
	table := Standard()
	assert.GreaterOrEqual(t, table.Len(), 10)

	vin, ok := table.Lookup("ReadVIN")
	require.True(t, ok)
	req, err := vin.EncodeRequest(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x22, 0xF1, 0x90}, req)

	write, _ := table.Lookup("WriteVIN")
	req, err = write.EncodeRequest(Values{"vin": "WVWZZZ1JZXW000001"})
	require.NoError(t, err)
	assert.Len(t, req, 20)
	_, err = write.EncodeRequest(Values{"vin": "WVWZZZ1JZXW0000012"})
	assert.Error(t, err, "VIN 超过17字节")

	ext, _ := table.Lookup("ExtendedSession")
	values, err := ext.DecodePositive([]byte{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x32, 0x01, 0xF4}, values["timing"])

	clear, _ := table.Lookup("ClearAllDTC")
	req, err = clear.EncodeRequest(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x14, 0xFF, 0xFF, 0xFF}, req)
}

func TestMerge(t *testing.T) {
	table := Standard()
	n := table.Len()
	table.Merge(loadDescriptor(t))
	assert.Equal(t, n+3, table.Len())
}

func TestBCD(t *testing.T) {
	b, err := encodeBCD(uint64(123))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x23}, b)
	assert.Equal(t, "0123", decodeBCD(b))
}
