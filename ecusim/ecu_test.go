package ecusim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LoveWonYoung/udsstack/driver"
	"github.com/LoveWonYoung/udsstack/security"
	"github.com/LoveWonYoung/udsstack/tp"
)

func testerAddress(t *testing.T) *tp.Address {
	t.Helper()
	addr, err := tp.NewAddress(tp.Normal11Bit, tp.WithTxID(0x7E0), tp.WithRxID(0x7E8), tp.WithFunctionalID(0x7DF))
	require.NoError(t, err)
	return addr
}

func newECU(t *testing.T, opts ...Option) *ECU {
	t.Helper()
	e, err := New(tp.ConnectorFunc(func(tp.CanMessage) error { return nil }), testerAddress(t), tp.DefaultConfig(), opts...)
	require.NoError(t, err)
	return e
}

func TestHandle(t *testing.T) {
	e := newECU(t, WithDID(0xF190, []byte("VIN")), WithDID(0xF186, []byte{0x01}))

	tests := []struct {
		name string
		req  []byte
		want [][]byte
	}{
		{"扩展会话", []byte{0x10, 0x03}, [][]byte{{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4}}},
		{"未知会话", []byte{0x10, 0x05}, [][]byte{{0x7F, 0x10, 0x12}}},
		{"抑制正响应", []byte{0x3E, 0x80}, nil},
		{"TesterPresent", []byte{0x3E, 0x00}, [][]byte{{0x7E, 0x00}}},
		{"读多个 DID", []byte{0x22, 0xF1, 0x86, 0xF1, 0x90}, [][]byte{{0x62, 0xF1, 0x86, 0x01, 0xF1, 0x90, 'V', 'I', 'N'}}},
		{"未知 DID", []byte{0x22, 0x12, 0x34}, [][]byte{{0x7F, 0x22, 0x31}}},
		{"长度错误", []byte{0x22, 0xF1}, [][]byte{{0x7F, 0x22, 0x13}}},
		{"写 DID", []byte{0x2E, 0xF1, 0x90, 'N', 'E', 'W'}, [][]byte{{0x6E, 0xF1, 0x90}}},
		{"例程", []byte{0x31, 0x01, 0xFF, 0x00}, [][]byte{{0x71, 0x01, 0xFF, 0x00, 0x00}}},
		{"未实现的服务", []byte{0x85, 0x01}, [][]byte{{0x7F, 0x85, 0x11}}},
		{"没有安全访问", []byte{0x27, 0x01}, [][]byte{{0x7F, 0x27, 0x11}}},
		{"非编程会话下载", []byte{0x34, 0x00, 0x44, 0, 0, 0, 0, 0, 0, 0, 1}, [][]byte{{0x7F, 0x34, 0x22}}},
		{"没有请求下载", []byte{0x36, 0x01, 0xAA}, [][]byte{{0x7F, 0x36, 0x24}}},
		{"复位", []byte{0x11, 0x01}, [][]byte{{0x51, 0x01}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Handle(tt.req, false))
		})
	}

	v, ok := e.DID(0xF190)
	assert.True(t, ok)
	assert.Equal(t, []byte("NEW"), v)
	assert.Equal(t, byte(0x01), e.Session(), "复位后回到默认会话")
	assert.Len(t, e.Requests(), len(tests))
	assert.Nil(t, e.Handle(nil, false))
}

func TestHandle_Functional(t *testing.T) {
	e := newECU(t)
	assert.Nil(t, e.Handle([]byte{0x22, 0x12, 0x34}, true), "功能请求不回复 requestOutOfRange")
	assert.Nil(t, e.Handle([]byte{0x3E, 0x80}, true))
	assert.Equal(t, [][]byte{{0x7E, 0x00}}, e.Handle([]byte{0x3E, 0x00}, true))
}

func TestHandle_Pending(t *testing.T) {
	e := newECU(t, WithPending(2), WithDID(0x0100, []byte{0xAB}))
	assert.Equal(t, [][]byte{
		{0x7F, 0x22, 0x78},
		{0x7F, 0x22, 0x78},
		{0x62, 0x01, 0x00, 0xAB},
	}, e.Handle([]byte{0x22, 0x01, 0x00}, false))
}

func TestHandle_Custom(t *testing.T) {
	e := newECU(t, WithHandler(0x22, func(req []byte) []byte {
		return []byte{0x7F, 0x22, 0x21}
	}), WithHandler(0x85, func(req []byte) []byte { return nil }))
	assert.Equal(t, [][]byte{{0x7F, 0x22, 0x21}}, e.Handle([]byte{0x22, 0xF1, 0x90}, false))
	assert.Nil(t, e.Handle([]byte{0x85, 0x02}, false))
}

func TestHandle_Security(t *testing.T) {
	e := newECU(t, WithSecurity(security.XOR([]byte{0xFF}), []byte{0x11, 0x22}), WithDID(0xF190, []byte("OLD")))

	assert.Equal(t, [][]byte{{0x7F, 0x2E, 0x33}}, e.Handle([]byte{0x2E, 0xF1, 0x90, 'X'}, false), "未解锁")
	assert.Equal(t, [][]byte{{0x67, 0x01, 0x11, 0x22}}, e.Handle([]byte{0x27, 0x01}, false))
	assert.Equal(t, [][]byte{{0x7F, 0x27, 0x35}}, e.Handle([]byte{0x27, 0x02, 0x00, 0x00}, false))
	assert.Equal(t, [][]byte{{0x67, 0x02}}, e.Handle([]byte{0x27, 0x02, 0xEE, 0xDD}, false))
	assert.Equal(t, [][]byte{{0x67, 0x01, 0x00, 0x00}}, e.Handle([]byte{0x27, 0x01}, false), "已解锁时种子为 0")
	assert.Equal(t, [][]byte{{0x6E, 0xF1, 0x90}}, e.Handle([]byte{0x2E, 0xF1, 0x90, 'X'}, false))

	e.Handle([]byte{0x10, 0x03}, false)
	assert.Equal(t, [][]byte{{0x7F, 0x2E, 0x33}}, e.Handle([]byte{0x2E, 0xF1, 0x90, 'Y'}, false), "切换会话后重新上锁")
}

func TestHandle_DTC(t *testing.T) {
	e := newECU(t, WithDTC(0xE10300, 0x24), WithDTC(0x01221A, 0x09))

	assert.Equal(t, [][]byte{{0x59, 0x02, 0xFF, 0x01, 0x22, 0x1A, 0x09}}, e.Handle([]byte{0x19, 0x02, 0x08}, false))
	assert.Equal(t, [][]byte{{0x59, 0x02, 0xFF, 0x01, 0x22, 0x1A, 0x09, 0xE1, 0x03, 0x00, 0x24}}, e.Handle([]byte{0x19, 0x02, 0xFF}, false))
	assert.Equal(t, [][]byte{{0x54}}, e.Handle([]byte{0x14, 0xFF, 0xFF, 0xFF}, false))
	assert.Equal(t, [][]byte{{0x59, 0x02, 0xFF}}, e.Handle([]byte{0x19, 0x02, 0xFF}, false))
}

func TestHandle_Download(t *testing.T) {
	e := newECU(t, WithMaxBlock(6))
	e.Handle([]byte{0x10, 0x02}, false)

	assert.Equal(t, [][]byte{{0x74, 0x20, 0x00, 0x06}}, e.Handle([]byte{0x34, 0x00, 0x44, 0x00, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x06}, false))
	assert.Equal(t, [][]byte{{0x76, 0x01}}, e.Handle([]byte{0x36, 0x01, 1, 2, 3, 4}, false))
	assert.Equal(t, [][]byte{{0x7F, 0x36, 0x73}}, e.Handle([]byte{0x36, 0x03, 5, 6}, false))
	assert.Equal(t, [][]byte{{0x7F, 0x36, 0x13}}, e.Handle([]byte{0x36, 0x02, 5, 6, 7, 8, 9}, false))
	assert.Equal(t, [][]byte{{0x76, 0x02}}, e.Handle([]byte{0x36, 0x02, 5, 6}, false))
	assert.Equal(t, [][]byte{{0x77}}, e.Handle([]byte{0x37}, false))

	segs := e.Downloaded()
	require.Len(t, segs, 1)
	assert.Equal(t, uint32(0x8000), segs[0].Address)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, segs[0].Data)
	assert.Equal(t, [][]byte{{0x7F, 0x37, 0x24}}, e.Handle([]byte{0x37}, false))
}

// 在虚拟总线上用一个 tester 传输层与 ECU 对话
func TestServe_VirtualBus(t *testing.T) {
	bus := driver.NewVirtualBus()
	ecuAdapter, err := driver.NewAdapter(bus.NewNode("ecu", driver.CAN))
	require.NoError(t, err)
	testerAdapter, err := driver.NewAdapter(bus.NewNode("tester", driver.CAN))
	require.NoError(t, err)

	cfg := tp.DefaultConfig()
	cfg.StMin = 0
	vin := []byte("WVWZZZ1JZXW000001")
	e, err := New(ecuAdapter, testerAddress(t), cfg, WithDID(0xF190, vin))
	require.NoError(t, err)
	ecuAdapter.Attach(e)

	tester, err := tp.NewTransport(testerAddress(t), testerAdapter, cfg)
	require.NoError(t, err)
	testerAdapter.Attach(tester)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ecuAdapter.Run(ctx)
	go testerAdapter.Run(ctx)
	go e.Serve(ctx)

	_, err = tester.Encode(ctx, []byte{0x22, 0xF1, 0x90}, false)
	require.NoError(t, err)
	resp, err := tester.Decode(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0x62, 0xF1, 0x90}, vin...), resp, "多帧响应")

	_, err = tester.Encode(ctx, []byte{0x3E, 0x00}, true)
	require.NoError(t, err)
	resp, err = tester.Decode(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7E, 0x00}, resp, "功能请求由物理地址响应")
}
