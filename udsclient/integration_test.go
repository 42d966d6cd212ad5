package udsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LoveWonYoung/udsstack/driver"
	"github.com/LoveWonYoung/udsstack/ecusim"
	"github.com/LoveWonYoung/udsstack/firmware"
	"github.com/LoveWonYoung/udsstack/keepalive"
	"github.com/LoveWonYoung/udsstack/security"
	"github.com/LoveWonYoung/udsstack/tp"
)

var aesKey = []byte{
	0x2b, 0x7e, 0x15, 0x16, 0x28, 0xae, 0xd2, 0xa6,
	0xab, 0xf7, 0x15, 0x88, 0x09, 0xcf, 0x4f, 0x3c,
}

// bench 在虚拟总线上连接 tester 和仿真 ECU
func bench(t *testing.T, opts ...ecusim.Option) (*Client, *ecusim.ECU) {
	t.Helper()
	addr, err := tp.NewAddress(tp.Normal11Bit, tp.WithTxID(0x7E0), tp.WithRxID(0x7E8), tp.WithFunctionalID(0x7DF))
	require.NoError(t, err)
	cfg := tp.DefaultConfig()
	cfg.StMin = 0

	bus := driver.NewVirtualBus()
	ecuAdapter, err := driver.NewAdapter(bus.NewNode("ecu", driver.CAN))
	require.NoError(t, err)
	testerAdapter, err := driver.NewAdapter(bus.NewNode("tester", driver.CAN))
	require.NoError(t, err)

	ecu, err := ecusim.New(ecuAdapter, addr, cfg, opts...)
	require.NoError(t, err)
	ecuAdapter.Attach(ecu)

	tr, err := tp.NewTransport(addr, testerAdapter, cfg)
	require.NoError(t, err)
	testerAdapter.Attach(tr)

	ctx, cancel := context.WithCancel(context.Background())
	go ecuAdapter.Run(ctx)
	go testerAdapter.Run(ctx)
	go ecu.Serve(ctx)

	sched := keepalive.New(keepalive.WithInterval(5 * time.Millisecond))
	c := NewClient(tr, WithSession(SessionFor(addr)), WithScheduler(sched), WithDIDCache(time.Minute))
	t.Cleanup(func() {
		c.Close()
		_ = sched.Shutdown(context.Background())
		cancel()
	})
	return c, ecu
}

func TestIntegration_ReadWrite(t *testing.T) {
	vin := []byte("WVWZZZ1JZXW000001")
	key, err := security.CMAC(aesKey, 4)
	require.NoError(t, err)
	c, ecu := bench(t,
		ecusim.WithDID(0xF190, vin),
		ecusim.WithSecurity(key, []byte{0xDE, 0xAD, 0xBE, 0xEF}),
		ecusim.WithPending(1),
	)
	ctx := context.Background()

	got, err := c.ReadDataByIdentifier(ctx, 0xF190)
	require.NoError(t, err)
	assert.Equal(t, vin, got)

	err = c.WriteDataByIdentifier(ctx, 0xF190, []byte("WVWZZZ1JZXW000002"))
	assert.True(t, IsNegative(err, NRCSecurityAccessDenied))

	_, err = c.DiagnosticSessionControl(ctx, ExtendedSession, KeepaliveRecord{})
	require.NoError(t, err)
	require.NoError(t, c.SecurityAccess(ctx, 0x01, key))
	require.NoError(t, c.WriteDataByIdentifier(ctx, 0xF190, []byte("WVWZZZ1JZXW000002")))

	got, err = c.ReadDataByIdentifier(ctx, 0xF190)
	require.NoError(t, err)
	assert.Equal(t, []byte("WVWZZZ1JZXW000002"), got)
	stored, _ := ecu.DID(0xF190)
	assert.Equal(t, got, stored)
}

func TestIntegration_Keepalive(t *testing.T) {
	c, ecu := bench(t)
	ctx := context.Background()

	_, err := c.DiagnosticSessionControl(ctx, ExtendedSession, KeepaliveRecord{Required: true, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		n := 0
		for _, req := range ecu.Requests() {
			if len(req) == 2 && req[0] == 0x3E && req[1] == 0x80 {
				n++
			}
		}
		return n >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ExtendedSession, ecu.Session())

	c.DisableKeepalive()
	time.Sleep(20 * time.Millisecond)
	before := len(ecu.Requests())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before, len(ecu.Requests()), "关闭保活后不再发送")
}

func TestIntegration_Download(t *testing.T) {
	c, ecu := bench(t, ecusim.WithMaxBlock(0x82))
	ctx := context.Background()

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	img, err := firmware.FromBinary(0x00010000, data)
	require.NoError(t, err)

	_, err = c.DiagnosticSessionControl(ctx, ProgrammingSession, KeepaliveRecord{})
	require.NoError(t, err)
	require.NoError(t, c.Download(ctx, img, DownloadOptions{}))

	segs := ecu.Downloaded()
	require.Len(t, segs, 1)
	assert.Equal(t, uint32(0x00010000), segs[0].Address)
	assert.Equal(t, data, segs[0].Data)
}

func TestIntegration_DTC(t *testing.T) {
	c, _ := bench(t, ecusim.WithDTC(0xE10300, 0x2F), ecusim.WithDTC(0x01221A, 0x08))
	ctx := context.Background()

	dtcs, _, err := c.ReadDTCInformation(ctx, 0xFF)
	require.NoError(t, err)
	require.Len(t, dtcs, 2)
	assert.Equal(t, "P0122-1A", dtcs[0].String())
	assert.Equal(t, "U2103-00", dtcs[1].String())

	require.NoError(t, c.ClearDiagnosticInformation(ctx, 0xFFFFFF))
	dtcs, _, err = c.ReadDTCInformation(ctx, 0xFF)
	require.NoError(t, err)
	assert.Empty(t, dtcs)
}
