package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LoveWonYoung/udsstack/driver"
	"github.com/LoveWonYoung/udsstack/tp"
)

const sample = `
bus:
  kind: slcan
  port: /dev/ttyACM0
  bitrate: 500000
isotp:
  n_bs: 500ms
  n_cr: 2s
  block_size: 8
  stmin: 0xF3
  padding: 0xCC
  max_wait_frames: 3
ecus:
  - name: bms
    request_id: 0x18DA40F1
    response_id: 0x18DAF140
    addressing: normal29
    p2_timeout: 150ms
    keepalive_timeout: 4s
  - name: gateway
    request_id: 0x710
    response_id: 0x718
    functional_id: 0x7DF
log:
  level: debug
  dir: logs
services: services.yaml
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "slcan", cfg.Bus.Kind)
	assert.Equal(t, 500*time.Millisecond, cfg.ISOTP.NBs)
	assert.Equal(t, 2*time.Second, cfg.ISOTP.NCr)
	assert.Equal(t, byte(0xF3), cfg.ISOTP.StMin)
	require.NotNil(t, cfg.ISOTP.Padding)
	assert.Equal(t, byte(0xCC), *cfg.ISOTP.Padding)
	assert.Equal(t, "services.yaml", cfg.Services)
	assert.Equal(t, Log{Level: "debug", Dir: "logs"}, cfg.Log)

	require.Len(t, cfg.ECUs, 2, "ecus 替换默认列表")
	bms, err := cfg.ECU("bms")
	require.NoError(t, err)
	assert.Equal(t, 150*time.Millisecond, bms.P2Timeout)
	addr, err := bms.Address()
	require.NoError(t, err)
	assert.Equal(t, tp.Normal29Bit, addr.AddressingMode)
	assert.True(t, addr.Is29Bit())
	assert.Equal(t, uint32(0x18DA40F1), addr.TxID)

	first, err := cfg.ECU("")
	require.NoError(t, err)
	assert.Equal(t, "bms", first.Name)
	_, err = cfg.ECU("abs")
	assert.ErrorIs(t, err, ErrUnknownECU)

	tpc := cfg.ISOTP.TP()
	assert.Equal(t, 8, tpc.BlockSize)
	assert.Equal(t, 3, tpc.MaxWaitFrame)
	assert.NoError(t, tpc.Validate())
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	def := tp.DefaultConfig()
	assert.Equal(t, def, cfg.ISOTP.TP())

	cfg, err = Parse([]byte("log:\n  level: warn\n"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "virtual", cfg.Bus.Kind)
	assert.Len(t, cfg.ECUs, 1)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"未知字段":        "bus:\n  speed: 1\n",
		"未知总线":        "bus:\n  kind: lin\n",
		"slcan 没有端口":  "bus:\n  kind: slcan\n",
		"simbus 没有 uid": "bus:\n  kind: simbus\n  redis_url: redis://localhost\n",
		"保留 STmin":    "isotp:\n  stmin: 0x80\n",
		"N_Cr 为 0":    "isotp:\n  n_cr: 0s\n",
		"没有 ECU":      "ecus: []\n",
		"重复 ECU":      "ecus:\n  - name: a\n  - name: a\n",
		"ECU 没有名字":    "ecus:\n  - request_id: 0x7E0\n",
		"11 位 ID 超范围": "ecus:\n  - name: a\n    request_id: 0x800\n",
		"未知寻址":        "ecus:\n  - name: a\n    addressing: j1939\n",
		"负超时":         "ecus:\n  - name: a\n    p2_timeout: -1s\n",
		"错误时长":        "isotp:\n  n_bs: soon\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "udsstack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.ECUs, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBusOpen(t *testing.T) {
	dev, bus, err := Bus{Kind: "virtual"}.Open("tester", nil)
	require.NoError(t, err)
	assert.NotNil(t, bus)
	assert.NotNil(t, dev)

	dev, bus, err = Bus{Kind: "slcan", Port: "/dev/null", Bitrate: 500_000}.Open("tester", nil)
	require.NoError(t, err)
	assert.Nil(t, bus)
	assert.IsType(t, &driver.SLCAN{}, dev)

	dev, _, err = Bus{Kind: "simbus", RedisURL: "redis://localhost:6379", UID: 1}.Open("tester", nil)
	require.NoError(t, err)
	assert.IsType(t, &driver.SimBus{}, dev)

	_, _, err = Bus{Kind: "lin"}.Open("tester", nil)
	assert.Error(t, err)
}
