// Package config loads the tester's YAML configuration: bus, ISO-TP
// parameters, ECUs and logging.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LoveWonYoung/udsstack/tp"
)

var (
	ErrUnknownECU = errors.New("config: unknown ECU")
	ErrNoECU      = errors.New("config: no ECU configured")
)

// Bus 选择总线驱动
type Bus struct {
	Kind     string   `yaml:"kind"` // virtual | slcan | simbus
	Port     string   `yaml:"port"`
	Bitrate  int      `yaml:"bitrate"`
	CANFD    bool     `yaml:"can_fd"`
	RedisURL string   `yaml:"redis_url"`
	UID      uint32   `yaml:"uid"`
	Peers    []uint32 `yaml:"peers"`
}

type ISOTP struct {
	NBs           time.Duration `yaml:"n_bs"`
	NCr           time.Duration `yaml:"n_cr"`
	BlockSize     int           `yaml:"block_size"`
	StMin         byte          `yaml:"stmin"`
	Padding       *byte         `yaml:"padding"`
	CANFD         bool          `yaml:"can_fd"`
	BitrateSwitch bool          `yaml:"bitrate_switch"`
	MaxWaitFrames int           `yaml:"max_wait_frames"`
}

// TP 转换为传输层配置
func (c ISOTP) TP() tp.Config {
	return tp.Config{
		PaddingByte:   c.Padding,
		TimeoutN_Bs:   c.NBs,
		TimeoutN_Cr:   c.NCr,
		BlockSize:     c.BlockSize,
		StMin:         c.StMin,
		MaxWaitFrame:  c.MaxWaitFrames,
		CANFD:         c.CANFD,
		BitrateSwitch: c.BitrateSwitch,
	}
}

type ECU struct {
	Name             string        `yaml:"name"`
	Addressing       string        `yaml:"addressing"`
	RequestID        uint32        `yaml:"request_id"`
	ResponseID       uint32        `yaml:"response_id"`
	FunctionalID     uint32        `yaml:"functional_id"`
	TargetAddress    byte          `yaml:"target_address"`
	SourceAddress    byte          `yaml:"source_address"`
	AddressExtension byte          `yaml:"address_extension"`
	P2Timeout        time.Duration `yaml:"p2_timeout"`
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout"`
	// SecurityKey 是 32 个十六进制字符的 AES-128 密钥
	SecurityKey string `yaml:"security_key"`
}

// Address 构造 tester 侧的寻址信息
func (e ECU) Address() (*tp.Address, error) {
	mode, err := tp.ParseAddressingMode(e.Addressing)
	if err != nil {
		return nil, fmt.Errorf("ecu %q: %w", e.Name, err)
	}
	addr, err := tp.NewAddress(mode,
		tp.WithTxID(e.RequestID),
		tp.WithRxID(e.ResponseID),
		tp.WithFunctionalID(e.FunctionalID),
		tp.WithTargetAddress(e.TargetAddress),
		tp.WithSourceAddress(e.SourceAddress),
		tp.WithAddressExtension(e.AddressExtension),
	)
	if err != nil {
		return nil, fmt.Errorf("ecu %q: %w", e.Name, err)
	}
	return addr, nil
}

type Log struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

type Config struct {
	Bus      Bus    `yaml:"bus"`
	ISOTP    ISOTP  `yaml:"isotp"`
	ECUs     []ECU  `yaml:"ecus"`
	Log      Log    `yaml:"log"`
	Services string `yaml:"services"`
}

// Default 返回虚拟总线和一个 0x7E0/0x7E8 ECU 的配置
func Default() *Config {
	d := tp.DefaultConfig()
	return &Config{
		Bus: Bus{Kind: "virtual", Bitrate: 500_000},
		ISOTP: ISOTP{
			NBs:       d.TimeoutN_Bs,
			NCr:       d.TimeoutN_Cr,
			BlockSize: d.BlockSize,
			StMin:     d.StMin,
			Padding:   d.PaddingByte,
		},
		ECUs: []ECU{{
			Name:             "engine",
			Addressing:       "normal11",
			RequestID:        0x7E0,
			ResponseID:       0x7E8,
			FunctionalID:     0x7DF,
			P2Timeout:        time.Second,
			KeepaliveTimeout: 2 * time.Second,
		}},
		Log: Log{Level: "info"},
	}
}

// Parse 在默认配置上解析 YAML，未知字段报错。ecus 出现时替换默认 ECU 列表。
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Bus.Kind) {
	case "virtual":
	case "slcan":
		if c.Bus.Port == "" {
			return errors.New("config: bus.port is required for slcan")
		}
	case "simbus":
		if c.Bus.RedisURL == "" || c.Bus.UID == 0 {
			return errors.New("config: bus.redis_url and bus.uid are required for simbus")
		}
	default:
		return fmt.Errorf("config: unknown bus kind %q", c.Bus.Kind)
	}
	if c.ISOTP.CANFD && !c.Bus.CANFD && c.Bus.Kind != "virtual" {
		return errors.New("config: isotp.can_fd needs a CAN-FD bus")
	}
	tpc := c.ISOTP.TP()
	if err := tpc.Validate(); err != nil {
		return fmt.Errorf("config: isotp: %w", err)
	}
	if len(c.ECUs) == 0 {
		return ErrNoECU
	}
	seen := map[string]bool{}
	for _, e := range c.ECUs {
		if e.Name == "" {
			return errors.New("config: ecu without name")
		}
		if seen[e.Name] {
			return fmt.Errorf("config: duplicate ecu %q", e.Name)
		}
		seen[e.Name] = true
		if _, err := e.Address(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if e.P2Timeout < 0 || e.KeepaliveTimeout < 0 {
			return fmt.Errorf("config: ecu %q: negative timeout", e.Name)
		}
	}
	return nil
}

// ECU 按名称查找 ECU，name 为空时返回第一个
func (c *Config) ECU(name string) (*ECU, error) {
	if len(c.ECUs) == 0 {
		return nil, ErrNoECU
	}
	if name == "" {
		return &c.ECUs[0], nil
	}
	for i := range c.ECUs {
		if c.ECUs[i].Name == name {
			return &c.ECUs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownECU, name)
}
