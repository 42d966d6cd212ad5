package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/LoveWonYoung/udsstack/driver"
)

func (b Bus) canType() driver.CanType {
	if b.CANFD {
		return driver.CANFD
	}
	return driver.CAN
}

// Open 创建配置的驱动。virtual 总线同时返回总线本身，调用方可以在上面挂仿真 ECU。
func (b Bus) Open(name string, logger *slog.Logger) (driver.CANDriver, *driver.VirtualBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(b.Kind) {
	case "virtual":
		bus := driver.NewVirtualBus()
		node := bus.NewNode(name, driver.CANFD)
		node.SetLogger(logger)
		return node, bus, nil
	case "slcan":
		return driver.NewSLCAN(b.Port, b.Bitrate, b.canType(), logger), nil, nil
	case "simbus":
		return driver.NewSimBus(b.RedisURL, b.UID, b.Peers, b.canType(), logger), nil, nil
	}
	return nil, nil, fmt.Errorf("config: unknown bus kind %q", b.Kind)
}
