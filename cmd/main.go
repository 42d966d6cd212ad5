// Command cmd is the UDS tester: it opens the configured bus, talks to one
// ECU and runs the requested services.
//
//	cmd -config tester.yaml -ecu engine -session extended -read F190
//	cmd -write F198=0102030405 -keepalive -hold 10s
//	cmd -flash app.hex
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/udsstack/codec"
	"github.com/LoveWonYoung/udsstack/config"
	"github.com/LoveWonYoung/udsstack/driver"
	"github.com/LoveWonYoung/udsstack/ecusim"
	"github.com/LoveWonYoung/udsstack/firmware"
	"github.com/LoveWonYoung/udsstack/keepalive"
	"github.com/LoveWonYoung/udsstack/logrecorder"
	"github.com/LoveWonYoung/udsstack/security"
	"github.com/LoveWonYoung/udsstack/tp"
	"github.com/LoveWonYoung/udsstack/trace"
	"github.com/LoveWonYoung/udsstack/udsclient"
)

// SecurityAccess 使用的 requestSeed 等级
const securityLevel = 0x01

type options struct {
	config    string
	ecu       string
	session   string
	read      string
	write     string
	flash     string
	dtc       bool
	keepalive bool
	hold      time.Duration
	trace     string
}

func main() {
	var o options
	flag.StringVar(&o.config, "config", "", "YAML 配置文件，为空时使用虚拟总线和仿真 ECU")
	flag.StringVar(&o.ecu, "ecu", "", "ECU 名称，默认配置中的第一个")
	flag.StringVar(&o.session, "session", "", "诊断会话: default | programming | extended | 十六进制")
	flag.StringVar(&o.read, "read", "", "读取的 DID (十六进制) 或服务名，逗号分隔")
	flag.StringVar(&o.write, "write", "", "写入 DID=hex")
	flag.StringVar(&o.flash, "flash", "", "下载的 Intel HEX 文件")
	flag.BoolVar(&o.dtc, "dtc", false, "读取所有 DTC")
	flag.BoolVar(&o.keepalive, "keepalive", false, "非默认会话中周期发送 TesterPresent")
	flag.DurationVar(&o.hold, "hold", 0, "请求完成后保持会话的时间")
	flag.StringVar(&o.trace, "trace", "", "把总线报文写入 candump 文件")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, o); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(cfg config.Log) (*slog.Logger, func(), error) {
	if cfg.Dir == "" {
		logger := logrecorder.NewLogger(os.Stderr, cfg.Level)
		slog.SetDefault(logger)
		return logger, func() {}, nil
	}
	return logrecorder.InitAndRotate(cfg.Dir, "uds_", cfg.Level, time.Hour)
}

func run(ctx context.Context, o options) error {
	cfg, err := loadConfig(o.config)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	ecuCfg, err := cfg.ECU(o.ecu)
	if err != nil {
		return err
	}
	addr, err := ecuCfg.Address()
	if err != nil {
		return err
	}
	table := codec.Standard()
	if cfg.Services != "" {
		extra, err := codec.LoadFile(cfg.Services)
		if err != nil {
			return err
		}
		table.Merge(extra)
	}
	var keyFn security.KeyFunc
	if ecuCfg.SecurityKey != "" {
		secret, err := security.ParseKey(ecuCfg.SecurityKey)
		if err != nil {
			return err
		}
		if keyFn, err = security.CMAC(secret, 4); err != nil {
			return err
		}
	}

	dev, bus, err := cfg.Bus.Open("tester", logger)
	if err != nil {
		return err
	}
	adapter, err := driver.NewAdapter(dev, driver.WithAdapterLogger(logger))
	if err != nil {
		return err
	}

	var conn tp.Connector = adapter
	if o.trace != "" {
		f, err := os.Create(o.trace)
		if err != nil {
			return err
		}
		defer f.Close()
		rec := trace.NewRecorder(trace.NewCandumpWriter(f, ""), logger)
		adapter.Attach(rec)
		conn = rec.Tap(adapter)
	}

	tpCfg := cfg.ISOTP.TP()
	tr, err := tp.NewTransport(addr, conn, tpCfg, tp.WithLogger(logger.With("ecu", ecuCfg.Name)))
	if err != nil {
		return err
	}
	adapter.Attach(tr)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return adapter.Run(gctx) })

	if bus != nil {
		sim, err := startSimulator(gctx, g, bus, addr, tpCfg, keyFn, logger)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		logger.Info("虚拟总线已启动仿真 ECU", "ecu", ecuCfg.Name, "session", sim.Session())
	}

	sched := keepalive.New(keepalive.WithLogger(logger))
	client := udsclient.NewClient(tr,
		udsclient.WithLogger(logger),
		udsclient.WithSession(udsclient.SessionFor(addr)),
		udsclient.WithScheduler(sched),
		udsclient.WithP2Timeout(ecuCfg.P2Timeout),
		udsclient.WithDIDCache(time.Minute),
		udsclient.WithBusyRetry(3, 200*time.Millisecond),
	)

	g.Go(func() error {
		defer cancel()
		defer func() {
			client.Close()
			_ = sched.Shutdown(context.Background())
		}()
		t := &tester{o: o, client: client, table: table, key: keyFn, ecu: ecuCfg, logger: logger}
		return t.run(gctx)
	})
	return g.Wait()
}

// startSimulator 在虚拟总线上挂一个仿真 ECU，让 tester 在没有硬件时也能工作
func startSimulator(ctx context.Context, g *errgroup.Group, bus *driver.VirtualBus, addr *tp.Address,
	cfg tp.Config, keyFn security.KeyFunc, logger *slog.Logger) (*ecusim.ECU, error) {
	node := bus.NewNode("ecu", driver.CANFD)
	node.SetLogger(logger)
	ecuAdapter, err := driver.NewAdapter(node, driver.WithAdapterLogger(logger))
	if err != nil {
		return nil, err
	}
	opts := []ecusim.Option{
		ecusim.WithLogger(logger.With("role", "sim")),
		ecusim.WithDID(0xF190, []byte("UDSSTACKSIM000001")),
		ecusim.WithDID(0xF187, []byte("SIM-0001")),
		ecusim.WithDID(0xF189, []byte("1.0.0")),
		ecusim.WithDID(0xF18C, []byte("0001")),
		ecusim.WithDTC(0x01221A, 0x09),
		ecusim.WithDTC(0xC10300, 0x24),
	}
	if keyFn != nil {
		opts = append(opts, ecusim.WithSecurity(keyFn, []byte{0x12, 0x34, 0x56, 0x78}))
	}
	sim, err := ecusim.New(ecuAdapter, addr, cfg, opts...)
	if err != nil {
		return nil, err
	}
	ecuAdapter.Attach(sim)
	g.Go(func() error { return ecuAdapter.Run(ctx) })
	g.Go(func() error { return sim.Serve(ctx) })
	return sim, nil
}

type tester struct {
	o      options
	client *udsclient.Client
	table  *codec.Table
	key    security.KeyFunc
	ecu    *config.ECU
	logger *slog.Logger

	unlocked bool
}

func (t *tester) run(ctx context.Context) error {
	if t.o.session != "" {
		session, err := parseSession(t.o.session)
		if err != nil {
			return err
		}
		if err := t.switchSession(ctx, session); err != nil {
			return err
		}
	}
	if t.o.read != "" {
		if err := t.read(ctx, t.o.read); err != nil {
			return err
		}
	}
	if t.o.write != "" {
		if err := t.write(ctx, t.o.write); err != nil {
			return err
		}
	}
	if t.o.dtc {
		if err := t.readDTC(ctx); err != nil {
			return err
		}
	}
	if t.o.flash != "" {
		if err := t.flashImage(ctx, t.o.flash); err != nil {
			return err
		}
	}
	if t.o.hold > 0 {
		t.logger.Info("保持会话", "duration", t.o.hold)
		select {
		case <-ctx.Done():
		case <-time.After(t.o.hold):
		}
	}
	return nil
}

func parseSession(s string) (byte, error) {
	switch strings.ToLower(s) {
	case "default":
		return udsclient.DefaultSession, nil
	case "programming":
		return udsclient.ProgrammingSession, nil
	case "extended":
		return udsclient.ExtendedSession, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid session %q", s)
	}
	return byte(v), nil
}

func (t *tester) switchSession(ctx context.Context, session byte) error {
	ka := udsclient.KeepaliveRecord{
		Required: t.o.keepalive && session != udsclient.DefaultSession,
		Timeout:  t.ecu.KeepaliveTimeout,
	}
	params, err := t.client.DiagnosticSessionControl(ctx, session, ka)
	if err != nil {
		return err
	}
	fmt.Printf("session 0x%02X: % X\n", session, params)
	t.unlocked = false
	return nil
}

func (t *tester) unlock(ctx context.Context) error {
	if t.key == nil || t.unlocked {
		return nil
	}
	if err := t.client.SecurityAccess(ctx, securityLevel, t.key); err != nil {
		return err
	}
	t.unlocked = true
	return nil
}

// read 读取逗号分隔的 DID 或服务描述表中的服务
func (t *tester) read(ctx context.Context, list string) error {
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if svc, ok := t.table.Lookup(item); ok {
			values, err := t.client.Call(ctx, svc, nil)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %v\n", item, values)
			continue
		}
		did, err := parseDID(item)
		if err != nil {
			return err
		}
		data, err := t.client.ReadDataByIdentifier(ctx, did)
		if err != nil {
			return err
		}
		fmt.Printf("DID 0x%04X: % X  %q\n", did, data, printable(data))
	}
	return nil
}

func (t *tester) write(ctx context.Context, arg string) error {
	didStr, dataStr, ok := strings.Cut(arg, "=")
	if !ok {
		return fmt.Errorf("write: want DID=hex, got %q", arg)
	}
	did, err := parseDID(didStr)
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(strings.ReplaceAll(dataStr, " ", ""))
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := t.unlock(ctx); err != nil {
		return err
	}
	if err := t.client.WriteDataByIdentifier(ctx, did, data); err != nil {
		return err
	}
	fmt.Printf("DID 0x%04X written (%d bytes)\n", did, len(data))
	return nil
}

func (t *tester) readDTC(ctx context.Context) error {
	dtcs, avail, err := t.client.ReadDTCInformation(ctx, 0xFF)
	if err != nil {
		return err
	}
	fmt.Printf("status availability 0x%02X, %d DTC\n", avail, len(dtcs))
	for _, d := range dtcs {
		fmt.Printf("  %s  0x%02X  %s\n", d, d.Status, d.StatusString())
	}
	return nil
}

// flashImage 在编程会话下解锁并下载固件
func (t *tester) flashImage(ctx context.Context, path string) error {
	img, err := firmware.LoadHexFile(path)
	if err != nil {
		return err
	}
	if t.client.Session().Current() != udsclient.ProgrammingSession {
		if err := t.switchSession(ctx, udsclient.ProgrammingSession); err != nil {
			return err
		}
	}
	if err := t.unlock(ctx); err != nil {
		return err
	}
	start := time.Now()
	err = t.client.Download(ctx, img, udsclient.DownloadOptions{
		Progress: func(sent, total int) {
			t.logger.Debug("下载进度", "sent", sent, "total", total)
		},
	})
	if err != nil {
		var nrc *udsclient.NegativeResponseError
		if errors.As(err, &nrc) {
			return fmt.Errorf("flash rejected: %w", err)
		}
		return err
	}
	fmt.Printf("flashed %d bytes in %s\n", img.Size(), time.Since(start).Round(time.Millisecond))
	return nil
}

func parseDID(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x"), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid DID %q", s)
	}
	return uint16(v), nil
}

func printable(data []byte) string {
	out := make([]byte, len(data))
	for i, b := range data {
		if b < 0x20 || b > 0x7E {
			b = '.'
		}
		out[i] = b
	}
	return string(out)
}
