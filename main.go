// 总线监听：打开配置的总线，把每一帧写入 candump 或 CBOR trace，直到 Ctrl+C。
// 虚拟总线上没有其他节点，此时挂一个仿真 ECU 和保持扩展会话的 tester 产生流量。
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/udsstack/config"
	"github.com/LoveWonYoung/udsstack/driver"
	"github.com/LoveWonYoung/udsstack/ecusim"
	"github.com/LoveWonYoung/udsstack/keepalive"
	"github.com/LoveWonYoung/udsstack/logrecorder"
	"github.com/LoveWonYoung/udsstack/tp"
	"github.com/LoveWonYoung/udsstack/trace"
	"github.com/LoveWonYoung/udsstack/udsclient"
)

func main() {
	cfgPath := flag.String("config", "", "YAML 配置文件")
	format := flag.String("format", "candump", "trace 格式: candump | cbor")
	out := flag.String("out", "", "trace 输出文件，默认 stdout")
	iface := flag.String("iface", "can0", "candump 中的接口名")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := monitor(ctx, *cfgPath, *format, *out, *iface); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openSink(format, path, iface string) (trace.Sink, io.Closer, error) {
	var w io.WriteCloser = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return nil, nil, err
		}
		w = f
	}
	switch format {
	case "candump":
		return trace.NewCandumpWriter(w, iface), w, nil
	case "cbor":
		sink, err := trace.NewCBORWriter(w)
		if err != nil {
			w.Close()
			return nil, nil, err
		}
		return sink, w, nil
	}
	w.Close()
	return nil, nil, fmt.Errorf("unknown trace format %q", format)
}

func monitor(ctx context.Context, cfgPath, format, out, iface string) error {
	cfg := config.Default()
	if cfgPath != "" {
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			return err
		}
	}
	logger := logrecorder.NewLogger(os.Stderr, cfg.Log.Level)
	slog.SetDefault(logger)

	sink, closer, err := openSink(format, out, iface)
	if err != nil {
		return err
	}
	defer closer.Close()

	dev, bus, err := cfg.Bus.Open("monitor", logger)
	if err != nil {
		return err
	}
	adapter, err := driver.NewAdapter(dev, driver.WithAdapterLogger(logger))
	if err != nil {
		return err
	}
	rec := trace.NewRecorder(sink, logger)
	adapter.Attach(rec)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return adapter.Run(gctx) })
	if bus != nil {
		if err := demoTraffic(gctx, g, bus, cfg, logger); err != nil {
			return err
		}
	}

	logger.Info("总线监听已启动", "bus", cfg.Bus.Kind, "format", format)
	err = g.Wait()
	logger.Info("总线监听结束", "frames", rec.Count())
	return err
}

// demoTraffic 在虚拟总线上放一对 tester/ECU，tester 进入扩展会话后由调度器发送 TesterPresent
func demoTraffic(ctx context.Context, g *errgroup.Group, bus *driver.VirtualBus, cfg *config.Config, logger *slog.Logger) error {
	ecuCfg, err := cfg.ECU("")
	if err != nil {
		return err
	}
	addr, err := ecuCfg.Address()
	if err != nil {
		return err
	}
	tpCfg := cfg.ISOTP.TP()

	ecuAdapter, err := driver.NewAdapter(bus.NewNode("ecu", driver.CANFD), driver.WithAdapterLogger(logger))
	if err != nil {
		return err
	}
	sim, err := ecusim.New(ecuAdapter, addr, tpCfg, ecusim.WithLogger(logger))
	if err != nil {
		return err
	}
	ecuAdapter.Attach(sim)

	testerAdapter, err := driver.NewAdapter(bus.NewNode("tester", driver.CANFD), driver.WithAdapterLogger(logger))
	if err != nil {
		return err
	}
	tr, err := tp.NewTransport(addr, testerAdapter, tpCfg, tp.WithLogger(logger))
	if err != nil {
		return err
	}
	testerAdapter.Attach(tr)

	g.Go(func() error { return ecuAdapter.Run(ctx) })
	g.Go(func() error { return testerAdapter.Run(ctx) })
	g.Go(func() error { return sim.Serve(ctx) })
	g.Go(func() error {
		sched := keepalive.New(keepalive.WithInterval(100*time.Millisecond), keepalive.WithLogger(logger))
		client := udsclient.NewClient(tr,
			udsclient.WithLogger(logger),
			udsclient.WithSession(udsclient.SessionFor(addr)),
			udsclient.WithScheduler(sched),
			udsclient.WithP2Timeout(ecuCfg.P2Timeout),
		)
		defer func() {
			client.Close()
			_ = sched.Shutdown(context.Background())
		}()
		ka := udsclient.KeepaliveRecord{Required: true, Timeout: ecuCfg.KeepaliveTimeout}
		if _, err := client.DiagnosticSessionControl(ctx, udsclient.ExtendedSession, ka); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})
	return nil
}
