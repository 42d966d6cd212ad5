// Package logrecorder sets up slog loggers and dated, rotating log files.
package logrecorder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var logLevel = new(slog.LevelVar)

// ParseLevel 解析 debug/info/warn/error，未知值按 info 处理
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel 修改所有由 NewLogger 创建的日志记录器的级别
func SetLevel(level string) {
	logLevel.Set(ParseLevel(level))
}

// PlainLogHandler 输出 "15:04:05.000000 LEVEL: msg k=v" 形式的单行日志
type PlainLogHandler struct {
	mu    *sync.Mutex
	out   io.Writer
	level slog.Leveler
	attrs []slog.Attr
	group string
}

func NewPlainLogHandler(out io.Writer, level slog.Leveler) *PlainLogHandler {
	return &PlainLogHandler{mu: new(sync.Mutex), out: out, level: level}
}

func (h *PlainLogHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *PlainLogHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format("15:04:05.000000"))
	b.WriteByte(' ')
	b.WriteString(r.Level.String())
	b.WriteString(": ")
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	fmt.Fprintf(b, " %s=%v", key, a.Value.Resolve().Any())
}

func (h *PlainLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		h2.attrs = append(h2.attrs, a)
	}
	return &h2
}

func (h *PlainLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	h2.group = name
	return &h2
}

// NewLogger 创建写入 w 的日志记录器，level 为 debug/info/warn/error
func NewLogger(w io.Writer, level string) *slog.Logger {
	SetLevel(level)
	return slog.New(NewPlainLogHandler(w, logLevel))
}

// NowString 返回当前时间格式为 "20060102_1504" 的字符串
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// MakeDir 在 base 下创建以日期命名的目录（如：2025_04_25）
func MakeDir(base string) (string, error) {
	now := time.Now()
	fullPath := filepath.Join(base, fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day()))
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return "", fmt.Errorf("创建文件夹失败: %w", err)
	}
	return fullPath, nil
}

// RotatingWriter 是可以切换底层文件的 io.Writer
type RotatingWriter struct {
	mu   sync.Mutex
	dir  string
	name string
	f    *os.File
}

func NewRotatingWriter(dir, name string) (*RotatingWriter, error) {
	w := &RotatingWriter{dir: dir, name: name}
	if err := w.Rotate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Rotate 关闭当前文件，在当天目录下打开 name+时间戳.log
func (w *RotatingWriter) Rotate() error {
	dir, err := MakeDir(w.dir)
	if err != nil {
		return err
	}
	logPath := filepath.Join(dir, w.name+NowString()+".log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}
	w.mu.Lock()
	old := w.f
	w.f = f
	w.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Path 返回当前日志文件路径
func (w *RotatingWriter) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Name()
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Write(p)
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// InitAndRotate 创建写入 dir/日期/name时间戳.log 的日志记录器并设为默认，
// 每 every 轮换一次日志文件。返回的 stop 停止轮换并关闭文件。
func InitAndRotate(dir, name, level string, every time.Duration) (logger *slog.Logger, stop func(), err error) {
	w, err := NewRotatingWriter(dir, name)
	if err != nil {
		return nil, nil, err
	}
	logger = NewLogger(w, level)
	slog.SetDefault(logger)

	done := make(chan struct{})
	var wg sync.WaitGroup
	if every > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := w.Rotate(); err != nil {
						logger.Error("日志轮换失败", "err", err)
					}
				}
			}
		}()
	}

	var once sync.Once
	stop = func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			w.Close()
		})
	}
	return logger, stop, nil
}
