package tp

import (
	"testing"
	"time"
)

func TestResettableTimer_Accuracy(t *testing.T) {
	timer := NewResettableTimer(200 * time.Millisecond)
	timer.Start()

	time.Sleep(100 * time.Millisecond)
	if timer.IsExpired() {
		t.Fatal("100ms 后不应到期")
	}
	if !timer.IsRunning() {
		t.Fatal("100ms 后应仍在运行")
	}

	time.Sleep(150 * time.Millisecond)
	if !timer.IsExpired() {
		t.Fatal("250ms 后应已到期")
	}
	if timer.IsRunning() {
		t.Fatal("到期后不应再运行")
	}
}

func TestResettableTimer_ZeroTimeout(t *testing.T) {
	timer := NewResettableTimer(0)
	timer.Start()
	if !timer.IsExpired() {
		t.Error("timeout=0 应在 Start 后立即到期")
	}
}

func TestResettableTimer_StopClearsExpiry(t *testing.T) {
	timer := NewResettableTimer(time.Millisecond)
	timer.Start()
	time.Sleep(5 * time.Millisecond)
	if !timer.IsExpired() {
		t.Fatal("应已到期")
	}
	timer.Stop()
	if timer.IsExpired() || timer.IsRunning() {
		t.Error("Stop 后既不运行也不到期")
	}
	if timer.Remaining() != 0 {
		t.Error("停止的定时器剩余时间应为0")
	}
}

func TestResettableTimer_RestartAndSetTimeout(t *testing.T) {
	timer := NewResettableTimer(20 * time.Millisecond)
	timer.Start()
	time.Sleep(30 * time.Millisecond)
	if !timer.IsExpired() {
		t.Fatal("应已到期")
	}

	timer.SetTimeout(time.Second)
	timer.Restart()
	if timer.IsExpired() {
		t.Error("Restart 后应清除到期状态")
	}
	if timer.Timeout() != time.Second {
		t.Errorf("Timeout() = %v", timer.Timeout())
	}
	if r := timer.Remaining(); r <= 0 || r > time.Second {
		t.Errorf("Remaining() = %v", r)
	}
}

func TestResettableTimer_NeverStarted(t *testing.T) {
	timer := NewResettableTimer(time.Millisecond)
	time.Sleep(2 * time.Millisecond)
	if timer.IsExpired() || timer.IsRunning() {
		t.Error("未启动的定时器不会到期")
	}
	if timer.Elapsed() != 0 {
		t.Error("未启动的定时器 Elapsed 应为0")
	}
}
