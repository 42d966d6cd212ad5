package tp

import "time"

// ResettableTimer tracks elapsed time against a timeout. Expiry is
// evaluated lazily on read; there is no background goroutine. Once expired
// the timer stops running until the next Start.
type ResettableTimer struct {
	startTime time.Time
	timeout   time.Duration
	running   bool
	expired   bool
}

func NewResettableTimer(timeout time.Duration) *ResettableTimer {
	return &ResettableTimer{timeout: timeout}
}

func (t *ResettableTimer) SetTimeout(timeout time.Duration) {
	t.timeout = timeout
}

func (t *ResettableTimer) Timeout() time.Duration {
	return t.timeout
}

func (t *ResettableTimer) Start() {
	t.startTime = time.Now()
	t.running = true
	t.expired = false
}

func (t *ResettableTimer) Restart() {
	t.Start()
}

func (t *ResettableTimer) Stop() {
	t.running = false
	t.expired = false
}

func (t *ResettableTimer) IsRunning() bool {
	t.check()
	return t.running
}

func (t *ResettableTimer) IsExpired() bool {
	t.check()
	return t.expired
}

// Elapsed is zero unless the timer is running.
func (t *ResettableTimer) Elapsed() time.Duration {
	if !t.running {
		return 0
	}
	return time.Since(t.startTime)
}

// Remaining returns how long until expiry, zero when stopped or expired.
func (t *ResettableTimer) Remaining() time.Duration {
	if !t.IsRunning() {
		return 0
	}
	remaining := t.timeout - time.Since(t.startTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (t *ResettableTimer) check() {
	if !t.running {
		return
	}
	if time.Since(t.startTime) > t.timeout || t.timeout == 0 {
		t.running = false
		t.expired = true
	}
}
