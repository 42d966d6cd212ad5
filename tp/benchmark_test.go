package tp

import (
	"context"
	"testing"
	"time"
)

// BenchmarkTransport_Loopback measures multi-frame throughput between two
// transports wired back to back.
func BenchmarkTransport_Loopback(b *testing.B) {
	addr, err := NewAddress(Normal11Bit, WithTxID(0x1), WithRxID(0x2))
	if err != nil {
		b.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.StMin = 0

	bus1, bus2 := &recorder{}, &recorder{}
	t1, _ := NewTransport(addr, ConnectorFunc(func(msg CanMessage) error { return bus1.peer.OnFrame(msg) }), cfg)
	t2, _ := NewTransport(addr.Swapped(), ConnectorFunc(func(msg CanMessage) error { return bus2.peer.OnFrame(msg) }), cfg)
	bus1.peer, bus2.peer = t2, t1

	ctx := context.Background()
	payload := make([]byte, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		done := make(chan error, 1)
		go func() {
			_, err := t1.Encode(ctx, payload, false)
			done <- err
		}()
		if _, err := t2.Decode(ctx, time.Second); err != nil {
			b.Fatal(err)
		}
		if err := <-done; err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParseFrame(b *testing.B) {
	frame := []byte{0x10, 0x64, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	for i := 0; i < b.N; i++ {
		if _, err := ParseFrame(frame); err != nil {
			b.Fatal(err)
		}
	}
}
