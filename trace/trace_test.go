package trace

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LoveWonYoung/udsstack/tp"
)

var t0 = time.Unix(1700000000, 123456000)

func TestFormatCandump(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want string
	}{
		{"标准帧", Record{Time: t0, ID: 0x7E0, Data: []byte{0x02, 0x10, 0x03}}, "(1700000000.123456) can0 7E0#021003"},
		{"扩展帧", Record{Time: t0, ID: 0x18DA33F1, Extended: true, Data: []byte{0x02, 0x3E, 0x80}}, "(1700000000.123456) can0 18DA33F1#023E80"},
		{"FD BRS", Record{Time: t0, ID: 0x123, FD: true, BRS: true, Data: []byte{0xAA}}, "(1700000000.123456) can0 123##1AA"},
		{"空数据", Record{Time: t0, ID: 0x1}, "(1700000000.123456) can0 001#"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatCandump(tt.rec, "can0"))
		})
	}
}

func TestParseCandump(t *testing.T) {
	r, err := ParseCandump("(1700000000.123456) vcan0 7E8#065003003201F4")
	require.NoError(t, err)
	assert.True(t, r.Time.Equal(t0))
	assert.Equal(t, uint32(0x7E8), r.ID)
	assert.False(t, r.Extended)
	assert.Equal(t, []byte{0x06, 0x50, 0x03, 0x00, 0x32, 0x01, 0xF4}, r.Data)

	r, err = ParseCandump("18DAF133#02 7E 00")
	require.NoError(t, err)
	assert.True(t, r.Time.IsZero())
	assert.True(t, r.Extended)
	assert.Equal(t, []byte{0x02, 0x7E, 0x00}, r.Data)

	r, err = ParseCandump("(5.5) can1 123##0DEAD")
	require.NoError(t, err)
	assert.True(t, r.FD)
	assert.False(t, r.BRS)
	assert.Equal(t, time.Unix(5, 500_000_000), r.Time)

	for _, bad := range []string{"7E0 021003", "XYZ#00", "7E0#0G", "123##", "123##Z00", "FFFFFFFFF#00"} {
		_, err := ParseCandump(bad)
		assert.ErrorIs(t, err, ErrCandumpLine, bad)
	}
}

func TestCandumpRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewCandumpWriter(&buf, "")
	in := []Record{
		{Time: t0, ID: 0x7E0, Data: []byte{0x10, 0x14, 0x2E, 0xF1, 0x90, 0x57, 0x56, 0x57}},
		{Time: t0.Add(time.Millisecond), ID: 0x7E8, Data: []byte{0x30, 0x00, 0x00, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}},
		{Time: t0.Add(2 * time.Millisecond), ID: 0x18DA33F1, Extended: true, FD: true, BRS: true, Data: make([]byte, 12)},
	}
	for _, r := range in {
		require.NoError(t, w.WriteRecord(r))
	}
	text := "# captured by udsstack\n\n" + buf.String()

	out, err := ReadCandump(strings.NewReader(text))
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		assert.True(t, in[i].Time.Equal(out[i].Time), "record %d", i)
		out[i].Time = in[i].Time
		assert.Equal(t, in[i], out[i])
	}

	_, err = ReadCandump(strings.NewReader("7E0#00\nbroken\n"))
	assert.ErrorIs(t, err, ErrCandumpLine)
	assert.Contains(t, err.Error(), "line 2")
}

func TestCBOR(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewCBORWriter(&buf)
	require.NoError(t, err)

	in := []Record{
		{Time: t0, Dir: TX, ID: 0x7E0, Data: []byte{0x02, 0x3E, 0x00}},
		{Time: t0.Add(time.Microsecond), Dir: RX, ID: 0x7E8, Data: []byte{0x02, 0x7E, 0x00}, FD: true},
	}
	for _, r := range in {
		require.NoError(t, w.WriteRecord(r))
	}

	out, err := ReadAll(&buf)
	require.NoError(t, err)
	require.Len(t, out, 2)
	for i := range in {
		assert.True(t, in[i].Time.Equal(out[i].Time))
		assert.Equal(t, in[i].Dir, out[i].Dir)
		assert.Equal(t, in[i].ID, out[i].ID)
		assert.Equal(t, in[i].FD, out[i].FD)
		assert.Equal(t, in[i].Data, out[i].Data)
	}

	_, err = ReadAll(bytes.NewReader([]byte{0xA1}))
	assert.Error(t, err)
}

type memSink struct{ recs []Record }

func (m *memSink) WriteRecord(r Record) error {
	m.recs = append(m.recs, r)
	return nil
}

func TestRecorder(t *testing.T) {
	sink := &memSink{}
	rec := NewRecorder(sink, nil)
	rec.now = func() time.Time { return t0 }

	var forwarded []tp.CanMessage
	tap := rec.Tap(tp.ConnectorFunc(func(msg tp.CanMessage) error {
		if msg.ArbitrationID == 0x7FF {
			return errors.New("bus off")
		}
		forwarded = append(forwarded, msg)
		return nil
	}))

	require.NoError(t, tap.Transmit(tp.CanMessage{ArbitrationID: 0x7E0, Data: []byte{0x02, 0x3E, 0x00}}))
	assert.Error(t, tap.Transmit(tp.CanMessage{ArbitrationID: 0x7FF, Data: []byte{0x00}}))
	require.NoError(t, rec.OnFrame(tp.CanMessage{ArbitrationID: 0x7E8, Data: []byte{0x02, 0x7E, 0x00}}))

	assert.Len(t, forwarded, 1)
	assert.Equal(t, 2, rec.Count(), "发送失败的报文不记录")
	require.Len(t, sink.recs, 2)
	assert.Equal(t, TX, sink.recs[0].Dir)
	assert.Equal(t, RX, sink.recs[1].Dir)
	assert.Equal(t, tp.CanMessage{ArbitrationID: 0x7E8, Data: []byte{0x02, 0x7E, 0x00}}, sink.recs[1].Message())
}
