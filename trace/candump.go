package trace

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrCandumpLine = errors.New("trace: 无效的 candump 行")

// FormatCandump 输出 candump -l 格式: (1700000000.123456) can0 7E0#021003。
// CAN-FD 帧使用 ID##<flags><data>，flags bit0 为 BRS。
func FormatCandump(r Record, iface string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "(%d.%06d) %s ", r.Time.Unix(), r.Time.Nanosecond()/1000, iface)
	if r.Extended {
		fmt.Fprintf(&b, "%08X", r.ID)
	} else {
		fmt.Fprintf(&b, "%03X", r.ID)
	}
	if r.FD {
		flags := 0
		if r.BRS {
			flags |= 1
		}
		fmt.Fprintf(&b, "##%X", flags)
	} else {
		b.WriteByte('#')
	}
	fmt.Fprintf(&b, "%X", r.Data)
	return b.String()
}

// ParseCandump 解析一行 candump 输出，时间戳和接口名可以省略
func ParseCandump(line string) (Record, error) {
	var r Record
	line = strings.TrimSpace(line)
	idxHash := strings.Index(line, "#")
	if idxHash == -1 {
		return r, fmt.Errorf("%w: no # separator found", ErrCandumpLine)
	}

	idPart := strings.TrimSpace(line[:idxHash])
	if ts, err := parseTimestamp(idPart); err == nil {
		r.Time = ts
	}
	if idx := strings.LastIndex(idPart, ")"); idx != -1 {
		idPart = strings.TrimSpace(idPart[idx+1:])
	}
	if idx := strings.LastIndex(idPart, " "); idx != -1 {
		idPart = idPart[idx+1:]
	}
	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil || id > 0x1FFFFFFF {
		return r, fmt.Errorf("%w: ID %q", ErrCandumpLine, idPart)
	}
	r.ID = uint32(id)
	r.Extended = len(idPart) > 3

	payloadHex := line[idxHash+1:]
	if strings.HasPrefix(payloadHex, "#") {
		if len(payloadHex) < 2 {
			return r, fmt.Errorf("%w: missing FD flags", ErrCandumpLine)
		}
		flags, err := strconv.ParseUint(payloadHex[1:2], 16, 8)
		if err != nil {
			return r, fmt.Errorf("%w: FD flags: %v", ErrCandumpLine, err)
		}
		r.FD = true
		r.BRS = flags&1 != 0
		payloadHex = payloadHex[2:]
	}
	payloadHex = strings.ReplaceAll(payloadHex, " ", "")
	if r.Data, err = hex.DecodeString(payloadHex); err != nil {
		return r, fmt.Errorf("%w: %v", ErrCandumpLine, err)
	}
	return r, nil
}

// parseTimestamp 解析 "(秒.微秒)" 前缀
func parseTimestamp(s string) (time.Time, error) {
	start := strings.Index(s, "(")
	end := strings.Index(s, ")")
	if start == -1 || end == -1 || start > end {
		return time.Time{}, fmt.Errorf("could not parse timestamp")
	}
	tsStr := s[start+1 : end]
	sec, frac, ok := strings.Cut(tsStr, ".")
	secs, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	var nanos int64
	if ok && frac != "" {
		if len(frac) > 9 {
			return time.Time{}, fmt.Errorf("timestamp fraction too long")
		}
		f, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		nanos = f * int64(math.Pow10(9-len(frac)))
	}
	return time.Unix(secs, nanos), nil
}

// CandumpWriter 把记录逐行写成 candump 文本
type CandumpWriter struct {
	w     io.Writer
	iface string
}

func NewCandumpWriter(w io.Writer, iface string) *CandumpWriter {
	if iface == "" {
		iface = "can0"
	}
	return &CandumpWriter{w: w, iface: iface}
}

func (c *CandumpWriter) WriteRecord(r Record) error {
	_, err := io.WriteString(c.w, FormatCandump(r, c.iface)+"\n")
	return err
}

// ReadCandump 读取 candump 文本，跳过空行和 # 开头的注释
func ReadCandump(rd io.Reader) ([]Record, error) {
	var out []Record
	scanner := bufio.NewScanner(rd)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r, err := ParseCandump(line)
		if err != nil {
			return out, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, r)
	}
	return out, scanner.Err()
}
