package udsclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/jellydator/ttlcache/v3"

	"github.com/LoveWonYoung/udsstack/security"
)

// UDS 服务 ID
const (
	SIDDiagnosticSessionControl   byte = 0x10
	SIDECUReset                   byte = 0x11
	SIDClearDiagnosticInformation byte = 0x14
	SIDReadDTCInformation         byte = 0x19
	SIDReadDataByIdentifier       byte = 0x22
	SIDSecurityAccess             byte = 0x27
	SIDWriteDataByIdentifier      byte = 0x2E
	SIDRoutineControl             byte = 0x31
	SIDRequestDownload            byte = 0x34
	SIDTransferData               byte = 0x36
	SIDRequestTransferExit        byte = 0x37
	SIDTesterPresent              byte = 0x3E
)

const suppressPositiveResponse = 0x80

// ECU 复位类型
const (
	HardReset     byte = 0x01
	KeyOffOnReset byte = 0x02
	SoftReset     byte = 0x03
)

// 例程控制类型
const (
	StartRoutine          byte = 0x01
	StopRoutine           byte = 0x02
	RequestRoutineResults byte = 0x03
)

var serviceNames = map[byte]string{
	SIDDiagnosticSessionControl:   "DiagnosticSessionControl",
	SIDECUReset:                   "ECUReset",
	SIDClearDiagnosticInformation: "ClearDiagnosticInformation",
	SIDReadDTCInformation:         "ReadDTCInformation",
	SIDReadDataByIdentifier:       "ReadDataByIdentifier",
	SIDSecurityAccess:             "SecurityAccess",
	SIDWriteDataByIdentifier:      "WriteDataByIdentifier",
	SIDRoutineControl:             "RoutineControl",
	SIDRequestDownload:            "RequestDownload",
	SIDTransferData:               "TransferData",
	SIDRequestTransferExit:        "RequestTransferExit",
	SIDTesterPresent:              "TesterPresent",
}

// ServiceName 返回 SID 的服务名称
func ServiceName(sid byte) string {
	if name, ok := serviceNames[sid]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", sid)
}

// request 发送物理请求并要求正响应
func (c *Client) request(ctx context.Context, req []byte) ([]byte, error) {
	resp, err := c.Send(ctx, req, SendOptions{})
	if err != nil {
		return nil, err
	}
	if err := checkResponse(req[0], resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// expectEcho 检查正响应在 SID 之后回显了请求的前 n 个字节
func expectEcho(req, resp []byte, n int) error {
	if len(resp) < 1+n {
		return fmt.Errorf("%w: %s 响应过短 (%d 字节)", ErrUnexpectedResponse, ServiceName(req[0]), len(resp))
	}
	for i := 1; i <= n; i++ {
		if resp[i] != req[i] {
			return fmt.Errorf("%w: %s 响应第 %d 字节 0x%02X != 0x%02X", ErrUnexpectedResponse, ServiceName(req[0]), i, resp[i], req[i])
		}
	}
	return nil
}

// DiagnosticSessionControl 切换诊断会话并返回会话参数 (P2/P2* 时间)。
// ka 是新会话的保活要求，需要保活时客户端注册到调度器。
func (c *Client) DiagnosticSessionControl(ctx context.Context, session byte, ka KeepaliveRecord) ([]byte, error) {
	req := []byte{SIDDiagnosticSessionControl, session}
	resp, err := c.request(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := expectEcho(req, resp, 1); err != nil {
		return nil, err
	}
	c.session.setCurrent(session)
	c.session.SetKeepalive(session, ka)
	if ka.Required {
		c.schedulerOrShared().Register(c)
	}
	c.logger.Info("诊断会话已切换", "session", fmt.Sprintf("0x%02X", session), "keepalive", ka.Required)
	return resp[2:], nil
}

// TesterPresent 发送 0x3E。suppress 为 true 时不等待响应。
func (c *Client) TesterPresent(ctx context.Context, suppress bool) error {
	if suppress {
		_, err := c.Send(ctx, []byte{SIDTesterPresent, suppressPositiveResponse}, SendOptions{SuppressResponse: true})
		return err
	}
	req := []byte{SIDTesterPresent, 0x00}
	resp, err := c.request(ctx, req)
	if err != nil {
		return err
	}
	return expectEcho(req, resp, 1)
}

// ECUReset 复位 ECU，成功后会话回到默认会话
func (c *Client) ECUReset(ctx context.Context, resetType byte) error {
	req := []byte{SIDECUReset, resetType}
	resp, err := c.request(ctx, req)
	if err != nil {
		return err
	}
	if err := expectEcho(req, resp, 1); err != nil {
		return err
	}
	c.session.setCurrent(DefaultSession)
	c.ClearCache()
	return nil
}

// ReadDataByIdentifier 读取单个 DID，启用缓存时优先返回缓存值
func (c *Client) ReadDataByIdentifier(ctx context.Context, did uint16) ([]byte, error) {
	if c.didCache != nil {
		if item := c.didCache.Get(did); item != nil {
			return append([]byte(nil), item.Value()...), nil
		}
	}
	req := []byte{SIDReadDataByIdentifier, byte(did >> 8), byte(did)}
	resp, err := c.request(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := expectEcho(req, resp, 2); err != nil {
		return nil, err
	}
	data := append([]byte(nil), resp[3:]...)
	if c.didCache != nil {
		c.didCache.Set(did, data, ttlcache.DefaultTTL)
	}
	return append([]byte(nil), data...), nil
}

// ReadDataByIdentifiers 一次读取多个 DID。sizes 给出每个 DID 的数据长度，
// 最后一个 DID 可以不在 sizes 中，此时取剩余全部字节。结果不经过缓存。
func (c *Client) ReadDataByIdentifiers(ctx context.Context, dids []uint16, sizes map[uint16]int) (map[uint16][]byte, error) {
	if len(dids) == 0 {
		return nil, ErrEmptyRequest
	}
	req := []byte{SIDReadDataByIdentifier}
	for _, did := range dids {
		req = binary.BigEndian.AppendUint16(req, did)
	}
	resp, err := c.request(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(map[uint16][]byte, len(dids))
	offset := 1
	for i, did := range dids {
		if len(resp) < offset+2 || binary.BigEndian.Uint16(resp[offset:]) != did {
			return nil, fmt.Errorf("%w: 响应中缺少 DID 0x%04X", ErrUnexpectedResponse, did)
		}
		offset += 2
		size, ok := sizes[did]
		if !ok {
			if i != len(dids)-1 {
				return nil, fmt.Errorf("DID 0x%04X 未指定长度", did)
			}
			size = len(resp) - offset
		}
		if len(resp) < offset+size {
			return nil, fmt.Errorf("%w: DID 0x%04X 数据不足", ErrUnexpectedResponse, did)
		}
		out[did] = append([]byte(nil), resp[offset:offset+size]...)
		offset += size
	}
	return out, nil
}

// WriteDataByIdentifier 写入 DID 并使其缓存失效
func (c *Client) WriteDataByIdentifier(ctx context.Context, did uint16, data []byte) error {
	req := append([]byte{SIDWriteDataByIdentifier, byte(did >> 8), byte(did)}, data...)
	resp, err := c.request(ctx, req)
	if c.didCache != nil {
		c.didCache.Delete(did)
	}
	if err != nil {
		return err
	}
	return expectEcho(req, resp, 2)
}

// ClearCache 清空 DID 缓存
func (c *Client) ClearCache() {
	if c.didCache != nil {
		c.didCache.DeleteAll()
	}
}

// SecurityAccess 以奇数 level 请求种子，用 key 计算密钥后发送 level+1。
// 种子全为 0 表示已经解锁。
func (c *Client) SecurityAccess(ctx context.Context, level byte, key security.KeyFunc) error {
	if level%2 == 0 || level > 0x7D {
		return fmt.Errorf("安全等级 0x%02X 不是请求种子的子功能", level)
	}
	req := []byte{SIDSecurityAccess, level}
	resp, err := c.request(ctx, req)
	if err != nil {
		return err
	}
	if err := expectEcho(req, resp, 1); err != nil {
		return err
	}
	seed := resp[2:]
	if isZero(seed) {
		c.logger.Debug("安全访问已解锁", "level", level)
		return nil
	}
	k, err := key(level, seed)
	if err != nil {
		return fmt.Errorf("计算密钥失败: %w", err)
	}
	req = append([]byte{SIDSecurityAccess, level + 1}, k...)
	resp, err = c.request(ctx, req)
	if err != nil {
		return err
	}
	return expectEcho(req, resp, 1)
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// RoutineControl 控制例程并返回状态记录
func (c *Client) RoutineControl(ctx context.Context, control byte, routine uint16, option []byte) ([]byte, error) {
	req := append([]byte{SIDRoutineControl, control, byte(routine >> 8), byte(routine)}, option...)
	resp, err := c.request(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := expectEcho(req, resp, 3); err != nil {
		return nil, err
	}
	return resp[4:], nil
}

// ClearDiagnosticInformation 清除故障码，group 0xFFFFFF 表示全部
func (c *Client) ClearDiagnosticInformation(ctx context.Context, group uint32) error {
	req := []byte{SIDClearDiagnosticInformation, byte(group >> 16), byte(group >> 8), byte(group)}
	_, err := c.request(ctx, req)
	return err
}

// ReadDTCInformation 以 reportDTCByStatusMask (0x02) 读取故障码，
// 返回故障码和 ECU 支持的状态位掩码，故障码按编码排序。
func (c *Client) ReadDTCInformation(ctx context.Context, statusMask byte) ([]DTC, byte, error) {
	req := []byte{SIDReadDTCInformation, reportDTCByStatusMask, statusMask}
	resp, err := c.request(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	if err := expectEcho(req, resp, 1); err != nil {
		return nil, 0, err
	}
	if len(resp) < 3 {
		return nil, 0, fmt.Errorf("%w: 缺少状态可用掩码", ErrUnexpectedResponse)
	}
	dtcs, err := ParseDTCRecords(resp[3:])
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(dtcs, func(i, j int) bool { return dtcs[i].Code < dtcs[j].Code })
	return dtcs, resp[2], nil
}
