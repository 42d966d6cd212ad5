package udsclient

import (
	"errors"
	"fmt"
)

// UDS 负响应码 (Negative Response Code)
const (
	NRCGeneralReject                          = 0x10 // 一般拒绝
	NRCServiceNotSupported                    = 0x11 // 服务不支持
	NRCSubFunctionNotSupported                = 0x12 // 子功能不支持
	NRCIncorrectMessageLength                 = 0x13 // 消息长度错误
	NRCResponseTooLong                        = 0x14 // 响应过长
	NRCBusyRepeatRequest                      = 0x21 // 忙，请重复请求
	NRCConditionsNotCorrect                   = 0x22 // 条件不满足
	NRCRequestSequenceError                   = 0x24 // 请求顺序错误
	NRCNoResponseFromSubnetComponent          = 0x25 // 子网组件无响应
	NRCFailurePreventsExecution               = 0x26 // 故障阻止执行
	NRCRequestOutOfRange                      = 0x31 // 请求超出范围
	NRCSecurityAccessDenied                   = 0x33 // 安全访问被拒绝
	NRCInvalidKey                             = 0x35 // 无效密钥
	NRCExceedNumberOfAttempts                 = 0x36 // 超过尝试次数
	NRCRequiredTimeDelayNotExpired            = 0x37 // 所需时间延迟未过期
	NRCUploadDownloadNotAccepted              = 0x70 // 上传/下载不接受
	NRCTransferDataSuspended                  = 0x71 // 传输数据暂停
	NRCGeneralProgrammingFailure              = 0x72 // 一般编程失败
	NRCWrongBlockSequenceCounter              = 0x73 // 块序号计数器错误
	NRCResponsePending                        = 0x78 // 响应挂起
	NRCSubFunctionNotSupportedInActiveSession = 0x7E // 子功能在当前会话不支持
	NRCServiceNotSupportedInActiveSession     = 0x7F // 服务在当前会话不支持
)

const (
	negativeResponseSID = 0x7F
	positiveOffset      = 0x40
)

var (
	ErrEmptyRequest       = errors.New("请求 payload 不能为空")
	ErrUnexpectedResponse = errors.New("响应与请求不匹配")
	ErrClosed             = errors.New("UDS 客户端已关闭")
)

// NegativeResponseError 表示 UDS 负响应错误
type NegativeResponseError struct {
	ServiceID byte // 原始服务 ID
	NRC       byte // 负响应码
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("UDS 负响应: SID=0x%02X, NRC=0x%02X (%s)", e.ServiceID, e.NRC, NRCDescription(e.NRC))
}

// IsRetryable 判断该错误是否可以重试
func (e *NegativeResponseError) IsRetryable() bool {
	switch e.NRC {
	case NRCBusyRepeatRequest, NRCResponsePending:
		return true
	default:
		return false
	}
}

// nrcDescriptions 缓存 NRC 错误描述
var nrcDescriptions = map[byte]string{
	NRCGeneralReject:                          "一般拒绝",
	NRCServiceNotSupported:                    "服务不支持",
	NRCSubFunctionNotSupported:                "子功能不支持",
	NRCIncorrectMessageLength:                 "消息长度错误",
	NRCResponseTooLong:                        "响应过长",
	NRCBusyRepeatRequest:                      "忙，请重复请求",
	NRCConditionsNotCorrect:                   "条件不满足",
	NRCRequestSequenceError:                   "请求顺序错误",
	NRCNoResponseFromSubnetComponent:          "子网组件无响应",
	NRCFailurePreventsExecution:               "故障阻止执行",
	NRCRequestOutOfRange:                      "请求超出范围",
	NRCSecurityAccessDenied:                   "安全访问被拒绝",
	NRCInvalidKey:                             "无效密钥",
	NRCExceedNumberOfAttempts:                 "超过尝试次数",
	NRCRequiredTimeDelayNotExpired:            "所需时间延迟未过期",
	NRCUploadDownloadNotAccepted:              "上传/下载不接受",
	NRCTransferDataSuspended:                  "传输数据暂停",
	NRCGeneralProgrammingFailure:              "一般编程失败",
	NRCWrongBlockSequenceCounter:              "块序号计数器错误",
	NRCResponsePending:                        "响应挂起",
	NRCSubFunctionNotSupportedInActiveSession: "子功能在当前会话不支持",
	NRCServiceNotSupportedInActiveSession:     "服务在当前会话不支持",
}

// NRCDescription 获取 NRC 错误描述
func NRCDescription(nrc byte) string {
	if desc, ok := nrcDescriptions[nrc]; ok {
		return desc
	}
	return "未知错误"
}

// IsResponsePending 判断是否为 [0x7F, sid, 0x78]
func IsResponsePending(resp []byte) bool {
	return len(resp) >= 3 && resp[0] == negativeResponseSID && resp[2] == NRCResponsePending
}

// checkResponse 把负响应转换为 *NegativeResponseError，并验证正响应 SID
func checkResponse(sid byte, resp []byte) error {
	if len(resp) == 0 {
		return fmt.Errorf("%w: 空响应 (SID=0x%02X)", ErrUnexpectedResponse, sid)
	}
	if resp[0] == negativeResponseSID && len(resp) >= 3 && resp[1] == sid {
		return &NegativeResponseError{ServiceID: resp[1], NRC: resp[2]}
	}
	if resp[0] != sid+positiveOffset {
		return fmt.Errorf("%w: 期望 0x%02X, 收到 0x%02X", ErrUnexpectedResponse, sid+positiveOffset, resp[0])
	}
	return nil
}
