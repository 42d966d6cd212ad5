package udsclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/avast/retry-go/v4"

	"github.com/LoveWonYoung/udsstack/codec"
)

// Call 按服务描述编码请求、发送并解码正响应。负响应转换为
// *NegativeResponseError；NRC 0x21 (忙) 按 WithBusyRetry 的设置重试。
func (c *Client) Call(ctx context.Context, svc *codec.Service, params codec.Values) (codec.Values, error) {
	req, err := svc.EncodeRequest(params)
	if err != nil {
		return nil, err
	}

	attempts := c.busyRetries + 1
	var values codec.Values
	err = retry.Do(func() error {
		resp, err := c.Send(ctx, req, SendOptions{})
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if nrc, negative := svc.DecodeNegative(resp); negative {
			nerr := &NegativeResponseError{ServiceID: svc.SID, NRC: nrc}
			if nrc == NRCBusyRepeatRequest {
				return nerr
			}
			return retry.Unrecoverable(nerr)
		}
		v, err := svc.DecodePositive(resp)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		values = v
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(c.busyDelay),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("ECU 忙，重试", "service", svc.Name, "attempt", n+1, "err", err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", svc.Name, err)
	}
	return values, nil
}

// CallByName 在服务表中查找服务后调用
func (c *Client) CallByName(ctx context.Context, table *codec.Table, name string, params codec.Values) (codec.Values, error) {
	svc, ok := table.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("未知服务 %q", name)
	}
	return c.Call(ctx, svc, params)
}

// IsNegative 判断 err 是否为指定 NRC 的负响应
func IsNegative(err error, nrc byte) bool {
	var nerr *NegativeResponseError
	return errors.As(err, &nerr) && nerr.NRC == nrc
}
