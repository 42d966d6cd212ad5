package udsclient

import (
	"context"
	"fmt"

	"github.com/LoveWonYoung/udsstack/firmware"
	"github.com/LoveWonYoung/udsstack/tp"
)

// DownloadOptions 控制固件下载
type DownloadOptions struct {
	// DataFormat 是 dataFormatIdentifier，0x00 表示不压缩不加密
	DataFormat byte
	// AddressWidth, LengthWidth 组成 addressAndLengthFormatIdentifier，默认 4/4
	AddressWidth int
	LengthWidth  int
	// Progress 在每个 TransferData 之后调用
	Progress func(sent, total int)
}

func (o *DownloadOptions) normalize() {
	if o.AddressWidth <= 0 || o.AddressWidth > 4 {
		o.AddressWidth = 4
	}
	if o.LengthWidth <= 0 || o.LengthWidth > 4 {
		o.LengthWidth = 4
	}
}

// RequestDownload 请求下载并返回 ECU 接受的最大块长度 (maxNumberOfBlockLength，含 SID 和块序号)
func (c *Client) RequestDownload(ctx context.Context, addr uint32, size uint32, opts DownloadOptions) (int, error) {
	opts.normalize()
	alfid := byte(opts.LengthWidth<<4 | opts.AddressWidth)
	req := []byte{SIDRequestDownload, opts.DataFormat, alfid}
	req = append(req, firmware.EncodeUint(addr, opts.AddressWidth)...)
	req = append(req, firmware.EncodeUint(size, opts.LengthWidth)...)

	resp, err := c.request(ctx, req)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, fmt.Errorf("%w: RequestDownload 响应缺少 lengthFormatIdentifier", ErrUnexpectedResponse)
	}
	n := int(resp[1] >> 4)
	if n == 0 || len(resp) < 2+n {
		return 0, fmt.Errorf("%w: RequestDownload 响应长度错误", ErrUnexpectedResponse)
	}
	maxBlock := int(firmware.DecodeUint(resp[2 : 2+n]))
	if maxBlock < 3 {
		return 0, fmt.Errorf("%w: maxNumberOfBlockLength=%d", ErrUnexpectedResponse, maxBlock)
	}
	// 一个 TransferData 请求必须放进一条 ISO-TP 报文
	if maxBlock > tp.MaxPayloadLength {
		maxBlock = tp.MaxPayloadLength
	}
	return maxBlock, nil
}

// TransferData 发送一个数据块，返回 transferResponseParameterRecord
func (c *Client) TransferData(ctx context.Context, counter byte, block []byte) ([]byte, error) {
	req := append([]byte{SIDTransferData, counter}, block...)
	resp, err := c.request(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := expectEcho(req, resp, 1); err != nil {
		return nil, err
	}
	return resp[2:], nil
}

func (c *Client) RequestTransferExit(ctx context.Context) ([]byte, error) {
	resp, err := c.request(ctx, []byte{SIDRequestTransferExit})
	if err != nil {
		return nil, err
	}
	return resp[1:], nil
}

// Download 把固件逐段下载到 ECU：每段 RequestDownload，
// 按 ECU 允许的块长度 TransferData (块序号 1..255,0,1...)，最后 RequestTransferExit。
func (c *Client) Download(ctx context.Context, img *firmware.Image, opts DownloadOptions) error {
	total := img.Size()
	sent := 0
	for _, seg := range img.Segments() {
		maxBlock, err := c.RequestDownload(ctx, seg.Address, uint32(len(seg.Data)), opts)
		if err != nil {
			return fmt.Errorf("段 0x%08X RequestDownload: %w", seg.Address, err)
		}
		counter := byte(1)
		for _, chunk := range seg.Chunks(maxBlock - 2) {
			if _, err := c.TransferData(ctx, counter, chunk); err != nil {
				return fmt.Errorf("段 0x%08X 块 %d TransferData: %w", seg.Address, counter, err)
			}
			counter++
			sent += len(chunk)
			if opts.Progress != nil {
				opts.Progress(sent, total)
			}
		}
		if _, err := c.RequestTransferExit(ctx); err != nil {
			return fmt.Errorf("段 0x%08X RequestTransferExit: %w", seg.Address, err)
		}
		c.logger.Info("固件段下载完成", "address", fmt.Sprintf("0x%08X", seg.Address), "size", len(seg.Data))
	}
	return nil
}
