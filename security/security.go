// Package security computes SecurityAccess (0x27) keys from ECU seeds.
package security

import (
	"crypto/aes"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chmike/cmac-go"
)

var (
	ErrEmptySeed = errors.New("security: empty seed")
	ErrKeyLength = errors.New("security: invalid key length")
)

// KeyFunc 根据安全等级 (请求种子的奇数子功能) 和种子计算密钥
type KeyFunc func(level byte, seed []byte) ([]byte, error)

// CMAC 返回以 AES-CMAC(secret, seed) 作为密钥的算法，结果截取前 n 字节；
// n <= 0 或大于 16 时返回完整的 16 字节。
func CMAC(secret []byte, n int) (KeyFunc, error) {
	switch len(secret) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: AES key of %d bytes", ErrKeyLength, len(secret))
	}
	if n <= 0 || n > aes.BlockSize {
		n = aes.BlockSize
	}
	key := append([]byte(nil), secret...)
	return func(level byte, seed []byte) ([]byte, error) {
		if len(seed) == 0 {
			return nil, ErrEmptySeed
		}
		mac, err := Sum(key, seed)
		if err != nil {
			return nil, err
		}
		return mac[:n], nil
	}, nil
}

// Sum 计算 AES-CMAC
func Sum(key, msg []byte) ([]byte, error) {
	h, err := cmac.New(aes.NewCipher, key)
	if err != nil {
		return nil, err
	}
	h.Write(msg)
	return h.Sum(nil), nil
}

// Verify 以常数时间比较 CMAC，ECU 仿真端用它校验收到的密钥
func Verify(key, msg, mac []byte) bool {
	expected, err := Sum(key, msg)
	if err != nil || len(mac) == 0 || len(mac) > len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare(expected[:len(mac)], mac) == 1
}

// XOR 返回把种子与掩码逐字节异或的算法，掩码长度不足时循环使用
func XOR(mask []byte) KeyFunc {
	m := append([]byte(nil), mask...)
	return func(level byte, seed []byte) ([]byte, error) {
		if len(seed) == 0 {
			return nil, ErrEmptySeed
		}
		if len(m) == 0 {
			return nil, fmt.Errorf("%w: empty mask", ErrKeyLength)
		}
		key := make([]byte, len(seed))
		for i := range seed {
			key[i] = seed[i] ^ m[i%len(m)]
		}
		return key, nil
	}
}

// ParseKey 把 32 个十六进制字符 (可带空格) 转换为 16 字节的 AES 密钥
func ParseKey(hexStr string) ([]byte, error) {
	hexStr = strings.ReplaceAll(hexStr, " ", "")
	if len(hexStr) != 32 {
		return nil, fmt.Errorf("%w: input string must be 32 characters long", ErrKeyLength)
	}

	result := make([]byte, 16)
	for i := 0; i < 16; i++ {
		// 每两个字符组成一个字节
		byteStr := hexStr[i*2 : i*2+2]
		val, err := strconv.ParseUint(byteStr, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex string at position %d: %v", i, err)
		}
		result[i] = byte(val)
	}
	return result, nil
}
