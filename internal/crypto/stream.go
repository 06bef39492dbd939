package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// Overhead 每个密文比明文多出的字节数 (头部 IV)
const Overhead = aes.BlockSize

// KeyFromPassword 将任意长度密码转换为 32 字节的 AES-256 密钥
func KeyFromPassword(password string) []byte {
	hash := sha256.Sum256([]byte(password))
	return hash[:]
}

// NewEncryptReader 创建一个加密读取流
// 输出格式: [16字节随机IV] + [AES-CTR加密内容]
func NewEncryptReader(src io.Reader, key []byte) (io.Reader, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("无效的密钥: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("生成 IV 失败: %w", err)
	}

	return io.MultiReader(
		bytes.NewReader(iv),
		&cipher.StreamReader{S: cipher.NewCTR(block, iv), R: src},
	), nil
}

// NewDecryptReader 创建一个解密读取流，src 开头必须包含 IV
func NewDecryptReader(src io.Reader, key []byte) (io.Reader, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("无效的密钥: %w", err)
	}

	// 预读 16 字节，剩下的才是密文正文
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(src, iv); err != nil {
		return nil, fmt.Errorf("读取 IV 失败或文件太短: %w", err)
	}

	// CTR 模式下加密和解密逻辑一样
	return &cipher.StreamReader{S: cipher.NewCTR(block, iv), R: src}, nil
}
