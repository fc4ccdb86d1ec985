package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试用小参数
var fastPIN = PINParams{Time: 1, Memory: 1024, Threads: 1, KeyLen: 16}

func TestPIN(t *testing.T) {
	hash, err := HashPINWithParams("4711", fastPIN)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=1024,t=1,p=1$"))

	other, err := HashPINWithParams("4711", fastPIN)
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "盐值应随机")

	tests := []struct {
		name    string
		pin     string
		encoded string
		want    error
	}{
		{"正确PIN", "4711", hash, nil},
		{"错误PIN", "0000", hash, ErrWrongPIN},
		{"空哈希", "4711", "", ErrInvalidHash},
		{"其他算法", "4711", "$2a$10$abcdefghijklmnopqrstuv", ErrInvalidHash},
		{"参数损坏", "4711", "$argon2id$v=19$m=x,t=1,p=1$c2FsdA$aGFzaA", ErrInvalidHash},
		{"版本不符", "4711", strings.Replace(hash, "v=19", "v=16", 1), ErrInvalidHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, VerifyPIN(tt.pin, tt.encoded), tt.want)
		})
	}
}
