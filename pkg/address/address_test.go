package address

import (
	"bytes"
	"strings"
	"testing"

	"github.com/baaaht/mqbus/pkg/bencode"
	"github.com/baaaht/mqbus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeKnownVectors(t *testing.T) {
	assert.Equal(t, "6n9hq.loki", Encode([]byte{0xf0, 0xbf, 0xc7}))
	assert.Equal(t, "4t7ye.loki", Encode([]byte{0xd4, 0x7a, 0x04}))
	assert.Equal(t, strings.Repeat("y", 52)+".loki", Encode(make([]byte, PubKeySize)))
}

func TestResolve(t *testing.T) {
	key := bytes.Repeat([]byte{0xf0, 0xbf, 0xc7, 0x01}, 8)
	payload := Payload(key)

	v, _, err := bencode.Decode(payload)
	require.NoError(t, err)

	addr, err := Resolve(v)
	require.NoError(t, err)
	assert.Equal(t, Encode(key), addr)
	assert.True(t, strings.HasSuffix(addr, Suffix))
	assert.Len(t, strings.TrimSuffix(addr, Suffix), 52)

	viaBytes, err := ResolveBytes(payload)
	require.NoError(t, err)
	assert.Equal(t, addr, viaBytes)
}

func TestResolveMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not a dict", "4:spam"},
		{"missing outer key", "d1:xd1:s3:keyee"},
		{"outer not a dict", "d1:s3:keye"},
		{"missing inner key", "d1:sd1:x3:keyee"},
		{"inner not a string", "d1:sd1:si5eee"},
		{"inner is a list", "d1:sd1:sle1:xi1eee"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveBytes([]byte(tt.payload))
			require.Error(t, err)
			assert.True(t, types.IsErrCode(err, types.ErrCodeMalformedAddress), "got %v", err)
		})
	}
}

func TestResolveBytesKeepsDecodeErrors(t *testing.T) {
	_, err := ResolveBytes([]byte("d1:sd1:s5:ab"))
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidEncoding))
	assert.False(t, types.IsErrCode(err, types.ErrCodeMalformedAddress))
}

func TestParseRoundTrip(t *testing.T) {
	key := make([]byte, PubKeySize)
	for i := range key {
		key[i] = byte(i * 7)
	}
	addr := Encode(key)

	parsed, err := Parse(addr)
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	parsed, err = Parse(strings.ToUpper(strings.TrimSuffix(addr, Suffix)) + Suffix)
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{
		"dq3j4dj99w6wi4t4yjnya8sxtqr1rojt8jgnn6467o6aoenm3o3o.eth",
		"!!!.loki",
		"6n9hq.loki",
	} {
		_, err := Parse(in)
		assert.True(t, types.IsErrCode(err, types.ErrCodeMalformedAddress), in)
	}
}
