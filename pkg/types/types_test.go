package types

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsErrCodeWalksChain(t *testing.T) {
	inner := NewError(ErrCodeInvalidEncoding, "truncated string")
	outer := WrapError(ErrCodeMalformedAddress, "cannot resolve", inner)
	wrapped := fmt.Errorf("bridge: %w", outer)

	assert.True(t, IsErrCode(wrapped, ErrCodeMalformedAddress))
	assert.True(t, IsErrCode(wrapped, ErrCodeInvalidEncoding))
	assert.False(t, IsErrCode(wrapped, ErrCodeTimeout))
	assert.False(t, IsErrCode(nil, ErrCodeTimeout))
	assert.Equal(t, ErrCodeMalformedAddress, GetErrorCode(wrapped))
	assert.Equal(t, "", GetErrorCode(fmt.Errorf("plain")))
}

func TestErrorString(t *testing.T) {
	err := NewError(ErrCodeTimeout, "request timed out")
	assert.Equal(t, "TIMEOUT: request timed out", err.Error())

	wrapped := WrapError(ErrCodeInternal, "dial", fmt.Errorf("refused"))
	assert.Equal(t, "INTERNAL: dial: refused", wrapped.Error())
}

func TestAuthLevelOrdering(t *testing.T) {
	assert.True(t, AuthAdmin.Satisfies(AuthBasic))
	assert.True(t, AuthBasic.Satisfies(AuthBasic))
	assert.True(t, AuthNone.Satisfies(AuthNone))
	assert.False(t, AuthNone.Satisfies(AuthBasic))
	assert.False(t, AuthBasic.Satisfies(AuthAdmin))
}

func TestParseAuthLevel(t *testing.T) {
	tests := []struct {
		in   string
		want AuthLevel
	}{
		{"none", AuthNone},
		{"", AuthNone},
		{"Basic", AuthBasic},
		{" admin ", AuthAdmin},
	}
	for _, tt := range tests {
		got, err := ParseAuthLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseAuthLevel("root")
	assert.True(t, IsErrCode(err, ErrCodeInvalidArgument))

	var lvl AuthLevel
	require.NoError(t, lvl.UnmarshalText([]byte("admin")))
	assert.Equal(t, AuthAdmin, lvl)
	text, err := lvl.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "admin", string(text))
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"command", Envelope{Kind: KindCommand, Name: "x.y"}, false},
		{"command with tag", Envelope{Kind: KindCommand, Name: "x.y", Tag: "1"}, true},
		{"request", Envelope{Kind: KindRequest, Name: "x.y", Tag: "1"}, false},
		{"request without tag", Envelope{Kind: KindRequest, Name: "x.y"}, true},
		{"request without name", Envelope{Kind: KindRequest, Tag: "1"}, true},
		{"reply", Envelope{Kind: KindReply, Tag: "1"}, false},
		{"reply without tag", Envelope{Kind: KindReply}, true},
		{"unknown kind", Envelope{Kind: 9, Name: "x.y"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	failed := Envelope{Kind: KindReply, Tag: "1", Status: ErrCodeTimeout}
	assert.True(t, failed.Failed())
}
