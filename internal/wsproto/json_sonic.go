//go:build sonic

package wsproto

import "github.com/bytedance/sonic"

var (
	jsonMarshal   = sonic.ConfigStd.Marshal
	jsonUnmarshal = sonic.ConfigStd.Unmarshal
)
