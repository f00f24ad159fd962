package jsoncodec

import (
	"github.com/bytedance/sonic"
)

var (
	defaultConfig = sonic.ConfigStd
	strictConfig  = sonic.Config{
		CopyString:            true,
		ValidateString:        true,
		DisallowUnknownFields: true,
	}.Froze()
)

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalStrict is Unmarshal that rejects object keys with no matching field.
func UnmarshalStrict(data []byte, v any) error {
	return strictConfig.Unmarshal(data, v)
}
