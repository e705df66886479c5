package streaming

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype of the stream service. Clients select it
// per call and servers resolve it from the registry.
const CodecName = "pairdb-frame"

type wireMessage interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

type codec struct{}

func (codec) Name() string { return CodecName }

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("%s codec cannot marshal %T", CodecName, v)
	}
	return m.Marshal()
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("%s codec cannot unmarshal into %T", CodecName, v)
	}
	// grpc may reuse data after Unmarshal returns
	return m.Unmarshal(append([]byte(nil), data...))
}

func init() {
	encoding.RegisterCodec(codec{})
}
