package serializer

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/vmihailenco/msgpack/v5"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshaler turns a message payload into bytes and back.
type Marshaler interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// JsonMarshaler use [jsoniter](github.com/json-iterator/go) to perform Marshal and Unmarshal
type JsonMarshaler struct{}

func (m JsonMarshaler) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (m JsonMarshaler) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// MsgPackMarshaler use [msgpack](github.com/vmihailenco/msgpack) to perform Marshal and Unmarshal
type MsgPackMarshaler struct{}

func (m MsgPackMarshaler) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (m MsgPackMarshaler) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
