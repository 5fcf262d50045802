package kvdict

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeDocument encodes v as a msgpack record body. Map keys are sorted, so
// equal documents encode to equal bytes.
func EncodeDocument(v any) ([]byte, error) {
	return encodeMsgPack(nil, v)
}

// DecodeDocument decodes a msgpack record body into ptr.
func DecodeDocument(data []byte, ptr any) error {
	return decodeMsgPack(data, ptr)
}

func encodeMsgPack(buf []byte, v any) ([]byte, error) {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.ResetDict(&bb, nil)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
	}
	return bb.Buf, nil
}

func decodeMsgPack(data []byte, ptr any) error {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	err := dec.Decode(ptr)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(data, 0, err, "failed to decode msgpack into %T", ptr)
	}
	return nil
}
