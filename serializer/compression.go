package serializer

import (
	"github.com/hendratommy/amqpbus/envelope"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

const (
	HeaderCompression = "X-Compression"
	CompressionZstd   = "zstd"
)

// Compression wraps a Serializer and compresses encoded bodies with zstd.
// Bodies without the compression header are decoded as they are.
type Compression struct {
	inner   Serializer
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func Compressed(inner Serializer) (*Compression, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create zstd encoder")
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create zstd decoder")
	}

	return &Compression{inner: inner, encoder: encoder, decoder: decoder}, nil
}

func (c *Compression) Encode(env envelope.Envelope) (Encoded, error) {
	encoded, err := c.inner.Encode(env)
	if err != nil {
		return Encoded{}, err
	}

	headers := make(map[string]string, len(encoded.Headers)+1)
	for k, v := range encoded.Headers {
		headers[k] = v
	}
	headers[HeaderCompression] = CompressionZstd

	return Encoded{
		Body:    c.encoder.EncodeAll(encoded.Body, nil),
		Headers: headers,
	}, nil
}

func (c *Compression) Decode(encoded Encoded) (envelope.Envelope, error) {
	if encoded.Headers[HeaderCompression] != CompressionZstd {
		return c.inner.Decode(encoded)
	}

	body, err := c.decoder.DecodeAll(encoded.Body, nil)
	if err != nil {
		return envelope.Envelope{}, errors.Wrap(err, "cannot decompress message body")
	}

	headers := make(map[string]string, len(encoded.Headers))
	for k, v := range encoded.Headers {
		if k != HeaderCompression {
			headers[k] = v
		}
	}

	return c.inner.Decode(Encoded{Body: body, Headers: headers})
}

// Close releases the decoder's resources.
func (c *Compression) Close() {
	c.decoder.Close()
}
