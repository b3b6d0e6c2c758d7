// Package compression encodes slot snapshots shipped between data nodes. The
// first byte of an encoded payload names its codec, so a receiver decodes
// whatever the sender was configured with.
package compression

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/golang/snappy"

	"clusterdb/pkg/dberrors"
)

type Codec byte

const (
	None Codec = iota
	Snappy
	Zstd
	Gzip
)

var codecNames = map[Codec]string{
	None:   "none",
	Snappy: "snappy",
	Zstd:   "zstd",
	Gzip:   "gzip",
}

func (c Codec) String() string {
	if name, ok := codecNames[c]; ok {
		return name
	}
	return fmt.Sprintf("codec(%d)", byte(c))
}

// ParseCodec maps a config name to its codec.
func ParseCodec(name string) (Codec, error) {
	for c, n := range codecNames {
		if strings.EqualFold(n, name) {
			return c, nil
		}
	}
	return None, fmt.Errorf("%w: unknown codec %q", dberrors.ErrInvalidArgument, name)
}

// MaxDecodedSize bounds the payload Decode is willing to inflate.
const MaxDecodedSize uint64 = 1 << 30

func errTooLarge(limit uint64) error {
	return fmt.Errorf("%w: decoded payload exceeds %d bytes", dberrors.ErrInvalidArgument, limit)
}

// Encode compresses data with c and prefixes the codec id.
func Encode(c Codec, data []byte) ([]byte, error) {
	switch c {
	case None:
		return append([]byte{byte(None)}, data...), nil
	case Snappy:
		return append([]byte{byte(Snappy)}, snappy.Encode(nil, data)...), nil
	case Zstd, Gzip:
		var buf bytes.Buffer
		buf.WriteByte(byte(c))
		if err := compressTo(c, &buf, data); err != nil {
			return nil, fmt.Errorf("%s encode: %w", c, err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", dberrors.ErrInvalidArgument, byte(c))
	}
}

// Decode reverses Encode, refusing payloads that inflate past MaxDecodedSize.
func Decode(data []byte) ([]byte, error) {
	return DecodeMax(data, MaxDecodedSize)
}

// DecodeMax is Decode with an explicit bound on the decoded size.
func DecodeMax(data []byte, limit uint64) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", dberrors.ErrInvalidArgument)
	}
	c, body := Codec(data[0]), data[1:]

	switch c {
	case None:
		if uint64(len(body)) > limit {
			return nil, errTooLarge(limit)
		}
		return bytes.Clone(body), nil
	case Snappy:
		n, err := snappy.DecodedLen(body)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		if uint64(n) > limit {
			return nil, errTooLarge(limit)
		}
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		return out, nil
	case Zstd, Gzip:
		out, err := decompress(c, body, limit)
		if err != nil {
			return nil, fmt.Errorf("%s decode: %w", c, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", dberrors.ErrInvalidArgument, byte(c))
	}
}
