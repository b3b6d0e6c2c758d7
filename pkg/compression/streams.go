package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// EncodeAll and DecodeAll are safe for concurrent use, so one encoder and one
// decoder serve every snapshot.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// compressTo appends data compressed with c to dst.
func compressTo(c Codec, dst *bytes.Buffer, data []byte) error {
	switch c {
	case Zstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return err
		}
		dst.Write(enc.EncodeAll(data, nil))
		return nil
	case Gzip:
		gz := gzip.NewWriter(dst)
		if _, err := gz.Write(data); err != nil {
			return err
		}
		return gz.Close()
	default:
		return fmt.Errorf("codec %s has no stream form", c)
	}
}

// decompress reverses compressTo, failing once the output grows past limit.
func decompress(c Codec, body []byte, limit uint64) ([]byte, error) {
	switch c {
	case Zstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, err
		}
		if uint64(len(out)) > limit {
			return nil, errTooLarge(limit)
		}
		return out, nil
	case Gzip:
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer gz.Close()

		var buf bytes.Buffer
		n, err := io.Copy(&buf, io.LimitReader(gz, int64(limit)+1))
		if err != nil {
			return nil, err
		}
		if uint64(n) > limit {
			return nil, errTooLarge(limit)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("codec %s has no stream form", c)
	}
}
