package index

import (
	"bytes"
	"compress/bzip2"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/proxmox/proxmox-offline-mirror/checksum"
	"github.com/proxmox/proxmox-offline-mirror/pomerror"
)

// Decompress inflates data according to compression, wrapped the way
// klauspost/compress wraps gzip.Reader in the pack's other archive
// consumers. CompressionNone is a no-op passthrough.
func Decompress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return data, nil

	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, pomerror.Wrap(pomerror.KindFormat, "index.decompress", err)
		}
		defer r.Close()

		out, err := io.ReadAll(r)
		if err != nil {
			return nil, pomerror.Wrap(pomerror.KindFormat, "index.decompress", err)
		}

		return out, nil

	case CompressionBzip2:
		out, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, pomerror.Wrap(pomerror.KindFormat, "index.decompress", err)
		}

		return out, nil

	case CompressionXZ:
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, pomerror.Wrap(pomerror.KindFormat, "index.decompress", err)
		}

		out, err := io.ReadAll(r)
		if err != nil {
			return nil, pomerror.Wrap(pomerror.KindFormat, "index.decompress", err)
		}

		return out, nil

	default:
		return nil, pomerror.Wrap(pomerror.KindFormat, "index.decompress", pomerror.ErrUnknownCompression)
	}
}

// VerifyChecksums recomputes every present hash in ref.Checksums
// against data, following C3's CheckSums::verify contract.
func VerifyChecksums(data []byte, ref FileRef) error {
	return pomerror.Wrap(pomerror.KindIntegrity, "index.verify_checksums", checksum.Verify(data, ref.Checksums))
}
