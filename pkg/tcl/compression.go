package tcl

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// CompressWithZstd compresses data into buffer.
func CompressWithZstd(data []byte, buffer *bytes.Buffer) error {

	zstdWriter, err := zstd.NewWriter(buffer)
	if err != nil {
		return err
	}

	if _, err = zstdWriter.Write(data); err != nil {
		_ = zstdWriter.Close()
		return err
	}

	return zstdWriter.Close()
}

// DecompressWithZstd replaces the contents of buffer with their decompressed form.
func DecompressWithZstd(buffer *bytes.Buffer) error {

	zstdReader, err := zstd.NewReader(buffer)
	if err != nil {
		return err
	}
	defer zstdReader.Close()

	data, err := io.ReadAll(zstdReader)
	if err != nil {
		return err
	}

	*buffer = *bytes.NewBuffer(data)

	return nil
}

// CompressWithGzip compresses data into buffer.
func CompressWithGzip(data []byte, buffer *bytes.Buffer) error {

	gzipWriter := gzip.NewWriter(buffer)

	if _, err := gzipWriter.Write(data); err != nil {
		return err
	}

	return gzipWriter.Close()
}

// DecompressWithGzip replaces the contents of buffer with their decompressed form.
func DecompressWithGzip(buffer *bytes.Buffer) error {

	gzipReader, err := gzip.NewReader(buffer)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(gzipReader)
	if err != nil {
		return err
	}

	if err := gzipReader.Close(); err != nil {
		return err
	}

	*buffer = *bytes.NewBuffer(data)

	return nil
}
