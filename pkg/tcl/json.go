package tcl

import (
	"bytes"
	"os"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

const (
	// GzipCompressionType helps identify which compression/decompression to use.
	GzipCompressionType = "gzip"

	// ZstdCompressionType helps identify which compression/decompression to use.
	ZstdCompressionType = "zstd"

	// AesSymmetricType helps identity which encryption/decryption to use.
	AesSymmetricType = "aes"
)

// WrappedNotice is a plaintext envelope around a modified (compressed and/or encrypted) payload.
type WrappedNotice struct {
	NoticeID uuid.UUID   `json:"NoticeID"`
	Body     *ModdedBody `json:"Body"`
	Metadata string      `json:"Metadata"`
}

// ModdedBody is a payload with modifications and indicators of what was modified.
type ModdedBody struct {
	Encrypted   bool   `json:"Encrypted"`
	EType       string `json:"EncryptionType,omitempty"`
	Compressed  bool   `json:"Compressed"`
	CType       string `json:"CompressionType,omitempty"`
	UTCDateTime string `json:"UTCDateTime"`
	Data        []byte `json:"Data"`
}

// ConvertJSONFileToConfig opens a file.json and converts to LiteSeasoning.
// PoolConfig starts from DefaultPoolConfig so omitted fields keep their defaults.
func ConvertJSONFileToConfig(fileNamePath string) (*LiteSeasoning, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &LiteSeasoning{PoolConfig: DefaultPoolConfig("")}
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, config)

	return config, err
}

// ConvertYAMLFileToConfig opens a file.yaml and converts to LiteSeasoning.
func ConvertYAMLFileToConfig(fileNamePath string) (*LiteSeasoning, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &LiteSeasoning{PoolConfig: DefaultPoolConfig("")}
	err = yaml.Unmarshal(byteValue, config)

	return config, err
}

// ReadWrappedNoticeFromJSONBytes reads the bytes as a WrappedNotice.
func ReadWrappedNoticeFromJSONBytes(data []byte) (*WrappedNotice, error) {

	var json = jsoniter.ConfigFastest
	notice := &WrappedNotice{}
	if err := json.Unmarshal(data, notice); err != nil {
		return nil, err
	}

	return notice, nil
}

// CreatePayload creates a JSON marshal and optionally compresses and encrypts the bytes.
func CreatePayload(
	input interface{},
	compression *CompressionConfig,
	encryption *EncryptionConfig) ([]byte, error) {

	var json = jsoniter.ConfigFastest
	data, err := json.Marshal(&input)
	if err != nil {
		return nil, err
	}

	return modifyPayload(data, compression, encryption, nil)
}

// CreateWrappedPayload marshals input, applies the selected modifications, and wraps the result
// in a plaintext WrappedNotice recording what was done to it.
func CreateWrappedPayload(
	input interface{},
	noticeID uuid.UUID,
	metadata string,
	compression *CompressionConfig,
	encryption *EncryptionConfig) ([]byte, error) {

	var json = jsoniter.ConfigFastest
	innerData, err := json.Marshal(&input)
	if err != nil {
		return nil, err
	}

	wrapped := &WrappedNotice{
		NoticeID: noticeID,
		Metadata: metadata,
		Body:     &ModdedBody{},
	}

	innerData, err = modifyPayload(innerData, compression, encryption, wrapped.Body)
	if err != nil {
		return nil, err
	}

	wrapped.Body.UTCDateTime = time.Now().UTC().Format(time.RFC3339)
	wrapped.Body.Data = innerData

	return json.Marshal(wrapped)
}

func modifyPayload(data []byte, compression *CompressionConfig, encryption *EncryptionConfig, body *ModdedBody) ([]byte, error) {

	if compression != nil && compression.Enabled {
		buffer := &bytes.Buffer{}
		if err := handleCompression(compression, data, buffer); err != nil {
			return nil, err
		}

		data = buffer.Bytes()
		if body != nil {
			body.Compressed = true
			body.CType = compression.Type
		}
	}

	if encryption != nil && encryption.Enabled {
		buffer := &bytes.Buffer{}
		if err := handleEncryption(encryption, data, buffer); err != nil {
			return nil, err
		}

		data = buffer.Bytes()
		if body != nil {
			body.Encrypted = true
			body.EType = encryption.Type
		}
	}

	return data, nil
}

func handleCompression(compression *CompressionConfig, data []byte, buffer *bytes.Buffer) error {

	switch compression.Type {
	case ZstdCompressionType:
		return CompressWithZstd(data, buffer)
	case GzipCompressionType:
		fallthrough
	default:
		return CompressWithGzip(data, buffer)
	}
}

func handleEncryption(encryption *EncryptionConfig, data []byte, buffer *bytes.Buffer) error {

	switch encryption.Type {
	case AesSymmetricType:
		fallthrough
	default:
		data, err := EncryptWithAes(data, encryption.Hashkey, defaultNonceSize)
		if err != nil {
			return err
		}

		*buffer = *bytes.NewBuffer(data)

		return nil
	}
}

// ReadPayload decrypts and decompresses payloads in place.
func ReadPayload(buffer *bytes.Buffer, compression *CompressionConfig, encryption *EncryptionConfig) error {

	if encryption != nil && encryption.Enabled {
		if err := handleDecryption(encryption, buffer); err != nil {
			return err
		}
	}

	if compression != nil && compression.Enabled {
		if err := handleDecompression(compression, buffer); err != nil {
			return err
		}
	}

	return nil
}

func handleDecompression(compression *CompressionConfig, buffer *bytes.Buffer) error {

	switch compression.Type {
	case ZstdCompressionType:
		return DecompressWithZstd(buffer)
	case GzipCompressionType:
		fallthrough
	default:
		return DecompressWithGzip(buffer)
	}
}

func handleDecryption(encryption *EncryptionConfig, buffer *bytes.Buffer) error {

	switch encryption.Type {
	case AesSymmetricType:
		fallthrough
	default:
		data, err := DecryptWithAes(buffer.Bytes(), encryption.Hashkey, defaultNonceSize)
		if err != nil {
			return err
		}

		*buffer = *bytes.NewBuffer(data)

		return nil
	}
}
