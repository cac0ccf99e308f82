package storage

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
)

type PayloadKind int

const (
	PayloadBytes PayloadKind = iota + 1
	PayloadBase64
	PayloadFile
	PayloadReader
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadBytes:
		return "bytes"
	case PayloadBase64:
		return "base64"
	case PayloadFile:
		return "file"
	case PayloadReader:
		return "reader"
	default:
		return "unknown"
	}
}

// Payload is the content handed to Storage.Save. Exactly one representation
// is set; use the constructors.
type Payload struct {
	kind PayloadKind
	data []byte
	text string
	path string
	r    io.Reader
	size int64
}

func Bytes(b []byte) Payload { return Payload{kind: PayloadBytes, data: b, size: int64(len(b))} }

func Base64(s string) Payload { return Payload{kind: PayloadBase64, text: s, size: -1} }

// File refers to content already on local disk.
func File(path string) Payload { return Payload{kind: PayloadFile, path: path, size: -1} }

// Reader streams content. size may be -1 when unknown.
func Reader(r io.Reader, size int64) Payload { return Payload{kind: PayloadReader, r: r, size: size} }

func (p Payload) Kind() PayloadKind { return p.kind }

// Open resolves the payload into a stream. The returned size is -1 when it
// cannot be known without reading.
func (p Payload) Open() (io.ReadCloser, int64, error) {
	switch p.kind {
	case PayloadBytes:
		return io.NopCloser(bytes.NewReader(p.data)), int64(len(p.data)), nil
	case PayloadBase64:
		b, err := base64.StdEncoding.DecodeString(p.text)
		if err != nil {
			return nil, 0, common.InvalidInput("payload is not valid base64")
		}
		return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
	case PayloadFile:
		f, err := os.Open(p.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, 0, common.NotFound(fmt.Sprintf("payload file %s not found", p.path))
			}
			return nil, 0, err
		}
		fi, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, 0, err
		}
		return f, fi.Size(), nil
	case PayloadReader:
		if p.r == nil {
			return nil, 0, common.InvalidInput("payload reader is nil")
		}
		if rc, ok := p.r.(io.ReadCloser); ok {
			return rc, p.size, nil
		}
		return io.NopCloser(p.r), p.size, nil
	default:
		return nil, 0, common.InvalidInput("empty payload")
	}
}

// PayloadFromJSON accepts the JSON shapes clients send content in: a base64
// string, an array of byte values, or a {"type":"Buffer","data":[...]}
// object.
func PayloadFromJSON(raw json.RawMessage) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Payload{}, common.InvalidInput("empty payload")
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Payload{}, common.InvalidInput("malformed payload string")
		}
		return Base64(s), nil
	case '[':
		return byteArray(raw)
	case '{':
		var wrapped struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil || wrapped.Type != "Buffer" {
			return Payload{}, common.InvalidInput("unsupported payload object")
		}
		return byteArray(wrapped.Data)
	default:
		return Payload{}, common.InvalidInput("unsupported payload shape")
	}
}

func byteArray(raw json.RawMessage) (Payload, error) {
	var values []int
	if err := json.Unmarshal(raw, &values); err != nil {
		return Payload{}, common.InvalidInput("malformed byte array")
	}
	b := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return Payload{}, common.InvalidInput(fmt.Sprintf("byte value %d out of range", v))
		}
		b[i] = byte(v)
	}
	return Bytes(b), nil
}
