package client

import (
	"bytes"
	"io"
)

func newBodyReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}
