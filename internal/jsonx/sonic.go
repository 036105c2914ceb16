// Package jsonx provides high-performance JSON serialization using Sonic.
// The task envelope, webhook payloads, and graph property maps all pass
// through here on the hot path.
package jsonx

import (
	"io"

	"github.com/bytedance/sonic"
)

// Marshal returns the JSON encoding of v using Sonic.
func Marshal(v interface{}) ([]byte, error) {
	return sonic.Marshal(v)
}

// Unmarshal parses the JSON-encoded data and stores the result
// in the value pointed to by v using Sonic.
func Unmarshal(data []byte, v interface{}) error {
	return sonic.Unmarshal(data, v)
}

// MarshalToString is like Marshal but returns the JSON as a string,
// avoiding the []byte-to-string copy.
func MarshalToString(v interface{}) (string, error) {
	return sonic.MarshalString(v)
}

// UnmarshalFromString parses the JSON string and stores the result in v.
func UnmarshalFromString(data string, v interface{}) error {
	return sonic.UnmarshalString(data, v)
}

// Valid reports whether data is a valid JSON encoding.
func Valid(data []byte) bool {
	return sonic.Valid(data)
}

// Decode reads everything from r and unmarshals it into v. Used by the
// ingress handlers in place of json.NewDecoder(r).Decode(v).
func Decode(r io.Reader, v interface{}) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(data, v)
}

// Encode marshals v and writes it to w followed by a newline.
func Encode(w io.Writer, v interface{}) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
