package query

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"
)

// Cursor marks the last task of a page. The next page resumes strictly after it in the
// query's ordering. Value holds the wire value of the ordering property; HasValue is
// false when that task had no such property.
type Cursor struct {
	Value    string `json:"v,omitempty"`
	HasValue bool   `json:"h,omitempty"`
	ID       string `json:"id"`
}

// Encode renders the cursor as an opaque URL safe token.
func (c Cursor) Encode() (string, error) {
	data, err := sonic.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor parses a token produced by Encode. An empty token yields nil.
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var c Cursor
	if err := sonic.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cursor: %w", err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("cursor without task id")
	}
	return &c, nil
}
