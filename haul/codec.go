package haul

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

// json is a drop-in replacement for encoding/json with better performance.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// encodeSession writes a session record as a single JSON document.
func encodeSession(w io.Writer, s *Session) error {
	return json.NewEncoder(w).Encode(s)
}

// decodeSession reads a session record written by encodeSession.
func decodeSession(r io.Reader) (*Session, error) {
	var s Session
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, err
	}
	if s.Parts == nil {
		s.Parts = make(map[int32]string)
	}
	return &s, nil
}
