package session

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// codecVersion is bumped whenever the envelope layout changes.
const codecVersion = 1

type envelope struct {
	Version int
	Session *Session
}

// CodecError reports a session that could not be encoded or decoded.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("session %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// Encode serializes a session for byte-oriented adapters. The bound data
// source is never serialized; callers export materialized sessions.
func Encode(s *Session) ([]byte, error) {
	if s == nil {
		return nil, &CodecError{Op: "encode", Err: fmt.Errorf("nil session")}
	}
	p, err := portableSession(s)
	if err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Version: codecVersion, Session: p}); err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}
	return buf.Bytes(), nil
}

// Decode restores a session produced by Encode.
func Decode(b []byte) (*Session, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&env); err != nil {
		return nil, &CodecError{Op: "decode", Err: err}
	}
	if env.Version != codecVersion {
		return nil, &CodecError{Op: "decode", Err: fmt.Errorf("unsupported version %d", env.Version)}
	}
	if env.Session == nil {
		return nil, &CodecError{Op: "decode", Err: fmt.Errorf("empty envelope")}
	}
	env.Session.normalize()
	return env.Session, nil
}
