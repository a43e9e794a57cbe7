// ABOUTME: Pull-style iterator over the events of an io.Reader carrying SSE frames
// ABOUTME: Wraps Decoder with Next/Event/Err so callers can range over a response body

package sse

import (
	"errors"
	"io"
)

const readChunkSize = 32 * 1024

// Stream reads events lazily from an io.Reader.
//
// Usage:
//
//	stream := sse.NewStream(resp.Body, sse.Provider)
//	for stream.Next() {
//	    switch ev := stream.Event().(type) {
//	    case sse.TextDelta:
//	        // ...
//	    }
//	}
//	if err := stream.Err(); err != nil {
//	    // transport failure
//	}
type Stream struct {
	r       io.Reader
	dec     *Decoder
	buf     []byte
	pending []Event
	current Event
	err     error
	eof     bool
}

// NewStream creates a stream over r using the given vocabulary.
func NewStream(r io.Reader, vocab Vocabulary) *Stream {
	return &Stream{
		r:   r,
		dec: NewDecoder(vocab),
		buf: make([]byte, readChunkSize),
	}
}

// Next advances to the next event. It returns false at end of input or on a
// read error; Err distinguishes the two.
func (s *Stream) Next() bool {
	s.current = nil
	for len(s.pending) == 0 {
		if s.eof || s.err != nil {
			return false
		}
		n, err := s.r.Read(s.buf)
		if n > 0 {
			s.pending = append(s.pending, s.dec.Feed(s.buf[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.eof = true
				s.pending = append(s.pending, s.dec.Flush()...)
				continue
			}
			s.err = err
			return false
		}
	}

	s.current = s.pending[0]
	s.pending = s.pending[1:]
	return true
}

// Event returns the event produced by the last successful call to Next.
func (s *Stream) Event() Event {
	return s.current
}

// Err returns the first non-EOF read error.
func (s *Stream) Err() error {
	return s.err
}

// Skipped reports how many malformed frames were dropped so far.
func (s *Stream) Skipped() int {
	return s.dec.Skipped()
}
