// Package stream provides a byte stream whose upstream source can be
// replaced while a single consumer keeps reading from it.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// chunkSize bounds a single read from an attached source.
const chunkSize = 32 * 1024

// ErrClosed is returned by SwitchSource once the stream has terminated.
var ErrClosed = errors.New("stream: switchable stream closed")

// source is an attached upstream together with its pump lifecycle.
type source struct {
	rc     io.ReadCloser
	cancel chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSource(rc io.ReadCloser) *source {
	return &source{
		rc:     rc,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// stop cancels the source. Closing the reader unblocks a Read in flight.
func (src *source) stop() {
	src.once.Do(func() {
		close(src.cancel)
		_ = src.rc.Close()
	})
}

func (src *source) cancelled() bool {
	select {
	case <-src.cancel:
		return true
	default:
		return false
	}
}

// Switchable exposes one continuously readable output while its input can
// be redirected with SwitchSource. Read must be called by a single consumer.
//
// Attached sources must unblock a pending Read when closed, as HTTP response
// bodies and pipe readers do.
type Switchable struct {
	mu       sync.Mutex
	current  *source
	switches int

	chunks   chan []byte
	term     chan struct{}
	termOnce sync.Once
	termErr  error

	// pending is owned by the consumer.
	pending []byte
}

// New returns an idle Switchable with no attached source.
func New() *Switchable {
	return &Switchable{
		chunks: make(chan []byte),
		term:   make(chan struct{}),
	}
}

// SwitchSource cancels the attached source, discarding whatever it has not
// yet delivered, and starts draining rc in the background. The previous
// pump has exited by the time the new one starts.
func (s *Switchable) SwitchSource(rc io.ReadCloser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated() {
		_ = rc.Close()
		return ErrClosed
	}

	if prev := s.current; prev != nil {
		prev.stop()
		<-prev.done
	}

	src := newSource(rc)
	s.current = src
	s.switches++
	go s.pump(src)
	return nil
}

// Switches reports how many sources have been attached, including the first.
func (s *Switchable) Switches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switches
}

// WaitIdle blocks until the attached source has been forwarded up to its
// end or cancelled. It returns ErrClosed if the stream terminated first.
func (s *Switchable) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	src := s.current
	s.mu.Unlock()

	if src == nil {
		return nil
	}

	select {
	case <-src.done:
		return nil
	case <-s.term:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the attached source and ends the output with io.EOF.
// It is safe to call more than once.
func (s *Switchable) Close() error {
	s.shutdown(io.EOF)
	return nil
}

// Abort cancels the attached source and ends the output with err.
// If the stream already terminated the first outcome is kept.
func (s *Switchable) Abort(err error) {
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	s.shutdown(err)
}

func (s *Switchable) shutdown(err error) {
	// A racing SwitchSource either attached first and is stopped below, or
	// observes the termination and rejects its source.
	s.mu.Lock()
	s.terminate(err)
	src := s.current
	s.mu.Unlock()

	if src != nil {
		src.stop()
	}
}

func (s *Switchable) terminate(err error) {
	s.termOnce.Do(func() {
		s.termErr = err
		close(s.term)
	})
}

func (s *Switchable) terminated() bool {
	select {
	case <-s.term:
		return true
	default:
		return false
	}
}

// Read implements io.Reader over the concatenated output of every source.
func (s *Switchable) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if len(s.pending) == 0 {
		select {
		case chunk := <-s.chunks:
			s.pending = chunk
		case <-s.term:
			return 0, s.termErr
		}
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// pump forwards src into the output until end of source, cancellation or a
// read error. Reaching the end of src leaves the output open.
func (s *Switchable) pump(src *source) {
	defer close(src.done)

	for {
		buf := make([]byte, chunkSize)
		n, err := src.rc.Read(buf)

		// A cancelled source may fail its read or return stale bytes;
		// neither reaches the consumer.
		if src.cancelled() {
			return
		}

		if n > 0 {
			select {
			case s.chunks <- buf[:n]:
			case <-src.cancel:
				return
			case <-s.term:
				return
			}
		}

		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.terminate(err)
			return
		}
	}
}
