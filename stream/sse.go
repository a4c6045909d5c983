package stream

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is a single server-sent event. Type is empty for the default
// event channel.
type sseEvent struct {
	Type string
	Data string
}

// sseScanner reads server-sent events from a stream body. Events are
// delimited by blank lines; multiple data lines within one event are
// joined with newlines, comment lines and unknown fields are skipped.
type sseScanner struct {
	reader  *bufio.Reader
	current sseEvent
	err     error
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{reader: bufio.NewReaderSize(r, 32*1024)}
}

// Next advances to the next event, returning false at end of stream or on
// a read error. Err distinguishes the two afterwards.
func (s *sseScanner) Next() bool {
	if s.err != nil {
		return false
	}
	var data []string
	eventType := ""
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" && len(data) > 0 {
				// Final event without a trailing blank line.
				s.current = sseEvent{Type: eventType, Data: strings.Join(data, "\n")}
				s.err = io.EOF
				return true
			}
			s.err = err
			return false
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(data) == 0 {
				eventType = ""
				continue
			}
			s.current = sseEvent{Type: eventType, Data: strings.Join(data, "\n")}
			return true
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			eventType = value
		}
	}
}

// Event returns the event parsed by the last successful Next call.
func (s *sseScanner) Event() sseEvent {
	return s.current
}

// Err reports the first read error, treating a clean EOF as nil.
func (s *sseScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
