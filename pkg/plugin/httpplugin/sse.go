package httpplugin

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/gatewaykit/oagw-go/pkg/gateway"
)

// sseStream parses a text/event-stream body into chunks. One chunk per
// event; multi-line data fields are joined with newlines per the SSE spec.
type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader

	closeOnce sync.Once
	closeErr  error
}

func newSSEStream(body io.ReadCloser) *sseStream {
	return &sseStream{
		body:   body,
		reader: bufio.NewReader(body),
	}
}

// Recv blocks until the next complete event. It returns io.EOF when the
// remote finishes the stream cleanly. Close unblocks a pending Recv.
func (s *sseStream) Recv(ctx context.Context) (*gateway.StreamChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var dataLines []string
	var eventType, eventID string

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			// A partial event at EOF is dropped, matching browsers.
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")

		// Blank line terminates the event.
		if line == "" {
			if len(dataLines) == 0 && eventType == "" && eventID == "" {
				continue
			}
			return &gateway.StreamChunk{
				Data:      []byte(strings.Join(dataLines, "\n")),
				EventType: eventType,
				EventID:   eventID,
			}, nil
		}

		// Comment lines keep the connection alive.
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "data":
			dataLines = append(dataLines, value)
		case "event":
			eventType = value
		case "id":
			eventID = value
		case "retry":
			// Reconnection delay hints are a client-resume concern;
			// the engine's pipeline never resumes.
		}
	}
}

func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

func splitField(line string) (field, value string) {
	field = line
	if i := strings.IndexByte(line, ':'); i >= 0 {
		field = line[:i]
		value = strings.TrimPrefix(line[i+1:], " ")
	}
	return field, value
}
