package conn

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mvales/courier/internal/relayerr"
)

// sseMsg is one unit read off the push stream. A keepalive comment
// arrives as an empty event with empty data; a read failure arrives as
// a message with err set, after which the stream is finished.
type sseMsg struct {
	event string
	data  string
	err   error
}

// stream is an open push stream. Messages are delivered on C until the
// stream ends; Close releases the underlying connection.
type stream interface {
	C() <-chan sseMsg
	Close() error
}

// dialFunc opens the push stream. Swappable so tests can supply their
// own streams without a server.
type dialFunc func(ctx context.Context, token string) (stream, error)

type httpStream struct {
	body io.Closer
	ch   chan sseMsg
}

func (s *httpStream) C() <-chan sseMsg { return s.ch }
func (s *httpStream) Close() error     { return s.body.Close() }

// httpDialer returns a dialFunc that opens a server-sent-events stream
// against url. The client must not carry an overall timeout since the
// stream is long-lived; header delivery is bounded by the transport.
func httpDialer(url string, client *http.Client) dialFunc {
	return func(ctx context.Context, token string) (stream, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.KindClient, "stream.dial", err)
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.KindNetwork, "stream.dial", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, relayerr.New(relayerr.FromStatus(resp.StatusCode),
				"stream.dial", fmt.Sprintf("unexpected status %d", resp.StatusCode))
		}

		s := &httpStream{body: resp.Body, ch: make(chan sseMsg, 16)}
		go readStream(resp.Body, s.ch)
		return s, nil
	}
}

// readStream parses the event-stream framing: "event:" and "data:"
// fields accumulate until a blank line closes the frame, comment lines
// starting with ':' surface as keepalives, and multiple data lines
// join with newlines.
func readStream(r io.Reader, ch chan<- sseMsg) {
	defer close(ch)

	var (
		event string
		data  []string
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || len(data) > 0 {
				ch <- sseMsg{event: event, data: strings.Join(data, "\n")}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
			// Keepalive comment. Forward it so the manager can
			// count it as stream activity.
			ch <- sseMsg{}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, "retry:"), strings.HasPrefix(line, "id:"):
			// Reconnect pacing is decided locally.
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- sseMsg{err: relayerr.Wrap(relayerr.KindNetwork, "stream.read", err)}
		return
	}
	ch <- sseMsg{err: relayerr.New(relayerr.KindNetwork, "stream.read", "stream closed by server")}
}

// streamClient builds the http.Client used for the push stream. No
// overall timeout, but response headers must arrive promptly.
func streamClient(headerTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: headerTimeout,
		},
	}
}
