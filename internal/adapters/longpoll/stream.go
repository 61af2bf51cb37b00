package longpoll

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dkeye/Chat/internal/core"
	"github.com/gin-contrib/sse"
)

// streamWriter frames envelopes for one listen response.
type streamWriter interface {
	ContentType() string
	WriteEnvelope(w io.Writer, env core.Envelope) error
	// WriteEnd emits the terminal marker of a listen that timed out.
	WriteEnd(w io.Writer) error
}

func writerFor(r *http.Request) streamWriter {
	if strings.Contains(r.Header.Get("Accept"), sse.ContentType) {
		return sseWriter{}
	}
	return ndjsonWriter{}
}

// ndjsonWriter writes one envelope per line and END last.
type ndjsonWriter struct{}

func (ndjsonWriter) ContentType() string { return "application/x-ndjson" }

func (ndjsonWriter) WriteEnvelope(w io.Writer, env core.Envelope) error {
	data, err := core.Encode(env)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func (ndjsonWriter) WriteEnd(w io.Writer) error {
	_, err := io.WriteString(w, core.EndMarker+"\n")
	return err
}

type sseWriter struct{}

func (sseWriter) ContentType() string { return sse.ContentType }

func (sseWriter) WriteEnvelope(w io.Writer, env core.Envelope) error {
	data, err := core.Encode(env)
	if err != nil {
		return err
	}
	ev := sse.Event{Event: "message", Data: string(data)}
	if env.Seq() > 0 {
		ev.Id = strconv.FormatUint(env.Seq(), 10)
	}
	return sse.Encode(w, ev)
}

func (sseWriter) WriteEnd(w io.Writer) error {
	return sse.Encode(w, sse.Event{Event: "timeout", Data: `{"event":"timeout"}`})
}
