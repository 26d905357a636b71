package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"unicode/utf8"
)

// Kind is the classification of one line read from the stream
type Kind int

const (
	KindKeepAlive   Kind = iota // Blank or non-JSON heartbeat
	KindPayload                 // Message for the handler
	KindServerError             // In-band connection exception
)

func (k Kind) String() string {
	switch k {
	case KindKeepAlive:
		return "keep_alive"
	case KindPayload:
		return "payload"
	case KindServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// connectionExceptionTitles are the error titles that mean the server is
// about to drop, or has dropped, the connection.
var connectionExceptionTitles = map[string]bool{
	"ConnectionException":    true,
	"operational-disconnect": true,
}

var errInvalidUTF8 = errors.New("payload is not valid UTF-8")

// Classification is the outcome of Classify
type Classification struct {
	Kind        Kind
	Raw         json.RawMessage        // Trimmed JSON, set for payloads and server errors
	ServerError *ServerConnectionError // Set for KindServerError
}

type errorObject struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
}

type errorProbe struct {
	errorObject
	Errors []errorObject `json:"errors"`
}

// Classify inspects one framed line. Bytes that are not valid UTF-8 are a
// transport failure; anything that does not parse as JSON is a keep-alive.
// Raw aliases line, so callers that keep it must copy it.
func Classify(line []byte) (Classification, error) {
	if !utf8.Valid(line) {
		return Classification{}, &TransportError{Op: "decode", Err: errInvalidUTF8}
	}

	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return Classification{Kind: KindKeepAlive}, nil
	}

	if serr := connectionException(trimmed); serr != nil {
		return Classification{Kind: KindServerError, Raw: trimmed, ServerError: serr}, nil
	}

	return Classification{Kind: KindPayload, Raw: trimmed}, nil
}

// connectionException returns the exception carried by an object, either at
// the top level or in its errors array. Non-object JSON never matches.
func connectionException(doc []byte) *ServerConnectionError {
	if doc[0] != '{' {
		return nil
	}
	var probe errorProbe
	if err := json.Unmarshal(doc, &probe); err != nil {
		return nil
	}

	if connectionExceptionTitles[probe.Title] {
		return newServerError(probe.errorObject, doc)
	}
	for _, e := range probe.Errors {
		if connectionExceptionTitles[e.Title] {
			return newServerError(e, doc)
		}
	}
	return nil
}

func newServerError(obj errorObject, doc []byte) *ServerConnectionError {
	return &ServerConnectionError{
		Title:  obj.Title,
		Detail: obj.Detail,
		Type:   obj.Type,
		Raw:    append([]byte(nil), doc...),
	}
}
