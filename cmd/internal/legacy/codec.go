// Package legacy implements the line-oriented frame protocol.
//
// Requests are "<SERVICE><COMMAND> token arg1 'arg with spaces' arg2".
// Responses are "<TAG>OK{json}" or "<TAG>NK{json}" with the JSON placed right after the status.
package legacy

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Status suffixes appended to a tag in response frames.
const (
	StatusOK = "OK"
	StatusNK = "NK"
)

var (
	// ErrUnknownTag is returned when a frame matches no known tag.
	ErrUnknownTag = errors.New("legacy: unknown tag")

	// ErrBadPayload is returned when the text after the status is not a JSON document.
	ErrBadPayload = errors.New("legacy: bad payload")

	// ErrBadFrame is returned when a request frame cannot be tokenized.
	ErrBadFrame = errors.New("legacy: bad frame")
)

// DecodeError wraps a decode failure together with the offending frame.
type DecodeError struct {
	Frame string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %.64q", e.Err.Error(), e.Frame)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Frame is one decoded response frame.
// Tag is empty when nothing matched; Payload is nil when the JSON was invalid.
type Frame struct {
	Tag     string
	OK      bool
	Payload json.RawMessage
	Raw     string
}

// Encode builds a request frame. Arguments that are empty or contain whitespace,
// a quote or a backslash are single-quoted with \' and \\ escapes.
func Encode(service, command string, args ...string) string {
	var b strings.Builder
	b.WriteString(service)
	b.WriteString(command)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(quoteArg(a))
	}
	return b.String()
}

func quoteArg(a string) string {
	if a != "" && strings.IndexFunc(a, needsQuote) < 0 {
		return a
	}
	var b strings.Builder
	b.Grow(len(a) + 2)
	b.WriteByte('\'')
	for _, r := range a {
		if r == '\'' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('\'')
	return b.String()
}

func needsQuote(r rune) bool {
	return unicode.IsSpace(r) || r == '\'' || r == '\\'
}

// ParseRequest splits a request frame into its tag and unquoted arguments.
func ParseRequest(frame string) (string, []string, error) {
	frame = strings.TrimSpace(frame)
	if frame == "" {
		return "", nil, &DecodeError{Frame: frame, Err: ErrBadFrame}
	}

	end := strings.IndexFunc(frame, unicode.IsSpace)
	if end < 0 {
		return frame, nil, nil
	}
	tag := frame[:end]
	rest := []rune(frame[end:])

	var args []string
	for i := 0; i < len(rest); {
		if unicode.IsSpace(rest[i]) {
			i++
			continue
		}

		if rest[i] != '\'' {
			j := i
			for j < len(rest) && !unicode.IsSpace(rest[j]) {
				j++
			}
			args = append(args, string(rest[i:j]))
			i = j
			continue
		}

		var b strings.Builder
		closed := false
		i++
		for i < len(rest) {
			r := rest[i]
			if r == '\\' && i+1 < len(rest) {
				b.WriteRune(rest[i+1])
				i += 2
				continue
			}
			i++
			if r == '\'' {
				closed = true
				break
			}
			b.WriteRune(r)
		}
		if !closed {
			return "", nil, &DecodeError{Frame: frame, Err: fmt.Errorf("%w: unterminated quote", ErrBadFrame)}
		}
		args = append(args, b.String())
	}
	return tag, args, nil
}

// Codec decodes response frames against a fixed set of tags.
type Codec struct {
	tags []string
}

// NewCodec constructs a Codec. Longer tags are tried first so that ties resolve to the longest tag.
func NewCodec(tags ...string) *Codec {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return &Codec{tags: out}
}

// Decode finds the first occurrence of any known "<tag>OK" or "<tag>NK" and parses the rest as JSON.
//
// Unknown frames return Frame{Raw: frame} with ErrUnknownTag.
// Invalid JSON returns the matched tag and status with a nil Payload and ErrBadPayload.
func (c *Codec) Decode(frame string) (Frame, error) {
	best, bestTag, bestOK := -1, "", false
	for _, tag := range c.tags {
		for _, st := range [...]string{StatusOK, StatusNK} {
			idx := strings.Index(frame, tag+st)
			if idx < 0 {
				continue
			}
			if best < 0 || idx < best {
				best, bestTag, bestOK = idx, tag, st == StatusOK
			}
		}
	}
	if best < 0 {
		return Frame{Raw: frame}, &DecodeError{Frame: frame, Err: ErrUnknownTag}
	}

	out := Frame{Tag: bestTag, OK: bestOK, Raw: frame}
	body := strings.TrimSpace(frame[best+len(bestTag)+len(StatusOK):])
	if body == "" || !json.Valid([]byte(body)) {
		return out, &DecodeError{Frame: frame, Err: ErrBadPayload}
	}
	out.Payload = json.RawMessage(body)
	return out, nil
}

// EncodeResponse builds "<tag>OK{json}" or "<tag>NK{json}".
func EncodeResponse(tag string, ok bool, payload any) (string, error) {
	if payload == nil {
		payload = struct{}{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("legacy: encode %s: %w", tag, err)
	}
	st := StatusNK
	if ok {
		st = StatusOK
	}
	return tag + st + string(b), nil
}
