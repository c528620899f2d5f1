package legacy

import (
	"encoding/json"
	"fmt"
	"strconv"

	v1 "chatsync/shared/contracts/realtime/v1"
)

// Services.
const (
	ServiceAuth = "AUTH"
	ServiceChat = "CHAT"
	ServicePres = "PRES"
)

// Route maps one structured event to its request frame.
//
// Fields lists the JSON payload fields carried positionally after the session token.
// When Variadic is set, the last field is a list spread over the remaining arguments.
// Auth routes carry no session token: their first field is the token under test.
type Route struct {
	Event    string
	Service  string
	Command  string
	Fields   []string
	Variadic bool
	Auth     bool
}

// Tag returns the request tag "<SERVICE><COMMAND>".
func (r Route) Tag() string { return r.Service + r.Command }

var requestRoutes = []Route{
	{Event: v1.OpVerifyToken, Service: ServiceAuth, Command: "VERIFY", Fields: []string{"token"}, Auth: true},
	{Event: v1.OpRefreshToken, Service: ServiceAuth, Command: "REFRESH", Fields: []string{"token"}, Auth: true},
	{Event: v1.EventRegister, Service: ServiceChat, Command: "REGISTER", Fields: []string{"userId"}},
	{Event: v1.EventSendMessage, Service: ServiceChat, Command: "SEND", Fields: []string{"emisorID", "receptorID", "clientMsgId", "contenido"}},
	{Event: v1.EventTyping, Service: ServiceChat, Command: "TYPING", Fields: []string{"userId", "recipientId"}},
	{Event: v1.EventMarkConversationRead, Service: ServiceChat, Command: "READ", Fields: []string{"userId", "partnerId"}},
	{Event: v1.EventGetUsersStatus, Service: ServicePres, Command: "STATUS", Fields: []string{"userIds"}, Variadic: true},
	{Event: v1.EventGetUserStatus, Service: ServicePres, Command: "STATUSONE", Fields: []string{"userId"}},
}

// Response tags. Every operation answers on its own tag; server pushes have theirs.
var responseTags = map[string]string{
	"AUTHVERIFY":    v1.OpVerifyToken,
	"AUTHREFRESH":   v1.OpRefreshToken,
	"CHATREGISTER":  v1.EventRegistered,
	"CHATSENT":      v1.EventMessageSent,
	"CHATNEW":       v1.EventNewMessage,
	"CHATREAD":      v1.EventMessagesRead,
	"CHATTYPING":    v1.EventTyping,
	"PRESSTATUS":    v1.EventUsersStatus,
	"PRESSTATUSONE": v1.EventUserStatus,
	"PRESON":        v1.EventUserOnline,
	"PRESOFF":       v1.EventUserOffline,
	"NOTIFNEW":      v1.EventNewNotification,
	"SYSERROR":      v1.EventError,
}

var (
	routesByEvent = make(map[string]Route, len(requestRoutes))
	routesByTag   = make(map[string]Route, len(requestRoutes))
	tagsByEvent   = make(map[string]string, len(responseTags))
)

func init() {
	for _, r := range requestRoutes {
		routesByEvent[r.Event] = r
		routesByTag[r.Tag()] = r
	}
	for tag, ev := range responseTags {
		tagsByEvent[ev] = tag
	}
}

// RouteFor returns the request route for a structured event name.
func RouteFor(event string) (Route, bool) {
	r, ok := routesByEvent[event]
	return r, ok
}

// ResponseTag returns the tag a response or push for event travels on.
func ResponseTag(event string) (string, bool) {
	t, ok := tagsByEvent[event]
	return t, ok
}

// EventForTag returns the structured event name for a response tag.
func EventForTag(tag string) (string, bool) {
	ev, ok := responseTags[tag]
	return ev, ok
}

// ResponseTags lists every response tag, for NewCodec.
func ResponseTags() []string {
	out := make([]string, 0, len(responseTags))
	for t := range responseTags {
		out = append(out, t)
	}
	return out
}

// NewResponseCodec returns a Codec that knows every response tag.
func NewResponseCodec() *Codec {
	return NewCodec(ResponseTags()...)
}

// EncodeRequest renders a structured event as a request frame.
func EncodeRequest(event, token string, payload any) (string, error) {
	r, ok := RouteFor(event)
	if !ok {
		return "", fmt.Errorf("legacy: no route for %q", event)
	}

	fields := map[string]any{}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("legacy: encode %s: %w", event, err)
		}
		if err := json.Unmarshal(b, &fields); err != nil {
			return "", fmt.Errorf("legacy: encode %s: payload must be an object: %w", event, err)
		}
	}

	args := make([]string, 0, len(r.Fields)+1)
	if !r.Auth {
		args = append(args, token)
	}
	for i, name := range r.Fields {
		v := fields[name]
		if r.Variadic && i == len(r.Fields)-1 {
			list, _ := v.([]any)
			for _, item := range list {
				args = append(args, scalarArg(item))
			}
			continue
		}
		args = append(args, scalarArg(v))
	}
	return Encode(r.Service, r.Command, args...), nil
}

func scalarArg(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

// Request is a decoded request frame.
type Request struct {
	Event   string
	Tag     string
	Token   string
	Payload json.RawMessage
}

// DecodeRequest parses a request frame back into a structured event with a JSON payload.
func DecodeRequest(frame string) (Request, error) {
	tag, args, err := ParseRequest(frame)
	if err != nil {
		return Request{}, err
	}
	r, ok := routesByTag[tag]
	if !ok {
		return Request{Tag: tag}, &DecodeError{Frame: frame, Err: ErrUnknownTag}
	}

	out := Request{Event: r.Event, Tag: tag}
	if !r.Auth {
		if len(args) == 0 {
			return out, &DecodeError{Frame: frame, Err: fmt.Errorf("%w: missing token", ErrBadFrame)}
		}
		out.Token, args = args[0], args[1:]
	}

	fields := make(map[string]any, len(r.Fields))
	for i, name := range r.Fields {
		if r.Variadic && i == len(r.Fields)-1 {
			list := make([]string, 0, len(args))
			list = append(list, args...)
			fields[name] = list
			args = nil
			break
		}
		if len(args) == 0 {
			break
		}
		if args[0] != "" {
			fields[name] = args[0]
		}
		args = args[1:]
	}

	b, err := json.Marshal(fields)
	if err != nil {
		return out, &DecodeError{Frame: frame, Err: err}
	}
	out.Payload = b
	if r.Auth {
		if tok, _ := fields["token"].(string); tok != "" {
			out.Token = tok
		}
	}
	return out, nil
}

// EncodeEvent renders a response or server push for event.
func EncodeEvent(event string, ok bool, payload any) (string, error) {
	tag, found := ResponseTag(event)
	if !found {
		return "", fmt.Errorf("legacy: no response tag for %q", event)
	}
	return EncodeResponse(tag, ok, payload)
}
