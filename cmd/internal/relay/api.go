package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatsync/cmd/internal/ratelimit"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// API rate limit per user.
const (
	apiRateEvents = 120
	apiRateWindow = time.Minute
)

// API serves the HTTP bootstrap endpoints clients call before (and beside) the socket:
// the conversation list, a conversation's history and notification counters.
type API struct {
	log     *slog.Logger
	svc     *Service
	limiter *ratelimit.Keyed
	now     func() time.Time
}

// NewAPI constructs the HTTP API over svc.
func NewAPI(log *slog.Logger, svc *Service) *API {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &API{
		log:     log,
		svc:     svc,
		limiter: ratelimit.NewKeyed(apiRateEvents, apiRateWindow),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.Handle("GET /api/conversations", a.authed(a.conversations))
	mux.Handle("GET /api/conversations/{peer}/messages", a.authed(a.history))
	mux.Handle("GET /api/notifications/unread-count", a.authed(a.unreadNotifications))
	mux.Handle("POST /api/notifications/read", a.authed(a.markNotificationsRead))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (a *API) authed(h authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := a.svc.Authority().Verify(tok)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", tokenMessage(err))
			return
		}
		if !a.limiter.Allow(claims.UserID, a.now()) {
			w.Header().Set("Retry-After", strconv.Itoa(int(apiRateWindow.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		h(w, r, claims.UserID)
	})
}

func (a *API) conversations(w http.ResponseWriter, r *http.Request, userID string) {
	msgs, err := a.svc.Store().Conversations(r.Context(), userID)
	if err != nil {
		a.internal(w, r, err)
		return
	}
	out := make([]v1.ConversationSummary, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, v1.ConversationSummary{PeerID: m.Peer(userID), LastMessage: m.Payload()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) history(w http.ResponseWriter, r *http.Request, userID string) {
	peer := strings.TrimSpace(r.PathValue("peer"))
	if peer == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "missing peer")
		return
	}

	in := HistoryInput{UserID: userID, PeerID: peer}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "bad limit")
			return
		}
		in.Limit = n
	}
	if v := q.Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "bad after_seq")
			return
		}
		in.AfterSeq = &n
	}

	res, err := a.svc.Store().History(r.Context(), in)
	if err != nil {
		a.internal(w, r, err)
		return
	}
	out := make([]v1.MessagePayload, 0, len(res.Messages))
	for _, m := range res.Messages {
		out = append(out, m.Payload())
	}
	w.Header().Set("X-Has-More", strconv.FormatBool(res.HasMore))
	writeJSON(w, http.StatusOK, out)
}

func (a *API) unreadNotifications(w http.ResponseWriter, r *http.Request, userID string) {
	n, err := a.svc.Store().UnreadNotifications(r.Context(), userID)
	if err != nil {
		a.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v1.UnreadCountPayload{Count: n})
}

type markedResponse struct {
	Marked int `json:"marked"`
}

func (a *API) markNotificationsRead(w http.ResponseWriter, r *http.Request, userID string) {
	n, err := a.svc.Store().MarkNotificationsRead(r.Context(), userID, a.now())
	if err != nil {
		a.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, markedResponse{Marked: n})
}

func (a *API) internal(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	a.log.Error("api.fail", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
