package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/cmd/internal/transport"
	"chatsync/cmd/internal/transport/transporttest"
	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/google/go-cmp/cmp"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newSync(t *testing.T, opts ...Option) (*Synchronizer, *transporttest.Fake, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	f := transporttest.NewFake()
	s := New(f, "me", append([]Option{WithClock(c.Now)}, opts...)...)
	t.Cleanup(s.Reset)
	return s, f, c
}

func deliver(s *Synchronizer, name string, payload any) {
	f := transporttest.NewFake()
	f.Subscribe(func(ev transport.Event) { s.HandleEvent(ev) })
	f.Deliver(name, payload)
}

func TestSend_OptimisticPending(t *testing.T) {
	t.Parallel()

	s, f, c := newSync(t)
	m, err := s.Send(context.Background(), "p", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Status != StatusPending || m.LocalID == "" || !m.SentAt.Equal(c.Now()) {
		t.Fatalf("message=%+v", m)
	}

	got := s.Messages("p")
	if diff := cmp.Diff([]Message{m}, got); diff != "" {
		t.Fatalf("conversation mismatch (-want +got):\n%s", diff)
	}

	sent := f.Emitted(v1.EventSendMessage)
	if len(sent) != 1 {
		t.Fatalf("emits=%d want=1", len(sent))
	}
	var p v1.SendMessagePayload
	if err := sent[0].Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := v1.SendMessagePayload{Contenido: "hello", EmisorID: "me", ReceptorID: "p", ClientMsgID: m.LocalID}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestSend_DisconnectedStaysPending(t *testing.T) {
	t.Parallel()

	s, f, _ := newSync(t)
	f.SetConnected(false)

	m, err := s.Send(context.Background(), "p", "offline")
	if !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("Send err=%v want ErrUnavailable", err)
	}
	got := s.Messages("p")
	if len(got) != 1 || got[0].LocalID != m.LocalID || got[0].Status != StatusPending {
		t.Fatalf("conversation=%+v want one pending", got)
	}
}

func TestSend_Validation(t *testing.T) {
	t.Parallel()

	s, _, _ := newSync(t)
	if _, err := s.Send(context.Background(), "p", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("blank err=%v", err)
	}
	s.Reset()
	if _, err := s.Send(context.Background(), "p", "x"); !errors.Is(err, ErrNoUser) {
		t.Fatalf("no user err=%v", err)
	}
}

func TestConfirmation_ReconcilesWithoutDuplicates(t *testing.T) {
	t.Parallel()

	s, _, c := newSync(t)
	m, _ := s.Send(context.Background(), "p", "hello")

	// The relay does not echo the client id here: content and time must match.
	confirmed := v1.MessagePayload{ID: "srv-1", EmisorID: "me", ReceptorID: "p", Contenido: "hello", FechaEnvio: c.Now().Add(2 * time.Second)}
	deliver(s, v1.EventMessageSent, confirmed)
	deliver(s, v1.EventNewMessage, confirmed)
	deliver(s, v1.EventMessageSent, confirmed)

	got := s.Messages("p")
	if len(got) != 1 {
		t.Fatalf("messages=%d want=1: %+v", len(got), got)
	}
	if got[0].ServerID != "srv-1" || got[0].LocalID != m.LocalID || got[0].Status != StatusSent {
		t.Fatalf("reconciled=%+v", got[0])
	}
}

func TestConfirmation_MissIsAppended(t *testing.T) {
	t.Parallel()

	s, _, c := newSync(t)
	_, _ = s.Send(context.Background(), "p", "first")

	deliver(s, v1.EventMessageSent, v1.MessagePayload{ID: "srv-9", EmisorID: "me", ReceptorID: "p", Contenido: "from another tab", FechaEnvio: c.Now()})

	got := s.Messages("p")
	if len(got) != 2 || got[1].ServerID != "srv-9" {
		t.Fatalf("messages=%+v want miss appended", got)
	}
	if got[0].Status != StatusPending {
		t.Fatalf("unrelated pending message changed: %+v", got[0])
	}
}

func TestNewMessage_OpenConversation(t *testing.T) {
	t.Parallel()

	var notices []Notice
	s, f, c := newSync(t, WithNoticeHandler(func(n Notice) { notices = append(notices, n) }))
	if err := s.Open(context.Background(), "p", nil); err != nil {
		t.Fatalf("Open: %v", err)
	}

	in := v1.MessagePayload{ID: "srv-1", EmisorID: "p", ReceptorID: "me", Contenido: "hi", FechaEnvio: c.Now()}
	deliver(s, v1.EventNewMessage, in)
	deliver(s, v1.EventNewMessage, in)

	got := s.Messages("p")
	if len(got) != 1 || got[0].Status != StatusDelivered || got[0].DeliveredAt.IsZero() {
		t.Fatalf("messages=%+v want one delivered", got)
	}
	if len(notices) != 1 || notices[0].SenderID != "p" {
		t.Fatalf("notices=%+v want one from p", notices)
	}

	marks := f.Emitted(v1.EventMarkConversationRead)
	if len(marks) == 0 {
		t.Fatalf("no mark-conversation-read emitted")
	}
	var mr v1.MarkReadPayload
	if err := marks[0].Decode(&mr); err != nil || mr.UserID != "me" || mr.PartnerID != "p" {
		t.Fatalf("mark read payload=%+v err=%v", mr, err)
	}
	if s.UnreadCount() != 0 {
		t.Fatalf("UnreadCount=%d want=0 for the open conversation", s.UnreadCount())
	}
}

func TestNewMessage_ClosedConversationUpdatesSummaryOnly(t *testing.T) {
	t.Parallel()

	s, f, c := newSync(t)
	deliver(s, v1.EventNewMessage, v1.MessagePayload{ID: "srv-1", EmisorID: "p", ReceptorID: "me", Contenido: "ping", FechaEnvio: c.Now()})

	if n := len(s.Messages("p")); n != 0 {
		t.Fatalf("messages=%d want=0 for a closed conversation", n)
	}
	sums := s.Summaries()
	if len(sums) != 1 || !sums[0].Unread || sums[0].LastMessage.Content != "ping" {
		t.Fatalf("summaries=%+v", sums)
	}
	if s.UnreadCount() != 1 {
		t.Fatalf("UnreadCount=%d want=1", s.UnreadCount())
	}
	if n := len(f.Emitted(v1.EventMarkConversationRead)); n != 0 {
		t.Fatalf("mark read emitted for a closed conversation")
	}
}

func TestNewMessage_ClosedConversationDuplicateKeepsReadState(t *testing.T) {
	t.Parallel()

	var notices []Notice
	s, _, c := newSync(t, WithNoticeHandler(func(n Notice) { notices = append(notices, n) }))
	in := v1.MessagePayload{ID: "srv-1", EmisorID: "p", ReceptorID: "me", Contenido: "ping", FechaEnvio: c.Now()}

	deliver(s, v1.EventNewMessage, in)
	deliver(s, v1.EventNewMessage, in)
	if len(notices) != 1 {
		t.Fatalf("notices=%d want=1 after duplicate delivery", len(notices))
	}

	deliver(s, v1.EventMessagesRead, v1.MarkReadPayload{UserID: "me", PartnerID: "p"})
	deliver(s, v1.EventNewMessage, in)

	sums := s.Summaries()
	if len(sums) != 1 {
		t.Fatalf("summaries=%+v want one", sums)
	}
	if got := sums[0]; got.Unread || got.LastMessage.Status != StatusRead {
		t.Fatalf("summary=%+v want read and not unread after duplicate", got)
	}
	if s.UnreadCount() != 0 {
		t.Fatalf("UnreadCount=%d want=0", s.UnreadCount())
	}
	if len(notices) != 1 {
		t.Fatalf("notices=%d want=1", len(notices))
	}
}

func TestNewMessage_ClosedConversationNewerMessageNotifies(t *testing.T) {
	t.Parallel()

	var notices []Notice
	s, _, c := newSync(t, WithNoticeHandler(func(n Notice) { notices = append(notices, n) }))
	deliver(s, v1.EventNewMessage, v1.MessagePayload{ID: "srv-1", EmisorID: "p", ReceptorID: "me", Contenido: "one", FechaEnvio: c.Now()})
	deliver(s, v1.EventMessagesRead, v1.MarkReadPayload{UserID: "me", PartnerID: "p"})
	c.Advance(time.Second)
	deliver(s, v1.EventNewMessage, v1.MessagePayload{ID: "srv-2", EmisorID: "p", ReceptorID: "me", Contenido: "two", FechaEnvio: c.Now()})

	if len(notices) != 2 {
		t.Fatalf("notices=%d want=2", len(notices))
	}
	sums := s.Summaries()
	if len(sums) != 1 || !sums[0].Unread || sums[0].LastMessage.ServerID != "srv-2" {
		t.Fatalf("summaries=%+v want srv-2 unread", sums)
	}
}

func TestSend_TrimsContentAndAdoptsServerContent(t *testing.T) {
	t.Parallel()

	s, f, c := newSync(t)
	m, err := s.Send(context.Background(), "p", "  hello  ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Content != "hello" {
		t.Fatalf("Content=%q want=%q", m.Content, "hello")
	}
	sent := f.Emitted(v1.EventSendMessage)
	if len(sent) != 1 {
		t.Fatalf("send-message emitted=%d want=1", len(sent))
	}
	var p v1.SendMessagePayload
	if err := sent[0].Decode(&p); err != nil || p.Contenido != "hello" {
		t.Fatalf("emitted payload=%+v err=%v", p, err)
	}

	// No client id echo: reconciliation falls back to content and time.
	deliver(s, v1.EventMessageSent, v1.MessagePayload{ID: "srv-1", EmisorID: "me", ReceptorID: "p", Contenido: "hello", FechaEnvio: c.Now()})
	got := s.Messages("p")
	if len(got) != 1 || got[0].ServerID != "srv-1" || got[0].Content != "hello" {
		t.Fatalf("messages=%+v want one confirmed", got)
	}
}

func TestNewMessage_OwnEchoRaisesNoNotice(t *testing.T) {
	t.Parallel()

	var notices []Notice
	s, _, c := newSync(t, WithNoticeHandler(func(n Notice) { notices = append(notices, n) }))
	deliver(s, v1.EventNewMessage, v1.MessagePayload{ID: "srv-1", EmisorID: "me", ReceptorID: "p", Contenido: "mine", FechaEnvio: c.Now()})
	if len(notices) != 0 {
		t.Fatalf("notices=%+v want none", notices)
	}
}

func TestMessagesRead_IdempotentAndMonotonic(t *testing.T) {
	t.Parallel()

	s, _, c := newSync(t)
	for i, text := range []string{"one", "two"} {
		_, _ = s.Send(context.Background(), "p", text)
		deliver(s, v1.EventMessageSent, v1.MessagePayload{
			ID: []string{"s1", "s2"}[i], EmisorID: "me", ReceptorID: "p", Contenido: text, FechaEnvio: c.Now(),
		})
		c.Advance(time.Second)
	}

	readAt := c.Now().Add(time.Minute)
	receipt := v1.MarkReadPayload{UserID: "p", PartnerID: "me", ReadAt: &readAt}
	deliver(s, v1.EventMessagesRead, receipt)
	once := s.Messages("p")
	deliver(s, v1.EventMessagesRead, receipt)
	twice := s.Messages("p")

	if diff := cmp.Diff(once, twice); diff != "" {
		t.Fatalf("second receipt changed state (-once +twice):\n%s", diff)
	}
	for _, m := range twice {
		if m.Status != StatusRead || !m.ReadAt.Equal(readAt) || !m.DeliveredAt.Equal(readAt) {
			t.Fatalf("message=%+v want read at %v", m, readAt)
		}
	}

	// A late confirmation must not move a read message back.
	deliver(s, v1.EventMessageSent, v1.MessagePayload{ID: "s1", EmisorID: "me", ReceptorID: "p", Contenido: "one"})
	if got := s.Messages("p")[0].Status; got != StatusRead {
		t.Fatalf("status=%s after late confirmation want=read", got)
	}
}

func TestMessagesRead_ByLocalUserClearsUnread(t *testing.T) {
	t.Parallel()

	s, _, c := newSync(t)
	deliver(s, v1.EventNewMessage, v1.MessagePayload{ID: "srv-1", EmisorID: "p", ReceptorID: "me", Contenido: "hey", FechaEnvio: c.Now()})
	if s.UnreadCount() != 1 {
		t.Fatalf("UnreadCount=%d want=1", s.UnreadCount())
	}

	deliver(s, v1.EventMessagesRead, v1.MarkReadPayload{UserID: "me", PartnerID: "p"})
	if s.UnreadCount() != 0 {
		t.Fatalf("UnreadCount=%d want=0 after reading elsewhere", s.UnreadCount())
	}
}

func TestOpen_MergesHistoryAndMarksRead(t *testing.T) {
	t.Parallel()

	s, f, c := newSync(t)
	t0 := c.Now().Add(-time.Hour)
	history := []v1.MessagePayload{
		{ID: "s2", EmisorID: "p", ReceptorID: "me", Contenido: "second", FechaEnvio: t0.Add(time.Minute)},
		{ID: "s1", EmisorID: "me", ReceptorID: "p", Contenido: "first", FechaEnvio: t0},
	}
	if err := s.Open(context.Background(), "p", history); err != nil {
		t.Fatalf("Open: %v", err)
	}

	got := s.Messages("p")
	if len(got) != 2 || got[0].ServerID != "s1" || got[1].ServerID != "s2" {
		t.Fatalf("messages=%+v want s1,s2 ordered by time", got)
	}
	if got[1].Status != StatusDelivered {
		t.Fatalf("inbound history status=%s want=delivered", got[1].Status)
	}
	if n := len(f.Emitted(v1.EventMarkConversationRead)); n != 1 {
		t.Fatalf("mark read emits=%d want=1", n)
	}

	// Re-opening with the same history keeps one copy of each message.
	if err := s.Open(context.Background(), "p", history); err != nil {
		t.Fatalf("Open again: %v", err)
	}
	if n := len(s.Messages("p")); n != 2 {
		t.Fatalf("messages after reopen=%d want=2", n)
	}
}

func TestOpen_ReadHistoryEmitsNothing(t *testing.T) {
	t.Parallel()

	s, f, c := newSync(t)
	yes := true
	history := []v1.MessagePayload{{ID: "s1", EmisorID: "p", ReceptorID: "me", Contenido: "old", FechaEnvio: c.Now(), Leido: &yes}}
	if err := s.Open(context.Background(), "p", history); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n := len(f.Emitted(v1.EventMarkConversationRead)); n != 0 {
		t.Fatalf("mark read emitted for read history")
	}
}

func TestTyping_InboundAutoClears(t *testing.T) {
	t.Parallel()

	s, _, _ := newSync(t)
	if err := s.Open(context.Background(), "p", nil); err != nil {
		t.Fatalf("Open: %v", err)
	}

	start := time.Now()
	deliver(s, v1.EventTyping, v1.TypingPayload{UserID: "p", RecipientID: "me"})
	if !s.IsTyping("p") {
		t.Fatalf("IsTyping=false right after typing event")
	}

	for s.IsTyping("p") {
		if time.Since(start) > 2*time.Second {
			t.Fatalf("typing flag still set after 2s")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if el := time.Since(start); el < 1400*time.Millisecond {
		t.Fatalf("typing cleared after %s, want about 1.5s", el)
	}
}

func TestTyping_RenewedByNewEvents(t *testing.T) {
	t.Parallel()

	s, _, _ := newSync(t, WithTypingTimeout(80*time.Millisecond))
	_ = s.Open(context.Background(), "p", nil)

	for i := 0; i < 4; i++ {
		deliver(s, v1.EventTyping, v1.TypingPayload{UserID: "p", RecipientID: "me"})
		time.Sleep(40 * time.Millisecond)
		if !s.IsTyping("p") {
			t.Fatalf("typing cleared while events kept arriving")
		}
	}
}

func TestTyping_IgnoredForOtherPeers(t *testing.T) {
	t.Parallel()

	s, _, _ := newSync(t)
	_ = s.Open(context.Background(), "p", nil)
	deliver(s, v1.EventTyping, v1.TypingPayload{UserID: "q", RecipientID: "me"})
	if s.IsTyping("q") {
		t.Fatalf("typing recorded for a peer whose conversation is not open")
	}
}

func TestTyping_OutboundThrottle(t *testing.T) {
	t.Parallel()

	s, f, c := newSync(t)
	steps := []time.Duration{0, 100 * time.Millisecond, 100 * time.Millisecond, 150 * time.Millisecond}
	for _, d := range steps {
		c.Advance(d)
		if err := s.Typing(context.Background(), "p"); err != nil {
			t.Fatalf("Typing: %v", err)
		}
	}
	// t=0 and t=350ms pass; t=100ms and t=200ms fall inside the window.
	if n := len(f.Emitted(v1.EventTyping)); n != 2 {
		t.Fatalf("typing emits=%d want=2", n)
	}
	if err := s.Typing(context.Background(), "q"); err != nil {
		t.Fatalf("Typing(q): %v", err)
	}
	if n := len(f.Emitted(v1.EventTyping)); n != 3 {
		t.Fatalf("throttle must be per peer: emits=%d want=3", n)
	}
}

func TestLoadSummaries_UnreadAggregation(t *testing.T) {
	t.Parallel()

	s, _, c := newSync(t)
	readAt := c.Now()
	s.LoadSummaries([]v1.ConversationSummary{
		{PeerID: "a", LastMessage: v1.MessagePayload{ID: "1", EmisorID: "a", ReceptorID: "me", FechaEnvio: c.Now()}},
		{PeerID: "b", LastMessage: v1.MessagePayload{ID: "2", EmisorID: "b", ReceptorID: "me", FechaEnvio: c.Now().Add(time.Minute), ReadAt: &readAt}},
		{PeerID: "c", LastMessage: v1.MessagePayload{ID: "3", EmisorID: "me", ReceptorID: "c", FechaEnvio: c.Now().Add(-time.Minute)}},
	})

	if got := s.UnreadCount(); got != 1 {
		t.Fatalf("UnreadCount=%d want=1", got)
	}
	var order []string
	for _, sum := range s.Summaries() {
		order = append(order, sum.PeerID)
	}
	if diff := cmp.Diff([]string{"b", "a", "c"}, order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	s, _, _ := newSync(t)
	_, _ = s.Send(context.Background(), "p", "x")
	_ = s.Open(context.Background(), "p", nil)
	s.Reset()

	if s.User() != "" || s.OpenPeer() != "" || len(s.Messages("p")) != 0 || len(s.Summaries()) != 0 {
		t.Fatalf("state survived Reset")
	}
	s.SetUser("other")
	if s.User() != "other" {
		t.Fatalf("SetUser did not bind")
	}
}
