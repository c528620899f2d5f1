package conversation

import "time"

// Match names the key a confirmation was reconciled on.
type Match string

const (
	MatchServerID      Match = "server_id"
	MatchClientMsgID   Match = "client_msg_id"
	MatchContentWindow Match = "content_window"
	MatchMiss          Match = "miss"
)

// DefaultWindow is the time proximity within which a pending message matches a confirmation
// by content.
const DefaultWindow = 5 * time.Second

// Reconcile merges confirmed into msgs and returns the result with the key that matched.
//
// The matching order is: same server id, then the echoed client id, then the oldest pending
// message with the same sender, receiver and content sent within window of the confirmation.
// A confirmation matching nothing is appended (MatchMiss) rather than dropped.
// msgs is modified in place when a match is found.
func Reconcile(msgs []Message, confirmed Message, window time.Duration) ([]Message, Match) {
	msgs, _, match := reconcile(msgs, confirmed, window)
	return msgs, match
}

// reconcile is Reconcile that also returns the index of the merged message.
func reconcile(msgs []Message, confirmed Message, window time.Duration) ([]Message, int, Match) {
	if i, match := find(msgs, confirmed, window); i >= 0 {
		msgs[i].absorb(confirmed)
		return msgs, i, match
	}
	return append(msgs, confirmed), len(msgs), MatchMiss
}

func find(msgs []Message, in Message, window time.Duration) (int, Match) {
	if in.ServerID != "" {
		for i := range msgs {
			if msgs[i].ServerID == in.ServerID {
				return i, MatchServerID
			}
		}
	}
	if in.ClientMsgID != "" {
		for i := range msgs {
			if msgs[i].ServerID == "" && (msgs[i].ClientMsgID == in.ClientMsgID || msgs[i].LocalID == in.ClientMsgID) {
				return i, MatchClientMsgID
			}
		}
	}
	for i := range msgs {
		m := msgs[i]
		if m.Status != StatusPending || m.ServerID != "" {
			continue
		}
		if m.SenderID != in.SenderID || m.ReceiverID != in.ReceiverID || m.Content != in.Content {
			continue
		}
		if within(m.SentAt, in.SentAt, window) {
			return i, MatchContentWindow
		}
	}
	return -1, MatchMiss
}

// same reports whether a and b are known to be the same logical message.
func same(a, b Message) bool {
	return a.LocalID == b.LocalID ||
		(a.ServerID != "" && a.ServerID == b.ServerID) ||
		(a.ClientMsgID != "" && a.ClientMsgID == b.ClientMsgID)
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}
