// Package receipts derives per-message read state from read-receipt
// events and schedules the local user's own mark-read emissions.
//
// Reconciliation is idempotent and commutative: the push layer may
// deliver the same receipt more than once and in any order relative to
// other receipts, and the resulting read-by sets are identical to
// applying each distinct receipt exactly once.
package receipts

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/events"
	"github.com/opd-ai/chatsync/store"
)

// Apply folds one read receipt into the store: every message of the
// conversation authored by someone other than the reader, with an id no
// greater than the receipt's last-read id, gains the reader in its
// read-by set. Optimistic messages (negative ids) are skipped. Returns
// the number of messages whose read-by set actually changed.
func Apply(st *store.Store, ev events.MessageRead) int {
	changed := st.PatchMessage(ev.ConversationID,
		func(m *store.Message) bool {
			return m.ID > 0 &&
				m.ID <= ev.LastReadMessageID &&
				m.Sender.ID != ev.ReaderID &&
				!m.IsReadBy(ev.ReaderID)
		},
		func(m *store.Message) {
			m.MarkReadBy(ev.ReaderID)
		})

	if changed > 0 {
		logrus.WithFields(logrus.Fields{
			"function":        "Apply",
			"conversation_id": ev.ConversationID,
			"reader_id":       ev.ReaderID,
			"last_read_id":    ev.LastReadMessageID,
			"messages":        changed,
		}).Debug("Read receipt reconciled")
	}
	return changed
}
