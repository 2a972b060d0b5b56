// Package store implements the canonical in-memory conversation and
// message model for the synchronization engine.
//
// The store is the single writer of conversation and message state.
// Other components never mutate it directly; they go through the
// synchronization controller's merge operations, which call into the
// mutation methods defined here. All mutations are total: they never
// return errors, and operations against unknown conversation ids are
// no-ops.
//
// Ordering invariant: the per-conversation message list is maintained
// in oldest-to-newest server-id order. Display order (newest first) is
// produced on read via Messages.
//
// Example:
//
//	st := store.New()
//	st.UpsertConversation(conv)
//	if st.PrependMessage(conv.ID, msg) {
//	    // message was new; conversation moved to the top of the list
//	}
package store
