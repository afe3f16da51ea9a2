// Package history persists per-user conversation turns.
//
// Invariants:
// - Append is durable before it returns and assigns a strictly increasing Seq per user.
// - Appends for the same user are serialized; different users never contend.
// - LoadRecent returns an ascending window that starts at a user turn.
// - Clear is idempotent and is the only way turns are removed.
//
// Usage:
//
//	store, _ := history.NewFileStore("/tmp/shiftdesk/history")
//	turn, _ := store.Append(ctx, "U1", history.NewTextTurn(history.RoleUser, "hello"))
//	window, _ := store.LoadRecent(ctx, "U1", history.DefaultUserTurnLimit, history.DefaultFetchCap)
//	_, _ = turn, window
package history
