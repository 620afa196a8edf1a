// Package messaging keeps the state of one buyer/seller conversation in
// sync over the messaging socket.
//
// Inbound frames (NEW_MESSAGE, MESSAGE_SENT, TYPING_STATUS, READ_RECEIPT,
// USER_STATUS) update a model.MessageThread. Outbound sends are optimistic:
// SendMessage appends a pending message keyed by a client uuid, and the
// MESSAGE_SENT echo replaces it with the server copy.
//
// Typing has two timers. StartTyping sends TYPING_START once and TYPING_STOP
// after TypingIdle without further calls. A remote TYPING_STATUS clears
// itself after TypingExpiry when no stop arrives.
package messaging
