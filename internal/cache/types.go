package cache

// OutboxEntry is a locally queued send awaiting the remote log.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	SenderID       string
	Body           string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	ServerMsgID    string
}
