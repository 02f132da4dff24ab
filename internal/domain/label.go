package domain

// System labels the broker reads or writes.
const (
	LabelInbox  = "INBOX"
	LabelUnread = "UNREAD"
)
