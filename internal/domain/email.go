package domain

import "time"

type Address struct {
	Name  string
	Email string
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return a.Name + " <" + a.Email + ">"
}

// Message is a remote message mirrored in the local cache. Body is empty
// until the full content has been fetched.
type Message struct {
	AccountID int64
	ID        string
	ThreadID  string
	From      Address
	To        []Address
	Subject   string
	Snippet   string
	Body      string
	Date      time.Time
	Labels    []string
	IsRead    bool
	IsDeleted bool
}

func (m *Message) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// HasBody reports whether the full content has been fetched.
func (m *Message) HasBody() bool {
	return m.Body != ""
}

// Draft is an outgoing message.
type Draft struct {
	From    Address
	To      []Address
	CC      []Address
	Subject string
	Body    string
	HTML    bool
}

// MessageStats summarizes the cached messages of one account.
type MessageStats struct {
	Total  int
	Unread int
}
