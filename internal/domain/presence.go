package domain

// PresenceEvent tells a contact that Subject went online or offline.
// Never persisted; lost if the recipient is not connected.
type PresenceEvent struct {
	Subject Identity `json:"subject"`
	Online  bool     `json:"online"`
}

// Contact is one edge of the relationship graph as seen from its owner.
type Contact struct {
	Identity Identity `json:"identity"`
	Accepted bool     `json:"accepted"`
}
