package realtime

// Event is a named message delivered to a session. It is also the wire envelope: the transport
// encodes it as {"event": name, "data": payload}.
type Event struct {
	Name string      `json:"event"`
	Data interface{} `json:"data"`
}

// NewEvent builds an Event.
func NewEvent(name string, data interface{}) Event {
	return Event{Name: name, Data: data}
}
