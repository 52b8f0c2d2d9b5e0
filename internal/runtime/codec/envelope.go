package codec

// Meta is the routing header of every message. It is always JSON so any
// peer can route a message without knowing the body encoding.
type Meta struct {
	Command  string `json:"command"`
	Channel  string `json:"channel"`
	Node     string `json:"node"`
	Checksum uint32 `json:"checksum,omitempty"`
}

// Envelope is a decoded message. Control messages only populate Meta.
type Envelope struct {
	Meta Meta
	Head map[string]any
	Body any
}

// IsZero reports whether nothing was received, as after a timeout.
func (e Envelope) IsZero() bool {
	return e.Meta == (Meta{}) && e.Head == nil && e.Body == nil
}

// Command parses Meta.Command.
func (e Envelope) Command() (Command, error) {
	return ParseCommand(e.Meta.Command)
}

// BodyMap returns the body as an object, or nil when it is not one.
func (e Envelope) BodyMap() map[string]any {
	m, _ := e.Body.(map[string]any)
	return m
}

// HeadValue returns a single head entry.
func (e Envelope) HeadValue(key string) any {
	if e.Head == nil {
		return nil
	}
	return e.Head[key]
}
