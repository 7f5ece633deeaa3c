package model

// Request is the caller-supplied part of an outbound command. The registry
// embeds an id to turn it into a Command.
type Request struct {
	Method string `json:"method" yaml:"method"`
	Params any    `json:"params,omitempty" yaml:"params"`
}

// WithID returns the Command for this request under the given id.
func (r Request) WithID(id int64) Command {
	return Command{
		ID:     id,
		Method: r.Method,
		Params: r.Params,
	}
}

// IsZero reports whether the request carries no method.
func (r Request) IsZero() bool {
	return r.Method == ""
}

// Command is an outbound request as written to the socket.
type Command struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}
