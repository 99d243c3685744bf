package command

// Relay wire envelopes.

// EnvelopeTypeCommand tags a relay frame carrying a command.
const EnvelopeTypeCommand = "command"

// Envelope is the relay command frame sent to a device.
type Envelope struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Command converts the envelope into a Command.
func (e *Envelope) Command() *Command {
	return &Command{ID: e.ID, Action: e.Action, Params: e.Params}
}

// NewEnvelope wraps a command for relay delivery.
func NewEnvelope(cmd *Command) *Envelope {
	return &Envelope{Type: EnvelopeTypeCommand, ID: cmd.ID, Action: cmd.Action, Params: cmd.Params}
}

// Response is the relay frame sent back for a command, correlated by ID.
type Response struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewResponse builds a relay response for the given command id.
func NewResponse(id string, r *Result) *Response {
	r = r.Normalize()
	return &Response{ID: id, Success: r.Success, Data: r.Data, Error: r.Error}
}

// Result converts the response back into a Result.
func (r *Response) Result() *Result {
	return (&Result{Success: r.Success, Data: r.Data, Error: r.Error}).Normalize()
}
