package protocol

// ErrorPayload is the data of an "error" message. Command names the
// offending command when known; errors are always scoped to the requesting
// socket and never broadcast.
type ErrorPayload struct {
	Command string `json:"command,omitempty"`
	Message string `json:"message"`
}

// NewError builds an error message scoped to the given command.
func NewError(command, message string) Message {
	return MustMessage(TypeError, ErrorPayload{Command: command, Message: message})
}
