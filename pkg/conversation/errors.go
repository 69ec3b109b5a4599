package conversation

// ValidationError is returned when a request cannot be assembled into a
// conversation. It is always the caller's fault.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

var (
	ErrSelectionRequired = &ValidationError{Message: "selection required"}
	ErrQuestionRequired  = &ValidationError{Message: "Provide either popup_turns or question"}
)
