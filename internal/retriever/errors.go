package retriever

// Error reports why a document could not be retrieved. No partial document
// accompanies it.
type Error struct {
	Reason     string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "retrieval failed: " + e.Reason + ": " + e.Err.Error()
	}
	return "retrieval failed: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }
