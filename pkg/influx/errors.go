package influx

import "fmt"

// TransportError is returned when the request could not be completed: DNS
// resolution, connection, timeout or interrupted response.
type TransportError struct {
	Err error
}

func (err *TransportError) Error() string {
	return fmt.Sprintf("cannot send request: %v", err.Err)
}

func (err *TransportError) Unwrap() error {
	return err.Err
}

// WriteError is returned when the server answered with a status other than
// 204.
type WriteError struct {
	Status int
	Body   string
}

func (err *WriteError) Error() string {
	body := err.Body

	// Influx can send incredibly long error messages, sometimes including
	// the entire payload received.
	if len(body) > 200 {
		body = body[:200] + " [truncated]"
	}

	if body == "" {
		return fmt.Sprintf("request failed with status %d", err.Status)
	}

	return fmt.Sprintf("request failed with status %d (%s)",
		err.Status, body)
}

// ResponseDecodingError is returned when the response body is not valid
// UTF-8. The request did reach the server.
type ResponseDecodingError struct {
	Status int
}

func (err *ResponseDecodingError) Error() string {
	return fmt.Sprintf("invalid utf-8 response body (status %d)", err.Status)
}
