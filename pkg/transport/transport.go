package transport

// Handle is a resolved connection to one tablet server. SendAsync never blocks on the
// network: the result is delivered through done, on whatever goroutine the
// implementation chooses, exactly once per call.
type Handle interface {
	Endpoint() string
	SendAsync(ctrl *Controller, method string, req, resp any, done func(error))
}

// Dialer builds handles for endpoints ("host:port").
type Dialer interface {
	Dial(endpoint string) (Handle, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(endpoint string) (Handle, error)

func (f DialerFunc) Dial(endpoint string) (Handle, error) {
	return f(endpoint)
}
