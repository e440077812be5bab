package health

// Checker reports whether a component is able to serve.
type Checker interface {
	Check() error
}
