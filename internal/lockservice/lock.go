package lockservice

// Lock is an exclusive claim on a named resource, parameterized by a fence
// token. At most one Lock entry exists per resource at any time.
type Lock struct {
	Resource   string
	SessionID  string
	FenceToken int64
	AcquiredAt float64
}

func (l *Lock) clone() *Lock {
	cp := *l
	return &cp
}
