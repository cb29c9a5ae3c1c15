package lockservice

// Submitter is the narrow slice of the service facade the Expirer needs: a
// way to push a CleanupExpired command through the replicated log without
// depending on the full service/replication packages (avoids an import
// cycle between lockservice and the components built on top of it).
type Submitter interface {
	Submit(cmd Command) (Result, error)
}

// Expirer sweeps expired sessions each time Sweep is called. It never touches State
// directly: expiry, like every other mutation, goes through Submit so the
// cleanup is itself a replicated, deterministic operation rather than a
// side effect local to one node.
type Expirer struct {
	submitter Submitter
	nowFn     func() float64
}

func NewExpirer(submitter Submitter, nowFn func() float64) *Expirer {
	return &Expirer{submitter: submitter, nowFn: nowFn}
}

// Sweep submits one CleanupExpired command and returns how many sessions
// were reaped. Safe to call from a ticker; on a non-leader node Submit
// fails, and Sweep returns that error unchanged.
func (e *Expirer) Sweep() (int, error) {
	res, err := e.submitter.Submit(Command{
		Kind: CleanupExpiredCmd,
		Now:  e.nowFn(),
	})
	if err != nil {
		return 0, err
	}
	if !res.Success() {
		return 0, res.Err
	}
	return res.CleanupCount, nil
}
