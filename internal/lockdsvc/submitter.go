package lockdsvc

import (
	"context"

	"github.com/thearun85/lock.io/internal/lockservice"
	"github.com/thearun85/lock.io/internal/replication"
)

// ReplicatorSubmitter adapts a replication.Replicator to the narrower
// lockservice.Submitter interface the Expirer depends on, so lockservice
// need not import the replication package.
type ReplicatorSubmitter struct {
	Replicator replication.Replicator
}

func (r ReplicatorSubmitter) Submit(cmd lockservice.Command) (lockservice.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), replication.SubmitTimeout)
	defer cancel()
	return r.Replicator.Submit(ctx, cmd)
}
