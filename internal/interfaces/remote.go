package interfaces

import "context"

// RemoteInserter inserts one record into a named destination of the remote data service.
// The remote side is expected to tolerate duplicate inserts.
type RemoteInserter interface {
	Insert(ctx context.Context, table string, record interface{}) error
}
