package sync

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type OpKind string

const (
	OpUpsert OpKind = "upsert"
	OpRemove OpKind = "remove"
)

// SyncOperation is one local change to mirror remotely. It is consumed exactly once.
type SyncOperation struct {
	ID        uuid.UUID
	Kind      OpKind
	LocalPath string
	Observed  time.Time
}

func NewUpsert(localPath string) *SyncOperation {
	return &SyncOperation{ID: uuid.New(), Kind: OpUpsert, LocalPath: localPath, Observed: time.Now()}
}

func NewRemove(localPath string) *SyncOperation {
	return &SyncOperation{ID: uuid.New(), Kind: OpRemove, LocalPath: localPath, Observed: time.Now()}
}

func (op *SyncOperation) String() string {
	return fmt.Sprintf("%s %s", op.Kind, op.LocalPath)
}

// SyncOutcome is the result of processing one operation.
type SyncOutcome struct {
	Op         *SyncOperation
	RelPath    string
	RemotePath string
	Success    bool
	Message    string
	Err        error
	Size       int64
	Duration   time.Duration
}
