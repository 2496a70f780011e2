package manager

import "github.com/cuemby/meridian/pkg/types"

// GetResourceRequest is the payload for KindGetResource: look up (Key,
// TypeName) and create a resource of that type if it doesn't exist yet.
// Raft's own log serialization resolves the create-race (two clients
// requesting the same new key in the same term) without any extra
// locking: whichever envelope the leader happens to order first wins,
// and the second sees Created=false against the same ResourceID.
type GetResourceRequest struct {
	Key      string            `json:"key"`
	TypeName string            `json:"typeName"`
	Config   map[string]string `json:"config,omitempty"`
}

// GetResourceResult identifies the resource a GetResource/GetResourceIfAny
// call resolved to.
type GetResourceResult struct {
	ResourceID uint64 `json:"resourceId"`
	TypeID     int16  `json:"typeId"`
	Created    bool   `json:"created"`
}

// GetResourceIfAnyRequest is the payload for KindGetResourceIfAny: the
// same lookup as GetResourceRequest but never creates, returning
// NO_SUCH_RESOURCE if the key is unknown.
type GetResourceIfAnyRequest struct {
	Key      string `json:"key"`
	TypeName string `json:"typeName"`
}

// CloseResourceRequest is the payload for KindCloseResource: the calling
// session releases its claim on a resource it previously obtained via
// GetResource. The resource's data and any other session's claims are
// unaffected; only DeleteResource removes state.
type CloseResourceRequest struct {
	ResourceID uint64 `json:"resourceId"`
}

// DeleteResourceRequest is the payload for KindDeleteResource: permanently
// removes a resource's data and bookkeeping, after letting its machine
// release anything it's retaining.
type DeleteResourceRequest struct {
	ResourceID uint64 `json:"resourceId"`
}

// ConfigureResourceRequest is the payload for KindConfigureResource, e.g.
// setting MultiMap's valueOrder after creation.
type ConfigureResourceRequest struct {
	ResourceID uint64            `json:"resourceId"`
	Config     map[string]string `json:"config"`
}

// Result is the interface{} every ManagerFSM.Apply call returns, the
// shape raft.ApplyFuture.Response() comes back as. Err is a *types.Error
// when non-nil, so callers can inspect Kind without a type assertion.
type Result struct {
	Value any
	Err   error
}

func errResult(kind types.ErrorKind, msg string) Result {
	return Result{Err: types.NewError(kind, msg)}
}

func okResult(v any) Result { return Result{Value: v} }
