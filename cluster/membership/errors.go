package membership

import "github.com/clusterd/noded/cluster/admission"

// joinLaterError signals that a join was deferred, not permanently
// rejected; callers may retry (cluster/request/cmd decide the backoff
// policy).
type joinLaterError struct {
	result admission.ErrCode
}

func (e *joinLaterError) Error() string {
	return "membership: join deferred: " + e.result.String()
}

// IsJoinLater reports whether err indicates a deferred (retryable) join.
func IsJoinLater(err error) bool {
	_, ok := err.(*joinLaterError)
	return ok
}

func errJoinLater(msg admission.JoinMessage) error {
	return &joinLaterError{result: msg.Result}
}

type joinFailedError struct {
	result admission.ErrCode
}

func (e *joinFailedError) Error() string {
	return "membership: join failed: " + e.result.String()
}

func errJoinFailed(msg admission.JoinMessage) error {
	return &joinFailedError{result: msg.Result}
}
