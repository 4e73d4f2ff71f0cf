// Package shared contains the error taxonomy used across loopsched.
//
// Sentinel errors describe a failure class; packages mark their own errors
// with a kind instead of inventing new classes:
//
//	var ErrInvalidDelay = shared.MarkKind(errors.New("scheduler: invalid delay"), shared.KindValidation)
//
// Adapters classify errors with KindOf and map the kind to a transport code:
//
//	switch shared.KindOf(err) {
//	case shared.KindTimeout:
//	    return http.StatusGatewayTimeout
//	case shared.KindDependencyFailure:
//	    return http.StatusServiceUnavailable
//	default:
//	    return http.StatusInternalServerError
//	}
//
// # Kind Priority Table
//
// When an error carries several kinds (errors.Join), KindOf returns the
// highest priority one:
//
//	Priority | Kind                  | Description
//	---------|-----------------------|--------------------
//	1        | KindCanceled          | Context cancellation (highest)
//	2        | KindTimeout           | Timeout/deadline errors
//	3        | KindValidation        | Rejected input
//	4        | KindDependencyFailure | External collaborator failed
//	5        | KindInternal          | Internal errors (lowest)
//
// Panics recovered at loop and mailbox boundaries become *PanicError values
// (KindInternal) through Recovered.
//
// Error messages are lowercase, without punctuation, wrapped with fmt.Errorf and %w.
package shared
