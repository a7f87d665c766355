package provision

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRepoName   = errors.New("invalid repository name")
	ErrCredentialExpired = errors.New("pooled credential has expired")
	ErrStartTimeout      = errors.New("workflow did not start in time")
)

type Kind string

const (
	KindValidation   Kind = "validation"
	KindCredential   Kind = "credential"
	KindUpstream     Kind = "upstream"
	KindStartTimeout Kind = "start_timeout"
)

// Error reports a failed provision. RepoURL and ActionsURL are set once the
// repository exists so an operator can recover by hand.
type Error struct {
	Kind       Kind
	Message    string
	RepoURL    string
	ActionsURL string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("provision %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("provision %s: %s: %v", e.Kind, e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func failure(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}
