package verify

import (
	"errors"
	"fmt"
)

// TamperingError reports stored state that no longer matches what the node
// built or agreed on.
type TamperingError struct {
	Source      string
	OperationID string
	Message     string
}

func (e *TamperingError) Error() string {
	if e.OperationID == "" {
		return fmt.Sprintf("TAMPERING DETECTED in %s: %s", e.Source, e.Message)
	}
	return fmt.Sprintf("TAMPERING DETECTED in %s: operation %s %s", e.Source, e.OperationID, e.Message)
}

func NewTamperingError(source, operationID, message string) *TamperingError {
	return &TamperingError{
		Source:      source,
		OperationID: operationID,
		Message:     message,
	}
}

func IsTamperingError(err error) bool {
	var te *TamperingError
	return errors.As(err, &te)
}

func AsTamperingError(err error) *TamperingError {
	var te *TamperingError
	if errors.As(err, &te) {
		return te
	}
	return nil
}

// InconsistencyError reports that this replica disagrees with peers that
// share its causal history.
type InconsistencyError struct {
	LocalRoot    string
	MajorityRoot string
	Agreeing     int
	Disagreeing  int
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("replica inconsistent with peers: local root %s, %d peers agree on %s, %d agree with us",
		e.LocalRoot, e.Disagreeing, e.MajorityRoot, e.Agreeing)
}
