package runtime

import (
	"errors"
	"fmt"

	"github.com/Tessera-Labs/credstate/pkg/auth"
	"github.com/Tessera-Labs/credstate/pkg/bridge"
	"github.com/Tessera-Labs/credstate/pkg/identity"
	"github.com/Tessera-Labs/credstate/pkg/oracle"
	"github.com/Tessera-Labs/credstate/pkg/payments"
	"github.com/Tessera-Labs/credstate/pkg/registry"
	"github.com/Tessera-Labs/credstate/pkg/score"
	"github.com/Tessera-Labs/credstate/pkg/state"
)

// ErrorClass classifies command failures consistently across
// components.
type ErrorClass string

const (
	ClassValidation    ErrorClass = "VALIDATION"
	ClassAuthorization ErrorClass = "AUTHORIZATION"
	ClassNotFound      ErrorClass = "NOT_FOUND"
	ClassStateConflict ErrorClass = "STATE_CONFLICT"
	ClassCapacity      ErrorClass = "CAPACITY"
	ClassInternal      ErrorClass = "INTERNAL"
)

// CommandError is a classified, terminal command failure. The command
// it annotates left no state behind.
type CommandError struct {
	Class ErrorClass
	Op    Op
	Err   error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Class, e.Op, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// classTable maps component sentinels to error classes. First match
// wins; unmatched errors classify as internal.
var classTable = []struct {
	sentinel error
	class    ErrorClass
}{
	{ErrUnknownOp, ClassValidation},
	{score.ErrInvalidFactor, ClassValidation},
	{score.ErrScoreOutOfRange, ClassValidation},
	{identity.ErrInvalidDocumentType, ClassValidation},
	{identity.ErrInvalidDocument, ClassValidation},
	{payments.ErrInvalidAmount, ClassValidation},
	{payments.ErrInvalidPayment, ClassValidation},
	{oracle.ErrInvalidURL, ClassValidation},
	{oracle.ErrInvalidDataFormat, ClassValidation},
	{bridge.ErrInvalidRecord, ClassValidation},
	{bridge.ErrUnsupportedVersion, ClassValidation},
	{bridge.ErrUnknownKind, ClassValidation},

	{auth.ErrNoPrincipal, ClassAuthorization},
	{auth.ErrEmptyPrincipal, ClassAuthorization},
	{auth.ErrInvalidToken, ClassAuthorization},
	{oracle.ErrInsufficientPermission, ClassAuthorization},
	{payments.ErrNotParty, ClassAuthorization},
	{bridge.ErrUntrustedOrigin, ClassAuthorization},

	{score.ErrScoreNotFound, ClassNotFound},
	{registry.ErrItemNotFound, ClassNotFound},
	{identity.ErrProfileNotFound, ClassNotFound},
	{payments.ErrPaymentNotFound, ClassNotFound},
	{oracle.ErrSourceNotFound, ClassNotFound},
	{oracle.ErrOracleNotFound, ClassNotFound},
	{oracle.ErrDataNotFound, ClassNotFound},
	{oracle.ErrRequestNotFound, ClassNotFound},
	{state.ErrKeyNotFound, ClassNotFound},

	{registry.ErrAlreadyResolved, ClassStateConflict},
	{payments.ErrInvalidStatus, ClassStateConflict},
	{oracle.ErrSourceExists, ClassStateConflict},
	{oracle.ErrOracleExists, ClassStateConflict},
	{oracle.ErrRequestResolved, ClassStateConflict},

	{score.ErrTooManyFactors, ClassCapacity},
	{registry.ErrOwnerCapacity, ClassCapacity},
	{oracle.ErrTooManySources, ClassCapacity},
}

// Classify maps an error to its taxonomy class.
func Classify(err error) ErrorClass {
	for _, entry := range classTable {
		if errors.Is(err, entry.sentinel) {
			return entry.class
		}
	}
	return ClassInternal
}

// commandError wraps err for op, preserving an existing classification.
func commandError(op Op, err error) error {
	var ce *CommandError
	if errors.As(err, &ce) {
		if ce.Op == "" {
			ce.Op = op
		}
		return err
	}
	return &CommandError{Class: Classify(err), Op: op, Err: err}
}
