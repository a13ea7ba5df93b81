package domain

import "errors"

var (
	// ErrNotFound is returned when a requested entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when a state transition is not allowed.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrInvalidArgument is returned when an argument is invalid.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyExists is returned when trying to create a duplicate entity.
	ErrAlreadyExists = errors.New("already exists")

	// ErrLocalEvaluation is a pure-computation fault inside a step.
	ErrLocalEvaluation = errors.New("local evaluation error")

	// ErrEffectDenied is a host or governance refusal of an effect request.
	ErrEffectDenied = errors.New("effect denied")

	// ErrEffectFailure is returned when capability execution failed on the host.
	ErrEffectFailure = errors.New("effect failure")

	// ErrEffectTimeout is matched by failures caused by a host timeout.
	ErrEffectTimeout = errors.New("effect timeout")

	// ErrCancelled is returned when the host cancels an effect. It aborts
	// the plan regardless of the step's failure policy.
	ErrCancelled = errors.New("cancelled")

	// ErrLedgerWrite is returned when the causal chain cannot record an action.
	// It is always fatal to the in-flight step and plan.
	ErrLedgerWrite = errors.New("ledger write failure")

	// ErrSigningUnavailable is returned by a signer that cannot produce signatures.
	ErrSigningUnavailable = errors.New("signing unavailable")

	// ErrCheckpointCorrupt is returned when a stored checkpoint no longer
	// matches its content hash. Loaders wrap it together with ErrNotFound.
	ErrCheckpointCorrupt = errors.New("checkpoint hash mismatch")

	// ErrCheckpointMismatch is returned when a checkpoint is resumed against
	// a plan other than the one that produced it.
	ErrCheckpointMismatch = errors.New("checkpoint belongs to another plan")

	// ErrRequestMismatch is returned when an effect result does not answer
	// the request pending at the checkpoint.
	ErrRequestMismatch = errors.New("effect result does not match pending request")

	// ErrAlreadyResumed is returned when a checkpoint is resumed a second
	// time with a different effect result.
	ErrAlreadyResumed = errors.New("checkpoint already resumed with a different result")
)
