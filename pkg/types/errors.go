package types

import "errors"

var (
	// ErrTransient indicates a network or rate-limit failure that survived
	// the client's retry policy. Safe to retry on a later cycle.
	ErrTransient = errors.New("transient failure")

	// ErrVersionConflict indicates the remote record changed since it was
	// last read. Callers re-fetch and re-evaluate instead of overwriting.
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotFound indicates the referenced record no longer exists.
	ErrNotFound = errors.New("not found")

	// ErrNoMatch indicates the match oracle found nothing for a title.
	ErrNoMatch = errors.New("no match")

	// ErrPersistence indicates the pairing ledger could not be read or written.
	ErrPersistence = errors.New("persistence failure")

	// ErrInvalidInput indicates malformed arguments or records.
	ErrInvalidInput = errors.New("invalid input")
)

// Outcome is the typed result of a call to an external collaborator.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeTransient       Outcome = "transient"
	OutcomeVersionConflict Outcome = "version_conflict"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeNoMatch         Outcome = "no_match"
	OutcomePersistence     Outcome = "persistence"
	OutcomeInvalid         Outcome = "invalid"
)

// Classify maps an error onto the failure taxonomy.
// Errors that match no sentinel, context cancellation included, are
// treated as transient.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrPersistence):
		return OutcomePersistence
	case errors.Is(err, ErrVersionConflict):
		return OutcomeVersionConflict
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrNoMatch):
		return OutcomeNoMatch
	case errors.Is(err, ErrInvalidInput):
		return OutcomeInvalid
	default:
		return OutcomeTransient
	}
}

// IsTransient reports whether err should be retried later.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == OutcomeTransient
}
