package cache

// Outcome tags a cache read
type Outcome int

const (
	// OutcomeMiss means the store answered and the key is absent
	OutcomeMiss Outcome = iota
	// OutcomeHit means the store answered with a value
	OutcomeHit
	// OutcomeFailed means the store could not answer
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeMiss:
		return "miss"
	case OutcomeFailed:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the outcome of a cache read. Callers that do not care why a
// value is missing can use Or; callers that do can switch on Outcome.
type Result[T any] struct {
	Value   T
	Outcome Outcome
	Err     error
}

// Found reports whether the read hit
func (r Result[T]) Found() bool {
	return r.Outcome == OutcomeHit
}

// Failed reports whether the store could not answer
func (r Result[T]) Failed() bool {
	return r.Outcome == OutcomeFailed
}

// Or returns the value on a hit and def otherwise
func (r Result[T]) Or(def T) T {
	if r.Outcome == OutcomeHit {
		return r.Value
	}
	return def
}

func hit[T any](v T) Result[T] {
	return Result[T]{Value: v, Outcome: OutcomeHit}
}

func miss[T any]() Result[T] {
	return Result[T]{Outcome: OutcomeMiss}
}

func failed[T any](err error) Result[T] {
	return Result[T]{Outcome: OutcomeFailed, Err: err}
}
