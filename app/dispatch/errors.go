package dispatch

import "github.com/boltconn/boltconn/common/errors"

// Build-time failure kinds. Builders wrap these so callers can test with
// errors.Is while logs keep the offending name.
var (
	ErrDuplicateName      = errors.New("duplicate name")
	ErrUnknownReference   = errors.New("unknown reference")
	ErrCycleDetected      = errors.New("cycle detected in proxy groups")
	ErrMissingFallback    = errors.New("missing fallback")
	ErrUnexpectedFallback = errors.New("unexpected fallback")
	ErrBadRegex           = errors.New("bad provider filter regex")
	ErrUnsupportedCipher  = errors.New("unsupported cipher")
	ErrBadKeyMaterial     = errors.New("bad key material")
)
