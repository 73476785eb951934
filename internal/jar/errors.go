package jar

import "errors"

var (
	// ErrNetwork is returned when an external service is unreachable or answers with a non-success status.
	ErrNetwork = errors.New("network error")

	// ErrPartialDecode marks a single contract read that failed; the entry is defaulted.
	ErrPartialDecode = errors.New("partial decode error")

	// ErrMissingPrice marks an identifier the price service returned nothing for.
	ErrMissingPrice = errors.New("price unavailable")
)
