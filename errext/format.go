package errext

import (
	"errors"
)

// Format formats the given error as a message (string) and a map of fields.
// In case of [HasHint], it adds the hint as a field; in case of [HasRetry]
// it adds whether the operation can be retried.
func Format(err error) (string, map[string]any) {
	if err == nil {
		return "", nil
	}

	fields := make(map[string]any)
	var herr HasHint
	if errors.As(err, &herr) {
		fields["hint"] = herr.Hint()
	}
	var rerr HasRetry
	if errors.As(err, &rerr) {
		fields["retryable"] = rerr.Retryable()
	}

	return err.Error(), fields
}
