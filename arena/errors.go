package arena

import "github.com/cockroachdb/errors"

// ErrExhausted is returned by Source.Extend when the source cannot provide any more memory
var ErrExhausted = errors.New("arena: source exhausted")
