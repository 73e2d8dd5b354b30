// Package types defines the identifier values fdm uses as lookup keys: package
// versions, target platforms, distribution kinds and the dependency requests
// built from them. All of them are immutable, comparable values.
package types

import "errors"

// ErrInvalidIdentifier is returned when a version, platform or distribution
// string cannot be parsed.
var ErrInvalidIdentifier = errors.New("invalid identifier")
