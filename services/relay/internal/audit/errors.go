package audit

import "errors"

var errInvalidJSON = errors.New("payload не является JSON")
