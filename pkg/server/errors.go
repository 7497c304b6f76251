package server

import "errors"

// ErrServerFull is returned when the connection table is at capacity. It
// mirrors the original engine's ConnectionFailureMsg::CFM_SERVER_FULL.
var ErrServerFull = errors.New("server: connection table is full")
