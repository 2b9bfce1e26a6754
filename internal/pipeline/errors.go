package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Systems named in ConnectivityError.
const (
	SystemTAS   = "tas"
	SystemStore = "store"
	SystemLDAP  = "ldap"
)

// ConnectivityError aborts a run: an external system could not be reached or
// answered with a failure.
type ConnectivityError struct {
	System string
	Op     string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s unreachable during %s: %v", e.System, e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err aborted a run for connectivity reasons.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

func connectivity(system, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &ConnectivityError{System: system, Op: op, Err: err}
}
