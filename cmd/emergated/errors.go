package main

import (
	"errors"
	"net"
	"syscall"
)

// isAddrInUse reports whether err (possibly wrapped) is a listen failure
// caused by the bind address already being in use — the one init failure
// the spec calls out its own exit code for.
func isAddrInUse(err error) bool {
	var opErr *net.OpError
	return asOpErr(err, &opErr) && opErr.Op == "listen" && errors.Is(opErr.Err, syscall.EADDRINUSE)
}

func asOpErr(err error, target **net.OpError) bool {
	for err != nil {
		if opErr, ok := err.(*net.OpError); ok {
			*target = opErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
