//go:build !unix

package tcp

import "syscall"

func probeSocket() error { return nil }

func reuseAddrControl(network, address string, c syscall.RawConn) error { return nil }
