//go:build !unix

package portprobe

import "syscall"

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
