//go:build !linux && !darwin && !windows

package rendezvous

import "errors"

func LookUp(identifier string) (Conn, error) {
	return nil, errors.New("rendezvous: this platform is not supported")
}

func Register(identifier string) (Listener, error) {
	return nil, errors.New("rendezvous: this platform is not supported")
}
