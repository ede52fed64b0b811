package surfrpc

import (
	"fmt"
	"net"
)

// bindFirstFreePort walks [lo, hi] on bindHost and keeps
// the first listener that binds. A port already in use
// (or otherwise unbindable) just advances the scan.
// Exhausting the range is fatal to the caller: there is
// no fallback transport.
func bindFirstFreePort(bindHost string, lo, hi int) (lis net.Listener, port int, err error) {
	if hi < lo {
		return nil, 0, fmt.Errorf("%w: empty range [%v, %v]", ErrNoAvailablePort, lo, hi)
	}
	for port = lo; port <= hi; port++ {
		lis, err = net.Listen("tcp", fmt.Sprintf("%v:%v", bindHost, port))
		if err == nil {
			return lis, port, nil
		}
		pp("port %v not bindable: %v; scanning on", port, err)
	}
	return nil, 0, fmt.Errorf("%w: [%v, %v] on %v", ErrNoAvailablePort, lo, hi, bindHost)
}
