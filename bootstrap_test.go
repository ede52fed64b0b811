package surfrpc

import (
	"errors"
	"fmt"
	"net"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test060_port_scan_takes_first_free(t *testing.T) {

	cv.Convey("the scan skips occupied ports and binds the first free one", t, func() {

		// carve a private little range out of the scan space
		// so the test does not depend on ambient port usage.
		base := 51870
		var blockers []net.Listener
		defer func() {
			for _, b := range blockers {
				b.Close()
			}
		}()
		for i := 0; i < 3; i++ {
			b, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%v", base+i))
			if err != nil {
				t.Skipf("port %v busy on this machine, cannot stage the scan", base+i)
			}
			blockers = append(blockers, b)
		}

		lis, port, err := bindFirstFreePort("127.0.0.1", base, base+10)
		panicOn(err)
		defer lis.Close()
		cv.So(port, cv.ShouldEqual, base+3)
	})
}

func Test061_port_scan_exhaustion(t *testing.T) {

	cv.Convey("a fully occupied range fails with ErrNoAvailablePort", t, func() {

		base := 51890
		var blockers []net.Listener
		defer func() {
			for _, b := range blockers {
				b.Close()
			}
		}()
		for i := 0; i < 2; i++ {
			b, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%v", base+i))
			if err != nil {
				t.Skipf("port %v busy on this machine, cannot stage the scan", base+i)
			}
			blockers = append(blockers, b)
		}

		_, _, err := bindFirstFreePort("127.0.0.1", base, base+1)
		cv.So(errors.Is(err, ErrNoAvailablePort), cv.ShouldBeTrue)

		_, _, err = bindFirstFreePort("127.0.0.1", 10, 9)
		cv.So(errors.Is(err, ErrNoAvailablePort), cv.ShouldBeTrue)
	})
}

func Test062_host_start_on_exhausted_range(t *testing.T) {

	cv.Convey("Start surfaces ErrNoAvailablePort when its configured window is fully occupied, and may be retried", t, func() {

		base := 51910
		blocker, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%v", base))
		if err != nil {
			t.Skipf("port %v busy on this machine, cannot stage the scan", base)
		}

		cfg := NewConfig()
		cfg.PortRangeStart = base
		cfg.PortRangeEnd = base
		h := NewHost(cfg)
		defer h.Close()

		_, err = h.Start()
		cv.So(errors.Is(err, ErrNoAvailablePort), cv.ShouldBeTrue)
		cv.So(h.GetBoundPort(), cv.ShouldEqual, 0)

		// a failed bootstrap does not wedge the Host.
		blocker.Close()
		port, err := h.Start()
		panicOn(err)
		cv.So(port, cv.ShouldEqual, base)
	})
}
