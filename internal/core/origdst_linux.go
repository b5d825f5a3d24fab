/**
* Copyright 2018 Comcast Cable Communications Management, LLC
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You may obtain a copy of the License at
* http://www.apache.org/licenses/LICENSE-2.0
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
 */

//go:build linux

package core

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// soOriginalDst is Linux's getsockopt option recovering the pre-NAT
// destination of a connection accepted off an iptables/nftables REDIRECT
// rule (spec §6 "REDIRECT (nonlocal destination via SO_ORIGINAL_DST-style
// socket option)"). It has no named constant in golang.org/x/sys/unix.
const soOriginalDst = 80

// transparentListenConfig returns a net.ListenConfig whose accepted sockets
// carry IP_TRANSPARENT, so a TCP listener bound to a non-local address
// (spec §6 "transparent (TPROXY-style IP_TRANSPARENT ... SetsockoptInt)")
// can actually bind it, and so accepted connections report the true,
// pre-interception destination as their own LocalAddr.
func transparentListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
}

// originalDestinationTCP recovers a REDIRECT-intercepted TCP connection's
// true destination via SO_ORIGINAL_DST. conn must be the *net.TCPConn
// accepted straight off the redirect listener.
func originalDestinationTCP(conn net.Conn) (net.IP, int, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, 0, fmt.Errorf("SO_ORIGINAL_DST lookup requires a *net.TCPConn, got %T", conn)
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return nil, 0, err
	}

	var addr unix.RawSockaddrInet4
	size := uint32(unsafe.Sizeof(addr))
	var ctrlErr error
	if err := raw.Control(func(fd uintptr) {
		_, _, errno := unix.Syscall6(
			unix.SYS_GETSOCKOPT,
			fd,
			uintptr(unix.IPPROTO_IP),
			uintptr(soOriginalDst),
			uintptr(unsafe.Pointer(&addr)),
			uintptr(unsafe.Pointer(&size)),
			0,
		)
		if errno != 0 {
			ctrlErr = errno
		}
	}); err != nil {
		return nil, 0, err
	}
	if ctrlErr != nil {
		return nil, 0, ctrlErr
	}

	ip := net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3])
	port := int(addr.Port&0xff)<<8 | int(addr.Port>>8)
	return ip, port, nil
}

// listenTransparentUDP opens a UDP socket carrying both IP_TRANSPARENT (to
// accept datagrams addressed to a non-local destination) and
// IP_RECVORIGDSTADDR (so each recvmsg can recover that destination via
// ancillary data), the UDP analog of the TCP transparent listener above.
func listenTransparentUDP(address string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1); sockErr != nil {
					return
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_RECVORIGDSTADDR, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", address)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// recvWithOrigDst reads one datagram from conn, returning its payload, the
// sender's address, and (via the IP_RECVORIGDSTADDR ancillary data set up by
// listenTransparentUDP) the original destination address it was sent to.
func recvWithOrigDst(conn *net.UDPConn) (payload []byte, remote, origDst *net.UDPAddr, err error) {
	buf := make([]byte, 64*1024)
	oob := make([]byte, 1024)

	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, nil, nil, err
	}

	var n, oobn int
	var from unix.Sockaddr
	var recvErr error
	err = raw.Read(func(fd uintptr) bool {
		n, oobn, _, from, recvErr = unix.Recvmsg(int(fd), buf, oob, 0)
		return true
	})
	if err != nil {
		return nil, nil, nil, err
	}
	if recvErr != nil {
		return nil, nil, nil, recvErr
	}

	remote = sockaddrToUDPAddr(from)

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, nil, nil, err
	}
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_IP && m.Header.Type == unix.IP_RECVORIGDSTADDR {
			var sa unix.RawSockaddrInet4
			if len(m.Data) >= int(unsafe.Sizeof(sa)) {
				copy((*[1 << 20]byte)(unsafe.Pointer(&sa))[:unsafe.Sizeof(sa)], m.Data)
				origDst = &net.UDPAddr{
					IP:   net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]),
					Port: int(sa.Port&0xff)<<8 | int(sa.Port>>8),
				}
			}
		}
	}

	out := make([]byte, n)
	copy(out, buf[:n])
	return out, remote, origDst, nil
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(s.Addr[:]), Port: s.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: net.IP(s.Addr[:]), Port: s.Port}
	default:
		return &net.UDPAddr{}
	}
}
