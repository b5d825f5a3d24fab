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

//go:build !linux

package core

import (
	"fmt"
	"net"
)

// The transparent (IP_TRANSPARENT) and REDIRECT (SO_ORIGINAL_DST) acceptor
// modes (spec §6) are Linux-specific kernel facilities; every other GOOS
// builds against these stubs so the module still compiles, with the SOCKS5
// acceptor remaining fully functional everywhere.

func transparentListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}

func originalDestinationTCP(conn net.Conn) (net.IP, int, error) {
	return nil, 0, fmt.Errorf("SO_ORIGINAL_DST is only available on linux")
}

func listenTransparentUDP(address string) (*net.UDPConn, error) {
	return nil, fmt.Errorf("transparent UDP listening is only available on linux")
}

func recvWithOrigDst(conn *net.UDPConn) (payload []byte, remote, origDst *net.UDPAddr, err error) {
	return nil, nil, nil, fmt.Errorf("transparent UDP listening is only available on linux")
}
