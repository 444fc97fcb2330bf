//go:build linux

package socket

import (
	"math/bits"
	"os"

	"golang.org/x/sys/unix"
)

const (
	// room for the IP/UDP headers, link header and skb_shared_info that are
	// allocated next to every payload
	datagramHeadroom = 384
	// struct sk_buff itself
	skbOverhead = 256
)

// datagramCost is what the kernel charges a socket buffer for one queued
// datagram of packetSize bytes (its skb truesize), not the payload length.
func datagramCost(packetSize int) int {
	return 1<<bits.Len(uint(packetSize+datagramHeadroom-1)) + skbOverhead
}

// kernelBufferSize converts a payload byte budget into the SO_SNDBUF or
// SO_RCVBUF value that holds the same number of datagrams.
func kernelBufferSize(payloadBytes, packetSize int) int {
	packets := max(1, (payloadBytes+packetSize-1)/packetSize)
	return packets * datagramCost(packetSize)
}

// setBuffer sizes a socket buffer and returns what the kernel granted. The
// FORCE variant bypasses net.core.[rw]mem_max and needs CAP_NET_ADMIN; without
// it the plain option is used and the kernel silently caps the value.
func setBuffer(fd, opt, forceOpt, size int) (int, error) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, forceOpt, size); err != nil {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, opt, size); err != nil {
			return 0, os.NewSyscallError("setsockopt", err)
		}
	}
	got, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, opt)
	if err != nil {
		return 0, os.NewSyscallError("getsockopt", err)
	}
	return got, nil
}
