// Command tcpbench drives a bulk transfer over the engine between two local
// Stack instances connected by an in-memory pipe, reporting the bytes sent
// and received and the resulting throughput.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/tcpstack/internal/tcpstack"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tcpbench: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	totalBytes := flag.Int64("bytes", 64<<20, "total bytes to transfer")
	chunkSize := flag.Int("chunk", 16<<10, "bytes per Send call")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `tcpbench - throughput benchmark for the tcpstack engine

USAGE:
  tcpbench [flags]

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	addrA := [4]byte{127, 0, 0, 1}
	addrB := [4]byte{127, 0, 0, 2}
	sockA, sockB := newLoopbackPair(addrA, addrB)

	stackA := tcpstack.NewStack(addrA, sockA, log)
	stackB := tcpstack.NewStack(addrB, sockB, log)

	local := tcpstack.NewEndpoint(addrA, 50000)
	remote := tcpstack.NewEndpoint(addrB, 7000)
	stackB.OpenPassive(tcpstack.NewEndpoint(addrB, 7000))

	now := time.Now()
	id, err := stackA.OpenActive(local, remote, now)
	if err != nil {
		return fmt.Errorf("open active: %w", err)
	}

	drive := func(n int) {
		for i := 0; i < n; i++ {
			stackA.PollOnce(now)
			stackB.PollOnce(now)
		}
	}
	drive(20)

	chunk := make([]byte, *chunkSize)
	for i := range chunk {
		chunk[i] = byte(i)
	}

	bar := progressbar.DefaultBytes(*totalBytes, "sending")
	start := time.Now()

	var sent int64
	var recvBuf []byte
	for sent < *totalBytes {
		n := int64(len(chunk))
		if remain := *totalBytes - sent; remain < n {
			n = remain
		}
		if err := stackA.Send(id, chunk[:n], now); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		sent += n
		bar.Add64(n)
		drive(4)

		for _, rid := range stackB.Conns() {
			data, err := stackB.Recv(rid, 1<<20)
			if err == nil {
				recvBuf = append(recvBuf, data...)
			}
		}
	}

	for i := 0; i < 200 && int64(len(recvBuf)) < *totalBytes; i++ {
		drive(4)
		for _, rid := range stackB.Conns() {
			data, err := stackB.Recv(rid, 1<<20)
			if err == nil {
				recvBuf = append(recvBuf, data...)
			}
		}
	}

	elapsed := time.Since(start)
	mbps := float64(sent) / elapsed.Seconds() / (1 << 20)
	fmt.Printf("\nsent %d bytes, received %d bytes, in %s (%.2f MiB/s)\n", sent, len(recvBuf), elapsed, mbps)
	if int64(len(recvBuf)) != sent {
		fmt.Fprintf(os.Stderr, "warning: receiver only reassembled %d of %d bytes\n", len(recvBuf), sent)
	}
	return nil
}

// loopbackSocket is an in-memory RawSocket pairing two Stacks without a
// kernel raw socket, so the benchmark can run without root privileges.
type loopbackSocket struct {
	peer [4]byte
	in   chan []byte
	out  chan []byte
}

func newLoopbackPair(a, b [4]byte) (*loopbackSocket, *loopbackSocket) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	return &loopbackSocket{peer: b, in: ba, out: ab}, &loopbackSocket{peer: a, in: ab, out: ba}
}

func (p *loopbackSocket) Send(packet []byte, dst [4]byte) (int, error) {
	cp := append([]byte(nil), packet...)
	select {
	case p.out <- cp:
	default:
	}
	return len(packet), nil
}

func (p *loopbackSocket) Recv(buf []byte) (int, [4]byte, error) {
	select {
	case pkt := <-p.in:
		return copy(buf, pkt), p.peer, nil
	default:
		return 0, [4]byte{}, nil
	}
}

func (p *loopbackSocket) SetNonblocking(bool) error { return nil }
func (p *loopbackSocket) Close() error              { return nil }
