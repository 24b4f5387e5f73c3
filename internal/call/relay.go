package call

import (
	"log"
	"net"
	"sync"
)

// relay bridges the loopback interface the media engine binds to and the
// peer-to-peer interface the direct radio exposes. It listens on
// 0.0.0.0:59876; packets from the peer's address are forwarded to the
// media engine's loopback port (learned from the first packet the engine
// sends out), and packets from loopback are forwarded to the peer.
type relay struct {
	conn     *net.UDPConn
	remoteIP net.IP

	mu           sync.Mutex
	loopbackPort int // 0 until learned
	buffered     [][]byte

	done chan struct{}
}

// newRelay binds the UDP relay socket and starts its forwarding loop.
// remoteIP is the other side's p2p interface address.
func newRelay(remoteIP net.IP) (*relay, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: UDPRelayPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}
	r := &relay{conn: conn, remoteIP: remoteIP, done: make(chan struct{})}
	go r.loop()
	return r, nil
}

func (r *relay) loop() {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.done:
				return
			default:
				log.Printf("CALL: relay read error: %v", err)
				return
			}
		}
		data := append([]byte(nil), buf[:n]...)
		if from.IP.Equal(net.IPv4(127, 0, 0, 1)) || from.IP.IsLoopback() {
			r.fromLoopback(from.Port, data)
		} else {
			r.fromPeer(data)
		}
	}
}

// fromLoopback learns the media engine's local port on first contact and
// flushes anything buffered while it was still unknown.
func (r *relay) fromLoopback(port int, data []byte) {
	r.mu.Lock()
	firstContact := r.loopbackPort == 0
	r.loopbackPort = port
	var flush [][]byte
	if firstContact {
		flush = r.buffered
		r.buffered = nil
	}
	r.mu.Unlock()

	r.send(data, &net.UDPAddr{IP: r.remoteIP, Port: UDPRelayPort})
	for _, b := range flush {
		r.send(b, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	}
}

// fromPeer forwards to the learned loopback port, or buffers (bounded) if
// the local engine hasn't sent anything yet.
func (r *relay) fromPeer(data []byte) {
	r.mu.Lock()
	port := r.loopbackPort
	if port == 0 {
		if len(r.buffered) < UDPRelayBufferCap {
			r.buffered = append(r.buffered, data)
		}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.send(data, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
}

func (r *relay) send(data []byte, to *net.UDPAddr) {
	if _, err := r.conn.WriteToUDP(data, to); err != nil {
		log.Printf("CALL: relay write to %s error: %v", to, err)
	}
}

func (r *relay) Close() error {
	close(r.done)
	return r.conn.Close()
}
