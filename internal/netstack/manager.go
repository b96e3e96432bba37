package netstack

import (
	"fmt"
	"sync"
	"sync/atomic"
)

////////////////////////////////////////////////////////////////////////////////
// Socket registry and port allocation.
////////////////////////////////////////////////////////////////////////////////

const (
	ephemeralPortFirst uint16 = 49152
	ephemeralPortLast  uint16 = 65535
)

// socketManager owns the fd namespace and the per-protocol port tables.
type socketManager struct {
	mu       sync.RWMutex
	sockets  map[SocketFD]*Socket
	tcpPorts map[uint16]SocketFD
	udpPorts map[uint16]SocketFD

	nextFD atomic.Uint32
	// nextEphemeral rotates the starting point of the ephemeral scan so
	// freshly released ports are not immediately reused.
	nextEphemeral uint16
}

func newSocketManager() *socketManager {
	return &socketManager{
		sockets:       make(map[SocketFD]*Socket),
		tcpPorts:      make(map[uint16]SocketFD),
		udpPorts:      make(map[uint16]SocketFD),
		nextEphemeral: ephemeralPortFirst,
	}
}

func (m *socketManager) portsFor(proto SocketType) map[uint16]SocketFD {
	if proto == SocketTCP {
		return m.tcpPorts
	}
	return m.udpPorts
}

// generateFD hands out a fresh, never-reused descriptor.
func (m *socketManager) generateFD() SocketFD {
	return SocketFD(m.nextFD.Add(1) - 1)
}

// register adds the socket to the registry. Its fd must come from
// generateFD.
func (m *socketManager) register(s *Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sockets[s.fd] = s
}

// unregister drops the socket and frees any port it held.
func (m *socketManager) unregister(fd SocketFD) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sockets[fd]
	if !ok {
		return
	}
	delete(m.sockets, fd)

	ports := m.portsFor(s.proto)
	for port, owner := range ports {
		if owner == fd {
			delete(ports, port)
		}
	}
}

func (m *socketManager) get(fd SocketFD) (*Socket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sockets[fd]
	if !ok {
		return nil, fmt.Errorf("%w: fd %d", ErrNotFound, fd)
	}
	return s, nil
}

// bindPort claims an explicit port for fd.
func (m *socketManager) bindPort(proto SocketType, port uint16, fd SocketFD) error {
	if port == 0 {
		return fmt.Errorf("%w: port 0", ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ports := m.portsFor(proto)
	if owner, taken := ports[port]; taken && owner != fd {
		return fmt.Errorf("%w: %s port %d", ErrPortInUse, proto, port)
	}
	ports[port] = fd
	return nil
}

// allocateEphemeralPort scans the dynamic range for a free port and claims
// it for fd.
func (m *socketManager) allocateEphemeralPort(proto SocketType, fd SocketFD) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ports := m.portsFor(proto)
	span := int(ephemeralPortLast-ephemeralPortFirst) + 1
	for i := 0; i < span; i++ {
		port := m.nextEphemeral
		if m.nextEphemeral == ephemeralPortLast {
			m.nextEphemeral = ephemeralPortFirst
		} else {
			m.nextEphemeral++
		}
		if _, taken := ports[port]; !taken {
			ports[port] = fd
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: no free %s ephemeral ports", ErrResourceExhausted, proto)
}

func (m *socketManager) releasePort(proto SocketType, port uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.portsFor(proto), port)
}

// findByPort returns the socket bound to the given local port.
func (m *socketManager) findByPort(proto SocketType, port uint16) (*Socket, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fd, ok := m.portsFor(proto)[port]
	if !ok {
		return nil, false
	}
	s, ok := m.sockets[fd]
	return s, ok
}

func (m *socketManager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sockets)
}

// closeAll tears down every registered socket. Used by stack shutdown.
func (m *socketManager) closeAll() {
	m.mu.RLock()
	all := make([]*Socket, 0, len(m.sockets))
	for _, s := range m.sockets {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		s.Close()
	}
}
