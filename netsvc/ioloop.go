package netsvc

import (
	"bufio"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ListenTCP binds server's port and runs its accept loop until the
// listener is closed (normally by Shutdown). Each accepted connection
// becomes a channel; the registry attaches a session to it once the first
// readable payload arrives (§4.2 ACCEPT, §4.3).
func (svc *Service) ListenTCP(server Server) error {
	l, err := net.Listen("tcp", portAddr(server.ListenPort()))
	if err != nil {
		return errors.Wrapf(err, "netsvc: listen tcp :%d", server.ListenPort())
	}

	svc.mu.Lock()
	svc.listened = append(svc.listened, l)
	svc.mu.Unlock()

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return // listener closed during Shutdown
			}
			svc.acceptTCP(server, conn)
		}
	}()
	return nil
}

func (svc *Service) acceptTCP(server Server, conn net.Conn) {
	opts := server.SocketOptions()
	applySocketOptions(conn, opts)
	var wired net.Conn = conn
	if opts.Compress {
		wired = NewCompStream(conn)
	}

	ch := &channel{
		id:           nextChannelID(),
		protocol:     ProtocolTCP,
		consumer:     server,
		conn:         wired,
		localPort:    server.ListenPort(),
		multiSession: server.MultiSession(),
		cipher:       svc.cipher,
	}
	if ch.cipher != nil {
		ch.framed = bufio.NewReader(wired)
	}
	svc.registerChannel(ch)
	svc.armHandshakeTimeout(ch)

	if err := svc.ioPool.Submit(func() { svc.readLoopTCP(server, ch) }); err != nil {
		go svc.readLoopTCP(server, ch)
	}
}

// armHandshakeTimeout destroys ch if no session is ever bound to it within
// NetConnectionTimeout (§4.2 ACCEPT handshake timeout).
func (svc *Service) armHandshakeTimeout(ch *channel) {
	if !svc.cfg.NetConnectionTimeoutAvailable {
		return
	}
	time.AfterFunc(svc.cfg.NetConnectionTimeout, func() {
		if len(svc.sessionsOf(ch)) > 0 {
			return
		}
		svc.destroyChannel(ch, svc.cfg.NetDisconnectAndRemove)
	})
}

func (svc *Service) sessionsOf(ch *channel) []*Session {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	set := svc.sessionSet[ch]
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// readLoopTCP reads successive application payloads off conn and
// demultiplexes them into sessions per §4.3's read path: a non-multi-session
// channel reuses its one session (creating it on the first read); a
// multi-session channel calls CreateSession on every read and lets the
// consumer decide whether that's a new session or an existing one (tracked
// via session attributes the consumer itself manages).
func (svc *Service) readLoopTCP(server Server, ch *channel) {
	if ch.cipher != nil {
		svc.readLoopTCPFramed(server, ch)
		return
	}

	buf := svc.ioPool.Buffer()
	defer svc.ioPool.PutBuffer(buf)

	for {
		n, err := ch.conn.Read(buf)
		if n > 0 {
			svc.handleRead(server, ch, buf[:n])
		}
		if err != nil {
			svc.destroyChannel(ch, svc.cfg.NetDisconnectAndRemove)
			return
		}
	}
}

// readLoopTCPFramed is readLoopTCP's counterpart for a ciphered channel:
// it reads whole length-prefixed frames (see sealFrame/readFrame) instead
// of raw buffer-sized chunks, since the cipher's authentication only
// covers a complete sealed frame.
func (svc *Service) readLoopTCPFramed(server Server, ch *channel) {
	for {
		plain, err := readFrame(ch.framed, ch.cipher)
		if err != nil {
			svc.destroyChannel(ch, svc.cfg.NetDisconnectAndRemove)
			return
		}
		svc.handleRead(server, ch, plain)
	}
}

// handleRead implements the registry's read-path demultiplexing rule
// shared by accepted and dialed TCP channels: reuse the channel's singleton
// session if it has one, otherwise ask the server to create one.
func (svc *Service) handleRead(server Server, ch *channel, payload []byte) {
	atomic.AddUint64(&svc.stats.BytesRead, uint64(len(payload)))
	pkg := rawPackage(ch, payload, ActionRead)

	session, ok := svc.singletonSession(ch)
	if !ok {
		session = server.CreateSession(pkg)
		if session == nil {
			svc.destroyChannel(ch, svc.cfg.NetDisconnectAndRemove)
			return
		}
		svc.bindSession(ch, session)
		svc.emit(session, rawPackage(ch, nil, ActionConnect))
	}

	svc.emit(session, pkg)
}

func rawPackage(ch *channel, payload []byte, action Action) *Package {
	pkg := NewPackage(action, payload)
	pkg.LocalPort = ch.localPort
	if ch.conn != nil {
		if addr, ok := ch.conn.RemoteAddr().(*net.TCPAddr); ok {
			pkg.RemoteHost = addr.IP.String()
			pkg.RemoteAddress = addr.String()
			pkg.RemotePort = addr.Port
		} else if ch.conn.RemoteAddr() != nil {
			pkg.RemoteAddress = ch.conn.RemoteAddr().String()
		}
	}
	return pkg
}

// DialTCP establishes client's one outbound channel and attaches its
// pre-existing session to it (§4.2 CONNECT).
func (svc *Service) DialTCP(client Client, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "netsvc: dial tcp %s", addr)
	}
	opts := client.SocketOptions()
	applySocketOptions(conn, opts)
	var wired net.Conn = conn
	if opts.Compress {
		wired = NewCompStream(conn)
	}

	ch := &channel{
		id:       nextChannelID(),
		protocol: ProtocolTCP,
		consumer: client,
		conn:     wired,
		cipher:   svc.cipher,
	}
	if ch.cipher != nil {
		ch.framed = bufio.NewReader(wired)
	}
	svc.registerChannel(ch)
	session := client.GetSession()
	svc.bindSession(ch, session)
	svc.emit(session, rawPackage(ch, nil, ActionConnect))

	if err := svc.ioPool.Submit(func() { svc.readLoopTCP(clientAsServer{client}, ch) }); err != nil {
		go svc.readLoopTCP(clientAsServer{client}, ch)
	}
	return nil
}

// clientAsServer adapts a Client to the Server shape readLoopTCP expects,
// since a dialed channel's session already exists and is always reused.
type clientAsServer struct{ Client }

func (c clientAsServer) ListenPort() int      { return 0 }
func (c clientAsServer) MultiSession() bool   { return false }
func (c clientAsServer) CreateSession(*Package) *Session {
	return c.Client.GetSession()
}

// ListenUDP binds server's UDP port and reads inbound datagrams into
// sessions keyed by peer address (§4.3's UDP demux rule), all sharing one
// channel for the whole listener socket.
func (svc *Service) ListenUDP(server Server) error {
	pc, err := net.ListenPacket("udp", portAddr(server.ListenPort()))
	if err != nil {
		return errors.Wrapf(err, "netsvc: listen udp :%d", server.ListenPort())
	}

	svc.mu.Lock()
	svc.packets = append(svc.packets, pc)
	svc.mu.Unlock()

	ch := &channel{
		id:           nextChannelID(),
		protocol:     ProtocolUDP,
		consumer:     server,
		packetConn:   pc,
		localPort:    server.ListenPort(),
		multiSession: true, // one socket always serves many peers
		cipher:       svc.cipher,
	}
	svc.registerChannel(ch)

	go svc.readLoopUDP(server, ch)
	return nil
}

func (svc *Service) readLoopUDP(server Server, ch *channel) {
	buf := svc.ioPool.Buffer()
	defer svc.ioPool.PutBuffer(buf)

	for {
		n, addr, err := ch.packetConn.ReadFrom(buf)
		if err != nil {
			svc.destroyChannel(ch, svc.cfg.NetDisconnectAndRemove)
			return
		}
		if n == 0 {
			continue
		}
		payload := append([]byte(nil), buf[:n]...)
		if ch.cipher != nil {
			opened, err := openDatagram(ch.cipher, payload)
			if err != nil {
				svc.logger.Warn("netsvc: drop undecryptable datagram", "err", err.Error())
				continue
			}
			payload = opened
		}
		svc.handleReadUDP(server, ch, addr, payload)
	}
}

// handleReadUDP demultiplexes by peer address rather than by channel
// singleton, and re-binds the address to the new session on every
// datagram from an address not currently mapped — the "channel migration"
// analogue for UDP, where the physical socket never changes but a peer's
// ephemeral port may (§4.3, §8 rebind scenario).
func (svc *Service) handleReadUDP(server Server, ch *channel, addr net.Addr, payload []byte) {
	atomic.AddUint64(&svc.stats.BytesRead, uint64(len(payload)))
	pkg := NewPackage(ActionRead, payload)
	pkg.LocalPort = ch.localPort
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		pkg.RemoteHost = udpAddr.IP.String()
		pkg.RemotePort = udpAddr.Port
	}
	pkg.RemoteAddress = addr.String()

	session, ok := svc.sessionForAddress(ch, addr)
	if !ok {
		session = server.CreateSession(pkg)
		if session == nil {
			return
		}
		svc.bindSession(ch, session)
		svc.bindAddress(ch, session, addr)
		svc.emit(session, rawPackage(ch, nil, ActionConnect))
	}

	svc.emit(session, pkg)
}

// DialUDP establishes a UDP client's fixed peer and attaches its
// pre-existing session, mirroring DialTCP.
func (svc *Service) DialUDP(client Client, addr string) error {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "netsvc: dial udp %s", addr)
	}
	applySocketOptions(conn, client.SocketOptions())

	ch := &channel{
		id:       nextChannelID(),
		protocol: ProtocolUDP,
		consumer: client,
		conn:     conn,
		cipher:   svc.cipher,
	}
	svc.registerChannel(ch)
	session := client.GetSession()
	svc.bindSession(ch, session)
	svc.bindAddress(ch, session, conn.RemoteAddr())
	svc.emit(session, rawPackage(ch, nil, ActionConnect))

	go svc.readLoopUDPClient(client, ch)
	return nil
}

func (svc *Service) readLoopUDPClient(client Client, ch *channel) {
	buf := svc.ioPool.Buffer()
	defer svc.ioPool.PutBuffer(buf)

	for {
		n, err := ch.conn.Read(buf)
		if n > 0 {
			atomic.AddUint64(&svc.stats.BytesRead, uint64(n))
			payload := append([]byte(nil), buf[:n]...)
			if ch.cipher != nil {
				opened, derr := openDatagram(ch.cipher, payload)
				if derr != nil {
					svc.logger.Warn("netsvc: drop undecryptable datagram", "err", derr.Error())
					continue
				}
				payload = opened
			}
			pkg := rawPackage(ch, payload, ActionRead)
			svc.emit(client.GetSession(), pkg)
		}
		if err != nil {
			svc.destroyChannel(ch, svc.cfg.NetDisconnectAndRemove)
			return
		}
	}
}

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

func applySocketOptions(conn net.Conn, opts SocketOptions) {
	switch c := conn.(type) {
	case *net.TCPConn:
		_ = c.SetNoDelay(opts.NoDelay)
		if opts.KeepAlive > 0 {
			_ = c.SetKeepAlive(true)
			_ = c.SetKeepAlivePeriod(opts.KeepAlive)
		}
		if opts.ReadBufferSize > 0 {
			_ = c.SetReadBuffer(opts.ReadBufferSize)
		}
		if opts.WriteBufferSize > 0 {
			_ = c.SetWriteBuffer(opts.WriteBufferSize)
		}
	case *net.UDPConn:
		if opts.ReadBufferSize > 0 {
			_ = c.SetReadBuffer(opts.ReadBufferSize)
		}
		if opts.WriteBufferSize > 0 {
			_ = c.SetWriteBuffer(opts.WriteBufferSize)
		}
	}
}
