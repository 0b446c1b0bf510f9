package main

import (
	"os"

	"github.com/hcfw/catalina/collab"
	"github.com/hcfw/catalina/netsvc"
)

const peerAttr = "relay.peer"

func peerOf(s *netsvc.Session) (*netsvc.Session, bool) {
	v, ok := s.Attribute(peerAttr)
	if !ok || v == nil {
		return nil, false
	}
	return v.(*netsvc.Session), true
}

func pair(a, b *netsvc.Session) {
	a.SetAttribute(peerAttr, b)
	b.SetAttribute(peerAttr, a)
}

// cascadeClose disconnects session's peer once session itself has been
// torn down, clearing both sides' pairing first so the peer's own
// DestroySession (triggered by the Disconnect below) doesn't loop back.
func cascadeClose(svc *netsvc.Service, session *netsvc.Session) {
	peer, ok := peerOf(session)
	if !ok {
		return
	}
	session.SetAttribute(peerAttr, nil)
	peer.SetAttribute(peerAttr, nil)
	_ = svc.Disconnect(peer, nil)
}

// relayServer is the inbound half of a tunnel port: every accepted
// channel gets its own session, paired 1:1 with a freshly dialed session
// toward target on the other side (see relayClient). Bytes read on one
// side are written verbatim to the other, the same bridging handleClient
// does in the teacher's server/main.go, expressed as two netsvc Consumers
// instead of one blocking io.Copy pair.
type relayServer struct {
	svc        *netsvc.Service
	listenPort int
	protocol   netsvc.Protocol
	target     string
	opts       netsvc.SocketOptions
	logger     collab.Logger
	quiet      bool
	banner     string // path to a file streamed to every client right after OnConnect, empty disables it
}

func (r *relayServer) Protocol() netsvc.Protocol           { return r.protocol }
func (r *relayServer) SocketOptions() netsvc.SocketOptions { return r.opts }
func (r *relayServer) ListenPort() int                     { return r.listenPort }
func (r *relayServer) MultiSession() bool                  { return false }

func (r *relayServer) CreateSession(pkg *netsvc.Package) *netsvc.Session {
	inbound := netsvc.NewSession(r)
	client := &relayClient{server: r}
	outbound := netsvc.NewSession(client)
	client.session = outbound
	pair(inbound, outbound)

	var err error
	if r.protocol == netsvc.ProtocolUDP {
		err = r.svc.DialUDP(client, r.target)
	} else {
		err = r.svc.DialTCP(client, r.target)
	}
	if err != nil {
		r.logger.Warn("catalina-mux: dial target failed", "target", r.target, "err", err.Error())
		return nil
	}
	if !r.quiet {
		r.logger.Info("catalina-mux: session opened", "remote", pkg.RemoteAddress, "target", r.target)
	}
	return inbound
}

// OnConnect streams the configured banner file, if any, to the newly
// connected client ahead of any relayed bytes. Each session opens its own
// handle since ReaderStreamSource consumes its Reader once.
func (r *relayServer) OnConnect(pkg *netsvc.Package) {
	if r.banner == "" {
		return
	}
	f, err := os.Open(r.banner)
	if err != nil {
		r.logger.Warn("catalina-mux: banner open failed", "path", r.banner, "err", err.Error())
		return
	}
	if err := r.svc.WriteStream(pkg.Session, nil, netsvc.NewReaderStreamSource(f)); err != nil {
		r.logger.Warn("catalina-mux: banner stream failed", "err", err.Error())
		f.Close()
	}
}

func (r *relayServer) OnRead(pkg *netsvc.Package) {
	if peer, ok := peerOf(pkg.Session); ok {
		if err := r.svc.WriteData(peer, pkg.Payload); err != nil {
			r.logger.Warn("catalina-mux: forward to target failed", "err", err.Error())
		}
	}
}

func (r *relayServer) OnWrite(pkg *netsvc.Package) {
	if pkg.Status == netsvc.StatusIOError {
		r.logger.Warn("catalina-mux: write to client failed", "remote", pkg.RemoteAddress)
	}
}

func (r *relayServer) OnDisconnect(pkg *netsvc.Package) {
	if !r.quiet {
		r.logger.Info("catalina-mux: session closed", "remote", pkg.RemoteAddress)
	}
}

// DestroySession is the registry's teardown hook: it fires both for a
// deliberate Disconnect() and for a channel lost to a read error or EOF,
// so cascading the close to the paired session belongs here rather than
// in OnDisconnect, which a lost channel never reaches.
func (r *relayServer) DestroySession(session *netsvc.Session) {
	cascadeClose(r.svc, session)
}

// relayClient is the outbound half dialed on behalf of one relayServer
// session; see CreateSession.
type relayClient struct {
	server  *relayServer
	session *netsvc.Session
}

func (c *relayClient) Protocol() netsvc.Protocol           { return c.server.protocol }
func (c *relayClient) SocketOptions() netsvc.SocketOptions { return c.server.opts }
func (c *relayClient) GetSession() *netsvc.Session         { return c.session }

func (c *relayClient) OnConnect(*netsvc.Package) {}

func (c *relayClient) OnRead(pkg *netsvc.Package) {
	if peer, ok := peerOf(pkg.Session); ok {
		if err := c.server.svc.WriteData(peer, pkg.Payload); err != nil {
			c.server.logger.Warn("catalina-mux: forward to client failed", "err", err.Error())
		}
	}
}

func (c *relayClient) OnWrite(pkg *netsvc.Package) {
	if pkg.Status == netsvc.StatusIOError {
		c.server.logger.Warn("catalina-mux: write to target failed", "target", c.server.target)
	}
}

func (c *relayClient) OnDisconnect(*netsvc.Package) {}

// DestroySession mirrors relayServer.DestroySession for the outbound half
// of the pairing.
func (c *relayClient) DestroySession(session *netsvc.Session) {
	cascadeClose(c.server.svc, session)
}
