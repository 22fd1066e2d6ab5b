package meconn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/telemt/meproxy/internal/handshake"
	"github.com/telemt/meproxy/internal/meerr"
	"github.com/telemt/meproxy/internal/metrics"
	"github.com/telemt/meproxy/internal/protocol"
	"github.com/telemt/meproxy/internal/proxyreq"
	"github.com/telemt/meproxy/internal/registry"
)

// Endpoint is a middle-proxy (IP, port) pair, an entry of the static
// TG_MIDDLE_PROXIES_FLAT_V4 table (spec §6).
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.IP, e.Port) }

// Pool is the set of live RpcWriter/reader pairs plus a round-robin
// cursor, the proxy tag and the proxy secret (spec §3 MePool).
type Pool struct {
	mu        sync.RWMutex
	peers     []*Peer
	cursor    uint64
	registry  *registry.Registry
	secret    []byte
	adTag     []byte
	endpoints []Endpoint
	timeouts  handshake.Timeouts
}

// Init iterates endpoints in order, opening up to poolSize connections,
// stopping at the first endpoint that supplied enough working sockets
// (spec §4.G). It fails with PoolEmpty if no endpoint yields any
// connection at all.
func Init(ctx context.Context, endpoints []Endpoint, poolSize int, secret, adTag []byte, reg *registry.Registry, timeouts handshake.Timeouts) (*Pool, error) {
	p := &Pool{
		registry:  reg,
		secret:    secret,
		adTag:     adTag,
		endpoints: endpoints,
		timeouts:  timeouts,
	}
	for _, ep := range endpoints {
		for len(p.peers) < poolSize {
			peer, err := p.connectOne(ctx, ep)
			if err != nil {
				logger.Debug("connect attempt failed", "endpoint", ep, "err", err)
				break
			}
			p.addPeer(peer)
		}
		if len(p.peers) >= poolSize {
			break
		}
	}
	if len(p.peers) == 0 {
		return nil, meerr.New(meerr.PoolEmpty, "meconn.Init", fmt.Errorf("no middle-proxy endpoint yielded a connection"))
	}
	metrics.PoolSize.Set(float64(len(p.peers)))
	return p, nil
}

// connectOne dials ep, runs the handshake, starts the peer's reader loop
// and returns the Peer; the caller adds it to the pool. On a handshake
// rejection it returns an error and no Peer (spec §8 property 7: a
// handshake rejection must not add a writer to the pool).
func (p *Pool) connectOne(ctx context.Context, ep Endpoint) (*Peer, error) {
	dialer := net.Dialer{Timeout: p.timeouts.Connect}
	conn, err := dialer.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return nil, meerr.New(meerr.Io, "meconn.connectOne", err)
	}
	res, err := handshake.Run(conn, p.secret, p.timeouts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	peer := newPeer(ep, conn, res.WriteEnc, res.ReadDec)
	go peer.runReader(p.registry, res.PlainResidue, p.onPeerTerminated)
	return peer, nil
}

func (p *Pool) addPeer(peer *Peer) {
	p.mu.Lock()
	p.peers = append(p.peers, peer)
	p.mu.Unlock()
}

// onPeerTerminated evicts peer from the pool once its reader loop exits
// for any reason (spec §4.H: "Termination evicts the writer from the
// pool").
func (p *Pool) onPeerTerminated(peer *Peer, err error) {
	logger.Warn("peer reader terminated", "peer", peer.Endpoint, "err", err)
	p.evict(peer)
}

func (p *Pool) evict(peer *Peer) {
	p.mu.Lock()
	for i, c := range p.peers {
		if c == peer {
			p.peers = append(p.peers[:i], p.peers[i+1:]...)
			break
		}
	}
	n := len(p.peers)
	p.mu.Unlock()
	peer.Writer.Close()
	metrics.PoolSize.Set(float64(n))
}

// ConnectionCount reports the number of live peer connections (spec §6
// pool.connection_count()).
func (p *Pool) ConnectionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.peers)
}

// Registry exposes the pool's connection registry (spec §6
// pool.registry()).
func (p *Pool) Registry() *registry.Registry { return p.registry }

// SendProxyReq retries round-robin over the pool until a writer accepts
// the bytes or the pool is exhausted, evicting any writer that fails the
// send (spec §4.G, §8 property/scenario S5).
func (p *Pool) SendProxyReq(connID uint64, clientAddr, ourAddr net.IP, clientPort, ourPort uint32, payload []byte, transportFlags uint32) error {
	flags := transportFlags | protocol.FlagMagic | protocol.FlagExtMode2
	if len(p.adTag) > 0 {
		flags |= protocol.FlagHasAdTag
	}
	req := proxyreq.Request{
		Flags:      flags,
		ConnID:     connID,
		ClientAddr: clientAddr,
		ClientPort: clientPort,
		OurAddr:    ourAddr,
		OurPort:    ourPort,
		AdTag:      p.adTag,
		Data:       payload,
	}
	body, err := proxyreq.Encode(req)
	if err != nil {
		return err
	}

	for {
		peer, ok := p.next()
		if !ok {
			return meerr.New(meerr.PoolEmpty, "meconn.SendProxyReq", fmt.Errorf("no writers available"))
		}
		if err := peer.Writer.Send(body); err != nil {
			logger.Debug("send failed, evicting writer", "peer", peer.Endpoint, "err", err)
			p.evict(peer)
			continue
		}
		return nil
	}
}

// SendClose emits RPC_CLOSE_EXT||conn_id on any live writer, best-effort,
// and unregisters the id locally (spec §4.G).
func (p *Pool) SendClose(connID uint64) {
	defer p.registry.Unregister(registry.LogicalConnId(connID))

	peer, ok := p.next()
	if !ok {
		return
	}
	payload := make([]byte, 0, 12)
	payload = appendU32(payload, protocol.RpcCloseExt)
	payload = appendU64(payload, connID)
	if err := peer.Writer.Send(payload); err != nil {
		logger.Debug("best-effort send_close failed", "peer", peer.Endpoint, "err", err)
	}
}

// next returns the next writer in round-robin order, or false if the
// pool is empty.
func (p *Pool) next() (*Peer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := len(p.peers)
	if n == 0 {
		return nil, false
	}
	i := atomic.AddUint64(&p.cursor, 1) % uint64(n)
	return p.peers[i], true
}

// growToward dials additional endpoints until the pool reaches target
// size or the endpoint list is exhausted; used by the health monitor
// (spec §4.J).
func (p *Pool) growToward(ctx context.Context, target int) (added int) {
	for _, ep := range p.endpoints {
		if p.ConnectionCount() >= target {
			break
		}
		peer, err := p.connectOne(ctx, ep)
		if err != nil {
			logger.Debug("health monitor reconnect failed", "endpoint", ep, "err", err)
			continue
		}
		p.addPeer(peer)
		added++
		logger.Info("health monitor reconnected", "endpoint", ep)
	}
	metrics.PoolSize.Set(float64(p.ConnectionCount()))
	return added
}

func appendU64(buf []byte, v uint64) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}
