// Package network exposes the evaluator to remote submitters over a
// libp2p stream protocol. A request packet carries an expression (or a
// suspension reference); the gateway materializes it into the shared
// arena, rides the rings, and replies with the outcome.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	libp2p_host "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/maxdeliso/typed-ski/internal/wire"
	"github.com/maxdeliso/typed-ski/kernel/arena"
	"github.com/maxdeliso/typed-ski/kernel/utils"
	"github.com/maxdeliso/typed-ski/kernel/worker"
)

// ProtocolID is the request/reply stream protocol.
const ProtocolID = "/ski/1.0.0"

const identityFile = "node_identity.json"

// PersistentIdentity holds the private key and peer ID.
type PersistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// SaveIdentity saves identity to disk.
func SaveIdentity(id *PersistentIdentity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return os.WriteFile(identityFile, data, 0600)
}

// LoadIdentity loads identity from disk.
func LoadIdentity() (*PersistentIdentity, error) {
	data, err := os.ReadFile(identityFile)
	if err != nil {
		return nil, err
	}
	var id PersistentIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

func loadOrCreateKey() (crypto.PrivKey, error) {
	if id, err := LoadIdentity(); err == nil {
		return crypto.UnmarshalPrivateKey(id.PrivKey)
	}
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	privBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	_ = SaveIdentity(&PersistentIdentity{PrivKey: privBytes, PeerID: pid.String()})
	return priv, nil
}

// Gateway bridges libp2p streams onto the arena's rings. It is the
// single consumer of the completion ring; replies are routed back to
// their stream by request id.
type Gateway struct {
	arena *arena.Arena
	sub   *worker.Host
	host  libp2p_host.Host
	log   *utils.Logger

	mu      sync.Mutex
	pending map[uint32]chan worker.Completion
}

// GatewayConfig configures a gateway.
type GatewayConfig struct {
	ListenAddrs []string
	Logger      *utils.Logger
}

// StartGateway starts a libp2p node and serves the evaluation protocol
// until the context is canceled.
func StartGateway(ctx context.Context, a *arena.Arena, cfg GatewayConfig) (*Gateway, error) {
	priv, err := loadOrCreateKey()
	if err != nil {
		return nil, fmt.Errorf("node identity: %w", err)
	}

	opts := []libp2p.Option{libp2p.Identity(priv)}
	if len(cfg.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("libp2p node: %w", err)
	}

	g := &Gateway{
		arena:   a,
		sub:     worker.NewHost(a),
		host:    h,
		log:     cfg.Logger,
		pending: make(map[uint32]chan worker.Completion),
	}
	if g.log == nil {
		g.log = utils.DefaultLogger("gateway")
	}

	h.SetStreamHandler(ProtocolID, func(s network.Stream) {
		defer s.Close()
		g.serveStream(ctx, s)
	})

	go g.routeCompletions(ctx)

	g.log.Info("gateway started", utils.String("peer", h.ID().String()))
	return g, nil
}

// Host returns the underlying libp2p host.
func (g *Gateway) Host() libp2p_host.Host {
	return g.host
}

// Close shuts the libp2p node down.
func (g *Gateway) Close() error {
	return g.host.Close()
}

// routeCompletions is the completion ring's only consumer; it fans
// results out to the streams waiting on them.
func (g *Gateway) routeCompletions(ctx context.Context) {
	for {
		comp, err := g.sub.PullBlocking(ctx)
		if err != nil {
			return
		}
		g.mu.Lock()
		ch, ok := g.pending[comp.ReqID]
		if ok {
			delete(g.pending, comp.ReqID)
		}
		g.mu.Unlock()
		if ok {
			ch <- comp
		} else {
			g.log.Warn("orphan completion", utils.Uint32("req", comp.ReqID))
		}
	}
}

func (g *Gateway) serveStream(ctx context.Context, s network.Stream) {
	data, err := io.ReadAll(s)
	if err != nil {
		g.log.Warn("stream read failed", utils.Err(err))
		return
	}
	req, err := wire.Unmarshal(data)
	if err != nil {
		g.log.Warn("bad packet", utils.Err(err))
		return
	}
	reply := g.handle(ctx, req)
	if _, err := s.Write(reply.Marshal()); err != nil {
		g.log.Warn("stream write failed", utils.Err(err))
	}
}

// handle runs one request through the rings and shapes the reply.
func (g *Gateway) handle(ctx context.Context, req *wire.Packet) *wire.Packet {
	reply := &wire.Packet{ReqID: req.ReqID}

	node := req.Node
	if len(req.Program) > 0 {
		decoded, err := wire.DecodeProgram(g.arena, req.Program)
		if err != nil {
			reply.Status = wire.StatusError
			reply.Error = err.Error()
			return reply
		}
		node = decoded
	}

	reqID := req.ReqID
	if reqID == 0 {
		reqID = utils.GenerateRequestID()
		reply.ReqID = reqID
	}
	maxSteps := req.MaxSteps
	if maxSteps == 0 {
		maxSteps = 0xFFFF_FFFF
	}

	ch := make(chan worker.Completion, 1)
	g.mu.Lock()
	g.pending[reqID] = ch
	g.mu.Unlock()

	if err := g.sub.SubmitBlocking(ctx, node, reqID, maxSteps); err != nil {
		g.mu.Lock()
		delete(g.pending, reqID)
		g.mu.Unlock()
		reply.Status = wire.StatusError
		reply.Error = err.Error()
		return reply
	}

	select {
	case comp := <-ch:
		reply.ResultNode = comp.Node
		if g.arena.KindOf(comp.Node) == arena.KindSuspension {
			reply.Status = wire.StatusSuspended
			return reply
		}
		prog, err := wire.EncodeProgram(g.arena, comp.Node)
		if err != nil {
			reply.Status = wire.StatusError
			reply.Error = err.Error()
			return reply
		}
		reply.Status = wire.StatusOK
		reply.Result = prog
		return reply
	case <-ctx.Done():
		reply.Status = wire.StatusError
		reply.Error = ctx.Err().Error()
		return reply
	}
}

// Send dials a peer by multiaddr, sends one request packet, and waits
// for the reply.
func Send(ctx context.Context, h libp2p_host.Host, peerAddr string, req *wire.Packet) (*wire.Packet, error) {
	maddr, err := ma.NewMultiaddr(peerAddr)
	if err != nil {
		return nil, err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, err
	}
	if err := h.Connect(ctx, *info); err != nil {
		return nil, err
	}
	s, err := h.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if _, err := s.Write(req.Marshal()); err != nil {
		return nil, err
	}
	if err := s.CloseWrite(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(s)
	if err != nil {
		return nil, err
	}
	return wire.Unmarshal(data)
}
