package core

// network.go implements C8's transport half over libp2p: a long-lived host
// exposing a stream protocol for gossip-round request/response pairs
// (a protocol-ID-keyed stream handler dispatching on a msgType switch), a
// pubsub topic for opportunistic agent-info announcements, and mDNS for
// LAN peer discovery. Request/response framing is length-prefixed JSON.

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/sirupsen/logrus"
)

// GossipProtocolID is the libp2p stream protocol used for round
// request/response exchanges.
const GossipProtocolID = "/cellmesh/gossip/1.0.0"

// AgentInfoTopic is the pubsub topic opportunistic AgentInfo announcements
// are published to, independent of any particular gossip round.
const AgentInfoTopic = "cellmesh/agent-info/v1"

// wireRequest is the length-prefixed JSON envelope for every round
// request/response pair, tagged by kind so a single stream protocol can
// carry every exchange kind.
type wireRequest struct {
	Kind string          `json:"kind"` // "negotiate-arcs" | "agent-info" | "op-hashes" | "op-bloom" | "op-regions" | "fetch-ops" | "push-ops" | "agent-activity" | "remote-signal"
	Body json.RawMessage `json:"body"`
}

// negotiateArcsResponse is the wire body for the "negotiate-arcs" round
// stage: either the responder's intersection with the proposer's arc, or
// NoAgents when it holds no responsibility overlapping the proposer at all.
type negotiateArcsResponse struct {
	Arcs     []Arc `json:"arcs"`
	NoAgents bool  `json:"no_agents"`
}

// Libp2pTransport implements GossipTransport and RemoteFetcher over a
// libp2p host, resolving an AgentPubKey to a libp2p peer.ID via the peer
// store's advertised URLs (multiaddrs encoded as strings).
type Libp2pTransport struct {
	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	peers  *PeerStore
	log    *logrus.Entry

	selfArc     Arc
	onAgentInfo func(AgentInfo)
	onSignal    func(Signal)
	onOpsPushed func([]Op)
	localHashes func() []OpHash
	localOpsFor func(want []OpHash) []Op
	localOpsIn  func(set ArcSet) []Op
}

// SetLocalHandlers wires the callbacks used to answer inbound round
// requests: localHashes enumerates this authority's held op hashes, and
// localOpsFor resolves a requested set of hashes to full ops.
func (t *Libp2pTransport) SetLocalHandlers(localHashes func() []OpHash, localOpsFor func([]OpHash) []Op) {
	t.localHashes = localHashes
	t.localOpsFor = localOpsFor
}

// SetSelfArc records this authority's current storage arc, consulted when
// answering an inbound "negotiate-arcs" request.
func (t *Libp2pTransport) SetSelfArc(a Arc) {
	t.selfArc = a
}

// SetRegionHandler wires the callback answering an inbound "op-regions"
// request: it enumerates this authority's ops within the requested arc set
// so a region summary can be built over them.
func (t *Libp2pTransport) SetRegionHandler(localOpsIn func(ArcSet) []Op) {
	t.localOpsIn = localOpsIn
}

// SetSignalHandler wires the callback invoked for each inbound remote
// signal. The transport does not de-duplicate; a SignalReceiver's Receive
// used as the callback drops repeated signal ids.
func (t *Libp2pTransport) SetSignalHandler(onSignal func(Signal)) {
	t.onSignal = onSignal
}

// SetPushHandler wires the callback handed every op batch a partner pushes
// during its round's transfer stage, typically Engine.ReceiveOps so pushed
// ops take the same sys-validation and pipeline path as fetched ones.
func (t *Libp2pTransport) SetPushHandler(onOpsPushed func([]Op)) {
	t.onOpsPushed = onOpsPushed
}

// NewLibp2pTransport builds a host listening on listenAddrs, joins the
// agent-info pubsub topic, and starts mDNS discovery.
func NewLibp2pTransport(ctx context.Context, peers *PeerStore, listenAddrs []string, log *logrus.Entry) (*Libp2pTransport, error) {
	opts := []libp2p.Option{}
	for _, a := range listenAddrs {
		opts = append(opts, libp2p.ListenAddrStrings(a))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, Wrap(KindFatal, "start libp2p host", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, Wrap(KindFatal, "start gossipsub", err)
	}
	topic, err := ps.Join(AgentInfoTopic)
	if err != nil {
		return nil, Wrap(KindFatal, "join agent-info topic", err)
	}

	t := &Libp2pTransport{host: h, pubsub: ps, topic: topic, peers: peers, log: log}
	h.SetStreamHandler(GossipProtocolID, t.handleStream)

	mdnsSvc := mdns.NewMdnsService(h, "cellmesh", mdnsNotifee{host: h, log: log})
	if err := mdnsSvc.Start(); err != nil {
		log.WithError(err).Warn("mdns discovery did not start")
	}

	go t.subscribeAgentInfo(ctx)
	return t, nil
}

type mdnsNotifee struct {
	host host.Host
	log  *logrus.Entry
}

func (n mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if err := n.host.Connect(context.Background(), pi); err != nil {
		n.log.WithError(err).WithField("peer", pi.ID.String()).Debug("mdns peer connect failed")
	}
}

func (t *Libp2pTransport) subscribeAgentInfo(ctx context.Context) {
	sub, err := t.topic.Subscribe()
	if err != nil {
		t.log.WithError(err).Error("subscribe agent-info topic")
		return
	}
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		var info AgentInfo
		if err := json.Unmarshal(msg.Data, &info); err != nil {
			continue
		}
		if t.onAgentInfo != nil {
			t.onAgentInfo(info)
		}
	}
}

// Announce publishes info on the agent-info topic.
func (t *Libp2pTransport) Announce(ctx context.Context, info AgentInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return Wrap(KindFatal, "marshal agent info", err)
	}
	return t.topic.Publish(ctx, b)
}

func (t *Libp2pTransport) resolvePeer(agent AgentPubKey) (peer.ID, error) {
	info, ok := t.peers.Get(agent)
	if !ok || len(info.URLs) == 0 {
		return "", Wrap(KindTopology, "no known address for peer", ErrAgentNotInSpace)
	}
	pid, err := peer.Decode(info.URLs[0])
	if err != nil {
		return "", Wrap(KindTopology, "decode peer id", err)
	}
	return pid, nil
}

func (t *Libp2pTransport) roundTrip(ctx context.Context, agent AgentPubKey, kind string, body any) ([]byte, error) {
	pid, err := t.resolvePeer(agent)
	if err != nil {
		return nil, err
	}
	stream, err := t.host.NewStream(ctx, pid, GossipProtocolID)
	if err != nil {
		return nil, Wrap(KindTransient, "open gossip stream", err)
	}
	defer stream.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, Wrap(KindFatal, "marshal request body", err)
	}
	req := wireRequest{Kind: kind, Body: payload}
	if err := writeFrame(stream, req); err != nil {
		return nil, Wrap(KindTransient, "write gossip request", err)
	}

	var resp wireRequest
	if err := readFrame(stream, &resp); err != nil {
		return nil, Wrap(KindTransient, "read gossip response", err)
	}
	return resp.Body, nil
}

func (t *Libp2pTransport) NegotiateArcSet(ctx context.Context, partner AgentPubKey, mine Arc) (ArcSet, bool, error) {
	respBody, err := t.roundTrip(ctx, partner, "negotiate-arcs", mine)
	if err != nil {
		return ArcSet{}, false, err
	}
	var resp negotiateArcsResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return ArcSet{}, false, Wrap(KindFatal, "decode negotiate-arcs response", err)
	}
	if resp.NoAgents {
		return ArcSet{}, true, nil
	}
	return NewArcSet(resp.Arcs...), false, nil
}

func (t *Libp2pTransport) ExchangeAgentInfo(ctx context.Context, partner AgentPubKey, mine []AgentInfo) ([]AgentInfo, error) {
	respBody, err := t.roundTrip(ctx, partner, "agent-info", mine)
	if err != nil {
		return nil, err
	}
	var theirs []AgentInfo
	if err := json.Unmarshal(respBody, &theirs); err != nil {
		return nil, Wrap(KindFatal, "decode agent-info response", err)
	}
	return theirs, nil
}

// opHashDiffResponse is the wire body answering an "op-hashes" request: the
// responder computes both directions of the diff, since it is the one side
// holding both hash lists.
type opHashDiffResponse struct {
	MissingForRequester []OpHash `json:"missing_for_requester"`
	MissingForResponder []OpHash `json:"missing_for_responder"`
}

func (t *Libp2pTransport) ExchangeOpHashes(ctx context.Context, partner AgentPubKey, mine []OpHash) (OpDiff, error) {
	respBody, err := t.roundTrip(ctx, partner, "op-hashes", mine)
	if err != nil {
		return OpDiff{}, err
	}
	var resp opHashDiffResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return OpDiff{}, Wrap(KindFatal, "decode op-hashes response", err)
	}
	return OpDiff{MissingHere: resp.MissingForRequester, MissingThere: resp.MissingForResponder}, nil
}

func (t *Libp2pTransport) FetchOps(ctx context.Context, partner AgentPubKey, want []OpHash) ([]Op, error) {
	respBody, err := t.roundTrip(ctx, partner, "fetch-ops", want)
	if err != nil {
		return nil, err
	}
	var ops []Op
	if err := json.Unmarshal(respBody, &ops); err != nil {
		return nil, Wrap(KindFatal, "decode fetch-ops response", err)
	}
	return ops, nil
}

func (t *Libp2pTransport) PushOps(ctx context.Context, partner AgentPubKey, ops []Op) error {
	_, err := t.roundTrip(ctx, partner, "push-ops", ops)
	return err
}

// opBloomResponse is the wire body answering an "op-bloom" request: the
// hashes the requester's filter was missing, plus the responder's own
// filter so the requester can compute the reverse diff for its push.
type opBloomResponse struct {
	Missing []OpHash       `json:"missing"`
	Filter  *OpBloomFilter `json:"filter"`
}

// ExchangeOpBloom implements BloomGossipTransport: the partner tests its
// own holdings against the filter, replies with the hashes the filter's
// builder is missing, and includes its own filter for the reverse diff.
func (t *Libp2pTransport) ExchangeOpBloom(ctx context.Context, partner AgentPubKey, filter *OpBloomFilter) ([]OpHash, *OpBloomFilter, error) {
	respBody, err := t.roundTrip(ctx, partner, "op-bloom", filter)
	if err != nil {
		return nil, nil, err
	}
	var resp opBloomResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, nil, Wrap(KindFatal, "decode op-bloom response", err)
	}
	return resp.Missing, resp.Filter, nil
}

// regionExchangeRequest is the wire body for the "op-regions" round stage:
// the arc set and reference time both sides summarize over, so their
// partitions align region-for-region.
type regionExchangeRequest struct {
	Arcs  []Arc `json:"arcs"`
	NowMS int64 `json:"now_ms"`
}

// ExchangeRegions implements RegionGossipTransport: the partner builds its
// own region summary over the same arcs and reference time and returns it
// for local diffing.
func (t *Libp2pTransport) ExchangeRegions(ctx context.Context, partner AgentPubKey, arcs ArcSet, nowMS int64) (RegionSet, error) {
	respBody, err := t.roundTrip(ctx, partner, "op-regions", regionExchangeRequest{Arcs: arcs.Arcs(), NowMS: nowMS})
	if err != nil {
		return RegionSet{}, err
	}
	var theirs RegionSet
	if err := json.Unmarshal(respBody, &theirs); err != nil {
		return RegionSet{}, Wrap(KindFatal, "decode op-regions response", err)
	}
	return theirs, nil
}

// SendRemoteSignal delivers sig to partner for one-shot emission on their
// app interface; delivery is best-effort and never retried, so a duplicate
// can only come from the sender itself re-broadcasting.
func (t *Libp2pTransport) SendRemoteSignal(ctx context.Context, partner AgentPubKey, sig Signal) error {
	_, err := t.roundTrip(ctx, partner, "remote-signal", sig)
	return err
}

// FetchOp implements RemoteFetcher by locating a peer whose arc covers
// basis and requesting it directly (cascade.go's network fallback).
func (t *Libp2pTransport) FetchOp(ctx context.Context, basis Hash, opType OpType) ([]Op, error) {
	for _, info := range t.peers.OverlappingArcs(Arc{Start: basis.Location, Length: 1}) {
		ops, err := t.FetchOps(ctx, info.Agent, []OpHash{{ActionHash: basis, Type: opType}})
		if err == nil && len(ops) > 0 {
			return ops, nil
		}
	}
	return nil, nil
}

func (t *Libp2pTransport) FetchAgentActivity(ctx context.Context, author Hash) ([]Op, error) {
	for _, info := range t.peers.OverlappingArcs(Arc{Start: author.Location, Length: 1}) {
		body, err := t.roundTrip(ctx, info.Agent, "agent-activity", author)
		if err != nil {
			continue
		}
		var ops []Op
		if err := json.Unmarshal(body, &ops); err == nil && len(ops) > 0 {
			return ops, nil
		}
	}
	return nil, nil
}

// handleStream dispatches an inbound gossip stream to the matching
// responder based on the request's Kind tag via a msgType-style switch.
func (t *Libp2pTransport) handleStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(10 * time.Second))

	var req wireRequest
	if err := readFrame(s, &req); err != nil {
		return
	}

	var respBody any
	switch req.Kind {
	case "negotiate-arcs":
		var mine Arc
		_ = json.Unmarshal(req.Body, &mine)
		common := NewArcSet(t.selfArc).Intersect(NewArcSet(mine))
		if common.IsEmpty() {
			respBody = negotiateArcsResponse{NoAgents: true}
		} else {
			respBody = negotiateArcsResponse{Arcs: common.Arcs()}
		}

	case "agent-info":
		var theirs []AgentInfo
		_ = json.Unmarshal(req.Body, &theirs)
		for _, info := range theirs {
			t.peers.Put(info)
		}
		respBody = t.peers.All()

	case "op-hashes":
		var theirHashes []OpHash
		_ = json.Unmarshal(req.Body, &theirHashes)
		theirs := map[OpHash]bool{}
		for _, h := range theirHashes {
			theirs[h] = true
		}
		var resp opHashDiffResponse
		if t.localHashes != nil {
			local := t.localHashes()
			held := map[OpHash]bool{}
			for _, h := range local {
				held[h] = true
				if !theirs[h] {
					resp.MissingForRequester = append(resp.MissingForRequester, h)
				}
			}
			for _, h := range theirHashes {
				if !held[h] {
					resp.MissingForResponder = append(resp.MissingForResponder, h)
				}
			}
		} else {
			resp.MissingForResponder = theirHashes
		}
		respBody = resp

	case "fetch-ops":
		var want []OpHash
		_ = json.Unmarshal(req.Body, &want)
		if t.localOpsFor != nil {
			respBody = t.localOpsFor(want)
		} else {
			respBody = []Op{}
		}

	case "op-bloom":
		var filter OpBloomFilter
		_ = json.Unmarshal(req.Body, &filter)
		var resp opBloomResponse
		if t.localHashes != nil {
			local := t.localHashes()
			resp.Missing = filter.Diff(local)
			own := NewOpBloomFilter(len(local), DefaultGossipConfig().BloomFalsePosRate)
			for _, h := range local {
				own.Add(h)
			}
			resp.Filter = own
		}
		respBody = resp

	case "op-regions":
		var reqBody regionExchangeRequest
		_ = json.Unmarshal(req.Body, &reqBody)
		set := NewArcSet(reqBody.Arcs...)
		var ops []Op
		if t.localOpsIn != nil {
			ops = t.localOpsIn(set)
		}
		respBody = BuildRegionSet(ops, set, reqBody.NowMS, DefaultRegionConfig())

	case "agent-activity":
		var author Hash
		_ = json.Unmarshal(req.Body, &author)
		activity := []Op{}
		if t.localOpsIn != nil {
			for _, op := range t.localOpsIn(NewArcSet(Arc{Start: author.Location, Length: 1})) {
				if op.Type == OpRegisterAgentActivity && op.Basis.Equal(author) {
					activity = append(activity, op)
				}
			}
		}
		respBody = activity

	case "remote-signal":
		var sig Signal
		if err := json.Unmarshal(req.Body, &sig); err == nil && t.onSignal != nil {
			t.onSignal(sig)
		}
		respBody = struct{}{}

	case "push-ops":
		var ops []Op
		if err := json.Unmarshal(req.Body, &ops); err == nil && t.onOpsPushed != nil {
			t.onOpsPushed(ops)
		}
		respBody = struct{}{}

	default:
		respBody = struct{}{}
	}

	respJSON, err := json.Marshal(respBody)
	if err != nil {
		return
	}
	_ = writeFrame(s, wireRequest{Kind: req.Kind, Body: respJSON})
}

func writeFrame(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%d\n", len(b)); err != nil {
		return err
	}
	if _, err := bw.Write(b); err != nil {
		return err
	}
	return bw.Flush()
}

func readFrame(r io.Reader, v any) error {
	br := bufio.NewReader(r)
	var n int
	if _, err := fmt.Fscanf(br, "%d\n", &n); err != nil {
		return err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}

// Close shuts the host down.
func (t *Libp2pTransport) Close() error {
	return t.host.Close()
}
