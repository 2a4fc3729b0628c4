package negotiation

import (
	"fmt"

	"github.com/pion/webrtc/v3"

	"github.com/opd-ai/relaydrop/transport"
)

// DataChannelLabel names the channel that carries the direct plane.
const DataChannelLabel = "relaydrop"

// PionPeer adapts a pion PeerConnection to Peer.
type PionPeer struct {
	pc *webrtc.PeerConnection
}

// NewPionPeer creates a peer connection using the given ICE servers.
func NewPionPeer(iceServers []webrtc.ICEServer) (*PionPeer, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &PionPeer{pc: pc}, nil
}

// ICEServers converts STUN/TURN URLs to pion configuration.
func ICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// CreateDataChannel opens the ordered channel the initiator sends on.
func (p *PionPeer) CreateDataChannel() (*transport.DataChannelTransport, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return transport.NewDataChannelTransport(dc), nil
}

// OnDataChannel delivers the channel opened by the remote initiator.
func (p *PionPeer) OnDataChannel(fn func(*transport.DataChannelTransport)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(transport.NewDataChannelTransport(dc))
	})
}

// CreateOffer implements Peer.
func (p *PionPeer) CreateOffer(iceRestart bool) (transport.Description, error) {
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return transport.Description{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return transport.Description{}, fmt.Errorf("set local offer: %w", err)
	}
	return transport.Description{Type: offer.Type.String(), SDP: offer.SDP, ICERestart: iceRestart}, nil
}

// CreateAnswer implements Peer.
func (p *PionPeer) CreateAnswer() (transport.Description, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return transport.Description{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return transport.Description{}, fmt.Errorf("set local answer: %w", err)
	}
	return transport.Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetRemoteDescription implements Peer.
func (p *PionPeer) SetRemoteDescription(desc transport.Description) error {
	sd := webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	return nil
}

// AddICECandidate implements Peer.
func (p *PionPeer) AddICECandidate(c transport.Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// HasRemoteDescription implements Peer.
func (p *PionPeer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

// AwaitingAnswer implements Peer.
func (p *PionPeer) AwaitingAnswer() bool {
	return p.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

// OnICECandidate implements Peer.
func (p *PionPeer) OnICECandidate(fn func(transport.Candidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(transport.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

// OnConnectionStateChange implements Peer.
func (p *PionPeer) OnConnectionStateChange(fn func(ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(fromPion(s))
	})
}

// Close implements Peer.
func (p *PionPeer) Close() error {
	return p.pc.Close()
}

func fromPion(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionClosed
	default:
		return ConnectionNew
	}
}
