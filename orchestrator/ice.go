package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anacrolix/log"
	"github.com/pion/webrtc/v4"

	"github.com/DIG-Network/dig-nat-tools/signalling"
	"github.com/DIG-Network/dig-nat-tools/transport"
)

// DefaultICEConnectTimeout bounds one WebRTC ICE negotiation, which itself
// internally races host, server-reflexive and TURN-relay candidate pairs —
// pion/webrtc/v4's ICE agent is the concrete implementation of the
// STUN/TURN side of GATHER and of the relay-via-TURN fallback (spec §4.4
// GATHER, §4.4 RELAY).
const DefaultICEConnectTimeout = 8 * time.Second

func iceServers(opts Options) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, s := range opts.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{"stun:" + s}})
	}
	for _, s := range opts.TURNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{"turn:" + s}})
	}
	return servers
}

// iceConnectOffering is run by the side that initiates the data channel. It
// creates a PeerConnection, exchanges SDP offer/answer over the signalling
// session, and waits for the data channel to reach Open.
func iceConnectOffering(ctx context.Context, session *signalling.Session, opts Options, logger log.Logger) (transport.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultICEConnectTimeout)
	defer cancel()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(opts)})
	if err != nil {
		return nil, fmt.Errorf("ice: new peer connection: %w", err)
	}

	dc, err := pc.CreateDataChannel("dignat", nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("ice: create data channel: %w", err)
	}

	openCh := make(chan struct{})
	dc.OnOpen(func() { close(openCh) })

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("ice: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("ice: set local description: %w", err)
	}

	offerBytes, err := json.Marshal(offer)
	if err != nil {
		pc.Close()
		return nil, err
	}
	if err := session.SendOffer(ctx, offerBytes); err != nil {
		pc.Close()
		return nil, fmt.Errorf("ice: send offer: %w", err)
	}

	answer, err := recvAnswer(ctx, session)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("ice: recv answer: %w", err)
	}
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(answer, &sdp); err != nil {
		pc.Close()
		return nil, fmt.Errorf("ice: decode answer: %w", err)
	}
	if err := pc.SetRemoteDescription(sdp); err != nil {
		pc.Close()
		return nil, fmt.Errorf("ice: set remote description: %w", err)
	}

	select {
	case <-openCh:
		return transport.NewWebRTCChannel(pc, dc, transport.Endpoint{Network: "webrtc", Addr: "ice"}, logger), nil
	case <-ctx.Done():
		pc.Close()
		return nil, fmt.Errorf("ice: %w", ctx.Err())
	}
}

// iceConnectAnswering is run by the side that responds to an incoming
// offer, mirroring iceConnectOffering.
func iceConnectAnswering(ctx context.Context, session *signalling.Session, opts Options, logger log.Logger) (transport.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultICEConnectTimeout)
	defer cancel()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(opts)})
	if err != nil {
		return nil, fmt.Errorf("ice: new peer connection: %w", err)
	}

	dcCh := make(chan *webrtc.DataChannel, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dcCh <- dc
	})

	offerBody, err := recvOffer(ctx, session)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("ice: recv offer: %w", err)
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerBody, &offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("ice: decode offer: %w", err)
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("ice: set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("ice: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("ice: set local description: %w", err)
	}
	answerBytes, err := json.Marshal(answer)
	if err != nil {
		pc.Close()
		return nil, err
	}
	if err := session.SendAnswer(ctx, answerBytes); err != nil {
		pc.Close()
		return nil, fmt.Errorf("ice: send answer: %w", err)
	}

	select {
	case dc := <-dcCh:
		openCh := make(chan struct{})
		dc.OnOpen(func() { close(openCh) })
		select {
		case <-openCh:
			return transport.NewWebRTCChannel(pc, dc, transport.Endpoint{Network: "webrtc", Addr: "ice"}, logger), nil
		case <-ctx.Done():
			pc.Close()
			return nil, fmt.Errorf("ice: %w", ctx.Err())
		}
	case <-ctx.Done():
		pc.Close()
		return nil, fmt.Errorf("ice: %w", ctx.Err())
	}
}

func recvOffer(ctx context.Context, session *signalling.Session) ([]byte, error) {
	for {
		msg, err := session.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if offer, ok := msg.(signalling.OfferSDP); ok {
			return offer, nil
		}
	}
}

func recvAnswer(ctx context.Context, session *signalling.Session) ([]byte, error) {
	for {
		msg, err := session.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if answer, ok := msg.(signalling.AnswerSDP); ok {
			return answer, nil
		}
	}
}
