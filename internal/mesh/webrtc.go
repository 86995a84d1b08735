package mesh

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	pion "github.com/pion/webrtc/v4"
)

// dataChannelLabel is the single sync channel per peer pair.
const dataChannelLabel = "daylist-sync"

// SignalPayload is the negotiation payload relayed between peers:
// exactly one of SDP (for offer/answer) or Candidate is set.
type SignalPayload struct {
	Type      string                 `json:"type"` // offer | answer | candidate
	SDP       string                 `json:"sdp,omitempty"`
	Candidate *pion.ICECandidateInit `json:"candidate,omitempty"`
}

// NewLinkFactory returns a LinkFactory producing pion-backed links
// configured with the given ICE servers.
func NewLinkFactory(servers []pion.ICEServer, log *slog.Logger) LinkFactory {
	return func(remoteID string, initiator bool, events LinkEvents) (Link, error) {
		return newWebRTCLink(remoteID, initiator, servers, events, log)
	}
}

// webrtcLink adapts a pion PeerConnection + data channel to the Link
// contract, with trickle ICE: candidates are exchanged as they are
// gathered instead of waiting for gathering to complete.
type webrtcLink struct {
	remoteID  string
	initiator bool
	events    LinkEvents
	log       *slog.Logger

	pc *pion.PeerConnection

	mu sync.Mutex
	dc *pion.DataChannel

	// pending buffers remote candidates that arrive before the remote
	// description is set; pion rejects them otherwise.
	pending   []pion.ICECandidateInit
	remoteSet bool

	closed bool
}

func newWebRTCLink(remoteID string, initiator bool, servers []pion.ICEServer, events LinkEvents, log *slog.Logger) (*webrtcLink, error) {
	pc, err := pion.NewPeerConnection(pion.Configuration{
		ICEServers: servers,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	l := &webrtcLink{
		remoteID:  remoteID,
		initiator: initiator,
		events:    events,
		log:       log.With("peer", remoteID),
		pc:        pc,
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		l.events.OnICEState(mapICEState(state))
	})

	pc.OnICECandidate(func(candidate *pion.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		l.emitSignal(SignalPayload{Type: "candidate", Candidate: &init})
	})

	if initiator {
		ordered := true
		dc, err := pc.CreateDataChannel(dataChannelLabel, &pion.DataChannelInit{
			Ordered: &ordered,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		l.bindChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *pion.DataChannel) {
			l.bindChannel(dc)
		})
	}

	return l, nil
}

// Start creates and sends the offer on an initiating link; on an
// answering link negotiation starts when the offer arrives via Signal.
func (l *webrtcLink) Start() error {
	if !l.initiator {
		return nil
	}

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	l.emitSignal(SignalPayload{Type: "offer", SDP: offer.SDP})
	return nil
}

func (l *webrtcLink) Signal(payload json.RawMessage) error {
	var signal SignalPayload
	if err := json.Unmarshal(payload, &signal); err != nil {
		return fmt.Errorf("parse signal: %w", err)
	}

	switch signal.Type {
	case "offer":
		if err := l.pc.SetRemoteDescription(pion.SessionDescription{
			Type: pion.SDPTypeOffer,
			SDP:  signal.SDP,
		}); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		if err := l.flushPending(); err != nil {
			return err
		}

		answer, err := l.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := l.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		l.emitSignal(SignalPayload{Type: "answer", SDP: answer.SDP})
		return nil

	case "answer":
		if err := l.pc.SetRemoteDescription(pion.SessionDescription{
			Type: pion.SDPTypeAnswer,
			SDP:  signal.SDP,
		}); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		return l.flushPending()

	case "candidate":
		if signal.Candidate == nil {
			return nil
		}
		l.mu.Lock()
		if !l.remoteSet {
			l.pending = append(l.pending, *signal.Candidate)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		if err := l.pc.AddICECandidate(*signal.Candidate); err != nil {
			return fmt.Errorf("add candidate: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnexpectedState, signal.Type)
	}
}

func (l *webrtcLink) Send(frame []byte) error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()

	if dc == nil || dc.ReadyState() != pion.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return dc.Send(frame)
}

func (l *webrtcLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.pc.Close()
}

func (l *webrtcLink) bindChannel(dc *pion.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.events.OnOpen()
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		l.events.OnMessage(msg.Data)
	})
	dc.OnClose(func() {
		l.events.OnChannelClose()
	})
}

// flushPending replays candidates buffered before the remote
// description existed.
func (l *webrtcLink) flushPending() error {
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, candidate := range pending {
		if err := l.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("add buffered candidate: %w", err)
		}
	}
	return nil
}

func (l *webrtcLink) emitSignal(signal SignalPayload) {
	encoded, err := json.Marshal(signal)
	if err != nil {
		l.log.Error("signal encode failed", "error", err)
		return
	}
	l.events.OnSignal(encoded)
}

func mapICEState(state pion.ICEConnectionState) ICEState {
	switch state {
	case pion.ICEConnectionStateNew:
		return ICENew
	case pion.ICEConnectionStateChecking:
		return ICEChecking
	case pion.ICEConnectionStateConnected:
		return ICEConnected
	case pion.ICEConnectionStateCompleted:
		return ICECompleted
	case pion.ICEConnectionStateDisconnected:
		return ICEDisconnected
	case pion.ICEConnectionStateFailed:
		return ICEFailed
	case pion.ICEConnectionStateClosed:
		return ICEClosed
	default:
		return ICENew
	}
}
