package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/datachannel"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"peer-call/pkg/log"
	"peer-call/pkg/signaling"
)

// PionConfig configures the real WebRTC transport.
type PionConfig struct {
	STUN []string
}

// NewPionFactory returns a TransportFactory backed by pion/webrtc.
func NewPionFactory(cfg PionConfig) TransportFactory {
	return func(local *LocalStream) (Transport, error) {
		return newPionTransport(cfg, local)
	}
}

type pionTransport struct {
	conn   *webrtc.PeerConnection
	events chan TransportEvent

	controlMu sync.Mutex
	control   datachannel.ReadWriteCloser

	closeOnce sync.Once
	closed    chan struct{}
}

func newPionTransport(cfg PionConfig, local *LocalStream) (*pionTransport, error) {
	ice := make([]webrtc.ICEServer, len(cfg.STUN))

	for i, stun := range cfg.STUN {
		ice[i] = webrtc.ICEServer{
			URLs: []string{"stun:" + stun},
		}
	}

	settings := webrtc.SettingEngine{}

	settings.DetachDataChannels()
	settings.SetICETimeouts(15*time.Second, 25*time.Second, 2*time.Second)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	conn, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: ice,
	})
	if err != nil {
		return nil, err
	}

	t := &pionTransport{
		conn:   conn,
		events: make(chan TransportEvent, 64),
		closed: make(chan struct{}),
	}

	if err := t.attachLocal(local); err != nil {
		_ = conn.Close()
		return nil, err
	}

	t.conn.OnICECandidate(t.onICECandidate)
	t.conn.OnTrack(t.onTrack)
	t.conn.OnConnectionStateChange(t.onConnStateChange)
	t.conn.OnDataChannel(t.registerControl)

	return t, nil
}

// attachLocal adds the local tracks, falling back to recvonly transceivers
// for any kind without a local track so the SDP always carries both m-lines.
func (t *pionTransport) attachLocal(local *LocalStream) error {
	have := map[TrackKind]bool{}

	if local != nil {
		for _, track := range local.Tracks() {
			if track.Media == nil {
				continue
			}
			if _, err := t.conn.AddTrack(track.Media); err != nil {
				return errors.Wrapf(err, "add %s track", track.Kind)
			}
			have[track.Kind] = true
		}
	}

	recvOnly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}

	if !have[KindAudio] {
		if _, err := t.conn.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvOnly); err != nil {
			return errors.Wrap(err, "audio transceiver")
		}
	}
	if !have[KindVideo] {
		if _, err := t.conn.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvOnly); err != nil {
			return errors.Wrap(err, "video transceiver")
		}
	}

	return nil
}

func (t *pionTransport) CreateOffer(_ context.Context) (signaling.Description, error) {
	// The caller opens the control channel; the callee picks it up via
	// OnDataChannel.
	control, err := t.conn.CreateDataChannel("control", nil)
	if err != nil {
		return nil, err
	}

	t.registerControl(control)

	offer, err := t.conn.CreateOffer(nil)
	if err != nil {
		return nil, err
	}

	if err := t.conn.SetLocalDescription(offer); err != nil {
		return nil, err
	}

	return json.Marshal(offer)
}

func (t *pionTransport) CreateAnswer(_ context.Context, offer signaling.Description) (signaling.Description, error) {
	remote := webrtc.SessionDescription{}

	if err := json.Unmarshal(offer, &remote); err != nil {
		return nil, errors.Wrap(err, "decode offer")
	}

	if err := t.conn.SetRemoteDescription(remote); err != nil {
		return nil, err
	}

	answer, err := t.conn.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	if err := t.conn.SetLocalDescription(answer); err != nil {
		return nil, err
	}

	return json.Marshal(answer)
}

func (t *pionTransport) ApplyAnswer(answer signaling.Description) error {
	remote := webrtc.SessionDescription{}

	if err := json.Unmarshal(answer, &remote); err != nil {
		return errors.Wrap(err, "decode answer")
	}

	return t.conn.SetRemoteDescription(remote)
}

func (t *pionTransport) AddRemoteCandidate(cand signaling.Candidate) error {
	init := webrtc.ICECandidateInit{}

	if err := json.Unmarshal(cand, &init); err != nil {
		return errors.Wrap(err, "decode candidate")
	}

	return t.conn.AddICECandidate(init)
}

func (t *pionTransport) SendControl(msg ControlMessage) error {
	t.controlMu.Lock()
	control := t.control
	t.controlMu.Unlock()

	if control == nil {
		return errors.New("control channel not open")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, err = control.Write(payload)

	return err
}

func (t *pionTransport) Events() <-chan TransportEvent {
	return t.events
}

func (t *pionTransport) Close() error {
	var err error

	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})

	return err
}

func (t *pionTransport) emit(ev TransportEvent) {
	select {
	case t.events <- ev:
	case <-t.closed:
	}
}

func (t *pionTransport) onICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}

	payload, err := json.Marshal(candidate.ToJSON())
	if err != nil {
		log.Error(err)

		return
	}

	t.emit(TransportEvent{Kind: EventLocalCandidate, Candidate: payload})
}

func (t *pionTransport) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := KindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = KindVideo
	}

	t.emit(TransportEvent{Kind: EventRemoteTrack, Track: &RemoteTrack{Kind: kind, Media: track}})
}

func (t *pionTransport) onConnStateChange(state webrtc.PeerConnectionState) {
	mapped := TransportNew

	switch state {
	case webrtc.PeerConnectionStateConnected:
		mapped = TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		mapped = TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		mapped = TransportFailed
	case webrtc.PeerConnectionStateClosed:
		mapped = TransportClosed
	default:
		return
	}

	t.emit(TransportEvent{Kind: EventStateChange, State: mapped})
}

func (t *pionTransport) registerControl(channel *webrtc.DataChannel) {
	if channel.Label() != "control" {
		return
	}

	channel.OnOpen(func() {
		raw, err := channel.Detach()
		if err != nil {
			log.Error(err)

			return
		}

		t.controlMu.Lock()
		t.control = raw
		t.controlMu.Unlock()

		go t.readControl(raw)
	})
}

func (t *pionTransport) readControl(raw datachannel.ReadWriteCloser) {
	buf := make([]byte, 1024)

	for {
		n, err := raw.Read(buf)
		if err != nil {
			return
		}

		msg := ControlMessage{}
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			log.Debugf("control channel: bad message: %v", err)

			continue
		}

		t.emit(TransportEvent{Kind: EventControl, Control: msg})
	}
}
