package signaling

import (
	"context"

	"peer-call/pkg/log"
)

// Crypto seals and unseals opaque signaling payloads. Satisfied by
// pkg/crypto.AesCbc.
type Crypto interface {
	Encrypt([]byte) []byte
	Decrypt([]byte) ([]byte, error)
}

// Sealed decorates a Channel so that session descriptions and candidates are
// encrypted with a pre-shared per-chat secret before they reach the relay.
// Record metadata (participants, status) stays readable; the relay never sees
// SDP or candidate contents. Both participants must use the same secret;
// payloads that fail to unseal are dropped and logged.
type Sealed struct {
	inner  Channel
	crypto Crypto
}

func NewSealed(inner Channel, crypto Crypto) *Sealed {
	return &Sealed{
		inner:  inner,
		crypto: crypto,
	}
}

func (s *Sealed) CreateCall(ctx context.Context, rec *CallRecord) (string, error) {
	sealed := rec.Clone()
	sealed.Offer = s.crypto.Encrypt(sealed.Offer)

	return s.inner.CreateCall(ctx, sealed)
}

func (s *Sealed) GetCall(ctx context.Context, id string) (*CallRecord, error) {
	rec, err := s.inner.GetCall(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.unsealRecord(rec), nil
}

func (s *Sealed) UpdateCall(ctx context.Context, id string, upd Update) error {
	if len(upd.Answer) != 0 {
		upd.Answer = s.crypto.Encrypt(upd.Answer)
	}

	return s.inner.UpdateCall(ctx, id, upd)
}

func (s *Sealed) DeleteCall(ctx context.Context, id string) error {
	return s.inner.DeleteCall(ctx, id)
}

func (s *Sealed) AppendCandidate(ctx context.Context, id string, side Side, cand Candidate) error {
	return s.inner.AppendCandidate(ctx, id, side, Candidate(s.crypto.Encrypt(cand)))
}

func (s *Sealed) WatchCall(ctx context.Context, id string, fn func(RecordEvent)) (Unsubscribe, error) {
	return s.inner.WatchCall(ctx, id, func(ev RecordEvent) {
		if ev.Record != nil {
			ev.Record = s.unsealRecord(ev.Record)
		}
		fn(ev)
	})
}

func (s *Sealed) WatchCandidates(ctx context.Context, id string, side Side, fn func(Candidate)) (Unsubscribe, error) {
	return s.inner.WatchCandidates(ctx, id, side, func(cand Candidate) {
		plain, err := s.crypto.Decrypt(cand)
		if err != nil {
			log.Errorf("sealed signaling: dropping unreadable %s candidate for call %s: %v", side, id, err)

			return
		}
		fn(Candidate(plain))
	})
}

func (s *Sealed) WatchIncoming(ctx context.Context, calleeUID string, fn func([]*CallRecord)) (Unsubscribe, error) {
	return s.inner.WatchIncoming(ctx, calleeUID, func(recs []*CallRecord) {
		out := make([]*CallRecord, 0, len(recs))
		for _, rec := range recs {
			out = append(out, s.unsealRecord(rec))
		}
		fn(out)
	})
}

// unsealRecord decrypts the description blobs in place on a clone. Blobs that
// fail to unseal are cleared so a misconfigured secret surfaces as a missing
// description rather than garbage fed to the transport.
func (s *Sealed) unsealRecord(rec *CallRecord) *CallRecord {
	out := rec.Clone()

	if len(out.Offer) != 0 {
		plain, err := s.crypto.Decrypt(out.Offer)
		if err != nil {
			log.Errorf("sealed signaling: unreadable offer for call %s: %v", out.ID, err)
			out.Offer = nil
		} else {
			out.Offer = Description(plain)
		}
	}

	if len(out.Answer) != 0 {
		plain, err := s.crypto.Decrypt(out.Answer)
		if err != nil {
			log.Errorf("sealed signaling: unreadable answer for call %s: %v", out.ID, err)
			out.Answer = nil
		} else {
			out.Answer = Description(plain)
		}
	}

	return out
}
