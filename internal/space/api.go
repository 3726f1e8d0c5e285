package space

import (
	"context"
	"time"

	"github.com/roach88/spacesync/internal/crdt"
	"github.com/roach88/spacesync/internal/credential"
	"github.com/roach88/spacesync/internal/epoch"
	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/invite"
	"github.com/roach88/spacesync/internal/ir"
)

// Admit grants subject the given authority.
func (s *Space) Admit(ctx context.Context, subject string, authority ir.Authority) error {
	return s.do(ctx, "admit", func(ctx context.Context) error {
		cred, err := credential.Admit(s.self, subject, authority)
		if err != nil {
			return err
		}
		return s.issue(ctx, cred)
	})
}

// Revoke removes subject from the space.
func (s *Space) Revoke(ctx context.Context, subject string) error {
	return s.do(ctx, "revoke", func(ctx context.Context) error {
		cred, err := credential.Revoke(s.self, subject)
		if err != nil {
			return err
		}
		return s.issue(ctx, cred)
	})
}

// Delegate grants subject a capability on top of its authority.
func (s *Space) Delegate(ctx context.Context, subject string, capability ir.Capability) error {
	return s.do(ctx, "delegate", func(ctx context.Context) error {
		cred, err := credential.Delegate(s.self, subject, capability)
		if err != nil {
			return err
		}
		return s.issue(ctx, cred)
	})
}

// Invite admits invitee (unless it already holds the authority) and returns
// a signed invitation naming this host's transport peer as the bootstrap
// source.
func (s *Space) Invite(ctx context.Context, invitee string, authority ir.Authority, ttl time.Duration) (string, error) {
	var token string
	err := s.do(ctx, "invite", func(ctx context.Context) error {
		if m, ok := s.chain.Member(invitee); !ok || m.Authority != authority {
			cred, err := credential.Admit(s.self, invitee, authority)
			if err != nil {
				return err
			}
			if err := s.issue(ctx, cred); err != nil {
				return err
			}
		}
		if ttl <= 0 {
			ttl = invite.DefaultTTL
		}
		now := s.opts.now()
		var err error
		token, err = invite.Issue(s.self, invite.Invitation{
			Space:     s.id,
			Inviter:   s.self.PublicKey(),
			Invitee:   invitee,
			Authority: authority,
			Peer:      s.peer,
			ExpiresAt: now.Add(ttl),
		}, now)
		return err
	})
	return token, err
}

// issue appends a credential after checking that the chain would accept it.
func (s *Space) issue(ctx context.Context, cred ir.Credential) error {
	pos := ir.Position{Feed: s.writer.Feed(), Seq: s.feeds.Tip(s.writer.Feed()) + 1}
	e := credential.Entry{Position: pos, Timeframe: s.dispatched.Clone(), Credential: cred}
	if err := s.chain.CanIssue(e); err != nil {
		return err
	}
	b, err := s.append(ctx, ir.Message{Credential: &cred})
	if err != nil {
		return err
	}
	if st, err := s.chain.Status(b.Position()); st == credential.StatusRejected {
		return err
	}
	return nil
}

// append signs msg into the local feed with the dispatched timeframe as its
// dependencies, dispatches it and broadcasts it.
func (s *Space) append(ctx context.Context, msg ir.Message) (ir.FeedBlock, error) {
	msg.SpaceID = s.id
	msg.Timeframe = s.dispatched.Clone()
	payload, err := ir.EncodeMessage(msg)
	if err != nil {
		return ir.FeedBlock{}, err
	}
	b, err := s.writer.Append(ctx, payload)
	if err != nil {
		return ir.FeedBlock{}, err
	}
	s.accept(ctx, b)
	s.disseminate(b)
	return b, nil
}

// OpenDocument creates an empty document, or returns id unchanged if it
// already exists. An empty id gets a generated one.
func (s *Space) OpenDocument(ctx context.Context, id string) (string, error) {
	if id == "" {
		id = s.opts.ids.Generate()
	}
	err := s.do(ctx, "open document", func(context.Context) error {
		s.opened[id] = true
		if _, ok := s.docs[id]; !ok {
			s.document(id)
			s.emit(Notice{Kind: NoticeDocument, Document: id})
		}
		return nil
	})
	return id, err
}

// Mutate runs fn as one transaction on document id and replicates the
// resulting change. It returns the change hash, or "" if fn made no edits.
// An error from fn aborts the transaction.
//
// fn runs on the loop goroutine and must not call the Space's methods. A
// Mutate on the same document while fn runs fails with RecursiveChange
// without waiting for the loop; any other nested call waits for the loop
// and fails with Timeout when its context ends.
func (s *Space) Mutate(ctx context.Context, id string, fn func(*crdt.Tx) error) (string, error) {
	if _, busy := s.mutating.Load(id); busy {
		return "", fault.New(fault.RecursiveChange, "document has a change in progress").With("document", id)
	}
	var hash string
	err := s.do(ctx, "mutate", func(ctx context.Context) error {
		doc, ok := s.docs[id]
		if !ok {
			return fault.New(fault.UnknownDocument, "document %s not open", id)
		}
		pos := ir.Position{Feed: s.writer.Feed(), Seq: s.feeds.Tip(s.writer.Feed()) + 1}
		if err := s.chain.Authorized(s.self.PublicKey(), pos, s.dispatched); err != nil {
			return err
		}

		s.mutating.Store(id, struct{}{})
		pending, err := doc.Prepare(s.self.PublicKey(), fn)
		s.mutating.Delete(id)
		if err != nil {
			return err
		}
		if pending.Empty() {
			pending.Abort()
			return nil
		}

		change := pending.Change()
		msg := ir.Message{SpaceID: s.id, Timeframe: s.dispatched.Clone(), Change: &change}
		payload, err := ir.EncodeMessage(msg)
		if err != nil {
			pending.Abort()
			return err
		}
		b, err := s.writer.Append(ctx, payload)
		if err != nil {
			pending.Abort()
			return err
		}
		if hash, err = pending.Commit(); err != nil {
			return err
		}
		s.rejectDeferred(id, doc.TakeRejected())
		s.accept(ctx, b)
		s.disseminate(b)
		return nil
	})
	return hash, err
}

// Document returns the current value of document id.
func (s *Space) Document(id string) (ir.Map, error) {
	v, ok := s.Snapshot().Document(id)
	if !ok {
		return nil, fault.New(fault.UnknownDocument, "document %s not found", id)
	}
	return v, nil
}

// ProposeEpoch folds the current state into the next epoch's candidate,
// applying mig to the documents if it is set. Nothing is replicated until
// CommitEpoch.
func (s *Space) ProposeEpoch(ctx context.Context, mig *ir.Migration) (epoch.Candidate, error) {
	var cand epoch.Candidate
	err := s.do(ctx, "propose epoch", func(context.Context) error {
		docs := make(map[string]ir.Map, len(s.docs))
		for id, d := range s.docs {
			docs[id] = d.Export()
		}
		var err error
		cand, err = s.epochs.Propose(epoch.State{
			SpaceID:   s.id,
			Epoch:     s.chain.Epoch(),
			Members:   s.chain.Members(),
			Timeframe: s.dispatched.Clone(),
			Documents: docs,
		}, mig)
		return err
	})
	return cand, err
}

// CommitEpoch replicates cand's snapshot and the credential that commits
// it. It fails with StaleEpoch if another epoch was committed since cand
// was proposed.
func (s *Space) CommitEpoch(ctx context.Context, cand epoch.Candidate) error {
	return s.do(ctx, "commit epoch", func(ctx context.Context) error {
		if err := epoch.Check(s.chain.Epoch(), cand); err != nil {
			return err
		}
		if _, err := s.epochs.Import(cand.Root, cand.Bytes); err != nil {
			return err
		}
		cred, err := credential.SetEpochRoot(s.self, s.id, cand.Record())
		if err != nil {
			return err
		}
		pos := ir.Position{Feed: s.writer.Feed(), Seq: s.feeds.Tip(s.writer.Feed()) + 2}
		if err := s.chain.CanIssue(credential.Entry{Position: pos, Timeframe: s.dispatched.Clone(), Credential: cred}); err != nil {
			return err
		}
		snap := cand.Snapshot
		if _, err := s.append(ctx, ir.Message{Epoch: &snap}); err != nil {
			return err
		}
		return s.issue(ctx, cred)
	})
}

// Compact drops stored blocks covered by the committed epoch and returns
// how many were removed.
func (s *Space) Compact(ctx context.Context) (int64, error) {
	var n int64
	err := s.do(ctx, "compact", func(ctx context.Context) error {
		covered := s.chain.Covered()
		if len(covered) == 0 {
			return nil
		}
		s.feeds.Prune(covered)
		if s.store == nil {
			return nil
		}
		var err error
		if n, err = s.store.Prune(ctx, s.id, covered); err != nil {
			return fault.Wrap(fault.StorageFailure, err, "prune")
		}
		s.logger.Info("compacted", "epoch", s.chain.Epoch().Number, "blocks", n)
		return nil
	})
	return n, err
}

// Announce broadcasts the local timeframe immediately.
func (s *Space) Announce(ctx context.Context) error {
	return s.do(ctx, "announce", func(context.Context) error {
		s.announce()
		return nil
	})
}
