package chunk

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	mperrors "github.com/robomesh/mapapi/internal/errors"
	"github.com/robomesh/mapapi/internal/model"
)

// LockState is the per-holder state of the distributed chunk lock.
type LockState int

const (
	Unlocked LockState = iota
	ReadLocked
	WriteLockRequested
	WriteLocked
)

// ReadLock acquires a local read lock. Reads never communicate with
// peers; a held read lock defers incoming distributed write lock
// requests until release.
func (c *Chunk) ReadLock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state == WriteLocked || c.state == WriteLockRequested {
		c.cond.Wait()
	}
	c.state = ReadLocked
	c.readers++
}

// ReadUnlock releases one read lock.
func (c *Chunk) ReadUnlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ReadLocked || c.readers == 0 {
		c.logger.Fatal("Read unlock without read lock",
			zap.String("chunk", c.id.Hex()))
	}
	c.readers--
	if c.readers == 0 {
		c.state = Unlocked
		c.cond.Broadcast()
	}
}

// WriteLock acquires the distributed write lock: the holder set forms a
// spanning tree (a star under full connectivity) and the lock is held
// once every live holder granted it. Ties between candidates resolve by
// majority, then by the lexicographically smaller PeerId. A failed or
// timed-out acquire is an error, not fatal.
func (c *Chunk) WriteLock(ctx context.Context) error {
	start := time.Now()
	deadline := start.Add(time.Duration(c.cfg.LockAttempts) * c.cfg.LockTimeout)

	for attempt := 0; attempt < c.cfg.LockAttempts; attempt++ {
		if err := c.becomeCandidate(deadline); err != nil {
			c.metrics.LockTimeoutsTotal.Inc()
			return err
		}
		won, retryable, err := c.solicitGrants(ctx)
		if err != nil {
			return err
		}
		if won {
			c.mu.Lock()
			c.state = WriteLocked
			c.mu.Unlock()
			c.metrics.LockAcquisitionsTotal.Inc()
			c.metrics.LockAcquireDuration.Observe(time.Since(start).Seconds())
			return nil
		}
		if !retryable {
			c.metrics.LockConflictsTotal.Inc()
			return mperrors.LockConflict(c.id.Hex())
		}
		// jittered backoff so competing candidates desynchronize
		backoff := c.cfg.LockBackoff + time.Duration(rand.Int63n(int64(c.cfg.LockBackoff)))
		select {
		case <-ctx.Done():
			c.metrics.LockTimeoutsTotal.Inc()
			return mperrors.LockTimeout(c.id.Hex())
		case <-time.After(backoff):
		}
	}
	c.metrics.LockTimeoutsTotal.Inc()
	return mperrors.LockTimeout(c.id.Hex())
}

// becomeCandidate waits for the local FSM to allow a write lock request
// and installs this peer as the candidate.
func (c *Chunk) becomeCandidate(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state != Unlocked {
		if !c.waitLocked(deadline) {
			return mperrors.LockTimeout(c.id.Hex())
		}
	}
	c.state = WriteLockRequested
	c.candidate = c.hub.Self()
	c.requestId = uuid.NewString()
	c.seen[c.requestId] = true
	return nil
}

// waitLocked waits on the state condition until a broadcast or the
// deadline. Returns false when the deadline passed.
func (c *Chunk) waitLocked(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, c.cond.Broadcast)
	c.cond.Wait()
	timer.Stop()
	return time.Now().Before(deadline)
}

// solicitGrants runs one round of the lock protocol against all current
// holders. It reports whether the lock was won and, if not, whether the
// attempt may be retried (readers or a lost vote back off and retry).
func (c *Chunk) solicitGrants(ctx context.Context) (won, retryable bool, err error) {
	c.mu.Lock()
	requestId := c.requestId
	peers := c.peersLocked()
	c.mu.Unlock()

	contacted := append([]model.PeerId{c.hub.Self()}, peers...)
	request := LockRequest{
		Metadata:  Metadata{Table: c.tableName, ChunkId: c.id},
		Requester: c.hub.Self(),
		RequestId: requestId,
		Contacted: contacted,
	}

	granted := make([]model.PeerId, 0, len(peers))
	conflicts := 0
	reading := false
	unreachable := false
	var rival model.PeerId

	for _, peer := range peers {
		response, sendErr := c.sendLockRequest(ctx, peer, request)
		if sendErr != nil {
			unreachable = true
			break
		}
		switch response.Type {
		case KLockGranted, KLockSeen:
			granted = append(granted, peer)
		case KLockReading:
			reading = true
		case KLockConflict:
			conflicts++
			var payload LockResponse
			if err := response.Extract(KLockConflict, &payload); err == nil {
				rival = payload.Candidate
			}
		case model.MessageDecline:
			// peer no longer holds the chunk; skip it
		default:
			c.abortCandidacy(ctx, granted, requestId)
			return false, false, mperrors.UnexpectedMessage(response.Type)
		}
		if reading || unreachable {
			break
		}
	}

	if reading || unreachable {
		c.abortCandidacy(ctx, granted, requestId)
		return false, true, nil
	}
	if conflicts == 0 {
		return true, false, nil
	}
	// majority vote; exact tie goes to the smaller PeerId
	if len(granted) > conflicts {
		return true, false, nil
	}
	if len(granted) == conflicts && rival.IsValid() && c.hub.Self().Less(rival) {
		return true, false, nil
	}
	c.abortCandidacy(ctx, granted, requestId)
	return false, true, nil
}

func (c *Chunk) sendLockRequest(ctx context.Context, peer model.PeerId, request LockRequest) (model.Message, error) {
	msg, err := model.NewMessage(KLockRequest, c.hub.Self(), request)
	if err != nil {
		return model.Message{}, err
	}
	requestCtx, cancel := context.WithTimeout(ctx, c.cfg.LockTimeout)
	defer cancel()
	return c.hub.Request(requestCtx, peer, msg)
}

// abortCandidacy releases partial grants after a cancelled or lost
// acquire and reverts the local FSM.
func (c *Chunk) abortCandidacy(ctx context.Context, granted []model.PeerId, requestId string) {
	for _, peer := range granted {
		c.sendUnlock(ctx, peer, requestId)
	}
	c.mu.Lock()
	if c.candidate == c.hub.Self() {
		c.state = Unlocked
		c.candidate = ""
		delete(c.seen, requestId)
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// Unlock releases the distributed write lock. All writes made under the
// lock have been propagated by this point, so every holder satisfies
// the holder contract on release.
func (c *Chunk) Unlock(ctx context.Context) {
	c.mu.Lock()
	if c.state != WriteLocked || c.candidate != c.hub.Self() {
		c.mu.Unlock()
		c.logger.Fatal("Unlock without held write lock",
			zap.String("chunk", c.id.Hex()))
		return
	}
	requestId := c.requestId
	peers := c.peersLocked()
	c.mu.Unlock()

	for _, peer := range peers {
		c.sendUnlock(ctx, peer, requestId)
	}

	c.mu.Lock()
	c.state = Unlocked
	c.candidate = ""
	delete(c.seen, requestId)
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Chunk) sendUnlock(ctx context.Context, peer model.PeerId, requestId string) {
	request := UnlockRequest{
		Metadata:  Metadata{Table: c.tableName, ChunkId: c.id},
		Requester: c.hub.Self(),
		RequestId: requestId,
	}
	msg, err := model.NewMessage(KUnlockRequest, c.hub.Self(), request)
	if err != nil {
		return
	}
	if _, err := c.hub.Request(ctx, peer, msg); err != nil {
		c.logger.Warn("Peer unreachable during unlock",
			zap.String("chunk", c.id.Hex()),
			zap.String("peer", peer.String()),
			zap.Error(err))
	}
}

// IsWriteLockedBySelf reports whether this peer currently owns the
// distributed write lock.
func (c *Chunk) IsWriteLockedBySelf() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == WriteLocked && c.candidate == c.hub.Self()
}

// LockStateForTesting exposes the FSM state to the test suite.
func (c *Chunk) LockStateForTesting() LockState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleLockRequest serves an inbound write lock request per the
// spanning tree protocol.
func (c *Chunk) HandleLockRequest(request *LockRequest, response *model.Message) {
	c.mu.Lock()
	if c.seen[request.RequestId] {
		c.mu.Unlock()
		response.Type = KLockSeen
		return
	}
	if c.state == ReadLocked {
		c.mu.Unlock()
		response.Type = KLockReading
		return
	}
	if (c.state == WriteLocked || c.state == WriteLockRequested) &&
		c.candidate != request.Requester {
		rival := c.candidate
		c.mu.Unlock()
		if err := response.Impose(KLockConflict, LockResponse{Candidate: rival}); err != nil {
			response.Type = model.MessageInvalid
		}
		return
	}
	c.seen[request.RequestId] = true
	c.state = WriteLockRequested
	c.candidate = request.Requester
	c.requestId = request.RequestId

	// forward to peers not yet in the tree; under full connectivity
	// the requester contacted everyone and the tree is a star
	contacted := make(map[model.PeerId]struct{}, len(request.Contacted))
	for _, peer := range request.Contacted {
		contacted[peer] = struct{}{}
	}
	var children []model.PeerId
	for peer := range c.peers {
		if _, ok := contacted[peer]; !ok && peer != request.Requester {
			children = append(children, peer)
		}
	}
	c.mu.Unlock()

	if len(children) > 0 {
		forward := *request
		forward.Contacted = append(append([]model.PeerId(nil), request.Contacted...), children...)
		for _, child := range children {
			childResponse, err := c.sendLockRequest(context.Background(), child, forward)
			if err != nil {
				response.Type = model.MessageCantReach
				return
			}
			switch childResponse.Type {
			case KLockGranted, KLockSeen, model.MessageDecline:
			default:
				// conflict or reader below: propagate upward
				response.Type = childResponse.Type
				response.Payload = childResponse.Payload
				return
			}
		}
	}

	// all children granted: this holder grants and considers the
	// candidate write-locked
	c.mu.Lock()
	if c.candidate == request.Requester && c.state == WriteLockRequested {
		c.state = WriteLocked
	}
	c.mu.Unlock()
	response.Type = KLockGranted
}

// HandleUnlockRequest serves an inbound unlock from the lock owner.
func (c *Chunk) HandleUnlockRequest(request *UnlockRequest, response *model.Message) {
	c.mu.Lock()
	if c.candidate == request.Requester {
		c.state = Unlocked
		c.candidate = ""
		delete(c.seen, request.RequestId)
		c.cond.Broadcast()
		c.mu.Unlock()
		response.Ack()
		return
	}
	delete(c.seen, request.RequestId)
	c.mu.Unlock()
	response.Type = model.MessageRedundant
}
