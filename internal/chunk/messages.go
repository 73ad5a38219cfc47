package chunk

import (
	"github.com/robomesh/mapapi/internal/model"
)

// Message types addressed at chunks. Payloads carry the table name and
// chunk id so the table manager can route them; a peer that does not
// hold the addressed chunk declines, it never forwards.
const (
	KConnectRequest       = "chunk_connect_request"
	KInitRequest          = "chunk_init_request"
	KInsertRequest        = "chunk_insert_request"
	KUpdateRequest        = "chunk_update_request"
	KLockRequest          = "chunk_lock_request"
	KUnlockRequest        = "chunk_unlock_request"
	KNewPeerRequest       = "chunk_new_peer_request"
	KLeaveRequest         = "chunk_leave_request"
	KParticipationRequest = "chunk_participation_request"
)

// Lock responses of the spanning-tree write lock protocol.
const (
	KLockGranted  = "chunk_lock_granted"
	KLockConflict = "chunk_lock_conflict"
	KLockReading  = "chunk_lock_am_reading"
	KLockSeen     = "chunk_lock_have_seen"
)

// Metadata addresses one chunk of one table.
type Metadata struct {
	Table   string   `json:"table"`
	ChunkId model.Id `json:"chunk_id"`
}

// ConnectRequest asks an existing holder to take the sender on board.
type ConnectRequest struct {
	Metadata
}

// InitRequest transfers the full chunk state to a joining peer. The
// checksum covers the serialized revisions so the receiver can verify
// the snapshot.
type InitRequest struct {
	Metadata
	Peers     []model.PeerId    `json:"peers"`
	Revisions []*model.Revision `json:"revisions"`
	Checksum  uint32            `json:"checksum"`
}

// WriteRequest propagates one committed revision to a holder.
type WriteRequest struct {
	Metadata
	Revision *model.Revision `json:"revision"`
}

// LockRequest travels down the spanning tree of holders.
type LockRequest struct {
	Metadata
	Requester model.PeerId `json:"requester"`
	RequestId string       `json:"request_id"`
	// Contacted lists peers already in the tree; a receiver forwards
	// only to peers not yet contacted.
	Contacted []model.PeerId `json:"contacted"`
}

// LockResponse answers a LockRequest.
type LockResponse struct {
	// Candidate reports the competing lock candidate on a conflict,
	// for the lexicographic tie break.
	Candidate model.PeerId `json:"candidate,omitempty"`
}

// UnlockRequest releases the distributed write lock down the tree.
type UnlockRequest struct {
	Metadata
	Requester model.PeerId `json:"requester"`
	RequestId string       `json:"request_id"`
}

// NewPeerRequest informs holders of a peer joining the chunk.
type NewPeerRequest struct {
	Metadata
	NewPeer model.PeerId `json:"new_peer"`
}

// LeaveRequest informs holders that the sender relinquishes the chunk.
type LeaveRequest struct {
	Metadata
}

// ParticipationRequest asks the receiver to become a holder by
// connecting to the sender.
type ParticipationRequest struct {
	Metadata
}
