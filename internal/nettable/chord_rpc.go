package nettable

import (
	"context"

	"github.com/robomesh/mapapi/internal/chord"
	mperrors "github.com/robomesh/mapapi/internal/errors"
	"github.com/robomesh/mapapi/internal/hub"
	"github.com/robomesh/mapapi/internal/model"
)

// Chord message types. Each table has its own ring; payloads carry the
// table name so the manager can route a request to the right index.
const (
	KChordFindSuccessor  = "chord_find_successor_request"
	KChordGetPredecessor = "chord_get_predecessor_request"
	KChordNotify         = "chord_notify_request"
	KChordLeave          = "chord_leave_request"
	KChordAddData        = "chord_add_data_request"
	KChordAppendData     = "chord_append_data_request"
	KChordRetrieveData   = "chord_retrieve_data_request"
	KChordPeerResponse   = "chord_peer_response"
	KChordDataResponse   = "chord_data_response"
)

type chordKeyRequest struct {
	Table string `json:"table"`
	Key   uint32 `json:"key"`
}

type chordTableRequest struct {
	Table string `json:"table"`
}

type chordNotifyRequest struct {
	Table   string       `json:"table"`
	Subject model.PeerId `json:"subject"`
}

type chordLeaveRequest struct {
	Table             string       `json:"table"`
	Leaver            model.PeerId `json:"leaver"`
	LeaverSuccessor   model.PeerId `json:"leaver_successor"`
	LeaverPredecessor model.PeerId `json:"leaver_predecessor"`
}

type chordDataRequest struct {
	Table string `json:"table"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

type chordPeerResponse struct {
	Peer model.PeerId `json:"peer"`
}

type chordDataResponse struct {
	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found"`
}

// hubChordRPC sends one table's chord RPCs through the hub.
type hubChordRPC struct {
	table string
	hub   *hub.Hub
}

var _ chord.RPC = (*hubChordRPC)(nil)

func (r *hubChordRPC) roundTrip(ctx context.Context, to model.PeerId,
	msgType string, payload interface{}) (model.Message, error) {
	request, err := model.NewMessage(msgType, r.hub.Self(), payload)
	if err != nil {
		return model.Message{}, err
	}
	return r.hub.Request(ctx, to, request)
}

func (r *hubChordRPC) FindSuccessor(ctx context.Context, to model.PeerId, key chord.Key) (model.PeerId, error) {
	response, err := r.roundTrip(ctx, to, KChordFindSuccessor,
		chordKeyRequest{Table: r.table, Key: uint32(key)})
	if err != nil {
		return "", err
	}
	var peer chordPeerResponse
	if err := response.Extract(KChordPeerResponse, &peer); err != nil {
		return "", err
	}
	return peer.Peer, nil
}

func (r *hubChordRPC) GetPredecessor(ctx context.Context, to model.PeerId) (model.PeerId, error) {
	response, err := r.roundTrip(ctx, to, KChordGetPredecessor,
		chordTableRequest{Table: r.table})
	if err != nil {
		return "", err
	}
	var peer chordPeerResponse
	if err := response.Extract(KChordPeerResponse, &peer); err != nil {
		return "", err
	}
	return peer.Peer, nil
}

func (r *hubChordRPC) Notify(ctx context.Context, to model.PeerId, subject model.PeerId) error {
	response, err := r.roundTrip(ctx, to, KChordNotify,
		chordNotifyRequest{Table: r.table, Subject: subject})
	if err != nil {
		return err
	}
	if !response.IsOk() {
		return mperrors.UnexpectedMessage(response.Type)
	}
	return nil
}

func (r *hubChordRPC) Leave(ctx context.Context, to model.PeerId,
	leaver, leaverSuccessor, leaverPredecessor model.PeerId) error {
	response, err := r.roundTrip(ctx, to, KChordLeave, chordLeaveRequest{
		Table:             r.table,
		Leaver:            leaver,
		LeaverSuccessor:   leaverSuccessor,
		LeaverPredecessor: leaverPredecessor,
	})
	if err != nil {
		return err
	}
	if !response.IsOk() {
		return mperrors.UnexpectedMessage(response.Type)
	}
	return nil
}

func (r *hubChordRPC) AddData(ctx context.Context, to model.PeerId, key string, value []byte) error {
	response, err := r.roundTrip(ctx, to, KChordAddData,
		chordDataRequest{Table: r.table, Key: key, Value: value})
	if err != nil {
		return err
	}
	if !response.IsOk() {
		return mperrors.UnexpectedMessage(response.Type)
	}
	return nil
}

func (r *hubChordRPC) AppendData(ctx context.Context, to model.PeerId, key string, value []byte) error {
	response, err := r.roundTrip(ctx, to, KChordAppendData,
		chordDataRequest{Table: r.table, Key: key, Value: value})
	if err != nil {
		return err
	}
	if !response.IsOk() {
		return mperrors.UnexpectedMessage(response.Type)
	}
	return nil
}

func (r *hubChordRPC) RetrieveData(ctx context.Context, to model.PeerId, key string) ([]byte, bool, error) {
	response, err := r.roundTrip(ctx, to, KChordRetrieveData,
		chordDataRequest{Table: r.table, Key: key})
	if err != nil {
		return nil, false, err
	}
	var data chordDataResponse
	if err := response.Extract(KChordDataResponse, &data); err != nil {
		return nil, false, err
	}
	return data.Value, data.Found, nil
}
