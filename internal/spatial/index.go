// Package spatial implements the bounding-box-to-chunk overlay layered
// on the chord index. An axis-aligned bounding volume is partitioned
// into a regular grid; each cell keeps the set of chunks registered in
// it and the set of peers listening to it as entries of the chord data
// layer.
package spatial

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/chord"
	mperrors "github.com/robomesh/mapapi/internal/errors"
	"github.com/robomesh/mapapi/internal/hub"
	"github.com/robomesh/mapapi/internal/model"
)

// KTriggerRequest notifies a listener of a chunk newly registered in a
// cell it listens to.
const KTriggerRequest = "spatial_trigger_request"

// TriggerRequest is the payload of KTriggerRequest.
type TriggerRequest struct {
	Table   string   `json:"table"`
	ChunkId model.Id `json:"chunk_id"`
}

// Range is one dimension of a bounding box.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// BoundingBox is an axis-aligned volume, one Range per dimension.
type BoundingBox []Range

// Index is one table's spatial overlay. All peers of a table must
// construct it with identical bounds and subdivision.
type Index struct {
	tableName string
	bounds    BoundingBox
	subdiv    []int
	index     *chord.Index
	hub       *hub.Hub
	logger    *zap.Logger
}

// NewIndex creates the overlay for a table. subdiv gives the number of
// cells per dimension.
func NewIndex(tableName string, bounds BoundingBox, subdiv []int,
	index *chord.Index, h *hub.Hub, logger *zap.Logger) (*Index, error) {
	if len(bounds) != len(subdiv) {
		return nil, mperrors.InvalidArgument("bounds and subdivision dimensionality differ", nil)
	}
	for d, r := range bounds {
		if r.Min >= r.Max {
			return nil, mperrors.InvalidArgument(
				fmt.Sprintf("bounds dimension %d is empty", d), nil)
		}
		if subdiv[d] < 1 {
			return nil, mperrors.InvalidArgument(
				fmt.Sprintf("subdivision %d must be positive", d), nil)
		}
	}
	return &Index{
		tableName: tableName,
		bounds:    bounds,
		subdiv:    subdiv,
		index:     index,
		hub:       h,
		logger:    logger,
	}, nil
}

// Size returns the total number of cells.
func (i *Index) Size() int {
	size := 1
	for _, n := range i.subdiv {
		size *= n
	}
	return size
}

// CellBox returns the volume covered by the cell at the given position.
// Positions enumerate cells with the last dimension varying fastest.
func (i *Index) CellBox(position int) BoundingBox {
	box := make(BoundingBox, len(i.bounds))
	for d := len(i.bounds) - 1; d >= 0; d-- {
		step := (i.bounds[d].Max - i.bounds[d].Min) / float64(i.subdiv[d])
		cell := position % i.subdiv[d]
		position /= i.subdiv[d]
		box[d] = Range{
			Min: i.bounds[d].Min + float64(cell)*step,
			Max: i.bounds[d].Min + float64(cell+1)*step,
		}
	}
	return box
}

// cellsTouched enumerates the positions of every cell intersecting box.
func (i *Index) cellsTouched(box BoundingBox) ([]int, error) {
	if len(box) != len(i.bounds) {
		return nil, mperrors.InvalidArgument("bounding box dimensionality mismatch", nil)
	}
	lo := make([]int, len(box))
	hi := make([]int, len(box))
	for d := range box {
		step := (i.bounds[d].Max - i.bounds[d].Min) / float64(i.subdiv[d])
		lo[d] = clampCell(int((box[d].Min-i.bounds[d].Min)/step), i.subdiv[d])
		hi[d] = clampCell(int((box[d].Max-i.bounds[d].Min)/step), i.subdiv[d])
		// a box ending exactly on a cell boundary does not touch the
		// next cell
		if box[d].Max == i.bounds[d].Min+float64(hi[d])*step && hi[d] > lo[d] {
			hi[d]--
		}
	}
	var positions []int
	cursor := append([]int(nil), lo...)
	for {
		position := 0
		for d := 0; d < len(cursor); d++ {
			position = position*i.subdiv[d] + cursor[d]
		}
		positions = append(positions, position)
		d := len(cursor) - 1
		for d >= 0 {
			cursor[d]++
			if cursor[d] <= hi[d] {
				break
			}
			cursor[d] = lo[d]
			d--
		}
		if d < 0 {
			break
		}
	}
	return positions, nil
}

func clampCell(cell, subdiv int) int {
	if cell < 0 {
		return 0
	}
	if cell >= subdiv {
		return subdiv - 1
	}
	return cell
}

func (i *Index) chunksKey(position int) string {
	return fmt.Sprintf("spatial:%s:chunks:%d", i.tableName, position)
}

func (i *Index) listenersKey(position int) string {
	return fmt.Sprintf("spatial:%s:listeners:%d", i.tableName, position)
}

// RegisterChunk adds the chunk to every cell touched by box and pushes
// it to the cells' listeners.
func (i *Index) RegisterChunk(ctx context.Context, chunkId model.Id, box BoundingBox) error {
	positions, err := i.cellsTouched(box)
	if err != nil {
		return err
	}
	notified := make(map[model.PeerId]struct{})
	for _, position := range positions {
		if err := i.index.AppendData(ctx, i.chunksKey(position), []byte(chunkId.Hex()+"\n")); err != nil {
			return err
		}
		listeners, err := i.listeners(ctx, position)
		if err != nil {
			return err
		}
		for _, listener := range listeners {
			if _, done := notified[listener]; done || listener == i.hub.Self() {
				continue
			}
			notified[listener] = struct{}{}
			i.pushTrigger(ctx, listener, chunkId)
		}
	}
	return nil
}

// GetChunksInBoundingBox returns the union of the chunk sets of every
// cell touched by box.
func (i *Index) GetChunksInBoundingBox(ctx context.Context, box BoundingBox) ([]model.Id, error) {
	positions, err := i.cellsTouched(box)
	if err != nil {
		return nil, err
	}
	seen := make(map[model.Id]struct{})
	var chunks []model.Id
	for _, position := range positions {
		value, ok, err := i.index.RetrieveData(ctx, i.chunksKey(position))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, line := range strings.Split(string(value), "\n") {
			if line == "" {
				continue
			}
			chunkId, err := model.IdFromHex(line)
			if err != nil {
				continue
			}
			if _, dup := seen[chunkId]; !dup {
				seen[chunkId] = struct{}{}
				chunks = append(chunks, chunkId)
			}
		}
	}
	return chunks, nil
}

// ListenToSpace announces this peer as a listener on every cell touched
// by box; holders push chunks newly registered there.
func (i *Index) ListenToSpace(ctx context.Context, box BoundingBox) error {
	positions, err := i.cellsTouched(box)
	if err != nil {
		return err
	}
	for _, position := range positions {
		if err := i.index.AppendData(ctx, i.listenersKey(position),
			[]byte(i.hub.Self().String()+"\n")); err != nil {
			return err
		}
	}
	return nil
}

func (i *Index) listeners(ctx context.Context, position int) ([]model.PeerId, error) {
	value, ok, err := i.index.RetrieveData(ctx, i.listenersKey(position))
	if err != nil || !ok {
		return nil, err
	}
	var peers []model.PeerId
	for _, line := range strings.Split(string(value), "\n") {
		if line == "" {
			continue
		}
		peer, err := model.ParsePeerId(line)
		if err != nil {
			continue
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

func (i *Index) pushTrigger(ctx context.Context, listener model.PeerId, chunkId model.Id) {
	msg, err := model.NewMessage(KTriggerRequest, i.hub.Self(), TriggerRequest{
		Table:   i.tableName,
		ChunkId: chunkId,
	})
	if err != nil {
		return
	}
	if _, err := i.hub.Request(ctx, listener, msg); err != nil {
		i.logger.Warn("Spatial trigger push failed",
			zap.String("listener", listener.String()),
			zap.Error(err))
	}
}
