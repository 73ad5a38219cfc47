package nettable

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/chord"
	"github.com/robomesh/mapapi/internal/hub"
	"github.com/robomesh/mapapi/internal/metrics"
	"github.com/robomesh/mapapi/internal/model"
)

const holdersKeyPrefix = "chunk_holders:"

// Index is a table's distributed chunk index: a chord ring whose data
// layer maps chunk ids to the set of peers holding them.
type Index struct {
	tableName string
	chord     *chord.Index
	logger    *zap.Logger
}

// NewIndex creates the chunk index of one table.
func NewIndex(tableName string, ring chord.Ring, h *hub.Hub, m *metrics.Metrics, logger *zap.Logger) *Index {
	rpc := &hubChordRPC{table: tableName, hub: h}
	return &Index{
		tableName: tableName,
		chord:     chord.NewIndex(ring, h.Self(), rpc, m, logger),
		logger:    logger,
	}
}

// Chord exposes the underlying ring index.
func (i *Index) Chord() *chord.Index { return i.chord }

// Create initializes a fresh single-peer ring.
func (i *Index) Create() {
	i.chord.Create()
}

// Join enters the ring through an existing participant.
func (i *Index) Join(ctx context.Context, entryPoint model.PeerId) error {
	return i.chord.Join(ctx, entryPoint)
}

// Leave hands index data to the successor and departs.
func (i *Index) Leave(ctx context.Context) error {
	return i.chord.Leave(ctx)
}

func holdersKey(chunkId model.Id) string {
	return holdersKeyPrefix + chunkId.Hex()
}

// AnnouncePossession records this peer as a holder of the chunk.
func (i *Index) AnnouncePossession(ctx context.Context, chunkId model.Id, self model.PeerId) error {
	return i.chord.AppendData(ctx, holdersKey(chunkId), []byte(self.String()+"\n"))
}

// SeekPeers returns the peers that announced possession of the chunk.
func (i *Index) SeekPeers(ctx context.Context, chunkId model.Id) ([]model.PeerId, error) {
	value, found, err := i.chord.RetrieveData(ctx, holdersKey(chunkId))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	seen := make(map[model.PeerId]struct{})
	var peers []model.PeerId
	for _, line := range strings.Split(string(value), "\n") {
		if line == "" {
			continue
		}
		peer, err := model.ParsePeerId(line)
		if err != nil {
			i.logger.Warn("Skipping malformed holder entry",
				zap.String("table", i.tableName),
				zap.String("entry", line))
			continue
		}
		if _, dup := seen[peer]; !dup {
			seen[peer] = struct{}{}
			peers = append(peers, peer)
		}
	}
	return peers, nil
}
