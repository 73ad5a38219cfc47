package discovery

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/model"
)

const lockRetryInterval = 2 * time.Millisecond

// FileDiscovery registers peers in a line-delimited file with an
// adjacent lock file. Suitable for peers sharing a filesystem.
type FileDiscovery struct {
	path     string
	lockPath string
	self     model.PeerId
	logger   *zap.Logger
	locked   bool
}

// NewFileDiscovery creates a file-backed discovery at path.
func NewFileDiscovery(path string, self model.PeerId, logger *zap.Logger) *FileDiscovery {
	return &FileDiscovery{
		path:     path,
		lockPath: path + ".lck",
		self:     self,
		logger:   logger,
	}
}

// Path returns the discovery file location.
func (d *FileDiscovery) Path() string {
	return d.path
}

// Lock spins on exclusive creation of the lock file.
func (d *FileDiscovery) Lock() error {
	for {
		file, err := os.OpenFile(d.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintln(file, d.self)
			file.Close()
			d.locked = true
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("discovery lock file: %w", err)
		}
		time.Sleep(lockRetryInterval)
	}
}

// Unlock removes the lock file.
func (d *FileDiscovery) Unlock() error {
	if !d.locked {
		return fmt.Errorf("discovery not locked")
	}
	d.locked = false
	return os.Remove(d.lockPath)
}

// Announce appends this peer's address to the discovery file.
func (d *FileDiscovery) Announce() error {
	file, err := os.OpenFile(d.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("discovery file: %w", err)
	}
	defer file.Close()
	_, err = fmt.Fprintln(file, d.self)
	return err
}

// GetPeers reads all announced addresses.
func (d *FileDiscovery) GetPeers() ([]model.PeerId, error) {
	contents, err := os.ReadFile(d.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("discovery file: %w", err)
	}
	var peers []model.PeerId
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		peer, err := model.ParsePeerId(line)
		if err != nil {
			d.logger.Warn("Skipping malformed discovery entry", zap.String("entry", line))
			continue
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// Remove rewrites the file without the given peer.
func (d *FileDiscovery) Remove(peer model.PeerId) error {
	peers, err := d.GetPeers()
	if err != nil {
		return err
	}
	var builder strings.Builder
	for _, existing := range peers {
		if existing == peer {
			continue
		}
		builder.WriteString(existing.String())
		builder.WriteByte('\n')
	}
	return os.WriteFile(d.path, []byte(builder.String()), 0644)
}

// Close removes this peer's registration.
func (d *FileDiscovery) Close() error {
	return d.Remove(d.self)
}
