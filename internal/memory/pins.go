package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/substrate/internal/persistence"
)

// PinStore is the persistence slice behind pinned context.
type PinStore interface {
	AddPin(ctx context.Context, agentID, pinType, source, content string, shared bool) error
	UpdatePinContent(ctx context.Context, agentID, source, content, mtime string) error
	ListPins(ctx context.Context, agentID string) ([]persistence.AgentPin, error)
	GetPin(ctx context.Context, agentID, source string) (persistence.AgentPin, error)
	RemovePin(ctx context.Context, agentID, source string) error
	GetSharedPins(ctx context.Context, targetAgentID string) ([]persistence.AgentPin, error)
}

// PinManager owns pinned context: adding file and text pins, rendering
// them for the prompt, and refreshing file pins whose backing file changed
// on disk.
type PinManager struct {
	store    PinStore
	maxSize  int64 // per-file byte cap
	pollSecs int   // refresh poll cadence, seconds
	stop     chan struct{}
}

// NewPinManager uses a 50KB per-file cap and a 10s refresh poll.
func NewPinManager(store PinStore) *PinManager {
	return &PinManager{
		store:    store,
		maxSize:  50 * 1024, // 50KB
		pollSecs: 10,
		stop:     make(chan struct{}),
	}
}

// AddFilePin snapshots a file's content into a pin. Files over the cap
// are refused rather than truncated.
func (pm *PinManager) AddFilePin(ctx context.Context, agentID, filepath string, shared bool) error {
	info, err := os.Stat(filepath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file not found: %s", filepath)
		}
		return fmt.Errorf("cannot access file: %w", err)
	}

	if info.Size() > pm.maxSize {
		return fmt.Errorf("file too large: %s (%d bytes, max %d bytes)", filepath, info.Size(), pm.maxSize)
	}

	content, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("cannot read file: %w", err)
	}

	return pm.store.AddPin(ctx, agentID, "file", filepath, string(content), shared)
}

// AddTextPin pins free-form text under a label.
func (pm *PinManager) AddTextPin(ctx context.Context, agentID, label, content string, shared bool) error {
	if label == "" {
		return fmt.Errorf("label cannot be empty")
	}
	if content == "" {
		return fmt.Errorf("content cannot be empty")
	}
	return pm.store.AddPin(ctx, agentID, "text", label, content, shared)
}

// StartFileWatcher re-reads file pins whose mtime moved, on a poll; stop
// with Stop.
func (pm *PinManager) StartFileWatcher(ctx context.Context, agentID string) {
	go func() {
		ticker := time.NewTicker(time.Duration(pm.pollSecs) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pm.refreshChangedFiles(ctx, agentID)
			case <-pm.stop:
				return
			}
		}
	}()
}

// refreshChangedFiles sweeps the agent's file pins once.
func (pm *PinManager) refreshChangedFiles(ctx context.Context, agentID string) {
	pins, err := pm.store.ListPins(ctx, agentID)
	if err != nil {
		return
	}
	for _, pin := range pins {
		if pin.PinType != "file" {
			continue
		}
		_, _ = pm.RefreshFilePin(ctx, agentID, pin.Source)
	}
}

// Stop ends the file watcher loop.
func (pm *PinManager) Stop() {
	close(pm.stop)
}

// FormatPins renders every pin for the context window and totals their
// token cost. No pins renders nothing.
func (pm *PinManager) FormatPins(ctx context.Context, agentID string) (string, int, error) {
	pins, err := pm.store.ListPins(ctx, agentID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to list pins: %w", err)
	}

	if len(pins) == 0 {
		return "", 0, nil
	}

	var sb strings.Builder
	totalTokens := 0

	sb.WriteString("<pinned_context>\n")

	for _, pin := range pins {
		label := pin.Source
		if pin.PinType == "file" {
			label = filepath.Base(pin.Source)
		}

		sb.WriteString(fmt.Sprintf("--- %s ---\n", label))
		sb.WriteString(pin.Content)
		sb.WriteString("\n")

		totalTokens += pin.TokenCount
	}

	sb.WriteString("</pinned_context>")

	return sb.String(), totalTokens, nil
}

// RefreshFilePin re-reads one file pin when its mtime moved. Reports
// whether an update happened.
func (pm *PinManager) RefreshFilePin(ctx context.Context, agentID, filePath string) (bool, error) {
	pin, err := pm.store.GetPin(ctx, agentID, filePath)
	if err != nil {
		return false, err
	}

	if pin.PinType != "file" {
		return false, fmt.Errorf("pin is not a file")
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Errorf("file no longer exists: %s", filePath)
		}
		return false, fmt.Errorf("cannot access file: %w", err)
	}

	currentMtime := info.ModTime().Format("2006-01-02 15:04:05")

	if pin.FileMtime == currentMtime {
		return false, nil
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		return false, fmt.Errorf("cannot read file: %w", err)
	}

	err = pm.store.UpdatePinContent(ctx, agentID, filePath, string(content), currentMtime)
	if err != nil {
		return false, fmt.Errorf("failed to update pin: %w", err)
	}

	return true, nil
}
