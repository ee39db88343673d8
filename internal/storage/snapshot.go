package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"pulse-live/internal/apperr"
	"pulse-live/internal/models"
)

// Snapshot is the JSON file layout written by Storage, loaded so it can be
// replayed into another repository.
type Snapshot struct {
	dataset
}

// SnapshotCounts summarises a Snapshot for operators.
type SnapshotCounts struct {
	Conversations int
	Messages      int
	ReadMarkers   int
	Notifications int
	LiveSessions  int
}

func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(file).Decode(&snapshot.dataset); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	snapshot.ensureInitialized()
	return &snapshot, nil
}

func (s *Snapshot) Counts() SnapshotCounts {
	if s == nil {
		return SnapshotCounts{}
	}
	counts := SnapshotCounts{
		Conversations: len(s.Conversations),
		LiveSessions:  len(s.LiveSessions),
	}
	for _, messages := range s.Messages {
		counts.Messages += len(messages)
	}
	for _, markers := range s.ReadMarkers {
		counts.ReadMarkers += len(markers)
	}
	for _, notifications := range s.Notifications {
		counts.Notifications += len(notifications)
	}
	return counts
}

// ImportSnapshot replays snapshot into repo. Conversations that already
// exist are kept; every other write is idempotent, so an interrupted import
// can be rerun.
func ImportSnapshot(ctx context.Context, repo Repository, snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	snapshot.ensureInitialized()

	ids := make([]string, 0, len(snapshot.Conversations))
	for id := range snapshot.Conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		conv := snapshot.Conversations[id]
		if _, err := repo.CreateConversation(ctx, conv); err != nil && !errors.Is(err, apperr.ErrInvalidInput) {
			return fmt.Errorf("import conversation %s: %w", id, err)
		}
		for _, userID := range conv.ParticipantIDs {
			if err := repo.AddParticipant(ctx, id, userID); err != nil {
				return fmt.Errorf("import participant %s/%s: %w", id, userID, err)
			}
		}
		existing, err := repo.ListMessages(ctx, id, 500)
		if err != nil {
			return fmt.Errorf("list messages for %s: %w", id, err)
		}
		seen := make(map[string]struct{}, len(existing))
		for _, msg := range existing {
			seen[msg.ID] = struct{}{}
		}
		for _, msg := range snapshot.Messages[id] {
			if _, dup := seen[msg.ID]; dup {
				continue
			}
			if err := repo.CreateMessage(ctx, msg); err != nil {
				return fmt.Errorf("import message %s: %w", msg.ID, err)
			}
		}
		for userID, at := range snapshot.ReadMarkers[id] {
			marker := models.ReadMarker{ConversationID: id, UserID: userID, ReadAt: at}
			if err := repo.MarkRead(ctx, marker); err != nil {
				return fmt.Errorf("import read marker %s/%s: %w", id, userID, err)
			}
		}
	}
	for _, list := range snapshot.Notifications {
		for _, n := range list {
			if err := repo.SaveNotification(ctx, n); err != nil {
				return fmt.Errorf("import notification %s: %w", n.ID, err)
			}
		}
	}
	for id, session := range snapshot.LiveSessions {
		if err := repo.SaveSession(ctx, session); err != nil {
			return fmt.Errorf("import live session %s: %w", id, err)
		}
	}
	return nil
}
