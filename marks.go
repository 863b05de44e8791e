package chatwire

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// MarkStore persists read markers and local deletion markers in a Pebble
// key-value store so they survive process restarts. Markers are purely local:
// they are never transmitted or reconciled against server state.
//
// Key layout:
//
//	read/<userID>/<conversationID>            -> last read message id
//	del/<userID>/<conversationID>/<messageID> -> (empty)
type MarkStore struct {
	db  *pebble.DB
	log *zap.Logger
}

// OpenMarkStore opens (or creates) the mark database at path.
func OpenMarkStore(path string, log *zap.Logger) (*MarkStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		log.Error("mark store open failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("open mark store: %w", err)
	}
	log.Info("mark store opened", zap.String("path", path))
	return &MarkStore{db: db, log: log}, nil
}

// Close closes the underlying database.
func (s *MarkStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func readKey(userID, conversationID string) []byte {
	return []byte("read/" + userID + "/" + conversationID)
}

func delPrefix(userID, conversationID string) []byte {
	return []byte("del/" + userID + "/" + conversationID + "/")
}

// ReadMarker returns the last message id acknowledged as read for the given
// user and conversation. ok is false when no marker exists yet.
func (s *MarkStore) ReadMarker(userID, conversationID string) (id string, ok bool, err error) {
	val, closer, err := s.db.Get(readKey(userID, conversationID))
	if err == pebble.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get read marker: %w", err)
	}
	id = string(val)
	closer.Close()
	return id, true, nil
}

// SetReadMarker records messageID as the last read message. The write is
// flushed before returning.
func (s *MarkStore) SetReadMarker(userID, conversationID, messageID string) error {
	if messageID == "" {
		return &ValidationError{Field: "messageId", Reason: "empty"}
	}
	if err := s.db.Set(readKey(userID, conversationID), []byte(messageID), pebble.Sync); err != nil {
		return fmt.Errorf("set read marker: %w", err)
	}
	return nil
}

// AddDeletionMarker hides messageID from the given user's local view of the
// conversation. The write is flushed before returning.
func (s *MarkStore) AddDeletionMarker(userID, conversationID, messageID string) error {
	if messageID == "" {
		return &ValidationError{Field: "messageId", Reason: "empty"}
	}
	key := append(delPrefix(userID, conversationID), messageID...)
	if err := s.db.Set(key, nil, pebble.Sync); err != nil {
		return fmt.Errorf("add deletion marker: %w", err)
	}
	return nil
}

// DeletionMarkers returns the set of locally hidden message ids for the given
// user and conversation.
func (s *MarkStore) DeletionMarkers(userID, conversationID string) (map[string]bool, error) {
	prefix := delPrefix(userID, conversationID)
	upper := append(append([]byte{}, prefix...), 0xff)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("iterate deletion markers: %w", err)
	}
	defer iter.Close()

	out := make(map[string]bool)
	for iter.First(); iter.Valid(); iter.Next() {
		out[string(iter.Key()[len(prefix):])] = true
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate deletion markers: %w", err)
	}
	return out, nil
}
