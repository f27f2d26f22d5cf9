package metadata

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// SessionState is the persisted multipart state. Transitions happen only
// through the multipart manager; the state is never inferred from field
// presence. Completed and Aborted are terminal and represented by removal
// of the session row (the removal transaction also schedules byte
// reclamation, so the terminal step is durable).
type SessionState string

const (
	SessionInitiated  SessionState = "initiated"
	SessionCompleting SessionState = "completing"
	SessionCommitting SessionState = "committing"
	SessionAborting   SessionState = "aborting"
)

// Session is the durable multipart session record.
type Session struct {
	UploadID    string       `json:"upload_id"`
	Bucket      string       `json:"bucket"`
	Key         string       `json:"key"`
	ContentType string       `json:"content_type,omitempty"`
	State       SessionState `json:"state"`
	CreatedAt   int64        `json:"created_at"`
	UpdatedAt   int64        `json:"updated_at"`
}

// Part is one accepted part of a multipart session. Re-uploading a part
// number supersedes the previous bytes; superseded staging tokens are kept
// on the record so their reclamation can wait for a terminal session state.
type Part struct {
	Number     int      `json:"number"`
	Size       int64    `json:"size"`
	Checksum   string   `json:"checksum,omitempty"` // xxhash64, hex
	ETag       string   `json:"etag"`
	Token      string   `json:"token"` // opaque staged token
	Superseded []string `json:"superseded,omitempty"`
}

func partKey(uploadID string, number int) []byte {
	return []byte(fmt.Sprintf("%s/%05d", uploadID, number))
}

func partPrefix(uploadID string) []byte {
	return []byte(uploadID + "/")
}

func (s *Store) CreateSession(sess Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get([]byte(sess.UploadID)) != nil {
			return fmt.Errorf("session %s: %w", sess.UploadID, ErrExists)
		}
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return b.Put([]byte(sess.UploadID), data)
	})
}

func (s *Store) GetSession(uploadID string) (*Session, error) {
	var sess *Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get([]byte(uploadID))
		if data == nil {
			return fmt.Errorf("session %s: %w", uploadID, ErrNotFound)
		}
		sess = &Session{}
		return json.Unmarshal(data, sess)
	})
	return sess, err
}

// CasSessionState moves a session to a new state only if its current state
// is one of from. Each session row arbitrates its own transitions; no
// cross-session locking exists or is needed.
func (s *Store) CasSessionState(uploadID string, now int64, to SessionState, from ...SessionState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		data := b.Get([]byte(uploadID))
		if data == nil {
			return fmt.Errorf("session %s: %w", uploadID, ErrNotFound)
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("decode session record: %w", err)
		}

		allowed := false
		for _, f := range from {
			if sess.State == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("session %s in state %q: %w", uploadID, sess.State, ErrConflict)
		}

		sess.State = to
		sess.UpdatedAt = now
		updated, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return b.Put([]byte(uploadID), updated)
	})
}

// PutPart records an accepted part, last-write-wins per part number. The
// session's activity timestamp advances in the same transaction.
func (s *Store) PutPart(uploadID string, p Part, now int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(sessionsBucket)
		data := sb.Get([]byte(uploadID))
		if data == nil {
			return fmt.Errorf("session %s: %w", uploadID, ErrNotFound)
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("decode session record: %w", err)
		}
		if sess.State != SessionInitiated {
			return fmt.Errorf("session %s in state %q: %w", uploadID, sess.State, ErrConflict)
		}

		pb := tx.Bucket(partsBucket)
		pk := partKey(uploadID, p.Number)
		if old := pb.Get(pk); old != nil {
			var prev Part
			if err := json.Unmarshal(old, &prev); err == nil {
				p.Superseded = append(append(p.Superseded, prev.Superseded...), prev.Token)
			}
		}

		partData, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := pb.Put(pk, partData); err != nil {
			return err
		}

		sess.UpdatedAt = now
		updated, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return sb.Put([]byte(uploadID), updated)
	})
}

// ListParts returns a session's parts ordered by part number.
func (s *Store) ListParts(uploadID string) ([]Part, error) {
	var parts []Part
	prefix := partPrefix(uploadID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(partsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var p Part
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decode part record: %w", err)
			}
			parts = append(parts, p)
		}
		return nil
	})
	return parts, err
}

// FinishSession removes a session and its parts and enqueues the given
// reclamation entries, all in one transaction. This is the terminal step
// for both Completed and Aborted.
func (s *Store) FinishSession(uploadID string, reclaim []ReclaimEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(sessionsBucket)
		if sb.Get([]byte(uploadID)) == nil {
			return fmt.Errorf("session %s: %w", uploadID, ErrNotFound)
		}
		if err := sb.Delete([]byte(uploadID)); err != nil {
			return err
		}

		pb := tx.Bucket(partsBucket)
		prefix := partPrefix(uploadID)
		var keys [][]byte
		c := pb.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := pb.Delete(k); err != nil {
				return err
			}
		}

		for _, entry := range reclaim {
			if err := enqueueReclaim(tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListIdleSessions returns sessions whose last activity predates before.
func (s *Store) ListIdleSessions(before int64) ([]Session, error) {
	var idle []Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			var sess Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return nil
			}
			if sess.UpdatedAt < before {
				idle = append(idle, sess)
			}
			return nil
		})
	})
	return idle, err
}
