// Package filestore keeps session files: blobs in object storage under
// sessions/<session>/<kind>/<file>, metadata in Redis. Uploads can go
// direct through the API or via presigned URLs confirmed afterwards.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/execbox/execbox/internal/apperrors"
	"github.com/execbox/execbox/internal/blob"
	"github.com/execbox/execbox/internal/events"
	"github.com/execbox/execbox/internal/ids"
	"github.com/execbox/execbox/internal/session"
)

// File kinds.
const (
	KindUpload = "upload"
	KindOutput = "output"
)

const (
	objectPrefix   = "sessions/"
	metaPrefix     = "files:"
	sessionsPrefix = "session_files:"
)

// File is the metadata record for one stored file.
type File struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	Confirmed   bool      `json:"confirmed"`
	CreatedAt   time.Time `json:"created_at"`
}

// objectAPI is the slice of the blob client the file store uses.
type objectAPI interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]blob.Object, error)
	PresignPut(ctx context.Context, key string, validity time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, validity time.Duration) (string, error)
}

// Store is the session file service.
type Store struct {
	objects objectAPI
	rdb     *redis.Client
	bus     *events.Bus
	presign time.Duration
	metaTTL time.Duration
}

func NewStore(objects *blob.Client, rdb *redis.Client, bus *events.Bus, presignValidity, metaTTL time.Duration) *Store {
	return &Store{objects: objects, rdb: rdb, bus: bus, presign: presignValidity, metaTTL: metaTTL}
}

// objectKey builds sessions/<session>/<kind plural>/<file id>.
func objectKey(sessionID, kind, fileID string) string {
	return objectPrefix + sessionID + "/" + kind + "s/" + fileID
}

// parseObjectKey inverts objectKey; ok is false for foreign keys.
func parseObjectKey(key string) (sessionID, kind, fileID string, ok bool) {
	rest, found := strings.CutPrefix(key, objectPrefix)
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", "", "", false
	}
	kind = strings.TrimSuffix(parts[1], "s")
	if kind != KindUpload && kind != KindOutput {
		return "", "", "", false
	}
	return parts[0], kind, parts[2], true
}

// Store writes content directly and records its metadata as confirmed.
func (s *Store) Store(ctx context.Context, sessionID, name, contentType, kind string, content []byte) (*File, error) {
	f := &File{
		ID:          ids.New(),
		SessionID:   sessionID,
		Name:        name,
		Kind:        kind,
		ContentType: contentType,
		SizeBytes:   int64(len(content)),
		Confirmed:   true,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.objects.Put(ctx, objectKey(sessionID, kind, f.ID), content, contentType); err != nil {
		return nil, apperrors.From(err, "object storage")
	}
	if err := s.saveMeta(ctx, f); err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, events.FileUploaded{SessionID: sessionID, FileID: f.ID, Name: name})
	return f, nil
}

// PresignUpload registers an unconfirmed file and returns the URL the
// client PUTs the content to. ConfirmUpload completes the handshake.
func (s *Store) PresignUpload(ctx context.Context, sessionID, name, contentType string) (*File, string, error) {
	f := &File{
		ID:          ids.New(),
		SessionID:   sessionID,
		Name:        name,
		Kind:        KindUpload,
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	}

	url, err := s.objects.PresignPut(ctx, objectKey(sessionID, KindUpload, f.ID), s.presign)
	if err != nil {
		return nil, "", apperrors.From(err, "object storage")
	}
	if err := s.saveMeta(ctx, f); err != nil {
		return nil, "", err
	}
	return f, url, nil
}

// ConfirmUpload verifies the object landed and marks the file usable.
func (s *Store) ConfirmUpload(ctx context.Context, sessionID, fileID string) (*File, error) {
	f, err := s.Get(ctx, sessionID, fileID)
	if err != nil {
		return nil, err
	}

	data, err := s.objects.Get(ctx, objectKey(sessionID, f.Kind, fileID))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, apperrors.Validation("upload not completed for file "+fileID, "file_id")
	}
	if err != nil {
		return nil, apperrors.From(err, "object storage")
	}

	f.Confirmed = true
	f.SizeBytes = int64(len(data))
	if err := s.saveMeta(ctx, f); err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, events.FileUploaded{SessionID: sessionID, FileID: fileID, Name: f.Name})
	return f, nil
}

// Get returns a file's metadata.
func (s *Store) Get(ctx context.Context, sessionID, fileID string) (*File, error) {
	fields, err := s.rdb.HGetAll(ctx, metaPrefix+sessionID+":"+fileID).Result()
	if err != nil {
		return nil, apperrors.ServiceUnavailable("redis", err)
	}
	if len(fields) == 0 {
		return nil, apperrors.NotFound("file", fileID)
	}
	return fileFromMap(fields)
}

// GetContent returns the blob and its metadata.
func (s *Store) GetContent(ctx context.Context, sessionID, fileID string) ([]byte, *File, error) {
	f, err := s.Get(ctx, sessionID, fileID)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.objects.Get(ctx, objectKey(sessionID, f.Kind, fileID))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil, apperrors.NotFound("file content", fileID)
	}
	if err != nil {
		return nil, nil, apperrors.From(err, "object storage")
	}
	return data, f, nil
}

// PresignDownload returns a URL serving the file's content.
func (s *Store) PresignDownload(ctx context.Context, sessionID, fileID string) (string, error) {
	f, err := s.Get(ctx, sessionID, fileID)
	if err != nil {
		return "", err
	}
	url, err := s.objects.PresignGet(ctx, objectKey(sessionID, f.Kind, fileID), s.presign)
	if err != nil {
		return "", apperrors.From(err, "object storage")
	}
	return url, nil
}

// List returns the session's files sorted oldest first, then by name.
func (s *Store) List(ctx context.Context, sessionID string) ([]*File, error) {
	fileIDs, err := s.rdb.SMembers(ctx, sessionsPrefix+sessionID).Result()
	if err != nil {
		return nil, apperrors.ServiceUnavailable("redis", err)
	}

	files := make([]*File, 0, len(fileIDs))
	for _, fileID := range fileIDs {
		fields, err := s.rdb.HGetAll(ctx, metaPrefix+sessionID+":"+fileID).Result()
		if err != nil {
			return nil, apperrors.ServiceUnavailable("redis", err)
		}
		if len(fields) == 0 {
			s.rdb.SRem(ctx, sessionsPrefix+sessionID, fileID)
			continue
		}
		f, err := fileFromMap(fields)
		if err != nil {
			log.Printf("filestore: skipping corrupt file %s: %v", fileID, err)
			continue
		}
		files = append(files, f)
	}

	sortFiles(files)
	return files, nil
}

// Delete removes a file's blob and metadata. Absent files succeed.
func (s *Store) Delete(ctx context.Context, sessionID, fileID string) error {
	f, err := s.Get(ctx, sessionID, fileID)
	if apperrors.Is(err, apperrors.KindResourceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.objects.Delete(ctx, objectKey(sessionID, f.Kind, fileID)); err != nil {
		return apperrors.From(err, "object storage")
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, metaPrefix+sessionID+":"+fileID)
	pipe.SRem(ctx, sessionsPrefix+sessionID, fileID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.ServiceUnavailable("redis", err)
	}

	s.bus.Publish(ctx, events.FileDeleted{SessionID: sessionID, FileID: fileID})
	return nil
}

// CleanupSession removes every file belonging to a deleted session.
func (s *Store) CleanupSession(ctx context.Context, sessionID string) error {
	objects, err := s.objects.List(ctx, objectPrefix+sessionID+"/")
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := s.objects.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}

	fileIDs, err := s.rdb.SMembers(ctx, sessionsPrefix+sessionID).Result()
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	for _, fileID := range fileIDs {
		pipe.Del(ctx, metaPrefix+sessionID+":"+fileID)
	}
	pipe.Del(ctx, sessionsPrefix+sessionID)
	_, err = pipe.Exec(ctx)
	return err
}

// CleanupOrphans deletes blobs whose owning session is gone. An empty
// active-session index skips the entire sweep: it is indistinguishable
// from a lost one, and deleting on that evidence could wipe healthy blobs
// after a Redis flush.
func (s *Store) CleanupOrphans(ctx context.Context) (int, error) {
	active, err := s.rdb.SMembers(ctx, session.IndexKey).Result()
	if err != nil {
		return 0, apperrors.ServiceUnavailable("redis", err)
	}
	if len(active) == 0 {
		return 0, nil
	}
	activeSet := make(map[string]bool, len(active))
	for _, id := range active {
		activeSet[id] = true
	}

	objects, err := s.objects.List(ctx, objectPrefix)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-s.metaTTL)
	hashAlive := map[string]bool{}
	removed := 0
	for _, obj := range objects {
		sessionID, _, _, ok := parseObjectKey(obj.Key)
		if !ok {
			continue
		}

		alive, seen := hashAlive[sessionID]
		if !seen {
			n, err := s.rdb.Exists(ctx, session.Key(sessionID)).Result()
			if err != nil {
				return removed, apperrors.ServiceUnavailable("redis", err)
			}
			alive = n > 0
			hashAlive[sessionID] = alive
		}

		if !orphaned(activeSet[sessionID], alive, obj.LastModified, cutoff) {
			continue
		}
		if err := s.objects.Delete(ctx, obj.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// orphaned reports whether a blob may be deleted. All three conditions
// must hold: its session is out of the active index, the session hash is
// gone, and the object predates the metadata TTL. The age check keeps a
// blob written moments before its metadata from being condemned
// mid-upload.
func orphaned(inIndex, hashAlive bool, lastModified, cutoff time.Time) bool {
	return !inIndex && !hashAlive && lastModified.Before(cutoff)
}

func (s *Store) saveMeta(ctx context.Context, f *File) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, metaPrefix+f.SessionID+":"+f.ID, fileToMap(f))
	pipe.Expire(ctx, metaPrefix+f.SessionID+":"+f.ID, s.metaTTL)
	pipe.SAdd(ctx, sessionsPrefix+f.SessionID, f.ID)
	pipe.Expire(ctx, sessionsPrefix+f.SessionID, s.metaTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.ServiceUnavailable("redis", err)
	}
	return nil
}

func fileToMap(f *File) map[string]any {
	return map[string]any{
		"id":           f.ID,
		"session_id":   f.SessionID,
		"name":         f.Name,
		"kind":         f.Kind,
		"content_type": f.ContentType,
		"size_bytes":   f.SizeBytes,
		"confirmed":    boolField(f.Confirmed),
		"created_at":   f.CreatedAt.Format(time.RFC3339Nano),
	}
}

func fileFromMap(fields map[string]string) (*File, error) {
	f := &File{
		ID:          fields["id"],
		SessionID:   fields["session_id"],
		Name:        fields["name"],
		Kind:        fields["kind"],
		ContentType: fields["content_type"],
		Confirmed:   fields["confirmed"] == "1",
	}
	if f.ID == "" {
		return nil, fmt.Errorf("missing id field")
	}
	f.SizeBytes, _ = strconv.ParseInt(fields["size_bytes"], 10, 64)

	var err error
	if f.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	return f, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func sortFiles(files []*File) {
	sort.Slice(files, func(i, j int) bool {
		if !files[i].CreatedAt.Equal(files[j].CreatedAt) {
			return files[i].CreatedAt.Before(files[j].CreatedAt)
		}
		return files[i].Name < files[j].Name
	})
}
