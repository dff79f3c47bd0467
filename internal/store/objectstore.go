package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/yuunie/flow2api/internal/models"
	log "github.com/sirupsen/logrus"
)

// ObjectStoreConfig captures configuration for the object storage-backed
// token store.
type ObjectStoreConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
	LocalRoot string
	UseSSL    bool
	PathStyle bool
}

// ObjectTokenStore mirrors a local file-backed token store into an
// S3-compatible bucket. Reads are served from the local mirror; every write
// is uploaded after the local store commits it.
type ObjectTokenStore struct {
	*FileTokenStore

	client *minio.Client
	cfg    ObjectStoreConfig
	syncMu sync.Mutex
}

// NewObjectTokenStore initializes an object storage backed token store.
func NewObjectTokenStore(cfg ObjectStoreConfig) (*ObjectTokenStore, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store: bucket is required")
	}
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("object store: access key is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("object store: secret key is required")
	}

	root := strings.TrimSpace(cfg.LocalRoot)
	if root == "" {
		if cwd, err := os.Getwd(); err == nil {
			root = filepath.Join(cwd, "objectstore")
		} else {
			root = filepath.Join(os.TempDir(), "objectstore")
		}
	}
	local, err := NewFileTokenStore(root)
	if err != nil {
		return nil, err
	}

	options := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("object store: create client: %w", err)
	}

	return &ObjectTokenStore{FileTokenStore: local, client: client, cfg: cfg}, nil
}

// Bootstrap ensures the target bucket exists and downloads every mirrored
// record into the local workspace, then rescans id assignment.
func (s *ObjectTokenStore) Bootstrap(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("object store: not initialized")
	}
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("object store: check bucket: %w", err)
	}
	if !exists {
		if err = s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
			return fmt.Errorf("object store: create bucket: %w", err)
		}
	}

	prefix := s.prefixedKey("")
	objectCh := s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for object := range objectCh {
		if object.Err != nil {
			return fmt.Errorf("object store: list objects: %w", object.Err)
		}
		rel := strings.TrimPrefix(object.Key, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		cleanRel := filepath.Clean(filepath.FromSlash(rel))
		if cleanRel == "." || cleanRel == ".." || strings.HasPrefix(cleanRel, ".."+string(os.PathSeparator)) || filepath.IsAbs(cleanRel) {
			log.WithField("key", object.Key).Warn("object store: skip object outside mirror")
			continue
		}
		local := filepath.Join(s.BaseDir(), cleanRel)
		if err = os.MkdirAll(filepath.Dir(local), 0o700); err != nil {
			return fmt.Errorf("object store: prepare mirror subdir: %w", err)
		}
		reader, errGet := s.client.GetObject(ctx, s.cfg.Bucket, object.Key, minio.GetObjectOptions{})
		if errGet != nil {
			return fmt.Errorf("object store: download %s: %w", object.Key, errGet)
		}
		data, errRead := io.ReadAll(reader)
		_ = reader.Close()
		if errRead != nil {
			return fmt.Errorf("object store: read %s: %w", object.Key, errRead)
		}
		if err = os.WriteFile(local, data, 0o600); err != nil {
			return fmt.Errorf("object store: write %s: %w", local, err)
		}
	}

	// Resume id assignment from the freshly mirrored records.
	tokens, err := s.FileTokenStore.GetAllTokens(ctx)
	if err != nil {
		return err
	}
	s.FileTokenStore.mu.Lock()
	for _, tok := range tokens {
		if tok.ID >= s.FileTokenStore.nextID {
			s.FileTokenStore.nextID = tok.ID + 1
		}
	}
	s.FileTokenStore.mu.Unlock()
	return nil
}

// AddToken persists locally then uploads the new record.
func (s *ObjectTokenStore) AddToken(ctx context.Context, token *models.Token) (int64, error) {
	id, err := s.FileTokenStore.AddToken(ctx, token)
	if err != nil {
		return 0, err
	}
	return id, s.uploadFile(ctx, s.tokenPath(id))
}

// UpdateToken persists locally then uploads the changed record.
func (s *ObjectTokenStore) UpdateToken(ctx context.Context, id int64, update models.TokenUpdate) error {
	if err := s.FileTokenStore.UpdateToken(ctx, id, update); err != nil {
		return err
	}
	return s.uploadFile(ctx, s.tokenPath(id))
}

// DeleteToken removes the record locally and from the bucket.
func (s *ObjectTokenStore) DeleteToken(ctx context.Context, id int64) error {
	projects, _ := s.listProjectsSnapshot()
	if err := s.FileTokenStore.DeleteToken(ctx, id); err != nil {
		return err
	}
	if err := s.removeObject(ctx, s.tokenPath(id)); err != nil {
		return err
	}
	for _, project := range projects {
		if project.TokenID != id {
			continue
		}
		if err := s.removeObject(ctx, s.projectPath(project.ProjectID)); err != nil {
			return err
		}
	}
	return nil
}

// AddProject persists locally then uploads the binding.
func (s *ObjectTokenStore) AddProject(ctx context.Context, project *models.Project) error {
	if err := s.FileTokenStore.AddProject(ctx, project); err != nil {
		return err
	}
	return s.uploadFile(ctx, s.projectPath(project.ProjectID))
}

// IncrementStats persists locally then uploads the changed record.
func (s *ObjectTokenStore) IncrementStats(ctx context.Context, id int64, kind models.StatKind) error {
	if err := s.FileTokenStore.IncrementStats(ctx, id, kind); err != nil {
		return err
	}
	return s.uploadFile(ctx, s.tokenPath(id))
}

// ResetErrorCount persists locally then uploads the changed record.
func (s *ObjectTokenStore) ResetErrorCount(ctx context.Context, id int64) error {
	if err := s.FileTokenStore.ResetErrorCount(ctx, id); err != nil {
		return err
	}
	return s.uploadFile(ctx, s.tokenPath(id))
}

// SaveAdminConfig persists locally then uploads the settings file.
func (s *ObjectTokenStore) SaveAdminConfig(ctx context.Context, cfg *models.AdminConfig) error {
	if err := s.FileTokenStore.SaveAdminConfig(ctx, cfg); err != nil {
		return err
	}
	return s.uploadFile(ctx, filepath.Join(s.BaseDir(), fileStoreAdminFile))
}

func (s *ObjectTokenStore) listProjectsSnapshot() ([]*models.Project, error) {
	s.FileTokenStore.mu.Lock()
	defer s.FileTokenStore.mu.Unlock()
	return s.FileTokenStore.listProjects()
}

func (s *ObjectTokenStore) uploadFile(ctx context.Context, path string) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s.removeObjectLocked(ctx, path)
		}
		return fmt.Errorf("object store: read mirror file: %w", err)
	}
	key, err := s.objectKey(path)
	if err != nil {
		return err
	}
	reader := bytes.NewReader(data)
	if _, err = s.client.PutObject(ctx, s.cfg.Bucket, key, reader, int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("object store: put object %s: %w", key, err)
	}
	return nil
}

func (s *ObjectTokenStore) removeObject(ctx context.Context, path string) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.removeObjectLocked(ctx, path)
}

func (s *ObjectTokenStore) removeObjectLocked(ctx context.Context, path string) error {
	key, err := s.objectKey(path)
	if err != nil {
		return err
	}
	if err = s.client.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isObjectNotFound(err) {
			return nil
		}
		return fmt.Errorf("object store: delete object %s: %w", key, err)
	}
	return nil
}

func (s *ObjectTokenStore) objectKey(path string) (string, error) {
	rel, err := filepath.Rel(s.BaseDir(), path)
	if err != nil {
		return "", fmt.Errorf("object store: resolve relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("object store: path %s outside mirror", path)
	}
	return s.prefixedKey(filepath.ToSlash(rel)), nil
}

func (s *ObjectTokenStore) prefixedKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.cfg.Prefix == "" {
		return key
	}
	return strings.TrimLeft(s.cfg.Prefix+"/"+key, "/")
}

func isObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound {
		return true
	}
	switch resp.Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}
