package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	objects map[string][]byte
	deleted []string
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Upload(ctx context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memStore) List(ctx context.Context, prefix string) ([]types.Object, error) {
	var objects []types.Object
	for key, data := range m.objects {
		objects = append(objects, types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(data))),
		})
	}
	return objects, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

type fileSnapshotter struct {
	name    string
	content []byte
}

func (f *fileSnapshotter) Name() string { return f.name }

func (f *fileSnapshotter) SnapshotTo(ctx context.Context, destPath string) error {
	return os.WriteFile(destPath, f.content, 0o644)
}

func TestCreateAndUploadBackup(t *testing.T) {
	store := newMemStore()
	svc := NewBackupService(store, []Snapshotter{
		&fileSnapshotter{name: "ledger", content: []byte("ledger-bytes")},
		&fileSnapshotter{name: "config", content: []byte("config-bytes")},
	}, t.TempDir(), zerolog.Nop())

	require.NoError(t, svc.CreateAndUploadBackup(context.Background()))
	require.Len(t, store.objects, 1)

	var archive []byte
	for _, data := range store.objects {
		archive = data
	}

	names := readArchiveNames(t, archive)
	assert.Contains(t, names, "ledger.db")
	assert.Contains(t, names, "config.db")
	assert.Contains(t, names, "backup-metadata.json")
}

func TestListBackupsSortsNewestFirst(t *testing.T) {
	store := newMemStore()
	store.objects[backupKey(time.Now().Add(-48*time.Hour))] = []byte("old")
	store.objects[backupKey(time.Now())] = []byte("new")
	store.objects["unrelated.txt"] = []byte("junk")

	svc := NewBackupService(store, nil, t.TempDir(), zerolog.Nop())

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.True(t, backups[0].Timestamp.After(backups[1].Timestamp))
}

func TestRotateKeepsMinimumBackups(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 3; i++ {
		store.objects[backupKey(time.Now().AddDate(0, 0, -30*(i+1)))] = []byte("x")
	}

	svc := NewBackupService(store, nil, t.TempDir(), zerolog.Nop())
	require.NoError(t, svc.RotateOldBackups(context.Background(), 7))

	assert.Empty(t, store.deleted)
	assert.Len(t, store.objects, 3)
}

func TestRotateDeletesExpiredBackups(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 5; i++ {
		store.objects[backupKey(time.Now().AddDate(0, 0, -10*i))] = []byte("x")
	}

	svc := NewBackupService(store, nil, t.TempDir(), zerolog.Nop())
	require.NoError(t, svc.RotateOldBackups(context.Background(), 7))

	// The newest three stay; of the remaining two, both are older than
	// a week.
	assert.Len(t, store.deleted, 2)
	assert.Len(t, store.objects, 3)
}

func TestRotateZeroRetentionKeepsEverything(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 5; i++ {
		store.objects[backupKey(time.Now().AddDate(0, 0, -100*i))] = []byte("x")
	}

	svc := NewBackupService(store, nil, t.TempDir(), zerolog.Nop())
	require.NoError(t, svc.RotateOldBackups(context.Background(), 0))
	assert.Len(t, store.objects, 5)
}

func backupKey(ts time.Time) string {
	return fmt.Sprintf("%s%s.tar.gz", backupPrefix, ts.Format(backupTimeLayout))
}

func readArchiveNames(t *testing.T, archive []byte) []string {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	require.NoError(t, err)
	defer gz.Close()

	var names []string
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, filepath.Base(header.Name))
	}
	return names
}
