package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysettle/internal/domain"
	"github.com/alanyoungcy/polysettle/internal/ledger"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: make(map[string][]byte)} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[path] = b
	m.mu.Unlock()
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

type memAudit struct {
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func seedEvents(t *testing.T, l *ledger.Memory, at ...time.Time) {
	t.Helper()
	ctx := context.Background()
	tx, err := l.Begin(ctx)
	require.NoError(t, err)
	for _, ts := range at {
		require.NoError(t, tx.AppendEvent(ctx, domain.Event{
			ID:     uuid.NewString(),
			Kind:   domain.EventSplit,
			Market: common.HexToAddress("0x01"),
			Amount: uint256.NewInt(5),
			At:     ts,
		}))
	}
	require.NoError(t, tx.Commit(ctx))
}

func countLines(t *testing.T, b []byte) int {
	t.Helper()
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var ev domain.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		n++
	}
	return n
}

func TestArchiveEvents(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	blobs := newMemBlobs()
	audit := &memAudit{}

	jan := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedEvents(t, l, jan, jan.Add(time.Hour), feb, mar)

	a := NewEventArchiver(l, blobs, blobs, audit, nil, 2)
	n, err := a.ArchiveEvents(ctx, mar)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.Contains(t, blobs.objects, "archive/events/2026-01.jsonl")
	require.Contains(t, blobs.objects, "archive/events/2026-02.jsonl")
	assert.Equal(t, 2, countLines(t, blobs.objects["archive/events/2026-01.jsonl"]))
	assert.Equal(t, 1, countLines(t, blobs.objects["archive/events/2026-02.jsonl"]))
	assert.Equal(t, []string{"archive.events", "archive.events"}, audit.events)

	left, err := l.ListUnarchivedBefore(ctx, mar.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, mar, left[0].At)

	// A second run has nothing to do.
	n, err = a.ArchiveEvents(ctx, mar)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiveEventsKeepsExistingObject(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	blobs := newMemBlobs()
	blobs.objects["archive/events/2026-01.jsonl"] = []byte("previous\n")

	jan := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	seedEvents(t, l, jan)

	a := NewEventArchiver(l, blobs, blobs, nil, nil, 0)
	a.now = func() time.Time { return time.Unix(0, 42) }
	n, err := a.ArchiveEvents(ctx, jan.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Equal(t, []byte("previous\n"), blobs.objects["archive/events/2026-01.jsonl"])
	assert.Contains(t, blobs.objects, "archive/events/2026-01-42.jsonl")
}

func TestKeyPrefix(t *testing.T) {
	c := &Client{prefix: normalisePrefix("/prod/")}
	assert.Equal(t, "prod/archive/events/2026-01.jsonl", c.Key("archive/events/2026-01.jsonl"))
	assert.Equal(t, "archive/x", c.Path("prod/archive/x"))

	bare := &Client{prefix: normalisePrefix("")}
	assert.Equal(t, "a/b", bare.Key("/a/b"))
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
	assert.Equal(t, "http://minio.local", normaliseEndpoint("minio.local", false))
	assert.Equal(t, "https://r2.example.com", normaliseEndpoint("https://r2.example.com", false))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&types.NoSuchKey{}))
	assert.True(t, isNotFound(fmt.Errorf("wrapped: %w", &types.NotFound{})))
	assert.False(t, isNotFound(io.EOF))

	err := wrapMissing("get", "archive/events/2026-01.jsonl", &types.NoSuchKey{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
