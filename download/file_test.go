package download

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChunkServer(t *testing.T, content string, failFirst int32) (*httptest.Server, *int32) {
	var calls int32
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		rangeHeader := r.Header.Get("Range")
		if !strings.HasPrefix(rangeHeader, "bytes=") {
			t.Errorf("invalid range header: %s", rangeHeader)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fromTo := strings.Split(strings.TrimPrefix(rangeHeader, "bytes="), "-")
		from, err := strconv.ParseUint(fromTo[0], 10, 64)
		require.NoError(t, err)
		to, err := strconv.ParseUint(fromTo[1], 10, 64)
		require.NoError(t, err)

		if from == 0 && to == 0 {
			// Size request.
			w.Header().Add("Content-Range", fmt.Sprintf("bytes 0-0/%d", len(content)))
			w.WriteHeader(http.StatusPartialContent)
			_, err := fmt.Fprint(w, content[:1])
			require.NoError(t, err)
			return
		}

		chunk := content[from : to+1]
		// Large bodies don't get an automatic Content-Length.
		w.Header().Add("Content-Length", fmt.Sprintf("%d", len(chunk)))
		w.WriteHeader(http.StatusPartialContent)
		_, err = fmt.Fprint(w, chunk)
		require.NoError(t, err)
	}))
	return svr, &calls
}

func TestToFile(t *testing.T) {
	// Given
	content := strings.Repeat("a", 1024*1024*10)
	svr, _ := newChunkServer(t, content, 0)
	defer svr.Close()
	dest := filepath.Join(t.TempDir(), "blob.bin")

	// When
	err := ToFile(context.Background(), svr.Client(), svr.URL, dest, FileOptions{Logger: log.NewLogger()})

	// Then
	require.NoError(t, err)
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), info.Size())
}

func TestToFile_RetriesFailedTransfer(t *testing.T) {
	// Given
	content := strings.Repeat("b", 4096)
	svr, calls := newChunkServer(t, content, 1)
	defer svr.Close()
	dest := filepath.Join(t.TempDir(), "blob.bin")

	// When
	err := ToFile(context.Background(), svr.Client(), svr.URL, dest, FileOptions{
		Retries:   2,
		RetryWait: time.Millisecond,
		Logger:    log.NewLogger(),
	})

	// Then
	require.NoError(t, err)
	assert.Greater(t, atomic.LoadInt32(calls), int32(1))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
}

func TestToFile_GivesUp(t *testing.T) {
	// Given
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer svr.Close()
	dest := filepath.Join(t.TempDir(), "blob.bin")

	// When
	err := ToFile(context.Background(), svr.Client(), svr.URL, dest, FileOptions{
		Retries:   1,
		RetryWait: time.Millisecond,
		Logger:    log.NewLogger(),
	})

	// Then
	require.Error(t, err)
	assert.Contains(t, err.Error(), dest)
}

// versionedServer serves "v1" content for the first switchAfter requests
// and "v2" content afterwards, honouring If-Match like the blob service.
type versionedServer struct {
	mu          sync.Mutex
	size        int
	switchAfter int
	requests    int
	ifMatch     []string
	ranges      []string
	served      map[byte]bool
}

func (s *versionedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	etag, fill := `"v1"`, byte('A')
	if s.requests > s.switchAfter {
		etag, fill = `"v2"`, byte('B')
	}
	s.ifMatch = append(s.ifMatch, r.Header.Get("If-Match"))
	s.ranges = append(s.ranges, r.Header.Get("Range"))
	s.mu.Unlock()

	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" && ifMatch != etag {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	fromTo := strings.Split(strings.TrimPrefix(r.Header.Get("Range"), "bytes="), "-")
	from, _ := strconv.Atoi(fromTo[0])
	to, _ := strconv.Atoi(fromTo[1])

	s.mu.Lock()
	s.served[fill] = true
	s.mu.Unlock()

	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", from, to, s.size))
	w.Header().Set("Content-Length", strconv.Itoa(to-from+1))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write([]byte(strings.Repeat(string(fill), to-from+1)))
}

func TestToFile_PinsVersion(t *testing.T) {
	// Given
	store := &versionedServer{size: 4096, switchAfter: 1000, served: map[byte]bool{}}
	svr := httptest.NewServer(store)
	defer svr.Close()
	dest := filepath.Join(t.TempDir(), "blob.bin")

	// When
	err := ToFile(context.Background(), svr.Client(), svr.URL, dest, FileOptions{Logger: log.NewLogger()})

	// Then
	require.NoError(t, err)
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Greater(t, len(store.ifMatch), 1)
	assert.Equal(t, "", store.ifMatch[0])
	for _, ifMatch := range store.ifMatch[1:] {
		assert.Equal(t, `"v1"`, ifMatch)
	}
}

func TestToFile_VersionChangeIsNotSpliced(t *testing.T) {
	// Given
	store := &versionedServer{size: 4096, switchAfter: 1, served: map[byte]bool{}}
	svr := httptest.NewServer(store)
	defer svr.Close()
	dest := filepath.Join(t.TempDir(), "blob.bin")

	// When
	err := ToFile(context.Background(), svr.Client(), svr.URL, dest, FileOptions{
		Retries:   3,
		RetryWait: time.Millisecond,
		Logger:    log.NewLogger(),
	})

	// Then
	var stale *StaleResourceError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, `"v1"`, stale.Expected)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))

	// Every transfer starts with a one byte request; a stale version is not retried.
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.False(t, store.served['B'])
	starts := 0
	for _, rng := range store.ranges {
		if rng == "bytes=0-0" {
			starts++
		}
	}
	assert.Equal(t, 1, starts)
}

func TestToFile_CallerETag(t *testing.T) {
	// Given
	store := &versionedServer{size: 1024, switchAfter: 0, served: map[byte]bool{}}
	svr := httptest.NewServer(store)
	defer svr.Close()
	dest := filepath.Join(t.TempDir(), "blob.bin")

	// When
	err := ToFile(context.Background(), svr.Client(), svr.URL, dest, FileOptions{ETag: `"v1"`, Logger: log.NewLogger()})

	// Then
	var stale *StaleResourceError
	require.ErrorAs(t, err, &stale)
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{`"v1"`}, store.ifMatch)
	assert.Empty(t, store.served)
}
