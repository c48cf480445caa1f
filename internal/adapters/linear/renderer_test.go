package linear_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/zb/internal/adapters/linear"
	"go.trai.ch/zerr"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newRenderer(t *testing.T) (*linear.Renderer, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	t.Setenv("NO_COLOR", "1")
	var stdout, stderr bytes.Buffer
	return linear.NewRenderer(&stdout, &stderr), &stdout, &stderr
}

func TestRenderer_InstallLifecycle(t *testing.T) {
	r, stdout, stderr := newRenderer(t)
	require.NoError(t, r.Start(context.Background()))

	r.OnPlanEmit([]string{"zlib", "wget"}, map[string][]string{"wget": {"zlib"}}, []string{"wget"})
	r.OnTaskStart("a", "", "fetch zlib", t0)
	r.OnTaskStart("b", "", "fetch wget", t0)
	r.OnTaskComplete("a", t0.Add(120*time.Millisecond), nil)
	r.OnTaskStart("c", "", "build wget", t0.Add(time.Second))
	r.OnTaskLog("c", []byte("checking for gcc... yes\nmak"))
	r.OnTaskLog("c", []byte("ing all\r\n"))
	r.OnTaskLog("c", []byte("install: done"))
	r.OnTaskComplete("c", t0.Add(3*time.Second), nil)
	r.OnTaskComplete("b", t0.Add(1500*time.Millisecond), zerr.New("connection reset"))

	require.NoError(t, r.Stop())
	require.NoError(t, r.Wait())

	g := goldie.New(t)
	g.Assert(t, "lifecycle_stderr", stderr.Bytes())
	g.Assert(t, "lifecycle_stdout", stdout.Bytes())
}

func TestRenderer_PartialLineWaitsForNewline(t *testing.T) {
	r, stdout, _ := newRenderer(t)
	r.OnTaskStart("a", "", "build hello", t0)

	r.OnTaskLog("a", []byte("partial"))
	assert.Empty(t, stdout.String())

	r.OnTaskLog("a", []byte(" line\n"))
	assert.Equal(t, "[build hello] partial line\n", stdout.String())
}

func TestRenderer_StopFlushesPartialLines(t *testing.T) {
	r, stdout, _ := newRenderer(t)
	r.OnTaskStart("a", "", "build hello", t0)
	r.OnTaskLog("a", []byte("unterminated"))

	require.NoError(t, r.Stop())
	assert.Equal(t, "[build hello] unterminated\n", stdout.String())
}

func TestRenderer_UnknownSpanIsIgnored(t *testing.T) {
	r, stdout, stderr := newRenderer(t)
	r.OnTaskLog("missing", []byte("line\n"))
	r.OnTaskComplete("missing", t0, nil)
	r.OnPlanEmit(nil, nil, nil)
	assert.Empty(t, stdout.String())
	assert.Empty(t, stderr.String())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRenderer_ConcurrentSteps(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	var stdout, stderr lockedBuffer
	r := linear.NewRenderer(&stdout, &stderr)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.OnTaskStart(id, "", "step "+id, t0)
			for i := 0; i < 20; i++ {
				r.OnTaskLog(id, []byte("line\n"))
			}
			r.OnTaskComplete(id, t0.Add(time.Millisecond), nil)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 80, strings.Count(stdout.String(), "\n"))
	assert.Equal(t, 4, strings.Count(stderr.String(), "done in 1ms"))
}
