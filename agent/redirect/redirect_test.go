package redirect

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	return r, w
}

// assertClosed checks that f's descriptor was released by the redirection.
func assertClosed(t *testing.T, f *os.File) {
	t.Helper()
	err := f.Close()
	assert.ErrorIs(t, err, os.ErrClosed)
}

func waitWithin(t *testing.T, r *Redirection, d time.Duration) (Outcome, error) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(d):
		t.Fatalf("redirection did not stop within %s", d)
	}
	return r.Wait()
}

func TestCopiesUntilEOF(t *testing.T) {
	srcR, srcW := pipe(t)
	dstR, dstW := pipe(t)
	defer dstR.Close()

	var (
		mut      sync.Mutex
		observed bytes.Buffer
	)
	r, err := Start(srcR, dstW, WithChunkSize(7), WithObserver(func(b []byte) {
		mut.Lock()
		observed.Write(b)
		mut.Unlock()
	}))
	require.NoError(t, err)

	payload := strings.Repeat("0123456789", 1000)
	go func() {
		srcW.Write([]byte(payload))
		srcW.Close()
	}()

	got, err := io.ReadAll(dstR)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))

	outcome, err := waitWithin(t, r, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEOF, outcome)
	assert.Equal(t, int64(len(payload)), r.Written())

	mut.Lock()
	assert.Equal(t, payload, observed.String())
	mut.Unlock()
}

func TestEmptySourceTerminates(t *testing.T) {
	srcR, srcW := pipe(t)
	dstR, dstW := pipe(t)
	defer dstR.Close()
	srcW.Close()

	r, err := Start(srcR, dstW)
	require.NoError(t, err)

	outcome, err := waitWithin(t, r, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEOF, outcome)

	assertClosed(t, srcR)
	assertClosed(t, dstW)

	// the write end was released, so the reader sees EOF
	got, err := io.ReadAll(dstR)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAbortWhileBlocked(t *testing.T) {
	srcR, srcW := pipe(t)
	defer srcW.Close()
	dstR, dstW := pipe(t)
	defer dstR.Close()

	r, err := Start(srcR, dstW)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	r.Abort()
	r.Abort()

	outcome, err := waitWithin(t, r, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAborted, outcome)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assertClosed(t, srcR)
	assertClosed(t, dstW)

	// aborting a stopped redirection is a no-op
	r.Abort()
}

func TestAbortAfterEOF(t *testing.T) {
	srcR, srcW := pipe(t)
	dstR, dstW := pipe(t)
	defer dstR.Close()
	srcW.Close()

	r, err := Start(srcR, dstW)
	require.NoError(t, err)
	_, _ = waitWithin(t, r, time.Second)
	r.Abort()

	outcome, err := r.Wait()
	require.NoError(t, err)
	assert.Equal(t, OutcomeEOF, outcome)
}

func TestWriteErrorEndsOnlyThisPump(t *testing.T) {
	srcR, srcW := pipe(t)
	defer srcW.Close()
	dstR, dstW := pipe(t)
	dstR.Close()

	otherSrcR, otherSrcW := pipe(t)
	otherDstR, otherDstW := pipe(t)
	defer otherDstR.Close()

	broken, err := Start(srcR, dstW)
	require.NoError(t, err)
	healthy, err := Start(otherSrcR, otherDstW)
	require.NoError(t, err)

	_, err = srcW.Write([]byte("nobody is listening"))
	require.NoError(t, err)

	outcome, err := waitWithin(t, broken, time.Second)
	assert.Error(t, err)
	assert.Equal(t, OutcomeWriteError, outcome)
	assertClosed(t, srcR)
	assertClosed(t, dstW)

	_, err = otherSrcW.Write([]byte("still flowing"))
	require.NoError(t, err)
	otherSrcW.Close()
	got, err := io.ReadAll(otherDstR)
	require.NoError(t, err)
	assert.Equal(t, "still flowing", string(got))

	outcome, err = waitWithin(t, healthy, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEOF, outcome)
}

func TestStartWithNilTargetReleasesSource(t *testing.T) {
	srcR, srcW := pipe(t)
	defer srcW.Close()

	_, err := Start(srcR, nil)
	assert.Error(t, err)
	assertClosed(t, srcR)
}

func TestOutcomeString(t *testing.T) {
	cases := []struct {
		outcome Outcome
		want    string
	}{
		{OutcomeEOF, "eof"},
		{OutcomeAborted, "aborted"},
		{OutcomeReadError, "read-error"},
		{OutcomeWriteError, "write-error"},
		{Outcome(42), "outcome(42)"},
	}
	for _, c := range cases {
		t.Run(c.want, func(t *testing.T) {
			assert.Equal(t, c.want, c.outcome.String())
		})
	}
}
