package agent

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/guseggert/execbus/agent/bus"
	"github.com/guseggert/execbus/agent/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

// TestCanceledCallsReleaseLateDescriptors cancels calls while their responses, each carrying a descriptor, are in flight.
// Every received descriptor must be closed by the time the calls return, so the pipe's reader sees EOF.
func TestCanceledCallsReleaseLateDescriptors(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	a, b, err := bus.Pair()
	require.NoError(t, err)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	server := newEndpoint(b, log.Named("server"))
	go server.readLoop(func(m message) {
		bus.CloseFiles(m.files)
		if m.Kind != wire.KindRequest {
			return
		}
		go func() {
			time.Sleep(time.Duration(m.Serial%3) * time.Millisecond)
			server.reply(m, PingResult{}, []*os.File{w}, nil)
		}()
	})
	defer server.Close()

	client := newEndpoint(a, log.Named("client"))
	readDone := make(chan struct{})
	go func() {
		client.readLoop(func(m message) { bus.CloseFiles(m.files) })
		close(readDone)
	}()

	var g errgroup.Group
	for i := 0; i < 200; i++ {
		timeout := time.Duration(i%4) * time.Millisecond
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			files, err := client.call(ctx, RootPath, MethodPing, nil, nil, &PingResult{})
			bus.CloseFiles(files)
			if err != nil {
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// responses still in flight are dropped as unknown calls once they land
	time.Sleep(50 * time.Millisecond)
	client.Close()
	<-readDone
	server.Close()
	require.NoError(t, w.Close())

	require.NoError(t, r.SetReadDeadline(time.Now().Add(5*time.Second)))
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, rest)
}
