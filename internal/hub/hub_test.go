package hub

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"podforge/internal/notify"
	"podforge/pkg/logger"
	"podforge/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if err := logger.Init(true); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakeConn struct {
	mu       sync.Mutex
	messages []interface{}
	writeErr error
	closed   bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.messages = append(f.messages, v)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func TestSendToUserFansOutToAllConnections(t *testing.T) {
	h := NewHub()
	c1 := &fakeConn{}
	c2 := &fakeConn{}

	h.Register(c1, "user1")
	h.Register(c2, "user1")

	h.SendToUser("user1", "hello")

	assert.Equal(t, 1, c1.received())
	assert.Equal(t, 1, c2.received())
}

func TestSendToUserWithZeroConnectionsIsNoOp(t *testing.T) {
	h := NewHub()

	done := make(chan struct{})
	go func() {
		h.SendToUser("nobody", "hello")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendToUser blocked with zero connections")
	}
}

func TestSendToUserDoesNotCrossUsers(t *testing.T) {
	h := NewHub()
	mine := &fakeConn{}
	other := &fakeConn{}

	h.Register(mine, "user1")
	h.Register(other, "user2")

	h.SendToUser("user1", "private")

	assert.Equal(t, 1, mine.received())
	assert.Equal(t, 0, other.received())
}

func TestFailingConnectionIsTornDownOthersSurvive(t *testing.T) {
	h := NewHub()
	bad := &fakeConn{writeErr: errors.New("broken pipe")}
	good := &fakeConn{}

	h.Register(bad, "user1")
	h.Register(good, "user1")

	h.SendToUser("user1", "first")

	assert.True(t, bad.closed)
	assert.Equal(t, 1, good.received())
	assert.Equal(t, 1, h.ActiveConnections())

	// the survivor keeps receiving
	h.SendToUser("user1", "second")
	assert.Equal(t, 2, good.received())
}

func TestUnregisterRemovesOnlyOneConnection(t *testing.T) {
	h := NewHub()
	c1 := &fakeConn{}
	c2 := &fakeConn{}

	h.Register(c1, "user1")
	h.Register(c2, "user1")
	h.Unregister(c1)

	assert.True(t, h.IsUserConnected("user1"))
	h.SendToUser("user1", "still here")
	assert.Equal(t, 0, c1.received())
	assert.Equal(t, 1, c2.received())

	h.Unregister(c2)
	assert.False(t, h.IsUserConnected("user1"))
	assert.Equal(t, 0, h.ConnectedUsers())
}

func TestUnregisterUnknownConnection(t *testing.T) {
	h := NewHub()
	assert.NotPanics(t, func() { h.Unregister(&fakeConn{}) })
}

func TestConcurrentRegisterUnregisterSameUser(t *testing.T) {
	h := NewHub()

	const workers = 8
	const cycles = 500

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < cycles; j++ {
				conn := &fakeConn{}
				h.Register(conn, "user1")
				h.SendToUser("user1", "tick")
				h.Unregister(conn)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, h.ActiveConnections())
	assert.False(t, h.IsUserConnected("user1"))

	// a connection registered after the churn is still reachable
	conn := &fakeConn{}
	h.Register(conn, "user1")
	h.SendToUser("user1", "after")
	assert.Equal(t, 1, conn.received())
}

func TestRunDeliversBridgeEventsToOwner(t *testing.T) {
	h := NewHub()
	conn := &fakeConn{}
	h.Register(conn, "user1")

	events := make(chan notify.ProgressEvent, 2)
	events <- notify.NewTaskStatusEvent("task1", "user1", model.StatusProcessing, "")
	events <- notify.NewTaskStatusEvent("task2", "user2", model.StatusProcessing, "")
	close(events)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.Run(ctx, events)

	require.Equal(t, 1, conn.received())
	event, ok := conn.messages[0].(notify.ProgressEvent)
	require.True(t, ok)
	assert.Equal(t, "task1", event.TaskID)
}
