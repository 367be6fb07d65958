package control

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffado/isoengine/internal/spmanager"
)

type fakeEngine struct {
	started bool
	stopped bool
	xruns   uint64
}

func (f *fakeEngine) Start(spmanager.PeriodCallback) error { f.started = true; return nil }
func (f *fakeEngine) Stop()                                { f.stopped = true }
func (f *fakeEngine) XRunCount() uint64                    { return f.xruns }

func dial(t *testing.T, port int) net.Conn {
	t.Helper()

	var conn net.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, err = net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, err)
	return nil
}

func TestServerRespondsToCommands(t *testing.T) {
	engine := &fakeEngine{xruns: 7}
	s := New(engine)
	require.NoError(t, s.Listen(0))
	defer s.Close()

	port := s.listener.Addr().(*net.TCPAddr).Port
	conn := dial(t, port)
	defer conn.Close()

	reader := bufio.NewReader(conn)

	fmt.Fprintln(conn, "STATUS")
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK\n", line)

	fmt.Fprintln(conn, "XRUNS")
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK 7\n", line)

	fmt.Fprintln(conn, "START")
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK\n", line)
	assert.True(t, engine.started)

	fmt.Fprintln(conn, "STOP")
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK\n", line)
	assert.True(t, engine.stopped)

	fmt.Fprintln(conn, "BOGUS")
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ERR unknown command\n", line)
}
