package irc

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConn wires a Conn to the client side of a net.Pipe and collects
// dispatched messages. The server side is returned for the test to
// drive.
func testConn(t *testing.T) (*Conn, net.Conn, <-chan *Message, <-chan error) {
	t.Helper()
	client, server := net.Pipe()
	c := NewConn(Config{Server: "irc.example.com:6667", Nick: "bot"}, client, nil)

	msgs := make(chan *Message, 64)
	errs := make(chan error, 1)
	go func() {
		errs <- c.Run(func(m *Message) { msgs <- m })
	}()
	t.Cleanup(func() { c.Close() })
	return c, server, msgs, errs
}

func TestFramingChunkIndependence(t *testing.T) {
	stream := ":a!a@h PRIVMSG #c :one\r\n:b!b@h PRIVMSG #c :two words\r\n:c!c@h NOTICE #c :three\r\n"
	want := []string{
		":a!a@h PRIVMSG #c :one",
		":b!b@h PRIVMSG #c :two words",
		":c!c@h NOTICE #c :three",
	}

	// However the stream is chunked at the socket boundary, framing
	// must yield the same ordered sequence of logical lines.
	for _, size := range []int{1, 2, 5, 7, len(stream)} {
		_, server, msgs, _ := testConn(t)
		go func() {
			data := []byte(stream)
			for len(data) > 0 {
				n := size
				if n > len(data) {
					n = len(data)
				}
				server.Write(data[:n])
				data = data[n:]
			}
		}()

		for i, wantRaw := range want {
			select {
			case m := <-msgs:
				assert.Equal(t, wantRaw, m.Raw, "chunk size %d, line %d", size, i)
			case <-time.After(2 * time.Second):
				t.Fatalf("chunk size %d: timed out waiting for line %d", size, i)
			}
		}
		server.Close()
	}
}

func TestPingAnsweredOnReadPath(t *testing.T) {
	_, server, msgs, _ := testConn(t)

	go server.Write([]byte("PING :token123\r\n"))

	reply, err := bufio.NewReader(server).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "PONG :token123\r\n", reply)

	// PING bypasses ordinary dispatch.
	select {
	case m := <-msgs:
		t.Fatalf("PING should not be dispatched, got %q", m.Raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNickInUseIsFatal(t *testing.T) {
	_, server, _, errs := testConn(t)

	go server.Write([]byte(":irc.example.com 433 * bot :Nickname is already in use\r\n"))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrNickInUse)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fatal error")
	}
}

func TestWriteTruncatesAt510(t *testing.T) {
	c, server, _, _ := testConn(t)

	lineCh := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(server).ReadString('\n')
		lineCh <- line
	}()

	long := strings.Repeat("x", 600)
	require.NoError(t, c.Write([]string{"PRIVMSG", "#chan"}, long))

	line := <-lineCh
	assert.Len(t, line, 512)
	assert.True(t, strings.HasSuffix(line, "\r\n"))
	assert.True(t, strings.HasPrefix(line, "PRIVMSG #chan :xxx"))
}

func TestWriteStripsNewlines(t *testing.T) {
	c, server, _, _ := testConn(t)

	lineCh := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(server).ReadString('\n')
		lineCh <- line
	}()

	require.NoError(t, c.Write([]string{"PRIVMSG", "#chan"}, "evil\r\nQUIT :injected"))
	assert.Equal(t, "PRIVMSG #chan :evilQUIT :injected\r\n", <-lineCh)
}

func TestDecodeFallback(t *testing.T) {
	_, server, msgs, _ := testConn(t)

	// "café" in latin-1/cp1252: 0xE9 is not valid UTF-8.
	go server.Write([]byte(":a!a@h PRIVMSG #c :caf\xe9\r\n"))

	select {
	case m := <-msgs:
		assert.Equal(t, "café", m.Trailing())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decoded line")
	}
}

func TestShutdownHooksRunOnce(t *testing.T) {
	c, server, _, errs := testConn(t)

	var order []int
	c.OnShutdown(func() { order = append(order, 1) })
	c.OnShutdown(func() { order = append(order, 2) })

	server.Close()
	<-errs // read loop has finished and closed the connection
	c.Close()
	c.Close()

	assert.Equal(t, []int{1, 2}, order)
}

func TestQuitReturnsCleanly(t *testing.T) {
	c, server, _, errs := testConn(t)

	go func() {
		reader := bufio.NewReader(server)
		reader.ReadString('\n') // the QUIT line
		server.Close()
	}()

	c.Quit("bye")

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}
