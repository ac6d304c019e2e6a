package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/tftpd/internal/events"
	"github.com/energizer-project/tftpd/internal/network"
	"github.com/energizer-project/tftpd/internal/session"
)

type noConns struct{}

func (noConns) Snapshot() []network.ConnInfo { return nil }
func (noConns) Count() int                    { return 0 }

type files []string

func (f files) List(context.Context) ([]string, error) { return f, nil }

func runConsole(t *testing.T, input string) (string, bool) {
	t.Helper()

	reg := session.NewRegistry()
	reg.TryLogin("alice", 7)

	var out bytes.Buffer
	quit := false
	c := NewCLI(events.NewEventBus(), Sources{
		Sessions:    reg,
		Connections: noConns{},
		Files:       files{"a.txt"},
	}, func() { quit = true }, strings.NewReader(input), &out)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("console did not stop at end of input")
	}
	return out.String(), quit
}

func TestConsoleCommands(t *testing.T) {
	out, quit := runConsole(t, "sessions\nfiles\nstatus\nbogus\naudit\n")
	if quit {
		t.Error("quit called without quit command")
	}
	for _, want := range []string{"alice", "a.txt", "Unknown command: 'bogus'", "audit log is disabled"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConsoleQuit(t *testing.T) {
	out, quit := runConsole(t, "quit\n")
	if !quit {
		t.Error("quit did not call shutdown")
	}
	if !strings.Contains(out, "Shutting down") {
		t.Errorf("output = %q", out)
	}
}
