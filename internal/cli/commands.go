// Package cli implements the interactive operator console of tftpd.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/tftpd/internal/db"
	"github.com/energizer-project/tftpd/internal/events"
	"github.com/energizer-project/tftpd/internal/network"
	"github.com/energizer-project/tftpd/internal/session"
)

// Sources are the components the console reports on. Audit may be nil.
type Sources struct {
	Sessions interface {
		Users() []session.Entry
		Count() int
	}
	Connections interface {
		Snapshot() []network.ConnInfo
		Count() int
	}
	Files interface {
		List(ctx context.Context) ([]string, error)
	}
	Audit interface {
		Recent(ctx context.Context, limit int) ([]db.AuditEntry, error)
	}
}

// CLI reads commands line by line and prints tables.
type CLI struct {
	eventBus *events.EventBus
	src      Sources
	shutdown func()
	in       io.Reader
	out      io.Writer
}

// NewCLI creates a console. shutdown is called by the quit command.
func NewCLI(eventBus *events.EventBus, src Sources, shutdown func(), in io.Reader, out io.Writer) *CLI {
	return &CLI{
		eventBus: eventBus,
		src:      src,
		shutdown: shutdown,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\ntftpd console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "tftpd> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				log.Debug().Msg("console input closed")
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// execute processes a single command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "sessions", "users":
		c.printSessions()
	case "connections", "conns":
		c.printConnections()
	case "files", "ls":
		return c.printFiles(ctx)
	case "audit":
		return c.printAudit(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down tftpd...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		if c.shutdown != nil {
			c.shutdown()
		}
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "  status          Show connection and login counts")
	fmt.Fprintln(c.out, "  sessions        List logged-in users")
	fmt.Fprintln(c.out, "  connections     List open TCP connections")
	fmt.Fprintln(c.out, "  files           List stored files")
	fmt.Fprintln(c.out, "  audit [n]       Show the last n audit entries (default 20)")
	fmt.Fprintln(c.out, "  quit            Shut down the server")
	fmt.Fprintln(c.out, "  help            Show this help message")
	fmt.Fprintln(c.out)
}

func (c *CLI) newTable(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	tw := c.newTable("Connections", "Logged In")
	tw.Append([]string{
		strconv.Itoa(c.src.Connections.Count()),
		strconv.Itoa(c.src.Sessions.Count()),
	})
	tw.Render()
}

func (c *CLI) printSessions() {
	users := c.src.Sessions.Users()
	if len(users) == 0 {
		fmt.Fprintln(c.out, "No users logged in")
		return
	}

	tw := c.newTable("Conn", "Username")
	for _, u := range users {
		tw.Append([]string{strconv.Itoa(u.ConnID), u.Username})
	}
	tw.Render()
}

func (c *CLI) printConnections() {
	conns := c.src.Connections.Snapshot()
	if len(conns) == 0 {
		fmt.Fprintln(c.out, "No open connections")
		return
	}

	tw := c.newTable("Conn", "Remote", "Connected", "Idle")
	for _, ci := range conns {
		tw.Append([]string{
			strconv.Itoa(ci.ID),
			ci.Remote,
			ci.ConnectedAt.Format(time.RFC3339),
			time.Since(ci.LastActivity).Truncate(time.Second).String(),
		})
	}
	tw.Render()
}

func (c *CLI) printFiles(ctx context.Context) error {
	names, err := c.src.Files.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list files: %w", err)
	}
	if len(names) == 0 {
		fmt.Fprintln(c.out, "No files stored")
		return nil
	}

	tw := c.newTable("#", "Name")
	for i, name := range names {
		tw.Append([]string{strconv.Itoa(i + 1), name})
	}
	tw.Render()
	return nil
}

func (c *CLI) printAudit(ctx context.Context, args []string) error {
	if c.src.Audit == nil {
		return fmt.Errorf("audit log is disabled")
	}

	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	entries, err := c.src.Audit.Recent(ctx, limit)
	if err != nil {
		return err
	}

	tw := c.newTable("Time", "Action", "Conn", "User", "File", "Detail")
	for _, e := range entries {
		tw.Append([]string{
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.Action,
			strconv.Itoa(e.ConnID),
			e.Username,
			e.Filename,
			e.Message,
		})
	}
	tw.Render()
	return nil
}
