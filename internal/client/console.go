package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/nerrad567/netosc/internal/topic"
)

// Link is the connection control surface the console drives. *Supervisor
// satisfies it.
type Link interface {
	Status() Status
	ForceReconnect(ctx context.Context) error
	SetTopics(ctx context.Context, topics []string) error
}

// Directory exposes the known-clients cache. *Bridge satisfies it.
type Directory interface {
	KnownClients() map[string][]string
}

const helpText = `Commands:
  -r            reconnect
  -x            exit
  -t <topics>   set topics (comma-separated)
  -s            status
  -l            list known clients

`

// Console reads operator commands line by line.
type Console struct {
	in       io.Reader
	out      io.Writer
	link     Link
	dir      Directory
	shutdown func()
}

// NewConsole creates a console. shutdown is called once for -x.
func NewConsole(in io.Reader, out io.Writer, link Link, dir Directory, shutdown func()) *Console {
	return &Console{in: in, out: out, link: link, dir: dir, shutdown: shutdown}
}

// Run prints the command help and executes lines until -x, end of input or
// ctx cancellation.
func (c *Console) Run(ctx context.Context) error {
	fmt.Fprint(c.out, helpText)

	scanner := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		if quit := c.Execute(ctx, scanner.Text()); quit {
			return nil
		}
	}
}

// Execute runs one command line and reports whether it was -x.
func (c *Console) Execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		fmt.Fprintln(c.out, "Unknown command")
		return false
	}
	cmd := fields[0]
	arg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), cmd))

	switch cmd {
	case "-x":
		fmt.Fprintln(c.out, "Exiting...")
		if c.shutdown != nil {
			c.shutdown()
		}
		return true

	case "-r":
		fmt.Fprintln(c.out, "Forcing reconnect")
		if err := c.link.ForceReconnect(ctx); err != nil {
			fmt.Fprintf(c.out, "Reconnect failed: %v\n", err)
		}

	case "-s":
		c.printStatus()

	case "-l":
		c.printKnownClients()

	case "-t":
		c.setTopics(ctx, arg)

	default:
		fmt.Fprintln(c.out, "Unknown command")
	}
	return false
}

func (c *Console) setTopics(ctx context.Context, arg string) {
	if strings.TrimSpace(arg) == "" {
		fmt.Fprintln(c.out, "Usage: -t /foo,/bar/*")
		return
	}
	topics := topic.ParseList(arg)
	if len(topics) == 0 {
		fmt.Fprintln(c.out, "No topics provided")
		return
	}

	fmt.Fprintf(c.out, "Updated topics: %s\n", strings.Join(topics, ", "))
	if err := c.link.SetTopics(ctx, topics); err != nil {
		fmt.Fprintf(c.out, "Sending subscriptions failed: %v\n", err)
	}
}

func (c *Console) printStatus() {
	st := c.link.Status()
	known := len(c.dir.KnownClients())

	fmt.Fprintln(c.out, "Status:")
	fmt.Fprintf(c.out, "  Client ID: %s\n", st.ClientID)
	fmt.Fprintf(c.out, "  Broker: %s\n", st.BrokerURL)
	fmt.Fprintf(c.out, "  Connection: %s\n", st.State)
	fmt.Fprintf(c.out, "  Subscriptions: %s\n", strings.Join(st.Topics, ", "))
	fmt.Fprintf(c.out, "  Known clients: %d\n", known)
}

func (c *Console) printKnownClients() {
	known := c.dir.KnownClients()
	if len(known) == 0 {
		fmt.Fprintln(c.out, "No known clients")
		return
	}

	ids := make([]string, 0, len(known))
	for id := range known {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintln(c.out, "Known clients:")
	for _, id := range ids {
		fmt.Fprintf(c.out, "  %s\n", id)
		for _, addr := range known[id] {
			fmt.Fprintf(c.out, "    - %s\n", addr)
		}
	}
}
