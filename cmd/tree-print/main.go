// tree-print fetches a node from a restfs server and prints its subtree.
//
// Usage:
//
//	tree-print -server http://localhost:8080 -id folder1
//	tree-print -id folder1 -history
//	tree-print -id folder1 -watch
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/disiqueira/gotree/v3"

	"github.com/fruitsalade/restfs/internal/logging"
	"github.com/fruitsalade/restfs/pkg/client"
	"github.com/fruitsalade/restfs/pkg/protocol"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "Server URL")
	id := flag.String("id", "", "Node id to print (required)")
	history := flag.Bool("history", false, "Print the node's history instead of its subtree")
	watch := flag.Bool("watch", false, "Reprint whenever the server reports a change")
	timeout := flag.Duration("timeout", 30*time.Second, "Request timeout")
	flag.Parse()

	if *id == "" {
		fmt.Fprintf(os.Stderr, "Error: -id is required\n")
		flag.Usage()
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{Level: "warn", Format: "console", OutputPath: "stderr"}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := client.New(client.Config{BaseURL: *serverURL, Timeout: *timeout})

	if err := printOnce(ctx, c, *id, *history); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !*watch {
		return
	}

	for range c.Watch(ctx) {
		fmt.Println()
		if err := printOnce(ctx, c, *id, *history); err != nil {
			if client.IsNotFound(err) {
				fmt.Printf("%s was removed\n", *id)
				continue
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

func printOnce(ctx context.Context, c *client.Client, id string, history bool) error {
	if history {
		units, err := c.History(ctx, id, time.Time{}, time.Time{})
		if err != nil {
			return err
		}
		fmt.Print(renderHistory(id, units))
		return nil
	}

	node, err := c.Node(ctx, id)
	if err != nil {
		return err
	}
	fmt.Print(renderTree(node).Print())
	return nil
}

func label(n *protocol.NodeResponse) string {
	return fmt.Sprintf("%s [%s %d] %s", n.ID, n.Type, n.Size, n.Date)
}

// renderTree builds a printable tree mirroring node and its children.
func renderTree(node *protocol.NodeResponse) gotree.Tree {
	root := gotree.New(label(node))
	addChildren(root, node)
	return root
}

func addChildren(t gotree.Tree, node *protocol.NodeResponse) {
	for _, child := range node.Children {
		addChildren(t.Add(label(child)), child)
	}
}

func renderHistory(id string, units []protocol.HistoryUnit) string {
	root := gotree.New(id + " history")
	for _, u := range units {
		root.Add(fmt.Sprintf("%s size=%d", u.Date, u.Size))
	}
	return root.Print()
}
