// Command riftctl is a CLI client that speaks the replica wire protocol
// (spec §6) to a riftkv cluster: `status` fans out to every configured
// peer and prints each one's raft state, and `set`/`get`/`delete`/`cas`
// submit a ReplicatedKV command, following the leader redirect if needed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log"

	"github.com/riftkv/riftkv/cluster"
	"github.com/riftkv/riftkv/replwire"
)

func main() {
	peersFlag := flag.String("peers", "", "comma-separated id=addr pairs, e.g. node-1=127.0.0.1:7600,node-2=127.0.0.1:7601")
	timeout := flag.Duration("timeout", 5*time.Second, "per-command timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: riftctl -peers id=addr[,id=addr...] <status|set|get|delete|cas> [args...]")
		os.Exit(2)
	}

	peers, err := parsePeers(*peersFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "riftctl:", err)
		os.Exit(2)
	}

	c := cluster.New(peers, replwire.NewClient(), log.NewNopLogger())
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := dispatch(ctx, c, args); err != nil {
		fmt.Fprintln(os.Stderr, "riftctl:", err)
		os.Exit(1)
	}
}

func parsePeers(spec string) ([]cluster.PeerInfo, error) {
	if spec == "" {
		return nil, fmt.Errorf("-peers is required")
	}
	var peers []cluster.PeerInfo
	for _, entry := range strings.Split(spec, ",") {
		idAddr := strings.SplitN(entry, "=", 2)
		if len(idAddr) != 2 || idAddr[0] == "" || idAddr[1] == "" {
			return nil, fmt.Errorf("invalid peer entry %q, want id=addr", entry)
		}
		peers = append(peers, cluster.PeerInfo{ID: idAddr[0], Addr: idAddr[1]})
	}
	return peers, nil
}

func dispatch(ctx context.Context, c *cluster.Cluster, args []string) error {
	switch args[0] {
	case "status":
		return cmdStatus(ctx, c)
	case "set":
		if len(args) != 3 {
			return fmt.Errorf("usage: set <key> <value>")
		}
		return cmdSubmit(ctx, c, map[string]string{"op": "set", "key": args[1], "value": args[2]})
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: get <key>")
		}
		return cmdSubmit(ctx, c, map[string]string{"op": "get", "key": args[1]})
	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: delete <key>")
		}
		return cmdSubmit(ctx, c, map[string]string{"op": "delete", "key": args[1]})
	case "cas":
		if len(args) != 4 {
			return fmt.Errorf("usage: cas <key> <expected> <value>")
		}
		return cmdSubmit(ctx, c, map[string]string{"op": "cas", "key": args[1], "expected": args[2], "value": args[3]})
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func cmdStatus(ctx context.Context, c *cluster.Cluster) error {
	for _, ps := range c.Status(ctx) {
		if ps.Err != nil {
			fmt.Printf("%s\t%s\tunreachable: %v\n", ps.Peer.ID, ps.Peer.Addr, ps.Err)
			continue
		}
		fmt.Printf("%s\t%s\tstate=%s term=%d leader=%s commit=%d applied=%d\n",
			ps.Peer.ID, ps.Peer.Addr, ps.Status.State, ps.Status.Term,
			ps.Status.LeaderID, ps.Status.CommitIndex, ps.Status.LastApplied)
	}
	return nil
}

func cmdSubmit(ctx context.Context, c *cluster.Cluster, op map[string]string) error {
	cmd, err := json.Marshal(op)
	if err != nil {
		return err
	}
	resp, err := c.Submit(ctx, cmd)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	if len(resp.Result) > 0 {
		fmt.Println(string(resp.Result))
	} else {
		fmt.Println("ok")
	}
	return nil
}
