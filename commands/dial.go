package commands

import (
	"bufio"
	"context"
	"fmt"
	"meshnode/config"
	"meshnode/datamodel/peer"
	"meshnode/datastore/peerfile"
	"meshnode/swarm/node"
	"time"
)

// RunDial opens a TCP session to target, prints the peers it announced, then sends every input line and prints the
// acknowledgement. It returns when input ends, the session fails or ctx is cancelled.
func RunDial(ctx context.Context, cfg *config.Config, console *Console, target peer.Address) error {
	peers, err := peerfile.Open(cfg.DataStore.PeersPath)
	if err != nil {
		return err
	}

	timeout := time.Duration(cfg.Network.DialTimeout)
	sess, err := node.JoinStream(ctx, peers, target, timeout)
	if err != nil {
		return err
	}
	defer sess.Close()

	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()

	fmt.Fprintf(console.Out, "Connected to %s, it knows %d peers:\n", target, len(sess.Peers))
	for _, p := range sess.Peers {
		fmt.Fprintf(console.Out, "  %s\n", p)
	}

	sc := bufio.NewScanner(console.In)
	for {
		fmt.Fprintf(console.Out, "Type message for %s > ", target)
		if !sc.Scan() {
			return sc.Err()
		}

		ack, err := sess.Exchange(sc.Bytes(), timeout)
		if err != nil {
			return err
		}
		fmt.Fprintf(console.Out, "Response from peer: %s\n", ack)
	}
}
