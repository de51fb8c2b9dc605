// Command mergetree-repl runs an interactive multi-client editing session
// against an in-process sequencer, for poking at convergence behavior by
// hand. Edits apply to the active client immediately; "sync" delivers the
// sequenced op stream to every client.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mergetree-io/mergetree"
)

type session struct {
	seq     *mergetree.Sequencer
	clients map[int]*mergetree.Client
	active  int
	store   mergetree.ChunkStore
}

func main() {
	configPath := flag.String("config", "", "YAML config file")
	numClients := flag.Int("clients", 2, "number of clients in the session")
	flag.Parse()

	cfg := mergetree.DefaultToolConfig()
	if *configPath != "" {
		var err error
		cfg, err = mergetree.LoadToolConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
	}
	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	store, err := cfg.OpenStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, "store:", err)
		os.Exit(1)
	}
	defer store.Close()

	s := &session{
		seq:     mergetree.NewSequencer(logger),
		clients: make(map[int]*mergetree.Client),
		active:  1,
		store:   store,
	}
	for id := 1; id <= *numClients; id++ {
		s.addClient(id, logger, nil)
	}

	fmt.Printf("mergetree repl: %d clients, active client 1 (\"help\" for commands)\n", *numClients)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("c%d> ", s.active)
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		if err := s.dispatch(logger, line); err != nil {
			fmt.Println("error:", err)
		}
	}
}

func (s *session) addClient(id int, logger *logrus.Logger, tree *mergetree.MergeTree) {
	c := mergetree.NewClient(mergetree.ClientOptions{ClientID: id, Logger: logger, Tree: tree})
	cur, min := s.seq.Register(id)
	c.StartCollaboration(cur, min)
	s.clients[id] = c
}

func (s *session) dispatch(logger *logrus.Logger, line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	c := s.clients[s.active]

	switch cmd {
	case "help":
		printHelp()
		return nil

	case "client":
		id, err := argInt(args, 0)
		if err != nil {
			return err
		}
		if _, ok := s.clients[id]; !ok {
			return fmt.Errorf("no client %d", id)
		}
		s.active = id
		return nil

	case "insert":
		pos, err := argInt(args, 0)
		if err != nil {
			return err
		}
		if len(args) < 2 {
			return fmt.Errorf("usage: insert <pos> <text>")
		}
		text := strings.Join(args[1:], " ")
		env, err := c.InsertText(pos, text)
		if err != nil {
			return err
		}
		return s.submit(env)

	case "marker":
		pos, err := argInt(args, 0)
		if err != nil {
			return err
		}
		if len(args) < 3 {
			return fmt.Errorf("usage: marker <pos> <tile|begin|end> <label>")
		}
		refType, props, err := markerSpec(args[1], args[2])
		if err != nil {
			return err
		}
		env, err := c.InsertMarker(pos, refType, props)
		if err != nil {
			return err
		}
		return s.submit(env)

	case "remove":
		start, err := argInt(args, 0)
		if err != nil {
			return err
		}
		end, err := argInt(args, 1)
		if err != nil {
			return err
		}
		env, err := c.Remove(start, end)
		if err != nil {
			return err
		}
		return s.submit(env)

	case "annotate":
		start, err := argInt(args, 0)
		if err != nil {
			return err
		}
		end, err := argInt(args, 1)
		if err != nil {
			return err
		}
		if len(args) < 4 {
			return fmt.Errorf("usage: annotate <start> <end> <key> <value>")
		}
		props := mergetree.PropertySet{args[2]: mergetree.StringValue(args[3])}
		env, err := c.Annotate(start, end, props, mergetree.CombineNone)
		if err != nil {
			return err
		}
		return s.submit(env)

	case "sync":
		for _, cl := range s.clients {
			if err := cl.CatchUp(context.Background(), s.seq, s.seq.CurrentSeq()); err != nil {
				return err
			}
		}
		return nil

	case "show":
		for id := 1; id <= len(s.clients); id++ {
			cl := s.clients[id]
			fmt.Printf("c%d (pending %d): %q\n", id, cl.PendingOps(), cl.Text())
		}
		return nil

	case "gc":
		stats := c.CollectGarbage()
		fmt.Printf("examined %d, evicted %d, reclaimed %d bytes, detached %d refs\n",
			stats.SegmentsExamined, stats.SegmentsEvicted, stats.BytesReclaimed, stats.RefsDetached)
		return nil

	case "save":
		if len(args) < 1 {
			return fmt.Errorf("usage: save <prefix>")
		}
		hdr, err := mergetree.WriteSnapshot(c.Tree(), s.store, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("saved %d segments in %d chunks at seq %d\n", hdr.SegmentCount, hdr.ChunkCount, hdr.Seq)
		return nil

	case "load":
		if len(args) < 1 {
			return fmt.Errorf("usage: load <prefix>")
		}
		tree, hdr, err := mergetree.LoadSnapshot(s.store, args[0])
		if err != nil {
			return err
		}
		id := len(s.clients) + 1
		s.addClient(id, logger, tree)
		s.active = id
		fmt.Printf("loaded snapshot at seq %d into new client %d\n", hdr.Seq, id)
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func (s *session) submit(env *mergetree.OpEnvelope) error {
	stamped, err := s.seq.Submit(env)
	if err != nil {
		return err
	}
	fmt.Printf("seq %d assigned\n", stamped.Seq)
	return nil
}

func markerSpec(kind, label string) (mergetree.ReferenceType, mergetree.PropertySet, error) {
	labels := mergetree.ListValue(mergetree.StringValue(label))
	switch kind {
	case "tile":
		return mergetree.RefTile, mergetree.PropertySet{mergetree.TileLabelsKey: labels}, nil
	case "begin":
		return mergetree.RefRangeBegin, mergetree.PropertySet{mergetree.RangeLabelsKey: labels}, nil
	case "end":
		return mergetree.RefRangeEnd, mergetree.PropertySet{mergetree.RangeLabelsKey: labels}, nil
	}
	return 0, nil, fmt.Errorf("unknown marker kind %q", kind)
}

func argInt(args []string, i int) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %d", i+1)
	}
	return strconv.Atoi(args[i])
}

func printHelp() {
	fmt.Print(`commands:
  client <id>                      switch active client
  insert <pos> <text>              insert text at position
  marker <pos> <tile|begin|end> <label>
  remove <start> <end>             tombstone a range
  annotate <start> <end> <k> <v>   set a string property over a range
  sync                             deliver sequenced ops to every client
  show                             print each client's text and pending count
  gc                               run eviction on the active client
  save <prefix> / load <prefix>    snapshot to / from the chunk store
  quit
`)
}
