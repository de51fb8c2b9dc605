// Command mergetree-bench drives a randomized multi-client editing workload
// through a sequencer and reports throughput, convergence, eviction, and
// snapshot round-trip numbers.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mergetree-io/mergetree"
)

func main() {
	ops := flag.Int("ops", 10000, "total edit ops to generate")
	numClients := flag.Int("clients", 4, "concurrent clients")
	seed := flag.Int64("seed", 1, "random seed")
	syncEvery := flag.Int("sync-every", 16, "deliver the op stream after this many edits")
	removeRatio := flag.Float64("remove-ratio", 0.3, "fraction of ops that are removals")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	rng := rand.New(rand.NewSource(*seed))
	seqr := mergetree.NewSequencer(logger)
	clients := make([]*mergetree.Client, *numClients)
	for i := range clients {
		clients[i] = mergetree.NewClient(mergetree.ClientOptions{ClientID: i + 1, Logger: logger})
		cur, min := seqr.Register(i + 1)
		clients[i].StartCollaboration(cur, min)
	}

	start := time.Now()
	applied := 0
	for applied < *ops {
		c := clients[rng.Intn(len(clients))]
		if err := randomEdit(rng, c, seqr, *removeRatio); err != nil {
			continue
		}
		applied++
		if applied%*syncEvery == 0 {
			syncAll(clients, seqr)
		}
	}
	syncAll(clients, seqr)
	elapsed := time.Since(start)

	base := clients[0].Text()
	for _, c := range clients[1:] {
		if c.Text() != base {
			fmt.Fprintln(os.Stderr, "clients diverged")
			os.Exit(1)
		}
	}

	fmt.Printf("%d ops, %d clients: %.0f ops/sec, final length %d, converged\n",
		applied, len(clients), float64(applied)/elapsed.Seconds(), len(base))

	gcStart := time.Now()
	stats := clients[0].CollectGarbage()
	fmt.Printf("gc: examined %d, evicted %d, reclaimed %d bytes in %s\n",
		stats.SegmentsExamined, stats.SegmentsEvicted, stats.BytesReclaimed, time.Since(gcStart))

	store := mergetree.NewMemoryChunkStore()
	snapStart := time.Now()
	hdr, err := mergetree.WriteSnapshot(clients[0].Tree(), store, "bench")
	if err != nil {
		fmt.Fprintln(os.Stderr, "snapshot write:", err)
		os.Exit(1)
	}
	writeTime := time.Since(snapStart)
	loadStart := time.Now()
	tree, _, err := mergetree.LoadSnapshot(store, "bench")
	if err != nil {
		fmt.Fprintln(os.Stderr, "snapshot load:", err)
		os.Exit(1)
	}
	fmt.Printf("snapshot: %d segments, %d chunks, write %s, load %s\n",
		hdr.SegmentCount, hdr.ChunkCount, writeTime, time.Since(loadStart))

	p := mergetree.Perspective{RefSeq: hdr.Seq, ClientID: mergetree.NoClientID}
	if tree.TextAt(p) != base {
		fmt.Fprintln(os.Stderr, "snapshot round-trip mismatch")
		os.Exit(1)
	}
}

const alphabet = "abcdefghijklmnopqrstuvwxyz "

func randomText(rng *rand.Rand) string {
	n := 1 + rng.Intn(12)
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(buf)
}

func randomEdit(rng *rand.Rand, c *mergetree.Client, seqr *mergetree.Sequencer, removeRatio float64) error {
	length := c.Tree().LocalLength()
	var env *mergetree.OpEnvelope
	var err error
	if length > 1 && rng.Float64() < removeRatio {
		start := rng.Intn(length - 1)
		end := start + 1 + rng.Intn(length-start-1)
		env, err = c.Remove(start, end)
	} else {
		env, err = c.InsertText(rng.Intn(length+1), randomText(rng))
	}
	if err != nil {
		return err
	}
	_, err = seqr.Submit(env)
	return err
}

func syncAll(clients []*mergetree.Client, seqr *mergetree.Sequencer) {
	to := seqr.CurrentSeq()
	for _, c := range clients {
		if err := c.CatchUp(context.Background(), seqr, to); err != nil {
			fmt.Fprintln(os.Stderr, "catch up:", err)
			os.Exit(1)
		}
	}
}
