// Command torrentkit-sim drives a seeder and a leecher Torrent against each
// other over an in-memory loopback transport until the leecher completes,
// printing a progress line every --report-every ticks. It exercises the engine the way a host
// application would without any platform UI, grounded on the teacher's
// examples/ directory convention of small standalone driver programs.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"

	"github.com/torrentkit/core"
	"github.com/torrentkit/core/internal/testutil"
	"github.com/torrentkit/core/peerprotocol"
	"github.com/torrentkit/core/ratelimit"
)

type cliArgs struct {
	MaxTicks    int `arg:"--max-ticks" help:"give up and exit non-zero after this many ticks"`
	TickMillis  int `arg:"--tick-millis" help:"simulated milliseconds advanced per tick"`
	ReportEvery int `arg:"--report-every" help:"print a progress line every N ticks"`
}

func (cliArgs) Description() string {
	return "Drive an in-process torrentkit seeder/leecher pair to completion over a loopback transport."
}

func main() {
	args := cliArgs{MaxTicks: 5000, TickMillis: 100, ReportEvery: 50}
	arg.MustParse(&args)

	pieces, _ := testutil.GreetingPieces()
	content := []byte(testutil.GreetingContent)

	seedStorage := testutil.NewInMemoryStorage()
	seedStorage.Seed("root", "greeting", content)
	leechStorage := testutil.NewInMemoryStorage()

	var infoHash [20]byte
	copy(infoHash[:], "torrentkit-sim-demo!")

	cfg := torrentkit.DefaultConfig()
	pathForPiece := func(int) string { return "greeting" }
	bucket := ratelimit.New(0, 0) // unlimited for the demo

	seeder := torrentkit.NewTorrent(infoHash, "greeting-seeder", pieces, cfg, seedStorage, "root", pathForPiece, bucket)
	leecher := torrentkit.NewTorrent(infoHash, "greeting-leecher", pieces, cfg, leechStorage, "root", pathForPiece, bucket)
	for i := range pieces {
		seeder.HaveBits.Set(i, true)
	}

	now := time.Now()
	seederSide := torrentkit.NewPeerConnection(1, "leecher:0", len(pieces), now)
	leecherSide := torrentkit.NewPeerConnection(1, "seeder:0", len(pieces), now)
	seeder.AddConnection(seederSide)
	leecher.AddConnection(leecherSide)

	// Bootstrap: the seeder announces its full bitfield; everything else
	// (interest, unchoke, requests, piece delivery) falls out of the normal
	// tick loop once that first message is relayed.
	seederSide.QueueSend(peerprotocol.Message{ID: peerprotocol.Bitfield, Bits: seeder.HaveBits.Bytes()})

	tickInterval := time.Duration(args.TickMillis) * time.Millisecond
	totalBytes := uint64(len(content))

	for tick := 0; tick < args.MaxTicks; tick++ {
		now = now.Add(tickInterval)
		seeder.Tick(now)
		leecher.Tick(now)
		relay(seederSide, leecherSide)
		relay(leecherSide, seederSide)

		if tick%args.ReportEvery == 0 {
			fmt.Printf("tick %5d: leecher has %d/%d pieces, downloaded %s of %s\n",
				tick, countHave(leecher, len(pieces)), len(pieces),
				humanize.Bytes(uint64(leecher.DownloadedBytes)), humanize.Bytes(totalBytes))
		}

		if countHave(leecher, len(pieces)) == len(pieces) {
			fmt.Printf("leecher completed in %d ticks (%s simulated)\n", tick+1, time.Duration(tick+1)*tickInterval)
			return
		}
	}
	fmt.Println("did not complete within --max-ticks; see diagnostics above")
	os.Exit(1)
}

func relay(from, to *torrentkit.PeerConnection) {
	for _, b := range from.TakeSendQueue() {
		to.HandleData(b)
	}
}

func countHave(t *torrentkit.Torrent, numPieces int) int {
	n := 0
	for i := 0; i < numPieces; i++ {
		if t.HaveLocally(i) {
			n++
		}
	}
	return n
}
