package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/quayside/arq"
	"github.com/quayside/arq/simnet"
	"github.com/spf13/cobra"
)

// maxEvents caps the event loop so a misconfigured run cannot spin
// forever.
const maxEvents = 10_000_000

var (
	messageCount  int
	messageSize   int
	windowSize    uint8
	linkDelay     time.Duration
	dropRate      float64
	corruptRate   float64
	duplicateRate float64
	reorderRate   float64
	seed          int64
	logLevel      string
)

var rootCmd = &cobra.Command{
	Use:   "arqsim",
	Short: "Run a reliable transfer over a simulated lossy link",
	Long: `arqsim wires a sender and a receiver through a deterministic
simulated network, pushes a stream of random messages through it while
the link drops, corrupts, duplicates and reorders frames, and verifies
that the receiver observed exactly the submitted bytes, in order.`,
	RunE: run,
}

func init() {
	flags := rootCmd.Flags()
	flags.IntVar(&messageCount, "messages", 200, "number of messages "+
		"to transfer")
	flags.IntVar(&messageSize, "size", 400, "size of each message in "+
		"bytes")
	flags.Uint8Var(&windowSize, "window", arq.DefaultWindowSize,
		"sliding window size (power of two, at most 128)")
	flags.DurationVar(&linkDelay, "delay", 10*time.Millisecond,
		"one-way link propagation delay")
	flags.Float64Var(&dropRate, "drop", 0.05, "probability of losing "+
		"a frame")
	flags.Float64Var(&corruptRate, "corrupt", 0.02, "probability of "+
		"flipping one bit of a frame")
	flags.Float64Var(&duplicateRate, "duplicate", 0.02, "probability "+
		"of delivering a frame twice")
	flags.Float64Var(&reorderRate, "reorder", 0.02, "probability of "+
		"delaying a frame past its successors")
	flags.Int64Var(&seed, "seed", 1, "random seed for fault injection")
	flags.StringVar(&logLevel, "loglevel", "off", "log level "+
		"(trace|debug|info|warn|error|critical|off)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	setUpLogging()

	net := simnet.NewNetwork()
	rng := rand.New(rand.NewSource(seed))

	linkCfg := simnet.LinkConfig{
		Delay:         linkDelay,
		DropRate:      dropRate,
		CorruptRate:   corruptRate,
		DuplicateRate: duplicateRate,
		ReorderRate:   reorderRate,
		ReorderDelay:  3 * linkDelay,
	}
	dataLink := simnet.NewLink(net, linkCfg, rng)
	ackLink := simnet.NewLink(net, linkCfg, rng)

	var delivered bytes.Buffer
	receiver, err := arq.NewReceiver(&arq.ReceiverConfig{
		SubmitToLower: ackLink.Submit,
		Deliver: func(msg []byte) {
			delivered.Write(msg)
		},
	}, arq.WithWindowSize(windowSize))
	if err != nil {
		return err
	}

	timer := simnet.NewTimer(net)
	sender, err := arq.NewSender(&arq.SenderConfig{
		SubmitToLower: dataLink.Submit,
		Timer:         timer,
		Clock:         net,
	}, arq.WithWindowSize(windowSize))
	if err != nil {
		return err
	}

	timer.OnFire(sender.HandleTimeout)
	dataLink.OnReceive(receiver.HandlePacket)
	ackLink.OnReceive(sender.HandlePacket)

	// Feed the messages in at a steady pace so the run exercises both
	// an idle window and a saturated one.
	var submitted bytes.Buffer
	for i := 0; i < messageCount; i++ {
		msg := make([]byte, messageSize)
		rng.Read(msg)
		submitted.Write(msg)

		net.Schedule(time.Duration(i)*time.Millisecond, func() {
			sender.HandleMessage(msg)
		})
	}

	start := time.Now()
	executed := net.Run(maxEvents)
	elapsed := time.Since(start)

	if !net.Idle() {
		return fmt.Errorf("simulation did not converge within %d "+
			"events", maxEvents)
	}

	if !bytes.Equal(submitted.Bytes(), delivered.Bytes()) {
		return fmt.Errorf("delivered bytes differ from submitted "+
			"bytes (%d vs %d)", delivered.Len(), submitted.Len())
	}

	data, acks := dataLink.Stats(), ackLink.Stats()
	fmt.Printf("transferred %d bytes in %d messages\n",
		submitted.Len(), messageCount)
	fmt.Printf("virtual time %v, %d events, wall time %v\n",
		net.Now().Sub(time.Unix(0, 0)), executed, elapsed)
	fmt.Printf("data frames: %d sent, %d dropped, %d corrupted, "+
		"%d duplicated, %d reordered\n", data.Submitted,
		data.Dropped, data.Corrupted, data.Duplicated, data.Reordered)
	fmt.Printf("ack frames:  %d sent, %d dropped, %d corrupted, "+
		"%d duplicated, %d reordered\n", acks.Submitted,
		acks.Dropped, acks.Corrupted, acks.Duplicated, acks.Reordered)
	fmt.Println("delivery verified: in order, exactly once")

	return nil
}

func setUpLogging() {
	level, ok := btclog.LevelFromString(logLevel)
	if !ok || level == btclog.LevelOff {
		return
	}

	backend := btclog.NewBackend(os.Stdout)

	arqLog := backend.Logger(arq.Subsystem)
	arqLog.SetLevel(level)
	arq.UseLogger(arqLog)

	snetLog := backend.Logger(simnet.Subsystem)
	snetLog.SetLevel(level)
	simnet.UseLogger(snetLog)
}
