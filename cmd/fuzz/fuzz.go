package main

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jakecoffman/rtps"
	"github.com/op/go-logging"
)

var globalTime = time.Unix(100, 0)

var link *rtps.DataLink

var remote = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7400}

func main() {
	logging.SetLevel(logging.CRITICAL, "rtps")

	numIterations := -1

	if len(os.Args) > 1 {
		var err error
		numIterations, err = strconv.Atoi(os.Args[1])
		if err != nil {
			panic("argument 2 must be an integer")
		}
	}

	initialize()

	var quit bool

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT)

	go func() {
		<-signals
		quit = true
		close(signals)
	}()

	deltaTime := 100 * time.Millisecond

	for i := 0; !quit && (numIterations <= 0 || i < numIterations); i++ {
		iteration(globalTime, i)
		globalTime = globalTime.Add(deltaTime)
	}
}

var peer rtps.GuidPrefix

func initialize() {
	config := rtps.NewDefaultConfig()
	config.TransmitFunction = func(*net.UDPAddr, []byte) {}
	config.DataReceivedFunction = func(rtps.GUID, *rtps.Sample) {}

	gen := rtps.NewGuidGenerator()
	link = rtps.NewDataLink(config, gen.NewPrefix(), globalTime)
	peerWriter := gen.NewGUID(rtps.NewEntityID(1, rtps.EntityKindUserWriterNoKey))
	peer = peerWriter.Prefix

	reader := link.NewReader(rtps.NewEntityID(1, rtps.EntityKindUserReaderNoKey))
	writer := link.NewWriter(rtps.NewEntityID(1, rtps.EntityKindUserWriterNoKey))
	reader.AssociateWriter(peerWriter, remote)
	writer.AssociateReader(rtps.GUID{Prefix: peer, Entity: rtps.NewEntityID(1, rtps.EntityKindUserReaderNoKey)}, remote)
}

// iteration feeds a random message. Half of them carry a valid header from
// the associated peer so the noise reaches the submessage decoders.
func iteration(now time.Time, i int) {
	fmt.Print(".")

	data := make([]byte, rand.Intn(testMaxMessageBytes-1)+1)
	rand.Read(data)
	if i%2 == 0 && len(data) >= rtps.HeaderSize {
		copy(data, "RTPS")
		data[4], data[5] = 2, 4
		copy(data[8:rtps.HeaderSize], peer[:])
		for pos := rtps.HeaderSize; pos+4 <= len(data); pos += 4 + int(data[pos+2]) {
			// valid kinds with the little endian flag, short bodies
			data[pos] = kinds[rand.Intn(len(kinds))]
			data[pos+1] |= rtps.FlagEndianness
			data[pos+3] = 0
		}
	}

	link.ReceiveDatagram(remote, data)
	link.Update(now)
}

var kinds = []byte{
	byte(rtps.KindPad), byte(rtps.KindAckNack), byte(rtps.KindHeartbeat), byte(rtps.KindGap),
	byte(rtps.KindInfoTS), byte(rtps.KindInfoSrc), byte(rtps.KindInfoReplyIP4), byte(rtps.KindInfoDst),
	byte(rtps.KindInfoReply), byte(rtps.KindNackFrag), byte(rtps.KindHeartbeatFrag), byte(rtps.KindData),
	byte(rtps.KindDataFrag),
}

const testMaxMessageBytes = 16 * 1024
