//go:build test
// +build test

package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/jakecoffman/rtps"
	"github.com/op/go-logging"
)

var globalTime = time.Unix(100, 0)

type testContext struct {
	writerLink *rtps.DataLink
	readerLink *rtps.DataLink
	writer     *rtps.Writer
	reader     *rtps.Reader
	next       rtps.SequenceNumber
}

var globalContext = testContext{next: 1}

var writerAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7411}
var readerAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7412}

// to profile, run `./soak -cpuprofile=prof -iterations=8000`, then run `go tool pprof soak profile`
var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to file")
var iterations = flag.Int("iterations", -1, "number of iterations to run")
var loglevel = flag.Int("loglevel", int(logging.ERROR), "log level (5 for debug)")

func main() {
	flag.Parse()

	logging.SetLevel(logging.Level(*loglevel), "rtps")

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
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

	for i := 0; !quit && (*iterations <= 0 || i < *iterations); i++ {
		iteration(globalTime)
		globalTime = globalTime.Add(deltaTime)
	}
	log.Println("delivered", globalContext.next-1, "of", globalContext.writer.LastSequence(),
		"writer counters", globalContext.writerLink.Snapshot(),
		"reader counters", globalContext.readerLink.Snapshot())
}

func initialize() {
	gen := rtps.NewGuidGenerator()

	writerConfig := rtps.NewDefaultConfig()
	writerConfig.Name = "writer"
	writerConfig.FragmentAbove = 500
	writerConfig.FragmentSize = 500
	writerConfig.HeartbeatPeriod.Duration = 300 * time.Millisecond
	writerConfig.TransmitFunction = testTransmitFunction(readerAddr, func() *rtps.DataLink { return globalContext.readerLink })

	readerConfig := rtps.NewDefaultConfig()
	readerConfig.Name = "reader"
	readerConfig.TransmitFunction = testTransmitFunction(writerAddr, func() *rtps.DataLink { return globalContext.writerLink })
	readerConfig.DataReceivedFunction = testDataReceivedFunction

	globalContext.writerLink = rtps.NewDataLink(writerConfig, gen.NewPrefix(), globalTime)
	globalContext.readerLink = rtps.NewDataLink(readerConfig, gen.NewPrefix(), globalTime)

	globalContext.writer = globalContext.writerLink.NewWriter(rtps.NewEntityID(1, rtps.EntityKindUserWriterNoKey))
	globalContext.reader = globalContext.readerLink.NewReader(rtps.NewEntityID(1, rtps.EntityKindUserReaderNoKey))
	globalContext.writer.AssociateReader(globalContext.reader.GUID(), readerAddr)
	globalContext.reader.AssociateWriter(globalContext.writer.GUID(), writerAddr)

	// the first heartbeat tells the reader where the writer starts
	globalContext.writerLink.Update(globalTime)
}

// testTransmitFunction drops 5% of messages and hands the rest to the peer
// as if they came from the sender's address.
func testTransmitFunction(to *net.UDPAddr, peer func() *rtps.DataLink) func(*net.UDPAddr, []byte) {
	from := writerAddr
	if to == writerAddr {
		from = readerAddr
	}
	return func(_ *net.UDPAddr, message []byte) {
		if rand.Intn(100) < 5 {
			return
		}
		peer().ReceiveDatagram(from, message)
	}
}

const testMaxSampleBytes = 16 * 1024

func testDataReceivedFunction(_ rtps.GUID, sample *rtps.Sample) {
	seq := sample.Header.Sequence
	if globalContext.next == 1 && seq > 1 {
		// the baseline heartbeat was dropped, so the reader joined late
		log.Println("reader joined at", seq)
		globalContext.next = seq
	}
	if seq != globalContext.next {
		log.Fatal("out of order: expected ", globalContext.next, " got ", seq)
	}
	if !bytes.Equal(sample.Payload, generateSampleData(seq)) {
		log.Fatal("wrong sample data for ", seq, " got ", len(sample.Payload), " bytes")
	}
	globalContext.next++
}

func generateSampleData(sequence rtps.SequenceNumber) []byte {
	sampleBytes := int(uint64(sequence)*1023%(testMaxSampleBytes-8)) + 8
	data := make([]byte, sampleBytes)
	binary.LittleEndian.PutUint64(data, uint64(sequence))
	for i := 8; i < sampleBytes; i++ {
		data[i] = byte((i + int(sequence)) % 256)
	}
	return data
}

func iteration(now time.Time) {
	seq := globalContext.writer.LastSequence() + 1
	globalContext.writer.Write(generateSampleData(seq))

	globalContext.writerLink.Update(now)
	globalContext.readerLink.Update(now)
}
