package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/jakecoffman/rtps"
)

var configPath = flag.String("config", "", "TOML file with data link settings")
var writerAddr = flag.String("writer", "127.0.0.1:7411", "address of the writing participant")
var readerAddr = flag.String("reader", "127.0.0.1:7412", "address of the reading participant")
var count = flag.Int("count", 100, "number of samples to publish")
var size = flag.Int("size", 4000, "largest sample size in bytes")
var loss = flag.Int("loss", 5, "percent of messages dropped by the writer")

const tickrate = 20

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	flag.Parse()
	if *size < 16 {
		log.Fatal("size must be at least 16")
	}

	base := rtps.NewDefaultConfig()
	if *configPath != "" {
		var err error
		if base, err = rtps.LoadConfig(*configPath); err != nil {
			log.Fatal(err)
		}
	}

	gen := rtps.NewGuidGenerator()
	writerEntity := rtps.NewEntityID(1, rtps.EntityKindUserWriterNoKey)
	readerEntity := rtps.NewEntityID(1, rtps.EntityKindUserReaderNoKey)

	wconfig := *base
	wconfig.Name = "writer"
	wconfig.UnicastAddress = *writerAddr
	wt, err := rtps.ListenUDP(&wconfig)
	if err != nil {
		log.Fatal(err)
	}
	wconfig.TransmitFunction = func(to *net.UDPAddr, message []byte) {
		if rand.Intn(100) < *loss {
			return
		}
		wt.Send(to, message)
	}

	received := make(chan *rtps.Sample, 1000)
	rconfig := *base
	rconfig.Name = "reader"
	rconfig.UnicastAddress = *readerAddr
	rt, err := rtps.ListenUDP(&rconfig)
	if err != nil {
		log.Fatal(err)
	}
	rconfig.TransmitFunction = rt.Send
	rconfig.DataReceivedFunction = func(_ rtps.GUID, sample *rtps.Sample) {
		received <- sample
	}

	now := time.Now()
	wlink := rtps.NewDataLink(&wconfig, gen.NewPrefix(), now)
	rlink := rtps.NewDataLink(&rconfig, gen.NewPrefix(), now)
	writer := wlink.NewWriter(writerEntity)
	reader := rlink.NewReader(readerEntity)
	writer.AssociateReader(reader.GUID(), rt.LocalAddr())
	reader.AssociateWriter(writer.GUID(), wt.LocalAddr())
	log.Println("writer", writer.GUID(), "reader", reader.GUID())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var wg sync.WaitGroup
	for _, p := range []struct {
		t    *rtps.UDPTransport
		link *rtps.DataLink
	}{{wt, wlink}, {rt, rlink}} {
		wg.Add(1)
		go func(t *rtps.UDPTransport, link *rtps.DataLink) {
			defer wg.Done()
			if err := t.Run(ctx, link); err != nil {
				log.Println(err)
				stop()
			}
		}(p.t, p.link)
	}

	go func() {
		tick := time.NewTicker(time.Second / tickrate)
		defer tick.Stop()
		for i := 0; i < *count; i++ {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
			seq := writer.LastSequence() + 1
			writer.Write(generateSampleData(seq))
		}
	}()

	next := rtps.SequenceNumber(1)
	for next <= rtps.SequenceNumber(*count) {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sample := <-received:
			if sample.Header.Sequence != next {
				log.Fatal("expected sample ", next, " got ", sample.Header.Sequence)
			}
			if !bytes.Equal(sample.Payload, generateSampleData(next)) {
				log.Fatal("wrong data in sample ", next)
			}
			stats := wlink.Snapshot()
			fmt.Printf("sample %d %d bytes fragmented=%v | acked %d | resent %d | gaps %d\n",
				next, len(sample.Payload), sample.Header.Fragmented, writer.Acked(reader.GUID()),
				stats[rtps.CounterNumSamplesResent], stats[rtps.CounterNumGapsSent])
			next++
		}
	}
	stop()
	wg.Wait()
}

func generateSampleData(seq rtps.SequenceNumber) []byte {
	n := int(uint64(seq)*1023%uint64(*size-8)) + 8
	data := make([]byte, n)
	binary.LittleEndian.PutUint64(data, uint64(seq))
	for i := 8; i < n; i++ {
		data[i] = byte((i + int(seq)) % 256)
	}
	return data
}
