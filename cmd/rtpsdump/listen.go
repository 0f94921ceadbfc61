package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jakecoffman/rtps"
	"github.com/op/go-logging"
	"github.com/spf13/cobra"
)

var log = logging.MustGetLogger("rtpsdump")

var (
	listenAddr  string
	listenGroup string
	listenIface string
)

func init() {
	listenCmd.Flags().StringVar(&listenAddr, "addr", "0.0.0.0:7400", "Unicast address to bind")
	listenCmd.Flags().StringVar(&listenGroup, "group", "", "Multicast group to join, for example 239.255.0.1:7400")
	listenCmd.Flags().StringVar(&listenIface, "iface", "", "Interface for the multicast group")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print every message received on a UDP port",
	RunE: func(cmd *cobra.Command, args []string) error {
		config := rtps.NewDefaultConfig()
		config.Name = "rtpsdump"
		config.UnicastAddress = listenAddr
		config.MulticastGroup = listenGroup
		config.MulticastInterface = listenIface

		t, err := rtps.ListenUDP(config)
		if err != nil {
			return err
		}
		log.Infof("listening on %s", t.LocalAddr())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return t.Run(ctx, &dumper{cmd: cmd})
	},
}

// dumper prints instead of running the protocol.
type dumper struct {
	cmd *cobra.Command
}

func (d *dumper) ReceiveDatagram(remote *net.UDPAddr, message []byte) {
	if err := printMessage(d.cmd.OutOrStdout(), rtps.CDRCodec{}, rtps.GuidPrefixUnknown, remote, message); err != nil {
		log.Warningf("message from %s: %v", remote, err)
	}
}

func (d *dumper) Update(time.Time) {}
