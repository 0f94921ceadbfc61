package main

import (
	"bufio"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/jakecoffman/rtps"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(decodeCmd)
}

var decodeCmd = &cobra.Command{
	Use:   "decode [file]",
	Short: "Decode hex encoded messages, one per line",
	Long: `Decode hex encoded RTPS messages read from a file, or standard input
when no file is given. Each non-empty line holds one message; whitespace
inside a line is ignored.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := io.Reader(os.Stdin)
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "opening input")
			}
			defer f.Close()
			in = f
		}
		return decodeLines(in, cmd.OutOrStdout())
	},
}

func decodeLines(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.Join(strings.Fields(scanner.Text()), "")
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		data, err := hex.DecodeString(text)
		if err != nil {
			return errors.Wrapf(err, "line %d", line)
		}
		if err := printMessage(out, rtps.CDRCodec{}, rtps.GuidPrefixUnknown, nil, data); err != nil {
			log.Warningf("line %d: %v", line, err)
		}
	}
	return scanner.Err()
}
