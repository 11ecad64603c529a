package main

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var termCmd = &cobra.Command{
	Use:   "term target",
	Short: "Attach an interactive operator console",
	Long: `Term joins stdin and stdout to a node console at tcp:host:port or a
serial device path. The node does not echo input, so typed characters
are echoed locally. Exit with Ctrl-].`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rw, err := dialNode(args[0])
		if err != nil {
			return err
		}
		defer rw.Close()
		return runTerm(rw)
	},
}

func init() {
	rootCmd.AddCommand(termCmd)
}

func runTerm(rw io.ReadWriter) error {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return errors.Wrap(err, "raw mode")
		}
		defer term.Restore(fd, old)
	}

	go io.Copy(os.Stdout, rw)

	buf := make([]byte, 128)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil
		}
		for _, c := range buf[:n] {
			if c == 0x1D { // Ctrl-]
				return nil
			}
			if c == '\r' {
				os.Stdout.Write([]byte("\r\n"))
			} else {
				os.Stdout.Write([]byte{c})
			}
		}
		if _, err := rw.Write(buf[:n]); err != nil {
			return errors.Wrap(err, "console write")
		}
	}
}
