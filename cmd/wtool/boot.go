package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"willow/hal"
	"willow/ihex"
	"willow/stk500"
)

var bootPort string

var bootCmd = &cobra.Command{
	Use:   "boot image.hex",
	Short: "Reflash a node in place through its boot loader",
	Long: `Boot resets the node out of the running system with the console q
command, synchronises with the loader that follows, programs and
verifies the image, and leaves. The strap pin decides whether a loader
answers; a node strapped to boot straight into the application cannot
be reached this way.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := resolvePort(bootPort)
		if err != nil {
			return err
		}
		img, err := loadImage(args[0])
		if err != nil {
			return err
		}
		rw, err := dialNode(target)
		if err != nil {
			return err
		}
		defer rw.Close()
		return runBoot(rw, img, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(bootCmd)
	bootCmd.Flags().StringVarP(&bootPort, "port", "p", "", "console endpoint, tcp:host:port or a device path (default $port)")
}

// loadImage flattens a hex file into a byte image, 0xFF-filled between
// records.
func loadImage(path string) ([]byte, error) {
	recs, err := readHexFile(path)
	if err != nil {
		return nil, err
	}
	end := 0
	for _, r := range recs {
		if r.Type != ihex.TypeData {
			return nil, errors.Errorf("%s: record type %02X has no place in a boot image", path, r.Type)
		}
		if n := int(r.Addr) + len(r.Data); n > end {
			end = n
		}
	}
	if end == 0 {
		return nil, errors.Errorf("%s: empty image", path)
	}
	if end > hal.FlashBytes {
		return nil, errors.Errorf("%s: image runs past flash", path)
	}
	img := make([]byte, end)
	for i := range img {
		img[i] = 0xFF
	}
	for _, r := range recs {
		copy(img[r.Addr:], r.Data)
	}
	return img, nil
}

func runBoot(rw io.ReadWriter, img []byte, out io.Writer) error {
	s := newSession(rw, out)
	if err := s.detect(); err != nil {
		return err
	}
	if s.cli {
		if err := s.send("inp"); err != nil {
			return err
		}
		// Let the console change hands before q arrives.
		time.Sleep(100 * time.Millisecond)
		s.cli = false
	}
	if err := s.send("q"); err != nil {
		return err
	}
	line, err := s.readLine()
	if err != nil {
		return err
	}
	if line != "ok" {
		return errors.Errorf("reset answered %q", line)
	}
	// The ok is flushed before the reset lands; give the loader a
	// moment to take over the line.
	time.Sleep(300 * time.Millisecond)

	cl := stk500.NewClient(rw)
	if err := cl.Sync(); err != nil {
		return err
	}
	sig, err := cl.ReadSign()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "loader up, signature %02X %02X %02X\n", sig[0], sig[1], sig[2])
	if err := cl.EnterProgmode(); err != nil {
		return err
	}
	if err := cl.WriteImage(img, hal.FlashPageBytes); err != nil {
		return err
	}
	if err := cl.VerifyImage(img, hal.FlashPageBytes); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d bytes programmed and verified\n", len(img))
	return cl.LeaveProgmode()
}
