// mkhex emits rising-byte Intel-HEX test images: the byte at every
// address is the low eight bits of that address, so a read-back
// mismatch names its own location.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"willow/ihex"
)

func main() {
	var (
		out  = flag.String("o", "test.hex", "output file")
		n    = flag.Int("n", 4096, "image size in bytes")
		base = flag.Int("base", 0, "first address")
	)
	flag.Parse()

	if *n <= 0 || *base < 0 || *base+*n > 0x10000 {
		fmt.Fprintln(os.Stderr, "mkhex: image must fit in a 16-bit address space")
		os.Exit(2)
	}

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mkhex:", err)
		os.Exit(1)
	}
	w := bufio.NewWriter(f)
	line := make([]byte, 0, 46)
	data := make([]byte, 16)
	for off := 0; off < *n; off += 16 {
		end := off + 16
		if end > *n {
			end = *n
		}
		for i := off; i < end; i++ {
			data[i-off] = byte(*base + i)
		}
		line = ihex.AppendData(line[:0], uint16(*base+off), data[:end-off])
		line = append(line, '\n')
		w.Write(line)
	}
	w.WriteString(ihex.Eof + "\n")
	if err := w.Flush(); err != nil {
		fmt.Fprintln(os.Stderr, "mkhex:", err)
		os.Exit(1)
	}
	if err := f.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "mkhex:", err)
		os.Exit(1)
	}
	fmt.Printf("%s: %d bytes from %04X\n", *out, *n, *base)
}
