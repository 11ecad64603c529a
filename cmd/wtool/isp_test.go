package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"willow/app"
	"willow/hal"
	"willow/ihex"
	"willow/internal/netconfig"
)

// runRig boots a bridge with a programmable part on its pins and runs
// it live; the returned port is the host end of its console. The
// programming dialogue is purely message-driven, so no clock pump is
// needed.
func runRig(t *testing.T) (*hal.HostPort, *hal.Target) {
	t.Helper()
	clk := hal.NewSimClock()
	wire := hal.NewWire()
	tgt := hal.NewTarget()
	chip := hal.NewChip(hal.ChipConfig{
		Name:       "bbb",
		TwiAddr:    0x51,
		BootPinLow: true,
		Target:     tgt,
	}, clk, wire)
	sys := app.NewNode("bbb", chip, app.Config{
		Role:   netconfig.RoleBridge,
		Addr:   0x51,
		Target: true,
	})

	done := make(chan struct{})
	go func() {
		sys.Node.Run()
		close(done)
	}()
	t.Cleanup(func() {
		chip.PullReset()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("node did not stop")
		}
	})
	return hal.NewHostPort(chip.Port()), tgt
}

func readFor(t *testing.T, port *hal.HostPort, want string) {
	t.Helper()
	var got strings.Builder
	buf := make([]byte, 256)
	for !strings.Contains(got.String(), want) {
		n, err := port.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
}

// toCli switches the rig's console over and waits for the greeting.
func toCli(t *testing.T, port *hal.HostPort) {
	t.Helper()
	_, err := port.Write([]byte("a\r"))
	require.NoError(t, err)
	readFor(t, port, "in cli")
}

func writeHex(t *testing.T, path string, recs []ihex.Record) {
	t.Helper()
	var b bytes.Buffer
	for _, r := range recs {
		b.WriteString(r.String())
		b.WriteByte('\n')
	}
	b.WriteString(ihex.Eof)
	b.WriteByte('\n')
	require.NoError(t, os.WriteFile(path, b.Bytes(), 0o644))
}

func TestSessionDetectsInp(t *testing.T) {
	port, _ := runRig(t)
	s := newSession(port, io.Discard)
	require.NoError(t, s.detect())
	require.False(t, s.cli)
}

func TestSessionDetectsCli(t *testing.T) {
	port, _ := runRig(t)
	toCli(t, port)
	s := newSession(port, io.Discard)
	require.NoError(t, s.detect())
	require.True(t, s.cli)
}

func TestIspProgramsThroughDialogue(t *testing.T) {
	port, tgt := runRig(t)
	dir := t.TempDir()

	img := make([]byte, 48)
	for i := range img {
		img[i] = byte(i)
	}
	hexPath := filepath.Join(dir, "image.hex")
	writeHex(t, hexPath, []ihex.Record{
		{Type: ihex.TypeData, Addr: 0x0000, Data: img[:16]},
		{Type: ihex.TypeData, Addr: 0x0010, Data: img[16:32]},
		{Type: ihex.TypeData, Addr: 0x0020, Data: img[32:48]},
	})
	recs, err := readHexFile(hexPath)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	var progress bytes.Buffer
	s := newSession(port, &progress)
	job := &ispJob{
		erase:   true,
		records: recs,
		fuses: []fuseOp{
			{"low", 0x0000, 0xE2},
			{"lock", 0x0100, 0xCF},
		},
		saveTo: filepath.Join(dir, "eeprom.hex"),
	}
	require.NoError(t, s.run(job))
	require.False(t, s.cli)

	got := make([]byte, len(img))
	_, err = tgt.Flash().ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, img, got)

	// Past the image the erase left nothing behind.
	tail := make([]byte, 16)
	_, err = tgt.Flash().ReadAt(tail, 0x0100)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xFF}, 16), tail)

	require.Equal(t, byte(0xE2), tgt.Fuses()[0])
	require.Equal(t, byte(0xCF), tgt.Lock())
	require.Contains(t, progress.String(), "low E2")
	require.Contains(t, progress.String(), "lock CF")
	require.Contains(t, progress.String(), "100%")

	// The EEPROM read-back is a parseable file of blank records.
	saved, err := readHexFile(job.saveTo)
	require.NoError(t, err)
	require.Len(t, saved, hal.TargetEepromBytes/16)
	require.Equal(t, bytes.Repeat([]byte{0xFF}, 16), saved[0].Data)
}

func TestIspRunsFuseWorkOverCli(t *testing.T) {
	port, tgt := runRig(t)
	toCli(t, port)

	var progress bytes.Buffer
	s := newSession(port, &progress)
	job := &ispJob{
		fuses: []fuseOp{
			{"low", 0x0000, 0xD7},
			{"high", 0x0001, 0xD1},
		},
	}
	require.NoError(t, s.run(job))
	require.True(t, s.cli)

	require.Equal(t, byte(0xD7), tgt.Fuses()[0])
	require.Equal(t, byte(0xD1), tgt.Fuses()[1])
	require.Contains(t, progress.String(), "low D7")
	require.Contains(t, progress.String(), "high D1")
}

func TestLoadImageFillsGaps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gap.hex")
	writeHex(t, path, []ihex.Record{
		{Type: ihex.TypeData, Addr: 0x0000, Data: []byte{1, 2, 3, 4}},
		{Type: ihex.TypeData, Addr: 0x0010, Data: []byte{9, 8}},
	})

	img, err := loadImage(path)
	require.NoError(t, err)
	require.Len(t, img, 0x12)
	require.Equal(t, []byte{1, 2, 3, 4}, img[:4])
	require.Equal(t, bytes.Repeat([]byte{0xFF}, 12), img[4:0x10])
	require.Equal(t, []byte{9, 8}, img[0x10:])
}

func TestLoadImageRejectsOddRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "odd.hex")
	writeHex(t, path, []ihex.Record{
		{Type: ihex.TypeErase, Addr: 0},
	})

	_, err := loadImage(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no place in a boot image")
}
