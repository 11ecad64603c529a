package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"willow/hal"
	"willow/ihex"
)

var (
	ispPort  string
	ispLock  string
	ispLow   string
	ispHigh  string
	ispExt   string
	ispRead  string
	ispSave  string
	ispErase bool
)

var ispCmd = &cobra.Command{
	Use:   "isp [image.hex]",
	Short: "Reprogram the part behind the bridge's programming pins",
	Long: `Isp streams Intel-HEX records at a node console. It detects which
console mode the node is in: INP gets a single 1L and the interactive
dialogue, CLI gets one icsp line per record. The optional image is
programmed first, then fuse and lock writes, then any read-backs.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := resolvePort(ispPort)
		if err != nil {
			return err
		}
		job, err := buildJob(args)
		if err != nil {
			return err
		}
		rw, err := dialNode(target)
		if err != nil {
			return err
		}
		defer rw.Close()
		return newSession(rw, os.Stdout).run(job)
	},
}

func init() {
	rootCmd.AddCommand(ispCmd)
	f := ispCmd.Flags()
	// Claim h for the high fuse; help keeps its long form.
	f.Bool("help", false, "help for isp")
	f.StringVarP(&ispPort, "port", "p", "", "console endpoint, tcp:host:port or a device path (default $port)")
	f.StringVarP(&ispLock, "lock", "k", "", "write the lock byte (hex)")
	f.StringVarP(&ispLow, "low", "l", "", "write the low fuse (hex)")
	f.StringVarP(&ispHigh, "high", "h", "", "write the high fuse (hex)")
	f.StringVarP(&ispExt, "extended", "e", "", "write the extended fuse (hex)")
	f.StringVarP(&ispRead, "read", "r", "", "read flash back into a hex file")
	f.StringVarP(&ispSave, "save", "s", "", "read EEPROM back into a hex file")
	f.BoolVarP(&ispErase, "chip-erase", "c", false, "chip erase before anything else")
}

// fuseOp pairs a misc selector with the value to write there.
type fuseOp struct {
	name string
	addr uint16
	val  byte
}

// ispJob is everything one invocation asks of the programmer, in
// execution order.
type ispJob struct {
	erase   bool
	records []ihex.Record
	fuses   []fuseOp
	readTo  string
	saveTo  string
}

func buildJob(args []string) (*ispJob, error) {
	j := &ispJob{erase: ispErase, readTo: ispRead, saveTo: ispSave}
	for _, f := range []struct {
		name string
		addr uint16
		raw  string
	}{
		{"low", 0x0000, ispLow},
		{"high", 0x0001, ispHigh},
		{"extended", 0x0002, ispExt},
		{"lock", 0x0100, ispLock},
	} {
		if f.raw == "" {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(f.raw, "0x"), 16, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "%s value", f.name)
		}
		j.fuses = append(j.fuses, fuseOp{f.name, f.addr, byte(v)})
	}
	if len(args) == 1 {
		recs, err := readHexFile(args[0])
		if err != nil {
			return nil, err
		}
		j.records = recs
	}
	if !j.erase && len(j.records) == 0 && len(j.fuses) == 0 && j.readTo == "" && j.saveTo == "" {
		return nil, errors.New("nothing to do")
	}
	return j, nil
}

// readHexFile parses records up to the end-of-file line, which the
// session supplies itself when it closes the dialogue.
func readHexFile(path string) ([]ihex.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "image")
	}
	var recs []ihex.Record
	for ln, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rec, err := ihex.Parse([]byte(line))
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, ln+1)
		}
		if rec.Type == ihex.TypeEOF {
			break
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// session drives one programming run over a console line. In INP mode
// a single 1L opens the node's dialogue and every record goes against
// its '.' prompt; in CLI mode each record rides its own icsp line.
type session struct {
	rw       io.ReadWriter
	br       *bufio.Reader
	progress io.Writer
	cli      bool
}

func newSession(rw io.ReadWriter, progress io.Writer) *session {
	return &session{rw: rw, br: bufio.NewReader(rw), progress: progress}
}

func (s *session) send(text string) error {
	_, err := io.WriteString(s.rw, text+"\n")
	return errors.Wrap(err, "console write")
}

func (s *session) readLine() (string, error) {
	line, err := s.br.ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "console read")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readToPrompt collects dialogue output until the '.' prompt. A
// completed err: line ends the collection too: the node tears the
// dialogue down after printing one, and no prompt follows.
func (s *session) readToPrompt() (string, error) {
	var b []byte
	for {
		c, err := s.br.ReadByte()
		if err != nil {
			return string(b), errors.Wrap(err, "console read")
		}
		if c == '.' {
			return string(b), nil
		}
		b = append(b, c)
		if c == '\n' {
			start := bytes.LastIndexByte(b[:len(b)-1], '\n') + 1
			if bytes.HasPrefix(b[start:], []byte("err:")) {
				return string(b), nil
			}
		}
	}
}

// detect performs the mode handshake: e answers "# ..." plus ok from
// INP, "e ?" from CLI.
func (s *session) detect() error {
	if err := s.send("e"); err != nil {
		return err
	}
	line, err := s.readLine()
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(line, "# "):
		if _, err := s.readLine(); err != nil {
			return err
		}
	case strings.HasPrefix(line, "e "):
		s.cli = true
	default:
		return errors.Errorf("unrecognised console answer %q", line)
	}
	return nil
}

func (s *session) openDialogue() error {
	if s.cli {
		return nil
	}
	if err := s.send("1L"); err != nil {
		return err
	}
	out, err := s.readToPrompt()
	if err != nil {
		return err
	}
	if strings.Contains(out, "err:") {
		return errors.Errorf("node answered %s", strings.TrimSpace(out))
	}
	return nil
}

// exec runs one record and returns its textual reply, if any. In CLI
// mode the reply length is known from the record itself; wantLines
// counts the lines beyond the ok that write-style records answer.
func (s *session) exec(rec ihex.Record, wantLines int) (string, error) {
	if s.cli {
		if err := s.send("icsp " + rec.String()); err != nil {
			return "", err
		}
		var b strings.Builder
		for i := 0; i < wantLines; i++ {
			line, err := s.readLine()
			if err != nil {
				return "", err
			}
			if strings.HasPrefix(line, "err:") {
				return "", errors.Errorf("node answered %s", line)
			}
			if line == "ok" {
				continue
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
		return b.String(), nil
	}
	if err := s.send(rec.String()); err != nil {
		return "", err
	}
	out, err := s.readToPrompt()
	if err != nil {
		return "", err
	}
	if strings.Contains(out, "err:") {
		return "", errors.Errorf("node answered %s", strings.TrimSpace(out))
	}
	return strings.ReplaceAll(out, "\r", ""), nil
}

// finish closes the dialogue; the node answers $ and hands its console
// back to INP.
func (s *session) finish() error {
	if s.cli {
		return nil
	}
	if err := s.send(ihex.Eof); err != nil {
		return err
	}
	for {
		c, err := s.br.ReadByte()
		if err != nil {
			return errors.Wrap(err, "console read")
		}
		if c == '$' {
			return nil
		}
	}
}

func (s *session) run(j *ispJob) error {
	if err := s.detect(); err != nil {
		return err
	}
	if s.cli && (len(j.records) > 0 || j.saveTo != "") {
		// Flash pages stage in the part across records and EEPROM
		// addressing needs the segment held, so both want one live
		// dialogue rather than a session per record. Hand the console
		// back to INP and use that.
		if err := s.send("inp"); err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
		s.cli = false
	}
	if err := s.openDialogue(); err != nil {
		return err
	}
	if j.erase {
		if _, err := s.exec(ihex.Record{Type: ihex.TypeErase}, 1); err != nil {
			return errors.Wrap(err, "chip erase")
		}
		fmt.Fprintln(s.progress, "chip erased")
	}
	for i, rec := range j.records {
		if _, err := s.exec(rec, 1); err != nil {
			return errors.Wrapf(err, "record %d", i+1)
		}
		fmt.Fprintf(s.progress, "\r%3d%%", (i+1)*100/len(j.records))
	}
	if len(j.records) > 0 {
		fmt.Fprintf(s.progress, "\r100%% (%d records)\n", len(j.records))
	}
	for _, f := range j.fuses {
		if _, err := s.exec(ihex.Record{Type: ihex.TypeMiscWrite, Addr: f.addr, Data: []byte{f.val}}, 1); err != nil {
			return errors.Wrap(err, f.name)
		}
		out, err := s.exec(ihex.Record{Type: ihex.TypeMiscRead, Addr: f.addr}, 1)
		if err != nil {
			return errors.Wrap(err, f.name)
		}
		fmt.Fprintf(s.progress, "%s %s\n", f.name, strings.TrimSpace(out))
	}
	if j.readTo != "" {
		if err := s.dump(j.readTo, hal.TargetFlashBytes); err != nil {
			return err
		}
	}
	if j.saveTo != "" {
		if _, err := s.exec(segmentRecord(ihex.EepromSegment), 1); err != nil {
			return err
		}
		if err := s.dump(j.saveTo, hal.TargetEepromBytes); err != nil {
			return err
		}
		if _, err := s.exec(segmentRecord(0), 1); err != nil {
			return err
		}
	}
	return s.finish()
}

func segmentRecord(seg uint16) ihex.Record {
	return ihex.Record{Type: ihex.TypeExtLinear, Data: []byte{byte(seg >> 8), byte(seg)}}
}

// dump reads limit bytes of the selected segment back, 64 to a
// request, and writes the records to path.
func (s *session) dump(path string, limit int) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "read-back")
	}
	w := bufio.NewWriter(f)
	for addr := 0; addr < limit; addr += 64 {
		out, err := s.exec(ihex.Record{
			Type: ihex.TypeReadData,
			Addr: uint16(addr),
			Data: []byte{64, 0, 0},
		}, 4)
		if err != nil {
			f.Close()
			return errors.Wrapf(err, "read at %04X", addr)
		}
		w.WriteString(out)
	}
	w.WriteString(ihex.Eof + "\n")
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "read-back")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "read-back")
	}
	fmt.Fprintf(s.progress, "%s: %d bytes\n", path, limit)
	return nil
}
