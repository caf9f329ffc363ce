package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/alecthomas/kingpin.v2"

	"spreadsheet-music/journal"
	"spreadsheet-music/midi"
	"spreadsheet-music/midiport"
	"spreadsheet-music/sheet"
)

var (
	app = kingpin.New("miditest", "MIDI and spreadsheet test scripts")

	listCmd = app.Command("list", "List MIDI output ports")

	playCmd     = app.Command("play", "Play a test scale on a port")
	playPort    = playCmd.Arg("port", "Port name").Default("spreadsheet-music test").String()
	playVirtual = playCmd.Flag("virtual", "Create a virtual port instead of opening one").Default("true").Bool()
	playChannel = playCmd.Flag("channel", "MIDI channel 1-16").Default("1").Uint8()

	sheetCmd  = app.Command("sheet", "Parse a workbook and print its notes")
	sheetFile = sheetCmd.Arg("file", "Workbook (.xlsx)").Required().ExistingFile()
	sheetTab  = sheetCmd.Flag("worksheet", "Worksheet name").String()

	pollCmd      = app.Command("poll", "Re-read a workbook and print every change")
	pollFile     = pollCmd.Arg("file", "Workbook (.xlsx)").Required().ExistingFile()
	pollInterval = pollCmd.Flag("interval", "Poll interval").Short('r').Default("2s").Duration()

	historyCmd   = app.Command("history", "Print a session journal")
	historyFile  = historyCmd.Arg("db", "Journal database").Required().ExistingFile()
	historyLimit = historyCmd.Flag("limit", "Entries to show").Short('n').Default("20").Int()
)

func main() {
	var err error
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case listCmd.FullCommand():
		err = listPorts()
	case playCmd.FullCommand():
		err = playScale(*playPort, *playVirtual, *playChannel)
	case sheetCmd.FullCommand():
		err = printSheet(*sheetFile, *sheetTab)
	case pollCmd.FullCommand():
		err = pollSheet(*pollFile, *pollInterval)
	case historyCmd.FullCommand():
		err = printHistory(*historyFile, *historyLimit)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func listPorts() error {
	fmt.Println("=== MIDI Output Ports ===")
	fmt.Println("(waiting up to 3 seconds...)")

	names, err := midiport.List()
	if err != nil {
		fmt.Println("\nTIMEOUT! CoreMIDI is hung.")
		fmt.Println("Fix: sudo killall coreaudiod midiserver")
		return err
	}
	for i, name := range names {
		fmt.Printf("  %d: %s\n", i, name)
	}
	if len(names) == 0 {
		fmt.Println("  (none)")
	}
	return nil
}

func playScale(name string, virtual bool, channel uint8) error {
	if channel < 1 || channel > 16 {
		return fmt.Errorf("channel %d out of range", channel)
	}

	var (
		port *midiport.Port
		err  error
	)
	if virtual {
		port, err = midiport.OpenVirtual(name)
	} else {
		port, err = midiport.OpenNamed(name)
	}
	if err != nil {
		return err
	}
	defer port.Close()

	fmt.Printf("Using output: %s\n", port.Name())
	if virtual {
		fmt.Println("Connect your DAW to the port, then press Enter...")
		fmt.Scanln()
	}

	e := midi.NewEmitter(port, log.New(os.Stderr))
	defer e.ReleaseAll()
	for _, p := range []uint8{60, 62, 64, 65, 67, 69, 71, 72} {
		fmt.Printf("  %s\n", midi.Key{Channel: channel - 1, Pitch: p})
		if err := e.NoteOn(channel-1, p, 100); err != nil {
			return err
		}
		time.Sleep(200 * time.Millisecond)
		if err := e.NoteOff(channel-1, p); err != nil {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Println("Done!")
	return nil
}

func printSheet(path, worksheet string) error {
	r := sheet.NewWorkbookReader(path, worksheet)
	rows, err := r.FetchRows(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("=== %s: %d rows ===\n", r.Title(), len(rows))
	for i, row := range rows {
		if row.Blank() {
			continue
		}
		n, err := sheet.ParseRow(i, row)
		if err != nil {
			fmt.Printf("  skip  %v\n", err)
			continue
		}
		fmt.Printf("  line %-3d %s\n", sheet.SheetLine(i), describe(n))
	}
	return nil
}

func pollSheet(path string, interval time.Duration) error {
	fmt.Printf("Polling %s every %s. Ctrl+C to exit.\n", path, interval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = log.WithContext(ctx, log.New(os.Stderr))

	last := ""
	p := sheet.NewPoller(sheet.NewWorkbookReader(path, ""), interval)
	return p.Run(ctx, func(snap *sheet.Snapshot) {
		var lines []string
		for _, n := range snap.Notes {
			lines = append(lines, fmt.Sprintf("  line %-3d %s", sheet.SheetLine(n.Row), describe(n)))
		}
		current := strings.Join(lines, "\n")
		if current == last {
			return
		}
		last = current
		fmt.Printf("\n[%s] snapshot #%d, %d notes\n", snap.Taken.Format("15:04:05"), snap.Seq, snap.Len())
		if current != "" {
			fmt.Println(current)
		}
	})
}

func printHistory(path string, limit int) error {
	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.History(context.Background(), limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		ts := e.At.Format("2006-01-02 15:04:05")
		if e.Kind == journal.KindFailure {
			fmt.Printf("%s  FAILED   %s\n", ts, e.Detail)
			continue
		}
		fmt.Printf("%s  #%-6d %d notes\n", ts, e.Seq, len(e.Notes))
		for _, n := range e.Notes {
			fmt.Printf("    line %-3d %s\n", sheet.SheetLine(n.Row), describe(n))
		}
	}
	return nil
}

func describe(n sheet.Note) string {
	loop := "once"
	if n.Loops() {
		loop = "every " + n.Loop.String()
	}
	return fmt.Sprintf("%s vel %d at %s for %s, %s, p=%.2f",
		midi.Key{Channel: n.Channel, Pitch: n.Pitch}, n.Velocity, n.Onset, n.Duration, loop, n.Probability)
}
