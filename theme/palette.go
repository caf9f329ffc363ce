package theme

import (
	"bufio"
	"embed"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed palettes/*.gpl
var builtin embed.FS

// DefaultName is the palette used when none is configured.
const DefaultName = "plasma"

type RGB [3]uint8

type Palette struct {
	Name   string
	Colors []RGB
}

// Load resolves a configured palette: empty for the default, a builtin
// name, or the path of a .gpl file.
func Load(name string) (*Palette, error) {
	switch {
	case name == "":
		return Builtin(DefaultName)
	case strings.HasSuffix(name, ".gpl") || strings.ContainsRune(name, os.PathSeparator):
		return LoadGPL(name)
	}
	return Builtin(name)
}

// Names lists the builtin palettes.
func Names() []string {
	entries, _ := builtin.ReadDir("palettes")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), path.Ext(e.Name())))
	}
	sort.Strings(names)
	return names
}

// Builtin returns a palette shipped with the binary.
func Builtin(name string) (*Palette, error) {
	f, err := builtin.Open("palettes/" + name + ".gpl")
	if err != nil {
		return nil, fmt.Errorf("no builtin palette %q (have %s)", name, strings.Join(Names(), ", "))
	}
	defer f.Close()
	return ReadGPL(f, name)
}

// LoadGPL reads a GIMP palette file.
func LoadGPL(path string) (*Palette, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadGPL(f, path)
}

// ReadGPL parses a GIMP palette. Lines that are not a colour are ignored;
// a colour component outside 0-255 is an error. source names it in errors.
func ReadGPL(r io.Reader, source string) (*Palette, error) {
	p := &Palette{}
	scanner := bufio.NewScanner(r)

	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if name, ok := strings.CutPrefix(line, "Name:"); ok {
			p.Name = strings.TrimSpace(name)
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		var c RGB
		isColor := true
		for i := range c {
			v, err := strconv.Atoi(fields[i])
			if err != nil {
				isColor = false
				break
			}
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("%s:%d: component %d out of range", source, n, v)
			}
			c[i] = uint8(v)
		}
		if isColor {
			p.Colors = append(p.Colors, c)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(p.Colors) == 0 {
		return nil, fmt.Errorf("no colors found in palette %s", source)
	}
	return p, nil
}

// Default is the builtin plasma palette.
func Default() *Palette {
	p, err := Builtin(DefaultName)
	if err != nil {
		panic(fmt.Sprintf("failed to load builtin palette: %v", err))
	}
	return p
}

// Lookup blends the two colours either side of norm, 0 being the first
// colour and 1 the last.
func (p *Palette) Lookup(norm float64) RGB {
	last := len(p.Colors) - 1
	if last == 0 {
		return p.Colors[0]
	}

	pos := min(max(norm, 0), 1) * float64(last)
	i := min(int(pos), last-1)
	a, b := p.Colors[i], p.Colors[i+1]
	frac := pos - float64(i)

	var c RGB
	for k := range c {
		c[k] = uint8(math.Round(float64(a[k]) + (float64(b[k])-float64(a[k]))*frac))
	}
	return c
}

// Cycle returns colour i of those from index skip on, wrapping. Palettes too
// short to skip cycle through every colour.
func (p *Palette) Cycle(i, skip int) RGB {
	if skip >= len(p.Colors) {
		skip = 0
	}
	n := len(p.Colors) - skip
	return p.Colors[skip+(i%n+n)%n]
}
