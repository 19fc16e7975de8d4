// Package lookup resolves area codes and line aliases from flat files.
package lookup

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Unknown fills area code and area name when a number does not resolve.
const Unknown = "<unknown>"

// minCodeDigits is the shortest prefix accepted as an area code.
const minCodeDigits = 3

// AreaCodes maps dialling prefixes to area names. Files hold one entry per
// line: the digits, whitespace, then the area name.
type AreaCodes struct {
	areas  map[string]string
	maxLen int
}

// Split is the result of resolving a complete number.
type Split struct {
	AreaCode string
	Number   string
	Area     string
}

func LoadAreaCodes(path string) (*AreaCodes, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open area codes: %w", err)
	}
	defer f.Close()
	return ReadAreaCodes(f)
}

// ReadAreaCodes parses entries from r. Lines not starting with three digits
// are ignored.
func ReadAreaCodes(r io.Reader) (*AreaCodes, error) {
	ac := &AreaCodes{areas: make(map[string]string)}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		i := leadingDigits(line)
		if i < minCodeDigits {
			continue
		}
		code := line[:i]
		if _, dup := ac.areas[code]; dup {
			continue
		}
		ac.areas[code] = strings.TrimSpace(line[i:])
		if i > ac.maxLen {
			ac.maxLen = i
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read area codes: %w", err)
	}
	return ac, nil
}

func (ac *AreaCodes) Len() int {
	if ac == nil {
		return 0
	}
	return len(ac.areas)
}

// Resolve splits number into area code and local part using the longest
// known prefix. ok is false when nothing matched; the split then carries
// the whole number and Unknown for code and area.
func (ac *AreaCodes) Resolve(number string) (Split, bool) {
	miss := Split{AreaCode: Unknown, Number: number, Area: Unknown}
	if ac == nil {
		return miss, false
	}
	n := leadingDigits(number)
	if n > ac.maxLen {
		n = ac.maxLen
	}
	for l := n; l >= minCodeDigits; l-- {
		if area, ok := ac.areas[number[:l]]; ok {
			return Split{AreaCode: number[:l], Number: number[l:], Area: area}, true
		}
	}
	return miss, false
}

func leadingDigits(s string) int {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i
}
