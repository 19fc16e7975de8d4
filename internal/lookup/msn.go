package lookup

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Aliases maps the router's own numbers (MSNs) to display names.
// File format: one `msn alias text` per line.
type Aliases struct {
	names map[string]string
}

func LoadAliases(path string) (*Aliases, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open msn file: %w", err)
	}
	defer f.Close()
	return ReadAliases(f)
}

func ReadAliases(r io.Reader) (*Aliases, error) {
	a := &Aliases{names: make(map[string]string)}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		msn, alias := line, ""
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			msn, alias = line[:i], line[i+1:]
		}
		// first entry wins
		if _, ok := a.names[msn]; !ok {
			a.names[msn] = strings.TrimSpace(alias)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read msn file: %w", err)
	}
	return a, nil
}

// Lookup returns the alias for msn.
func (a *Aliases) Lookup(msn string) (string, bool) {
	if a == nil {
		return "", false
	}
	alias, ok := a.names[msn]
	return alias, ok
}
