// Package manifest reads and writes cart.kzi, the key=value descriptor at the cart root.
package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/internal/fsatomic"
)

const (
	FileName = "cart.kzi"
	IconPath = "kazeta/icon.png"
)

var keys = []string{"Name", "Id", "Exec", "Icon", "Runtime"}

var ErrMalformed = errors.New("malformed cart.kzi")

type Record struct {
	Name    string
	ID      string
	Exec    string
	Icon    string
	Runtime string
}

func (r Record) values() []string {
	return []string{r.Name, r.ID, r.Exec, r.Icon, r.Runtime}
}

// ExecLine renders the launch command for rel, a slash-separated path under content/.
func ExecLine(runtime, rel string) string {
	rel = strings.TrimPrefix(filepath.ToSlash(rel), "./")
	if runtime == "windows" {
		return "content/" + rel
	}
	return "cd content && ./" + rel
}

// Hint is the Exec template shown before an executable is known.
func Hint(runtime string) string {
	if runtime == "windows" {
		return ExecLine(runtime, "<Game.exe>")
	}
	return ExecLine(runtime, "<binary>")
}

// Marshal renders r in the fixed key order. An empty Icon becomes IconPath.
func Marshal(r Record) ([]byte, error) {
	if r.Icon == "" {
		r.Icon = IconPath
	}
	var b bytes.Buffer
	for i, v := range r.values() {
		if strings.ContainsAny(v, "\r\n") {
			return nil, fmt.Errorf("%s: value contains a newline", keys[i])
		}
		fmt.Fprintf(&b, "%s=%s\n", keys[i], v)
	}
	return b.Bytes(), nil
}

// Write atomically replaces <mountRoot>/cart.kzi.
func Write(mountRoot string, r Record) (string, error) {
	data, err := Marshal(r)
	if err != nil {
		return "", err
	}
	p := filepath.Join(mountRoot, FileName)
	if err := fsatomic.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", p, err)
	}
	return p, nil
}

// Read loads <mountRoot>/cart.kzi. exists is false when the cart has no manifest yet.
func Read(mountRoot string) (r Record, exists bool, err error) {
	data, ok, err := fsatomic.ReadFile(filepath.Join(mountRoot, FileName))
	if err != nil || !ok {
		return Record{}, false, err
	}
	r, err = Parse(bytes.NewReader(data))
	return r, true, err
}

// Parse reads a manifest, requiring exactly the five keys in their canonical order.
func Parse(rd io.Reader) (Record, error) {
	sc := bufio.NewScanner(rd)
	vals := make([]string, 0, len(keys))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return Record{}, fmt.Errorf("%w: line %q", ErrMalformed, line)
		}
		if len(vals) >= len(keys) || k != keys[len(vals)] {
			return Record{}, fmt.Errorf("%w: unexpected key %q", ErrMalformed, k)
		}
		vals = append(vals, v)
	}
	if err := sc.Err(); err != nil {
		return Record{}, err
	}
	if len(vals) != len(keys) {
		return Record{}, fmt.Errorf("%w: missing %s", ErrMalformed, keys[len(vals)])
	}
	return Record{Name: vals[0], ID: vals[1], Exec: vals[2], Icon: vals[3], Runtime: vals[4]}, nil
}
