package disks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/shell"
)

type lsblkJSON struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	RM         any           `json:"rm"`
	Size       any           `json:"size"`
	Type       string        `json:"type"`
	Model      *string       `json:"model"`
	Mountpoint *string       `json:"mountpoint"`
	Children   []lsblkDevice `json:"children"`
}

// lsblk before 2.33 prints numbers and booleans as strings.
func ParseSizeToBytes(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func parseBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t == "1" || strings.EqualFold(t, "true")
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// Parse turns `lsblk -J -b` output into whole-disk devices. Loop, rom and other
// non-disk top-level entries are skipped.
func Parse(data []byte) ([]Device, error) {
	var tree lsblkJSON
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse lsblk: %w", err)
	}
	out := []Device{}
	for _, d := range tree.Blockdevices {
		if d.Type != "disk" {
			continue
		}
		dev := Device{
			Name:      d.Name,
			Path:      d.Path,
			Removable: parseBool(d.RM),
			SizeBytes: ParseSizeToBytes(d.Size),
			Model:     deref(d.Model),
		}
		if dev.Path == "" {
			dev.Path = "/dev/" + d.Name
		}
		if mp := deref(d.Mountpoint); mp != "" {
			dev.Mountpoints = append(dev.Mountpoints, mp)
		}
		var walk func(c lsblkDevice)
		walk = func(c lsblkDevice) {
			p := Partition{Name: c.Name, Path: c.Path, SizeBytes: ParseSizeToBytes(c.Size), Mountpoint: deref(c.Mountpoint)}
			if p.Path == "" {
				p.Path = "/dev/" + c.Name
			}
			if c.Type == "part" {
				dev.Partitions = append(dev.Partitions, p)
			}
			if p.Mountpoint != "" {
				dev.Mountpoints = append(dev.Mountpoints, p.Mountpoint)
			}
			for _, cc := range c.Children {
				walk(cc)
			}
		}
		for _, c := range d.Children {
			walk(c)
		}
		out = append(out, dev)
	}
	return out, nil
}

// List enumerates disks fresh on every call; nothing is cached.
func List(ctx context.Context) ([]Device, error) {
	args := []string{"-J", "-b", "-o", "NAME,PATH,RM,SIZE,TYPE,MOUNTPOINT,MODEL"}
	out, err := shell.Probe(ctx, 5*time.Second, "lsblk", args...)
	if err != nil {
		return nil, err
	}
	return Parse(out)
}

// Removable filters devs down to removable media.
func Removable(devs []Device) []Device {
	out := []Device{}
	for _, d := range devs {
		if d.Removable {
			out = append(out, d)
		}
	}
	return out
}

// Find returns the device whose path equals p.
func Find(devs []Device, p string) (Device, bool) {
	for _, d := range devs {
		if d.Path == p {
			return d, true
		}
	}
	return Device{}, false
}
