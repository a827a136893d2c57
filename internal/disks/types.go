package disks

// Device is one whole disk as reported by lsblk. Mountpoints aggregates the disk's
// own mountpoint and those of its partitions.
type Device struct {
	Name        string      `json:"name"`
	Path        string      `json:"path"`
	Removable   bool        `json:"removable"`
	SizeBytes   int64       `json:"size"`
	Model       string      `json:"model,omitempty"`
	Mountpoints []string    `json:"mountpoints,omitempty"`
	Partitions  []Partition `json:"partitions,omitempty"`
}

type Partition struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	SizeBytes  int64  `json:"size"`
	Mountpoint string `json:"mountpoint,omitempty"`
}
