// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package config implements the TOML configuration of the hosted daemon.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/usbarmory/GoTEE-sandbox/mem"
	"github.com/usbarmory/GoTEE-sandbox/sandbox"
	"github.com/usbarmory/GoTEE-sandbox/tssi"
)

// Defaults
const (
	DefaultNonSecureBase = 0x80000000
	DefaultNonSecureSize = 0x00100000
	DefaultAddress       = "10.0.0.1"
	DefaultListen        = "127.0.0.1:2222"
	DefaultSandboxBase   = 0x20000000
	DefaultSandboxSize   = 0x00010000
	DefaultWorkers       = 4
)

// Duration is a time.Duration decoded from strings such as "2ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return
}

// Monitor configures the TSSI monitor and its NonSecure World client.
type Monitor struct {
	// Slice is the time granted to the Secure World on each call
	Slice Duration `toml:"slice"`
	// Idle is the time donated by the NonSecure World idle loop
	Idle Duration `toml:"idle"`
	// Retries bounds client retries on BUSY or INTR
	Retries uint64 `toml:"retries"`
	// Ops is the stub operation pool size
	Ops int `toml:"ops"`
	// Workers is the number of dispatch loops of each skeleton daemon
	Workers int `toml:"workers"`
}

// NonSecure describes the NonSecure World memory.
type NonSecure struct {
	Base uint32 `toml:"base"`
	Size uint32 `toml:"size"`
}

// Network configures the socket skeleton stack, disabled when Address is
// empty.
type Network struct {
	Address string `toml:"address"`
}

// Block configures the block skeleton, disabled when Image is empty.
type Block struct {
	// Image is the host file backing the device
	Image string `toml:"image"`
	// Start and Sectors delimit the exposed partition
	Start   uint32 `toml:"start"`
	Sectors uint32 `toml:"sectors"`
	// SectorSize defaults to 512
	SectorSize int `toml:"sector_size"`
}

// Console configures the SSH supervisor console, disabled when Listen is
// empty.
type Console struct {
	Listen string `toml:"listen"`
}

// Region describes a sandbox memory region, Attr combines "r" (data), "w"
// (writable) and "x" (code).
type Region struct {
	Base uint32 `toml:"base"`
	Size uint32 `toml:"size"`
	Attr string `toml:"attr"`
}

// Unit describes a virtual peripheral unit bound to a named host device,
// Perm combines "r" (read), "w" (write) and "m" (set mode).
type Unit struct {
	Device string `toml:"device"`
	Mask   uint32 `toml:"mask"`
	Perm   string `toml:"perm"`
}

// Sandbox describes a sandbox instance.
type Sandbox struct {
	Name string `toml:"name"`
	// Program selects the built-in program run by the emulator
	Program string `toml:"program"`
	// Image is an optional ELF path within Root, loaded before the
	// program runs at its entry point
	Image string   `toml:"image"`
	Args  []string `toml:"args"`
	Env   []string `toml:"env"`

	// Base and Size delimit the sandbox physical memory
	Base    uint32   `toml:"base"`
	Size    uint32   `toml:"size"`
	Regions []Region `toml:"region"`

	// Root is the host directory served to POSIX calls
	Root     string `toml:"root"`
	ReadOnly bool   `toml:"read_only"`

	AlarmVRQ uint32 `toml:"alarm_vrq"`

	GPIO []Unit `toml:"gpio"`
	UART []Unit `toml:"uart"`
	SPI  []Unit `toml:"spi"`
}

// Config represents the daemon configuration.
type Config struct {
	Monitor   Monitor   `toml:"monitor"`
	NonSecure NonSecure `toml:"nonsecure"`
	Network   Network   `toml:"network"`
	Block     Block     `toml:"block"`
	Console   Console   `toml:"console"`
	Sandboxes []Sandbox `toml:"sandbox"`
}

// Default returns the configuration used for omitted settings.
func Default() *Config {
	return &Config{
		Monitor: Monitor{
			Slice:   Duration{tssi.GrantedTimeSlice},
			Idle:    Duration{tssi.IdleTimeSlice},
			Retries: tssi.DefaultRetries,
			Workers: DefaultWorkers,
		},
		NonSecure: NonSecure{
			Base: DefaultNonSecureBase,
			Size: DefaultNonSecureSize,
		},
		Network: Network{
			Address: DefaultAddress,
		},
		Console: Console{
			Listen: DefaultListen,
		},
	}
}

// Load decodes a configuration file over the defaults.
func Load(path string) (c *Config, err error) {
	c = Default()

	md, err := toml.DecodeFile(path, c)

	if err != nil {
		return nil, fmt.Errorf("could not decode %s, %w", path, err)
	}

	if err = c.check(md); err != nil {
		return nil, err
	}

	return
}

// Decode parses a configuration over the defaults.
func Decode(data string) (c *Config, err error) {
	c = Default()

	md, err := toml.Decode(data, c)

	if err != nil {
		return
	}

	if err = c.check(md); err != nil {
		return nil, err
	}

	return
}

func (c *Config) check(md toml.MetaData) error {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown setting %s", undecoded[0])
	}

	return c.normalize()
}

func (c *Config) normalize() error {
	names := make(map[string]bool)

	for i := range c.Sandboxes {
		s := &c.Sandboxes[i]

		if s.Name == "" {
			return fmt.Errorf("sandbox %d has no name", i)
		}

		if names[s.Name] {
			return fmt.Errorf("duplicate sandbox %s", s.Name)
		}

		names[s.Name] = true

		if s.Program == "" {
			return fmt.Errorf("sandbox %s has no program", s.Name)
		}

		if s.Image != "" && s.Root == "" {
			return fmt.Errorf("sandbox %s image requires a root", s.Name)
		}

		if s.Base == 0 {
			s.Base = DefaultSandboxBase
		}

		if s.Size == 0 {
			s.Size = DefaultSandboxSize
		}

		if s.AlarmVRQ >= sandbox.MaxVRQ {
			return fmt.Errorf("sandbox %s has invalid alarm VRQ", s.Name)
		}
	}

	if c.Monitor.Workers <= 0 {
		c.Monitor.Workers = DefaultWorkers
	}

	return nil
}

// ParseAttr converts a region attribute string.
func ParseAttr(s string) (attr mem.Attr, err error) {
	for _, c := range s {
		switch c {
		case 'r':
			attr |= mem.Data
		case 'w':
			attr |= mem.Write
		case 'x':
			attr |= mem.Code
		default:
			return 0, fmt.Errorf("invalid region attribute %q", c)
		}
	}

	return
}

// ParsePerm converts a peripheral permission string.
func ParsePerm(s string) (perm sandbox.Perm, err error) {
	for _, c := range s {
		switch c {
		case 'r':
			perm |= sandbox.PermRead
		case 'w':
			perm |= sandbox.PermWrite
		case 'm':
			perm |= sandbox.PermSetMode
		default:
			return 0, fmt.Errorf("invalid permission %q", c)
		}
	}

	return
}

// Table returns the validated region table of a sandbox, regions default
// to a code region on the lower half of the sandbox memory and a data one
// on the upper half.
func (s *Sandbox) Table() (t mem.Table, err error) {
	regions := s.Regions

	if len(regions) == 0 {
		half := s.Size / 2

		regions = []Region{
			{Base: s.Base, Size: half, Attr: "rx"},
			{Base: s.Base + half, Size: s.Size - half, Attr: "rw"},
		}
	}

	if len(regions) > mem.MaxRegions {
		return t, fmt.Errorf("too many regions (%d)", len(regions))
	}

	for i, r := range regions {
		attr, err := ParseAttr(r.Attr)

		if err != nil {
			return t, err
		}

		end := r.Base + r.Size

		if end < r.Base || r.Base < s.Base || end > s.Base+s.Size {
			return t, fmt.Errorf("region %d outside sandbox memory", i)
		}

		t[i] = mem.Region{
			Base: r.Base,
			End:  end,
			Attr: attr,
			Used: true,
		}
	}

	if err = t.Validate(); err != nil {
		return
	}

	if t[0].Attr&mem.Code == 0 {
		return t, errors.New("region 0 is not executable")
	}

	return
}

// NonSecureTable returns the region table of the NonSecure World memory.
func (c *Config) NonSecureTable() mem.Table {
	return mem.NonSecureTable(c.NonSecure.Base, c.NonSecure.Size)
}
