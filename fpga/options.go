// Copyright (C) 2020 Google LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package fpga

import "time"

// Config holds the tunables of a Device.
type Config struct {
	// VendorID and DeviceID identify the expected image on the app PF.
	VendorID uint16
	DeviceID uint16

	// StatusPollAttempts bounds the number of reads while waiting for a
	// Status reply, StatusPollInterval is the sleep between them.
	StatusPollAttempts int
	StatusPollInterval time.Duration

	// TransmitSettle is the wait between committing a frame and checking
	// the transmit complete bit.
	TransmitSettle time.Duration

	// ResetSettle is the wait after a coprocessor memory reset.
	ResetSettle time.Duration

	// SysfsRoot is the PCI bus directory used by Open.
	SysfsRoot string
}

func defaultConfig() Config {
	return Config{
		VendorID:           amazonVendorID,
		DeviceID:           defaultDeviceID,
		StatusPollAttempts: 1000,
		StatusPollInterval: time.Microsecond,
		TransmitSettle:     time.Microsecond,
		ResetSettle:        time.Microsecond,
		SysfsRoot:          "/sys/bus/pci",
	}
}

// Option is a functional option for configuring a Device.
type Option func(*Config)

// WithIdentity sets the PCI vendor and device id the loaded image must report.
func WithIdentity(vendor, device uint16) Option {
	return func(c *Config) {
		c.VendorID = vendor
		c.DeviceID = device
	}
}

// WithStatusPoll sets how many times, and how often, the stream is polled
// for a Status reply.
func WithStatusPoll(attempts int, interval time.Duration) Option {
	return func(c *Config) {
		c.StatusPollAttempts = attempts
		c.StatusPollInterval = interval
	}
}

// WithTransmitSettle sets the wait after committing a transmit frame.
func WithTransmitSettle(d time.Duration) Option {
	return func(c *Config) {
		c.TransmitSettle = d
	}
}

// WithResetSettle sets the wait after a coprocessor memory reset.
func WithResetSettle(d time.Duration) Option {
	return func(c *Config) {
		c.ResetSettle = d
	}
}

// WithSysfsRoot points Open at a different PCI bus directory.
func WithSysfsRoot(root string) Option {
	return func(c *Config) {
		c.SysfsRoot = root
	}
}
